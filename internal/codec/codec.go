// Package codec decodes, resizes and re-encodes images. It is deliberately
// dumb plumbing: all concurrency and dedup concerns live elsewhere.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	// Registers webp decoding with image.Decode. imaging cannot encode
	// webp, so resized webp sources are re-encoded as JPEG.
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned for keys without a supported image
// extension and for bytes that do not decode as an image.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// DefaultJPEGQuality is used when no quality is configured.
const DefaultJPEGQuality = 85

// extFormats maps supported extensions to their output encoding. webp maps
// to JPEG because imaging has no webp encoder; everything else round-trips
// in its source format.
var extFormats = map[string]imaging.Format{
	".jpg":  imaging.JPEG,
	".jpeg": imaging.JPEG,
	".png":  imaging.PNG,
	".bmp":  imaging.BMP,
	".gif":  imaging.GIF,
	".tiff": imaging.TIFF,
	".tif":  imaging.TIFF,
	".webp": imaging.JPEG,
}

var extContentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".bmp":  "image/bmp",
	".gif":  "image/gif",
	".tiff": "image/tiff",
	".tif":  "image/tiff",
	".webp": "image/jpeg",
}

// Codec resizes images to fit a square bounding box, preserving aspect
// ratio and never upscaling.
type Codec struct {
	maxDim      int
	jpegQuality int
	supported   map[string]struct{}
}

// New creates a Codec. extensions restricts the supported set; an empty
// slice allows every extension the codec can encode. Extensions are
// matched case-insensitively, with or without a leading dot.
func New(maxDim, jpegQuality int, extensions []string) *Codec {
	if jpegQuality <= 0 {
		jpegQuality = DefaultJPEGQuality
	}

	supported := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if _, ok := extFormats[ext]; ok {
			supported[ext] = struct{}{}
		}
	}
	if len(extensions) == 0 {
		for ext := range extFormats {
			supported[ext] = struct{}{}
		}
	}

	return &Codec{
		maxDim:      maxDim,
		jpegQuality: jpegQuality,
		supported:   supported,
	}
}

// SupportedExtension reports whether the key's extension is a supported
// image format.
func (c *Codec) SupportedExtension(key string) bool {
	_, ok := c.supported[strings.ToLower(filepath.Ext(key))]
	return ok
}

// Resize decodes data, scales it down to fit the configured bounding box
// (longest side = maxDim, aspect preserved, no upscaling) and re-encodes
// it. The key picks the output encoding by extension. Returns the encoded
// bytes and their content type.
func (c *Codec) Resize(data []byte, key string) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(key))

	format, ok := extFormats[ext]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if _, ok := c.supported[ext]; !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode %s: %v", ErrUnsupportedFormat, key, err)
	}

	resized := img
	bounds := img.Bounds()
	if bounds.Dx() > c.maxDim || bounds.Dy() > c.maxDim {
		resized = imaging.Fit(img, c.maxDim, c.maxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format, imaging.JPEGQuality(c.jpegQuality)); err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", key, err)
	}

	return buf.Bytes(), extContentTypes[ext], nil
}

// MaxDimension returns the configured bounding-box side length.
func (c *Codec) MaxDimension() int {
	return c.maxDim
}
