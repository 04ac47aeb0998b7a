package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when no object exists at the requested key.
	// Callers treat it as a valid, non-error control-flow response where
	// absence is meaningful (tag reads, head checks).
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned by WriteIfAbsent when an object
	// already exists at the key. This is expected when multiple workers
	// race to create the same lock marker.
	ErrPreconditionFailed = errors.New("precondition failed: object exists")
)

// FileInfo represents metadata about a stored object.
type FileInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// Storage defines the interface for object storage operations.
type Storage interface {
	// Write stores content from the reader with the given key.
	// The size parameter is the expected content size (-1 if unknown).
	// The contentType parameter specifies the MIME type of the content.
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// WriteIfAbsent stores content only if no object exists at the key.
	// The create must be atomic at the store: two concurrent calls for the
	// same key result in exactly one success, the other receives
	// ErrPreconditionFailed. Never implemented as head-then-put.
	WriteIfAbsent(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Read retrieves content for the given key.
	// The caller is responsible for closing the returned ReadCloser.
	// Returns ErrNotFound if no object exists at the key.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the content with the given key.
	// Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Stat returns metadata for the object at the given key.
	// Returns ErrNotFound if no object exists at the key.
	Stat(ctx context.Context, key string) (FileInfo, error)

	// List returns information about all objects with keys starting with
	// the given prefix.
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	// Exists checks if content with the given key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// TagObject sets a single tag on an existing object.
	TagObject(ctx context.Context, key, tagKey, tagValue string) error

	// GetObjectTags returns the tag set of the object at the given key.
	// Returns ErrNotFound if no object exists at the key.
	GetObjectTags(ctx context.Context, key string) (map[string]string, error)
}
