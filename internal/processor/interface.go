package processor

import (
	"context"

	"github.com/pixmill/resized/internal/dedup"
)

// ImageProcessor resizes one uploaded object at most once, coordinating
// with concurrent workers through the store. Implementations also satisfy
// mq.UploadEventHandler by extracting the key and delegating to Process.
type ImageProcessor interface {
	Process(ctx context.Context, key string) (dedup.Outcome, error)
}
