// Package objectstore persists uploaded flow files and per-task result
// archives and recovers them, behind either an S3 bucket or the local
// filesystem.
package objectstore

import (
	"context"
	"io"
)

// Store uploads, fetches and removes objects keyed by an opaque object key
// (the scheduler uses "uploads/<task id>/<file>" for flow files and the
// collector uses "results/<task id>.zip" for result archives).
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
