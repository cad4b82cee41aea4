package core

import (
	"context"
	"io"
)

// ObjectStore is the durable blob collaborator. Put returns a stable
// reference; failure is an ordinary outcome callers must handle.
type ObjectStore interface {
	Put(ctx context.Context, namespace, mediaType string, body io.Reader) (ref string, size int64, err error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}
