package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// ReceiptArchiver stores terminal execution receipts in cold storage.
type ReceiptArchiver interface {
	Archive(ctx context.Context, res MultiTxResult) (string, error)
}
