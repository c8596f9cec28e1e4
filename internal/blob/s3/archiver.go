package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// ObjectReader is the read side the archiver needs.
type ObjectReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ReceiptArchiver implements domain.ReceiptArchiver. Each terminal result is
// stored as one JSON object at
//
//	{prefix}/{yyyy}/{mm}/{dd}/{execution_id}.json
//
// keyed by the start date so a resumed execution lands on the same key.
type ReceiptArchiver struct {
	writer domain.BlobWriter
	reader ObjectReader
	prefix string
}

// NewReceiptArchiver creates an archiver; prefix defaults to "receipts".
func NewReceiptArchiver(w domain.BlobWriter, r ObjectReader, prefix string) *ReceiptArchiver {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "receipts"
	}
	return &ReceiptArchiver{writer: w, reader: r, prefix: prefix}
}

// ReceiptPath returns the object key for a result.
func (a *ReceiptArchiver) ReceiptPath(res domain.MultiTxResult) string {
	return path.Join(a.prefix, res.StartedAt.UTC().Format("2006/01/02"), res.ExecutionID+".json")
}

// Archive uploads the receipt and returns its key.
func (a *ReceiptArchiver) Archive(ctx context.Context, res domain.MultiTxResult) (string, error) {
	if res.ExecutionID == "" {
		return "", fmt.Errorf("s3blob: archive receipt: missing execution id")
	}
	buf, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: encode receipt %s: %w", res.ExecutionID, err)
	}
	key := a.ReceiptPath(res)
	if err := a.writer.Put(ctx, key, bytes.NewReader(buf), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive receipt %s: %w", res.ExecutionID, err)
	}
	return key, nil
}

// Fetch reads a receipt back by key.
func (a *ReceiptArchiver) Fetch(ctx context.Context, key string) (domain.MultiTxResult, error) {
	body, err := a.reader.Get(ctx, key)
	if err != nil {
		return domain.MultiTxResult{}, err
	}
	defer body.Close()

	var res domain.MultiTxResult
	if err := json.NewDecoder(body).Decode(&res); err != nil {
		return domain.MultiTxResult{}, fmt.Errorf("s3blob: decode receipt %s: %w", key, err)
	}
	return res, nil
}

// Archived reports whether the result already has a stored receipt.
func (a *ReceiptArchiver) Archived(ctx context.Context, res domain.MultiTxResult) (bool, error) {
	return a.reader.Exists(ctx, a.ReceiptPath(res))
}

var _ domain.ReceiptArchiver = (*ReceiptArchiver)(nil)
