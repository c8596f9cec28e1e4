package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

type memBucket struct {
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemBucket() *memBucket {
	return &memBucket{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBucket) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBucket) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBucket) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func TestReceiptArchiver(t *testing.T) {
	bucket := newMemBucket()
	a := NewReceiptArchiver(bucket, bucket, "/receipts/prod/")
	ctx := context.Background()

	res := domain.MultiTxResult{
		ExecutionID: "exec-1",
		Status:      domain.ExecSucceeded,
		Steps:       []domain.StepOutcome{{Type: domain.StepDeposit, Status: domain.StepConfirmed, Signature: "sig"}},
		StartedAt:   time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("x", -3600)),
	}

	ok, err := a.Archived(ctx, res)
	require.NoError(t, err)
	assert.False(t, ok)

	key, err := a.Archive(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, "receipts/prod/2026/03/10/exec-1.json", key)
	assert.Equal(t, "application/json", bucket.types[key])

	ok, err = a.Archived(ctx, res)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := a.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, res.ExecutionID, got.ExecutionID)
	assert.Equal(t, []string{"sig"}, got.Signatures())

	_, err = a.Fetch(ctx, "receipts/missing.json")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReceiptArchiverErrors(t *testing.T) {
	bucket := newMemBucket()
	a := NewReceiptArchiver(bucket, bucket, "")

	_, err := a.Archive(context.Background(), domain.MultiTxResult{})
	require.Error(t, err)

	bucket.putErr = errors.New("503")
	_, err = a.Archive(context.Background(), domain.MultiTxResult{ExecutionID: "e"})
	require.Error(t, err)
	assert.Empty(t, bucket.objects)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://r2.example.com", normaliseEndpoint("https://r2.example.com", false))
}
