package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/rasoibox/api/internal/services"
)

// ReceiptArchive uploads rendered receipts to Cloud Storage.
type ReceiptArchive struct {
	client *gcs.Client
	bucket string
	urls   *Client
	expiry time.Duration
	now    func() time.Time
}

// ReceiptArchiveConfig wires a ReceiptArchive. URLs is optional: without it ArchiveReceipt returns
// a gs:// reference instead of a signed link.
type ReceiptArchiveConfig struct {
	Client     *gcs.Client
	Bucket     string
	URLs       *Client
	LinkExpiry time.Duration
	Clock      func() time.Time
}

// NewReceiptArchive validates cfg.
func NewReceiptArchive(cfg ReceiptArchiveConfig) (*ReceiptArchive, error) {
	if cfg.Client == nil {
		return nil, errors.New("receipt archive: storage client is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ReceiptArchive{
		client: cfg.Client,
		bucket: bucket,
		urls:   cfg.URLs,
		expiry: cfg.LinkExpiry,
		now:    clock,
	}, nil
}

// ArchiveReceipt writes the receipt HTML and returns a link to it.
func (a *ReceiptArchive) ArchiveReceipt(ctx context.Context, orderCode string, receipt services.RenderedReceipt) (string, error) {
	object, err := ReceiptObjectPath(orderCode, a.now())
	if err != nil {
		return "", err
	}

	w := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "text/html; charset=utf-8"
	w.CacheControl = "private, max-age=0"
	w.ChunkSize = 0
	w.Metadata = map[string]string{"orderCode": orderCode, "subject": receipt.Subject}
	if _, err := w.Write([]byte(receipt.HTML)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("receipt archive: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("receipt archive: upload %s: %w", object, err)
	}

	if a.urls == nil {
		return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
	}
	signed, err := a.urls.SignedDownloadURL(ctx, a.bucket, object, DownloadOptions{
		ExpiresIn:    a.expiry,
		ResponseType: "text/html",
	})
	if err != nil {
		return "", fmt.Errorf("receipt archive: %w", err)
	}
	return signed.URL, nil
}
