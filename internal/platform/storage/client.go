package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultDownloadExpiry = 24 * time.Hour
	// maxDownloadExpiry is the V4 signing limit.
	maxDownloadExpiry = 7 * 24 * time.Hour
)

var (
	errNoSigner       = errors.New("storage: signer is required")
	errInvalidBucket  = errors.New("storage: bucket name is required")
	errInvalidObject  = errors.New("storage: object name is required")
	errExpiryTooLong  = errors.New("storage: expiry exceeds permitted maximum")
	errContextMissing = errors.New("storage: context is required")
)

// Client generates V4 signed download URLs backed by a Signer.
type Client struct {
	signer Signer
	now    func() time.Time
}

// NewClient constructs a signed URL client. A nil clock uses time.Now.
func NewClient(signer Signer, now func() time.Time) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	if now == nil {
		now = time.Now
	}
	return &Client{signer: signer, now: now}, nil
}

// DownloadOptions shape the response served for a signed download.
type DownloadOptions struct {
	ExpiresIn    time.Duration
	Disposition  string
	ResponseType string
}

// SignedURLResult describes a generated signed URL.
type SignedURLResult struct {
	URL       string
	ExpiresAt time.Time
}

// SignedDownloadURL signs a GET URL for bucket/object.
func (c *Client) SignedDownloadURL(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURLResult, error) {
	if c == nil {
		return SignedURLResult{}, errNoSigner
	}
	if ctx == nil {
		return SignedURLResult{}, errContextMissing
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURLResult{}, errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedURLResult{}, errInvalidObject
	}
	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = defaultDownloadExpiry
	}
	if expiry > maxDownloadExpiry {
		return SignedURLResult{}, errExpiryTooLong
	}

	query := url.Values{}
	if opts.Disposition != "" {
		query.Set("response-content-disposition", opts.Disposition)
	}
	if opts.ResponseType != "" {
		query.Set("response-content-type", opts.ResponseType)
	}
	expiresAt := c.now().Add(expiry)
	urlOpts := &storage.SignedURLOptions{
		GoogleAccessID: c.signer.Email(),
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		Expires:        expiresAt,
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	}
	if len(query) > 0 {
		urlOpts.QueryParameters = query
	}

	signed, err := storage.SignedURL(bucket, object, urlOpts)
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURLResult{URL: signed, ExpiresAt: expiresAt}, nil
}
