package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

type fakeSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (f *fakeSigner) Email() string {
	return f.email
}

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

func TestSignedDownloadURL(t *testing.T) {
	signer := &fakeSigner{email: "receipts@rasoibox.iam.gserviceaccount.com"}
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	client, err := NewClient(signer, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	res, err := client.SignedDownloadURL(context.Background(), "rasoibox-receipts", "receipts/2025/01/12345678.html", DownloadOptions{
		ExpiresIn:    time.Hour,
		ResponseType: "text/html",
	})
	if err != nil {
		t.Fatalf("SignedDownloadURL: %v", err)
	}
	if !res.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", res.ExpiresAt)
	}
	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.Contains(parsed.Path, "12345678.html") {
		t.Fatalf("expected object in path, got %s", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("X-Goog-Expires") != "3600" || query.Get("response-content-type") != "text/html" {
		t.Fatalf("unexpected query %v", query)
	}
	if !strings.Contains(query.Get("X-Goog-Credential"), signer.email) {
		t.Fatalf("expected signer email in credential, got %s", query.Get("X-Goog-Credential"))
	}
	if len(signer.payloads) != 1 {
		t.Fatalf("expected one signing call, got %d", len(signer.payloads))
	}
}

func TestSignedDownloadURLValidation(t *testing.T) {
	client, err := NewClient(&fakeSigner{email: "svc@example.com"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()
	if _, err := client.SignedDownloadURL(ctx, "", "obj", DownloadOptions{}); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected bucket error, got %v", err)
	}
	if _, err := client.SignedDownloadURL(ctx, "bucket", " ", DownloadOptions{}); !errors.Is(err, errInvalidObject) {
		t.Fatalf("expected object error, got %v", err)
	}
	if _, err := client.SignedDownloadURL(ctx, "bucket", "obj", DownloadOptions{ExpiresIn: 8 * 24 * time.Hour}); !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected expiry error, got %v", err)
	}
	if _, err := NewClient(&fakeSigner{}, nil); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected signer error, got %v", err)
	}
}

func TestSignedDownloadURLSignerFailure(t *testing.T) {
	client, err := NewClient(&fakeSigner{email: "svc@example.com", err: errors.New("kms down")}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.SignedDownloadURL(context.Background(), "bucket", "obj", DownloadOptions{}); err == nil {
		t.Fatalf("expected signing error")
	}
}
