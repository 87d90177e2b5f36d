package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/rasoibox/api/internal/services"
)

type fakeGCS struct {
	mu     sync.Mutex
	bodies []string
	paths  []string
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(body))
	f.paths = append(f.paths, r.URL.Path)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"bucket":"rasoibox-receipts","name":"receipts/2024/06/12345678.html","size":"10"}`)
}

func newFakeGCSClient(t *testing.T) (*gcs.Client, *fakeGCS) {
	t.Helper()
	fake := &fakeGCS{}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	client, err := gcs.NewClient(context.Background(),
		option.WithEndpoint(server.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("storage.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, fake
}

func TestReceiptArchiveUploadsAndSigns(t *testing.T) {
	client, fake := newFakeGCSClient(t)
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	urls, err := NewClient(&fakeSigner{email: "receipts@rasoibox.iam.gserviceaccount.com"}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	archive, err := NewReceiptArchive(ReceiptArchiveConfig{
		Client: client,
		Bucket: "rasoibox-receipts",
		URLs:   urls,
		Clock:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewReceiptArchive: %v", err)
	}

	link, err := archive.ArchiveReceipt(context.Background(), "12345678", services.RenderedReceipt{
		Subject: "Your Rasoi Box order #12345678",
		HTML:    "<p>Chana Masala</p>",
	})
	if err != nil {
		t.Fatalf("ArchiveReceipt: %v", err)
	}
	if !strings.Contains(link, "receipts/2024/06/12345678.html") || !strings.Contains(link, "X-Goog-Signature") {
		t.Fatalf("expected signed link to archived object, got %s", link)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.bodies) != 1 || !strings.Contains(fake.bodies[0], "<p>Chana Masala</p>") {
		t.Fatalf("expected receipt html uploaded, got %v", fake.bodies)
	}
	if !strings.Contains(fake.paths[0], "/b/rasoibox-receipts/o") {
		t.Fatalf("unexpected upload path %s", fake.paths[0])
	}
}

func TestReceiptArchiveWithoutSignerReturnsGSReference(t *testing.T) {
	client, _ := newFakeGCSClient(t)
	archive, err := NewReceiptArchive(ReceiptArchiveConfig{
		Client: client,
		Bucket: "rasoibox-receipts",
		Clock:  func() time.Time { return time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewReceiptArchive: %v", err)
	}
	link, err := archive.ArchiveReceipt(context.Background(), "12345678", services.RenderedReceipt{HTML: "<p>x</p>"})
	if err != nil {
		t.Fatalf("ArchiveReceipt: %v", err)
	}
	if link != "gs://rasoibox-receipts/receipts/2024/06/12345678.html" {
		t.Fatalf("unexpected link %s", link)
	}
}

func TestNewReceiptArchiveValidation(t *testing.T) {
	if _, err := NewReceiptArchive(ReceiptArchiveConfig{}); err == nil {
		t.Fatalf("expected error without client")
	}
}
