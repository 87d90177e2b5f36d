package storage

import (
	"testing"
	"time"
)

func TestReceiptObjectPath(t *testing.T) {
	path, err := ReceiptObjectPath("12345678", time.Date(2024, 6, 10, 23, 30, 0, 0, time.FixedZone("PDT", -7*3600)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expected := "receipts/2024/06/12345678.html"; path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestReceiptObjectPathRejectsInvalidCode(t *testing.T) {
	for _, code := range []string{"", "../etc", "a/b"} {
		if _, err := ReceiptObjectPath(code, time.Now()); err == nil {
			t.Fatalf("expected error for %q", code)
		}
	}
}
