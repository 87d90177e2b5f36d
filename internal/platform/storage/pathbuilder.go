package storage

import (
	"fmt"
	"strings"
	"time"
)

// ReceiptObjectPath returns the object key of an archived receipt. Receipts are partitioned by the
// month the order completed.
func ReceiptObjectPath(orderCode string, completedAt time.Time) (string, error) {
	code, err := validateSegment("orderCode", orderCode)
	if err != nil {
		return "", err
	}
	completedAt = completedAt.UTC()
	return fmt.Sprintf("receipts/%04d/%02d/%s.html", completedAt.Year(), int(completedAt.Month()), code), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
