package repositories

import (
	"github.com/rasoibox/api/internal/platform/pagination"
)

// EncodeOrderCursor renders the position of the last order of a page as an opaque page token.
func EncodeOrderCursor(cursor OrderCursor) (string, error) {
	if cursor.ID == "" {
		return "", nil
	}
	return pagination.EncodeToken(pagination.Keyset{CreatedAt: cursor.CreatedAt, ID: cursor.ID})
}

// OrderCursorFromKeyset converts a decoded page token into an order cursor; the zero keyset yields nil.
func OrderCursorFromKeyset(k pagination.Keyset) *OrderCursor {
	if k.IsZero() {
		return nil
	}
	return &OrderCursor{CreatedAt: k.CreatedAt.UTC(), ID: k.ID}
}
