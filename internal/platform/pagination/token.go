package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Keyset is the position of the last row of a page in a listing ordered by creation time then ID,
// both descending.
type Keyset struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

// IsZero reports whether k marks the start of a listing.
func (k Keyset) IsZero() bool {
	return k.ID == "" && k.CreatedAt.IsZero()
}

// EncodeToken renders k as a base64 URL-safe page token. The zero keyset encodes to "".
func EncodeToken(k Keyset) (string, error) {
	if k.IsZero() {
		return "", nil
	}
	if strings.TrimSpace(k.ID) == "" || k.CreatedAt.IsZero() {
		return "", fmt.Errorf("pagination: encode token: keyset needs both time and id")
	}
	k.CreatedAt = k.CreatedAt.UTC()
	data, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a token produced by EncodeToken. An empty token is the zero keyset; a token
// missing either field is invalid.
func DecodeToken(token string) (Keyset, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Keyset{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Keyset{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var k Keyset
	if err := json.Unmarshal(decoded, &k); err != nil {
		return Keyset{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if strings.TrimSpace(k.ID) == "" || k.CreatedAt.IsZero() {
		return Keyset{}, fmt.Errorf("%w: keyset needs both time and id", ErrInvalidPageToken)
	}
	k.CreatedAt = k.CreatedAt.UTC()
	return k, nil
}
