package pagination

import "encoding/base64"

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Request carries the caller's paging intent. PageToken is the opaque cursor
// returned by a previous page, or empty for the first page.
type Request struct {
	PageSize  int
	PageToken string
}

// Normalize clamps the page size into [1, MaxPageSize], falling back to
// DefaultPageSize for non-positive values.
func (r Request) Normalize() Request {
	if r.PageSize <= 0 {
		r.PageSize = DefaultPageSize
	}
	if r.PageSize > MaxPageSize {
		r.PageSize = MaxPageSize
	}
	return r
}

// PagedResult is one page of a cursor-paginated query.
type PagedResult[T any] struct {
	Items         []T
	PageSize      int
	NextPageToken string
	HasMorePages  bool
}

// CreateToken encodes a store continuation key as an opaque page token.
func CreateToken(key string) string {
	if key == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// ParseToken recovers the continuation key from a page token. Malformed
// tokens degrade to the empty key, so pagination restarts from the beginning
// instead of failing the request.
func ParseToken(token string) string {
	if token == "" {
		return ""
	}
	key, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ""
	}
	return string(key)
}
