// Package requestid carries the per-request identifier that ties a delegated
// call to the listener's logs. The id travels in the X-Request-Id header and
// in the JSON body of every delegation round trip.
package requestid

import (
	"context"
	"strings"

	"github.com/thesammykins/beep-boop-mcp/internal/uuidv7"
)

// Header is the HTTP header mirroring the body's requestId field.
const Header = "X-Request-Id"

// MaxLength bounds accepted request identifiers.
const MaxLength = 128

type contextKey struct{}

// Normalize trims and validates an identifier. It reports false for empty,
// oversized, or non-printable-ASCII input.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a fresh time-ordered request identifier.
func Generate() string {
	return uuidv7.NewString()
}

// Set returns a context carrying id. Invalid ids leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// FromContext returns the request id carried by ctx, or "".
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(contextKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns ctx carrying a request id, generating one when absent, along
// with the id itself.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return Set(ctx, id), id
}
