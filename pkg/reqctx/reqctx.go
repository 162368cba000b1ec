package reqctx

import (
	"context"

	"github.com/google/uuid"
)

// HeaderRequestID is the wire header carrying the correlation id on inbound
// requests and outbound webhook deliveries.
const HeaderRequestID = "X-Request-ID"

// Info is the ambient correlation state for one request scope: the request
// id plus the method and path it arrived on. It is immutable once bound.
type Info struct {
	RequestID string
	Method    string
	Path      string
}

type ctxKey struct{}

// With binds the correlation info to the context.
func With(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// From returns the correlation info bound to ctx, if any.
func From(ctx context.Context) (Info, bool) {
	if ctx == nil {
		return Info{}, false
	}
	info, ok := ctx.Value(ctxKey{}).(Info)
	return info, ok
}

// RequestID returns the bound correlation id, or "" when the context carries
// none.
func RequestID(ctx context.Context) string {
	info, _ := From(ctx)
	return info.RequestID
}

// Detach returns a fresh context carrying the same correlation info as ctx
// but none of its deadlines or cancellation. Background work spawned from a
// request scope uses this so outbound calls still carry the originating
// request id after the HTTP handler returns.
func Detach(ctx context.Context) context.Context {
	out := context.Background()
	if info, ok := From(ctx); ok {
		out = With(out, info)
	}
	return out
}

// NewID generates a fresh correlation id.
func NewID() string {
	return uuid.New().String()
}

// ValidID reports whether an inbound request id is acceptable: non-empty,
// at most 128 bytes, printable ASCII with no spaces. Anything else is
// replaced rather than propagated into logs and outbound headers.
func ValidID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
