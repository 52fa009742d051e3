package cid

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
)

// ContextKey is the type used for storing CID in context to avoid collisions.
type ContextKey struct{}

// HeaderName is the HTTP header used to propagate the correlation id on
// the admin surface. Incoming requests that already carry it keep their
// value; otherwise the middleware generates a fresh KSUID.
const HeaderName = "X-PH-CID"

// AttributeName is the span attribute key used to attach CID to spans.
const AttributeName = "ph.cid"

// WithCID returns a new context containing the provided correlation id.
func WithCID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, ContextKey{}, cid)
}

// CIDFromContext extracts the correlation id from context, if present.
func CIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ContextKey{}).(string); ok {
		return v
	}
	return ""
}

// Middleware ensures every admin request has a correlation id, stored on
// the request context and echoed in the response header.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderName)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Request = c.Request.WithContext(WithCID(c.Request.Context(), id))
		c.Header(HeaderName, id)
		c.Next()
	}
}
