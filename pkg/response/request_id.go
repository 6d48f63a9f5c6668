package response

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/Huitrn/Compareware-sub002/pkg/logger"
	"github.com/Huitrn/Compareware-sub002/pkg/tracing"
)

// RequestIDHeader carries the caller-supplied correlation ID. The same value
// ends up in saga audit entries, so generated IDs are prefixed to stay
// recognizable in the audit trail.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// ContextWithRequestID stores request ID in context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext reads request ID from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// RequestIDMiddleware ensures every request carries a correlation ID: the
// caller's header wins, then the active trace ID, then a generated req-
// value. The ID is echoed on the response and planted in the logger context
// so service log lines correlate with audit entries without extra plumbing.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if reqID == "" {
			reqID = tracing.TraceIDFromContext(r.Context())
		}
		if reqID == "" {
			reqID = newRequestID()
		}
		if reqID != "" {
			r.Header.Set(RequestIDHeader, reqID)
			w.Header().Set(RequestIDHeader, reqID)
			ctx := ContextWithRequestID(r.Context(), reqID)
			ctx = logger.ContextWithRequestID(ctx, reqID)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func newRequestID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return ""
	}
	return "req-" + hex.EncodeToString(buf[:])
}
