package response

import (
	"fmt"
	"net/http"
	"runtime/debug"

	apperrors "github.com/Huitrn/Compareware-sub002/pkg/errors"
	"github.com/Huitrn/Compareware-sub002/pkg/logger"
)

type statusWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware converts handler panics into an INTERNAL error response
// and a structured log line carrying the request ID, instead of killing the
// process. A handler that already wrote its header keeps its response.
func RecoveryMiddleware(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w}
		defer func() {
			if v := recover(); v != nil {
				if log != nil {
					log.WithContext(r.Context()).
						WithField("requestId", RequestIDFromRequest(r)).
						WithField("path", r.URL.Path).
						Error(fmt.Sprintf("handler panic: %v\n%s", v, debug.Stack()))
				}
				if !wrapped.wroteHeader {
					WriteErrorCode(wrapped, r, apperrors.CodeInternal, "internal server error")
				}
			}
		}()
		next.ServeHTTP(wrapped, r)
	})
}
