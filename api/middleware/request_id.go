package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

const (
	requestIDHeader    = "X-Request-Id"
	maxInboundIDLength = 64
)

// RequestID ensures every request carries a correlation id. Client
// supplied ids survive so callers can trace an upload end to end;
// blank or unusable values are replaced with a fresh UUID.
func RequestID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := sanitizeRequestID(r.Header.Get(requestIDHeader))
			if reqID == "" {
				reqID = uuid.NewString()
			}

			w.Header().Set(requestIDHeader, reqID)

			ctx := r.Context()
			if logg != nil {
				ctx = logg.WithRequestID(ctx, reqID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// sanitizeRequestID rejects ids that would pollute structured logs.
func sanitizeRequestID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxInboundIDLength {
		return ""
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return ""
		}
	}
	return id
}
