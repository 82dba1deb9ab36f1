package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/litepub/idgen"
	"github.com/hazyhaar/litepub/kit"
)

// requestIDs generates the short per-request identifiers.
var requestIDs = idgen.NanoID(8)

// RequestID tags each request with a short identifier and injects it
// into the context, the X-Request-ID response header, and a
// per-request structured logger stored under LoggerKey. An inbound
// X-Request-ID is honored so proxies can correlate their own logs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = requestIDs()
		}
		w.Header().Set("X-Request-ID", id)

		ip := ExtractIP(r)
		ctx := kit.WithRequestID(r.Context(), id)
		ctx = kit.WithRemoteAddr(ctx, ip)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", ip,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Info("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
