package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/etabli/idgen"
	"github.com/hazyhaar/etabli/kit"
)

// RequestID assigns an id to each request and injects it into the context,
// the X-Request-ID response header and a per-request structured logger. A
// well-formed incoming X-Request-ID is kept.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := idgen.Parse(r.Header.Get("X-Request-ID"))
		if err != nil {
			id = idgen.New()
		}
		ip := ExtractIP(r)

		ctx := kit.WithRequestID(r.Context(), id)
		ctx = kit.WithRemoteAddr(ctx, ip)
		w.Header().Set("X-Request-ID", id)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", ip,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("shield: request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
