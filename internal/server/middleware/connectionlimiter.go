package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/a-essam23/go-taskhub/pkg/config"
)

// IPConnectionCounter reports how many live connections an IP holds.
type IPConnectionCounter func(ip string) int

// retryAfterSeconds is advertised to clients turned away by the limiter.
const retryAfterSeconds = 5

// NewConnectionLimiter turns away upgrades from an IP that already holds
// MaxPerIP connections. A limit of 0 disables the check.
func NewConnectionLimiter(logger *slog.Logger, counter IPConnectionCounter, limits config.ConnectionLimitConfig) Middleware {
	if limits.MaxPerIP <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if count := counter(reqMeta.IP); count >= limits.MaxPerIP {
				logger.Warn("IP connection limit reached",
					slog.String("ip", reqMeta.IP),
					slog.String("requestID", reqMeta.RequestID),
					slog.Int("count", count),
					slog.Int("max", limits.MaxPerIP))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
