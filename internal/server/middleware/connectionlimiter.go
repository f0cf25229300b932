package middleware

import (
	"log/slog"
	"net/http"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/config"
)

type ConnectionCounter func(identityID string) int
type ConnectionCycler func(identityID string)

// NewConnectionLimiter bounds live connections per identity. In "cycle"
// mode the oldest connection is closed to make room; in "reject" mode the
// new connection is refused.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter ConnectionCounter,
	cycler ConnectionCycler,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerIdentity <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok || reqMeta.ClientID == "" {
				logger.Error("connection limiter needs authenticated metadata; check middleware order")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			count := counter(reqMeta.ClientID)
			if count < cfg.MaxPerIdentity {
				next.ServeHTTP(w, r)
				return
			}
			logger.Warn("identity connection limit reached",
				slog.String("clientId", reqMeta.ClientID), slog.Int("count", count))
			switch cfg.Mode {
			case "reject":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case "cycle":
				cycler(reqMeta.ClientID)
				next.ServeHTTP(w, r)
			default:
				logger.Error("invalid connection limit mode", slog.String("mode", cfg.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
