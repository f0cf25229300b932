package middleware

import (
	"log/slog"
	"net/http"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/auth"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
)

// NewHandshakeAuth verifies the connection handshake carried in the query
// string: clientId, clientType, key, desc. An untrusted caller is rejected
// before any relay state is created.
func NewHandshakeAuth(logger *slog.Logger, verifier auth.Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			q := r.URL.Query()
			hs := protocol.Handshake{
				ClientID:   q.Get("clientId"),
				ClientType: q.Get("clientType"),
				Key:        q.Get("key"),
				Desc:       q.Get("desc"),
			}
			if hs.ClientID == "" || hs.Key == "" {
				logger.Warn("handshake missing clientId or key", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if hs.Key == protocol.KeyRequestValue {
				// Key issuance happens on the key endpoint, never during
				// the socket upgrade.
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			kind, ok := parseKind(hs.ClientType)
			if !ok {
				logger.Warn("handshake with unknown client type",
					slog.String("ip", reqMeta.IP), slog.String("clientType", hs.ClientType))
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			if err := verifier.Verify(hs.ClientID, hs.Key); err != nil {
				logger.Warn("handshake key rejected",
					slog.String("ip", reqMeta.IP),
					slog.String("clientId", hs.ClientID),
					slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.ClientID = hs.ClientID
			reqMeta.ClientType = kind
			reqMeta.Desc = hs.Desc
			reqMeta.Reconnect = q.Get("reconnect") == "1" || q.Get("reconnect") == "true"
			next.ServeHTTP(w, r)
		})
	}
}

func parseKind(s string) (state.IdentityKind, bool) {
	switch state.IdentityKind(s) {
	case state.KindClient, state.KindBackend, state.KindMonitor:
		return state.IdentityKind(s), true
	}
	return "", false
}
