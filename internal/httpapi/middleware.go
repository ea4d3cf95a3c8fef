package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
	"github.com/ocx/backend/internal/sessionhub"
)

type ctxKey int

const userIDKey ctxKey = 1

// requireAuth verifies the same bearer JWT sessionhub's WS handshake
// uses (§4.6), so REST and WS share one auth mechanism end to end.
func requireAuth(verifier sessionhub.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if token == "" || token == header {
				writeError(w, errs.ErrUnauthorized)
				return
			}
			claims, err := verifier.Verify(token)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, domain.ID(claims.UserID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userIDFrom(r *http.Request) (domain.ID, bool) {
	id, ok := r.Context().Value(userIDKey).(domain.ID)
	return id, ok
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll || allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
