package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/famledger/internal/auth"
	"github.com/dukerupert/famledger/internal/policy"
	"github.com/dukerupert/famledger/internal/store"
)

// RequireAuth validates the bearer token and loads the member it names, so
// the actor's role and family reflect the store rather than the token.
func RequireAuth(tokens *auth.JWTManager, members *store.MemberStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			memberID, err := tokens.Validate(bearerToken(r))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			member, err := members.GetByID(r.Context(), memberID)
			if err != nil {
				logger.Error("load member for request", "member_id", memberID, "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if member == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			ctx := auth.WithActor(r.Context(), policy.ActorFor(member))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireFamily rejects actors that have not joined a family yet.
func RequireFamily(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.FamilyID(r.Context()) == 0 {
			writeError(w, http.StatusForbidden, "join a family first")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter that browser websocket clients must use.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("access_token")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
