package identity

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"identity-service/internal/util"
)

// Middleware authenticates requests with the given verifier and stores the
// resulting assertion on the request context. Requests without a valid
// bearer token are rejected with 401.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				unauthorized(w, "missing bearer token")
				return
			}

			assertion, err := verifier.Verify(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				util.Debug("Token verification failed",
					zap.String("path", r.URL.Path),
					zap.Error(err))
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAssertion(r.Context(), assertion)))
		})
	}
}

// RequireRole gates a route on the assertion's role claim.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assertion, ok := FromContext(r.Context())
			if !ok || assertion.Role != role {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
