// ABOUTME: HTTP middleware for admin authentication
// ABOUTME: Reads X-Admin-Token or a bearer token and adds the identity to the request context

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/kilo-gateway/internal/problem"
)

// AdminTokenHeader carries an admin credential without the Bearer scheme.
const AdminTokenHeader = "X-Admin-Token"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ExtractCredential returns the admin credential on r. X-Admin-Token wins
// over Authorization when both are present.
func ExtractCredential(r *http.Request) (string, string) {
	if tok := strings.TrimSpace(r.Header.Get(AdminTokenHeader)); tok != "" {
		return tok, ""
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// HTTPAuthMiddleware rejects requests without an accepted credential.
func HTTPAuthMiddleware(authn Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, errMsg := ExtractCredential(r)
			if errMsg != "" {
				problem.Write(w, problem.TypeUnauthorized, http.StatusUnauthorized, errMsg)
				return
			}

			authCtx, err := authn.Authenticate(r.Context(), cred)
			if err != nil {
				if !errors.Is(err, ErrUnauthenticated) {
					logger.Error("authenticator failure", "error", err)
					problem.Write(w, problem.TypeInternal, http.StatusInternalServerError, "credential check failed")
					return
				}
				problem.Write(w, problem.TypeUnauthorized, http.StatusUnauthorized, "invalid credential")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// OptionalAuthMiddleware attaches the identity when a valid credential is
// present and otherwise continues as anonymous.
func OptionalAuthMiddleware(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, errMsg := ExtractCredential(r)
			if errMsg != "" {
				next.ServeHTTP(w, r)
				return
			}

			authCtx, err := authn.Authenticate(r.Context(), cred)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
