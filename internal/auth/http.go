// ABOUTME: HTTP middleware for JWT authentication on API and websocket endpoints
// ABOUTME: Reads the bearer token (or token query parameter) and adds the tenant to context

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

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

// RequestToken returns the identity token carried by r. Browsers cannot set
// headers on a websocket handshake, so the "token" query parameter is accepted
// when no Authorization header is present.
func RequestToken(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// writeAuthError writes a JSON error body like every other API error.
func writeAuthError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPAuthMiddleware rejects requests without a valid identity token and puts
// the tenant into the request context. A nil logger disables failure logging.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := RequestToken(r)
			if errMsg != "" {
				logFailure(logger, r, "token_extraction_failed", errMsg)
				writeAuthError(w, errMsg, http.StatusUnauthorized)
				return
			}

			tenantID, err := verifier.Verify(token)
			if err != nil {
				logFailure(logger, r, "token_verification_failed", err.Error())
				writeAuthError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{TenantID: tenantID})))
		})
	}
}

func logFailure(logger *slog.Logger, r *http.Request, reason, detail string) {
	if logger == nil {
		return
	}
	logger.Warn("http auth failure",
		"reason", reason,
		"detail", detail,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	)
}
