// Package auth protects the ops server's mutating endpoints with service-role
// bearer tokens.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bleepstore/tenantstore/internal/tenant"
)

// skipPaths is the set of paths that do not require authentication.
var skipPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Verifier parses and validates a bearer token.
type Verifier interface {
	Verify(token string) (*tenant.Claims, error)
}

type claimsKey struct{}

// ClaimsFromContext returns the claims of an authenticated request.
func ClaimsFromContext(ctx context.Context) (*tenant.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*tenant.Claims)
	return c, ok
}

// Middleware returns HTTP middleware that requires a bearer token carrying
// role on all requests except those to excluded paths. On success the claims
// are set on the request context.
func Middleware(verifier Verifier, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "MissingToken", "A bearer token is required")
				return
			}
			claims, err := verifier.Verify(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "InvalidToken", err.Error())
				return
			}
			if claims.Role != role {
				writeAuthError(w, http.StatusForbidden, "AccessDenied", "Token role is not allowed")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}
