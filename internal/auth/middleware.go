package auth

import (
	"net/http"
	"strings"
)

// Middleware authenticates requests through a Verifier and injects the
// identity into the request context. When trustOrgHeader is set, an
// X-Org-ID header is accepted without a credential; that mode belongs
// behind an internal gateway only.
func Middleware(verifier Verifier, trustOrgHeader bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authHeader := r.Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				token := strings.TrimPrefix(authHeader, "Bearer ")
				id, err := verifier.Verify(ctx, token)
				if err != nil {
					http.Error(w, "invalid credentials", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, id)))
				return
			}

			if trustOrgHeader {
				if orgID := r.Header.Get("X-Org-ID"); orgID != "" {
					next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, &Identity{OrgID: orgID})))
					return
				}
			}

			http.Error(w, "missing credentials", http.StatusUnauthorized)
		})
	}
}
