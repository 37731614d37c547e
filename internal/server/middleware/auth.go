package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/keygatedb/keygate/internal/service"
)

type contextKeyAuth string

// AdminKey is the context key for the authenticated admin principal.
const AdminKey contextKeyAuth = "admin_principal"

// AdminAuth returns an HTTP middleware that validates the JWT bearer
// token on admin API requests. On success the admin principal is attached
// to the request context; on failure a 401 JSON error is returned.
func AdminAuth(authSvc *service.Auth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized,
					"Authentication required. Provide a Bearer token.")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			principal, err := authSvc.ValidateJWT(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), AdminKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAdmin extracts the authenticated admin from the context. Returns nil
// on unauthenticated requests.
func GetAdmin(ctx context.Context) *service.JWTPrincipal {
	if p, ok := ctx.Value(AdminKey).(*service.JWTPrincipal); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Manually construct JSON to avoid import cycle with handler package
	w.Write([]byte(`{"error":{"code":` + httpStatusString(status) + `,"message":"` + message + `"}}`))
}

func httpStatusString(code int) string {
	switch code {
	case 401:
		return "401"
	case 403:
		return "403"
	case 429:
		return "429"
	case 503:
		return "503"
	default:
		return "500"
	}
}
