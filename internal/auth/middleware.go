package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	kverrors "github.com/devrev/kvpk/internal/errors"
	"github.com/gorilla/mux"
)

type contextKey struct{}

// WithTenant returns a context carrying the authenticated tenant.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenant)
}

// TenantFromContext returns the tenant set by Middleware.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(contextKey{}).(string)
	return tenant, ok && tenant != ""
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", kverrors.Unauthorized("Unauthorized: No authorization header.", http.StatusUnauthorized)
	}

	// "Bearer  tok" yields an empty token: only the field after the first
	// space is considered.
	scheme, rest, _ := strings.Cut(header, " ")
	if scheme != "Bearer" {
		return "", kverrors.Unauthorized("Unauthorized: Invalid token type, expected `Bearer`.", http.StatusUnauthorized)
	}

	token, _, _ := strings.Cut(rest, " ")
	if token == "" {
		return "", kverrors.Unauthorized("Unauthorized: No token provided.", http.StatusUnauthorized)
	}

	return token, nil
}

// Middleware verifies the bearer token of every request before it reaches
// the handler and stores the resulting tenant in the request context. The
// audience is the configured one or, when empty, the request host.
func Middleware(authn Authenticator, audience string, errHandler *kverrors.Handler) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ParseBearer(r.Header.Get("Authorization"))
			if err != nil {
				errHandler.HandleError(w, r, err)
				return
			}

			aud := audience
			if aud == "" {
				aud = requestHostname(r)
			}

			tenant, err := authn.Verify(r.Context(), token, aud)
			if err != nil {
				errHandler.HandleError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
		})
	}
}

func requestHostname(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}
