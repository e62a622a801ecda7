package auth

import (
	"context"
	"log/slog"
	"net/http"
)

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by Require, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Require returns middleware enforcing op's Policy entry. Requests without a
// valid bearer credential get 401, those whose role is not admitted get 403.
// Operations that need no credential pass straight through.
func (g *Gate) Require(op Operation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if roles, ok := Policy[op]; ok && roles == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := g.Validate(r.Header.Get("Authorization"))
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}
			if err := AuthorizeOperation(p, op); err != nil {
				slog.Info("access denied",
					"subject", p.Subject,
					"role", p.Role,
					"operation", op,
				)
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
