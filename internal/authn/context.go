package authn

import "context"

type ctxKey struct{}

// WithPrincipal attaches the resolved principal to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFromContext returns the principal attached by WithPrincipal,
// or the anonymous principal when none is set.
func PrincipalFromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(ctxKey{}).(Principal); ok {
		return p
	}
	return Anonymous()
}
