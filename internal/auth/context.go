package auth

import "context"

type contextKey struct{}

// WithClaims returns a context carrying validated JWT claims. The HTTP
// auth middleware attaches them; handlers and MCP tools read them back.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext extracts the JWT claims from the context, or nil when
// the request never passed authentication.
func ClaimsFromContext(ctx context.Context) *Claims {
	if v, ok := ctx.Value(contextKey{}).(*Claims); ok {
		return v
	}
	return nil
}
