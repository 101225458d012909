package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const tokenPrefixKey contextKey = "token_prefix"

func setTokenPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, tokenPrefixKey, prefix)
}

// GetTokenPrefix returns the prefix of the authenticated bearer token.
func GetTokenPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(tokenPrefixKey).(string)
	return prefix, ok
}

// WithTokenPrefix marks ctx as authenticated. Used by tests that bypass Auth.
func WithTokenPrefix(ctx context.Context, prefix string) context.Context {
	return setTokenPrefix(ctx, prefix)
}
