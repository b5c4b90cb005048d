package middleware

import "context"

type (
	clientIPKey    struct{}
	nonceKey       struct{}
	fingerprintKey struct{}
	claimsKey      struct{}
)

// ClientIP returns the client address resolved by the security pipeline.
func ClientIP(ctx context.Context) string {
	v, _ := ctx.Value(clientIPKey{}).(string)
	return v
}

// Nonce returns the CSP nonce of the current response.
func Nonce(ctx context.Context) string {
	v, _ := ctx.Value(nonceKey{}).(string)
	return v
}

// Fingerprint returns the device fingerprint computed for the request.
func Fingerprint(ctx context.Context) string {
	v, _ := ctx.Value(fingerprintKey{}).(string)
	return v
}

// ClaimsFromContext returns the access-token claims injected by a guard.
func ClaimsFromContext(ctx context.Context) (map[string]any, bool) {
	c, ok := ctx.Value(claimsKey{}).(map[string]any)
	return c, ok
}

// UserID returns the sub claim injected by a guard.
func UserID(ctx context.Context) string {
	c, ok := ClaimsFromContext(ctx)
	if !ok {
		return ""
	}
	sub, _ := c["sub"].(string)
	return sub
}
