package middleware

import (
	"net/http"
)

// RequireJWTOnly returns a [Guard] in [ModeJWTOnly]: signature and claims are
// checked without any store round-trip.
func RequireJWTOnly(parser AccessParser) func(http.Handler) http.Handler {
	return Guard(parser, nil, ModeJWTOnly)
}
