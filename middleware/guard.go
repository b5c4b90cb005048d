package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Mode selects how much a guard verifies.
type Mode uint8

const (
	// ModeJWTOnly verifies the access token and nothing else.
	ModeJWTOnly Mode = iota
	// ModeStrict also requires a live token family and consults the anomaly
	// gate for blocks and challenges.
	ModeStrict
)

// AccessParser verifies an access token and returns its claims.
// *jwt.Manager satisfies it.
type AccessParser interface {
	Parse(token string) (map[string]any, error)
}

// SessionGate reports anomaly decisions for a user and whether a token family
// is still alive.
type SessionGate interface {
	IsBlocked(ctx context.Context, userID, ip string) (bool, error)
	RequiresChallenge(ctx context.Context, userID string) (bool, error)
	FamilyActive(ctx context.Context, familyID string) (bool, error)
}

// Guard rejects requests without a valid bearer access token and injects the
// claims into the request context.
func Guard(parser AccessParser, gate SessionGate, mode Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if parser == nil || (mode == ModeStrict && gate == nil) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := parser.Parse(token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			sub, _ := claims["sub"].(string)
			if typ, _ := claims["typ"].(string); typ != "access" || sub == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if mode == ModeStrict {
				fid, _ := claims["fid"].(string)
				if fid == "" {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				live, err := gate.FamilyActive(r.Context(), fid)
				if err != nil {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				if !live {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}

				ip := ClientIP(r.Context())
				if ip == "" {
					ip = remoteHost(r.RemoteAddr)
				}
				blocked, err := gate.IsBlocked(r.Context(), sub, ip)
				if err != nil {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				if blocked {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
				challenge, err := gate.RequiresChallenge(r.Context(), sub)
				if err != nil {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				if challenge {
					w.Header().Set("X-Challenge-Required", "true")
					http.Error(w, "challenge required", http.StatusForbidden)
					return
				}
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
