package middleware

import (
	"net/http"
)

// RequireStrict returns a [Guard] in [ModeStrict]. Access tokens must carry
// the fid claim of a family the gate reports as live.
func RequireStrict(parser AccessParser, gate SessionGate) func(http.Handler) http.Handler {
	return Guard(parser, gate, ModeStrict)
}
