package ratelimit

import "errors"

var (
	// ErrRateLimitExceeded is returned when a budget is exhausted.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrUnknownRule is returned by Get for names that are not configured.
	ErrUnknownRule = errors.New("unknown rate limit rule")
	// ErrInvalidRule is returned for rules without a window or budget.
	ErrInvalidRule = errors.New("invalid rate limit rule")
	// ErrInvalidBan is returned for bans without identifier or length.
	ErrInvalidBan = errors.New("invalid ban")
)
