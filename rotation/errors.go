package rotation

import "errors"

var (
	// ErrInvalidToken is returned for unknown, malformed or orphaned refresh
	// tokens.
	ErrInvalidToken = errors.New("invalid refresh token")
	// ErrTokenExpired is returned for refresh tokens past their lifetime.
	ErrTokenExpired = errors.New("refresh token expired")
	// ErrTokenReplay is returned when a revoked refresh token is presented.
	// The family has been revoked by the time the caller sees it.
	ErrTokenReplay = errors.New("refresh token reuse detected")
	// ErrDeviceMismatch is returned when the presenting device differs from
	// the one the token was issued to.
	ErrDeviceMismatch = errors.New("device fingerprint mismatch")
	// ErrMissingFingerprint is returned when fingerprints are required and
	// none was supplied.
	ErrMissingFingerprint = errors.New("device fingerprint required")
	// ErrFamilyCompromised tags log and audit records of revoked families.
	// Service methods return ErrTokenReplay instead.
	ErrFamilyCompromised = errors.New("token family compromised")
	// ErrMissingUser is returned by CreateTokenPair without a user id.
	ErrMissingUser = errors.New("user id required")
)
