package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

const valueSize = 32

// ErrMalformedValue is returned by ParseValue for values that could not have
// been produced by NewValue.
var ErrMalformedValue = errors.New("malformed refresh token value")

// NewValue returns a fresh opaque refresh-token value: 32 random bytes,
// base64url without padding.
func NewValue() (string, error) {
	var raw [valueSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// ParseValue checks that value has the shape NewValue produces. It lets
// callers reject garbage before spending a store round-trip on it.
func ParseValue(value string) error {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(raw) != valueSize {
		return ErrMalformedValue
	}
	return nil
}
