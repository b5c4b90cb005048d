package token

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hasher derives the at-rest digest of a refresh-token value.
//
// With a non-empty pepper the digest is keyed BLAKE2b-256; an empty pepper
// gives plain BLAKE2b-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher keyed with pepper. BLAKE2b accepts keys of at
// most 64 bytes; longer peppers are first reduced with BLAKE2b-512.
func NewHasher(pepper []byte) Hasher {
	if len(pepper) == 0 {
		return Hasher{}
	}
	key := pepper
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	return Hasher{key: append([]byte(nil), key...)}
}

// Hash returns the hex digest of value.
func (h Hasher) Hash(value string) string {
	if len(h.key) == 0 {
		sum := blake2b.Sum256([]byte(value))
		return hex.EncodeToString(sum[:])
	}
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// unreachable: key length is bounded by NewHasher
		panic(err)
	}
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
