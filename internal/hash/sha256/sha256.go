// Package sha256 provides SHA-256 digests for archive keys and content checks.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the hex digest of data.
func (Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex digest of s.
func (h Hasher) HashString(s string) string {
	return h.Hash([]byte(s))
}
