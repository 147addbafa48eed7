// Package sha256 provides the content hash used for record pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements bundle.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Sum returns the raw digest of data.
func (h *Hasher) Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Hex returns the hex-encoded digest of data, used to name stored pages.
func (h *Hasher) Hex(data []byte) string {
	return hex.EncodeToString(h.Sum(data))
}
