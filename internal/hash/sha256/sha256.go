// Package sha256 computes the content fingerprints used as analysis cache
// keys and for in-job duplicate detection.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher satisfies crawler.Hasher. The zero value is ready to use.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the lowercase hex digest of data. It never fails; the error
// exists to satisfy crawler.Hasher.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
