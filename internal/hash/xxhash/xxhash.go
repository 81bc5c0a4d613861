// Package xxhash provides a fast non-cryptographic content hasher.
package xxhash

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hasher implements crawler.Hasher using XXH64.
type Hasher struct{}

// New returns an XXH64 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the fixed-width hex form of the XXH64 digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}
