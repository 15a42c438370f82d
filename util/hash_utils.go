package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode hashes a byte slice. Used for page checksums.
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}
