package cowstore

import (
	"crypto/sha256"
	"encoding/hex"
)

// sha256Hasher is the default types.Hasher: a 256-bit collision-resistant
// digest encoded hex, matching the on-wire digest format (§6).
type sha256Hasher struct{}

func (sha256Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
