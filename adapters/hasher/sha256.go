package hasher

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/satriahrh/skincarebot/domain"
)

// idLength is the number of hex characters kept for image IDs.
const idLength = 16

// New returns a domain.Hasher producing short SHA-256 fingerprints.
func New() domain.Hasher { return sha256Hasher{} }

type sha256Hasher struct{}

func (sha256Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:idLength]
}
