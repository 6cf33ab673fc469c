package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"veritas/internal/domain"
)

// ContentHasher is SHA-256 over the canonical encoding, as lowercase hex.
type ContentHasher struct{}

func NewContentHasher() ContentHasher { return ContentHasher{} }

func (ContentHasher) Hash(v domain.Value) string {
	return SHA256Hex(Canonicalize(v))
}

func (h ContentHasher) HashAny(in any) (string, error) {
	v, err := domain.FromAny(in)
	if err != nil {
		return "", err
	}
	return h.Hash(v), nil
}

func SHA256Hex(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}
