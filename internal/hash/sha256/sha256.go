// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements news.TitleHasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashTitle digests the lower-cased, trimmed title. The URL is deliberately
// left out so the same headline from two providers collapses to one article.
// Empty titles hash to the empty string.
func (h *Hasher) HashTitle(title string) string {
	normalized := strings.ToLower(strings.TrimSpace(title))
	if normalized == "" {
		return ""
	}
	return h.Hash([]byte(normalized))
}
