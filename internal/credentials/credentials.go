// Package credentials provides API key generation and hashing primitives.
package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	// DefaultPrefix is prepended to every generated key unless overridden.
	DefaultPrefix = "aims_"

	// keyBytes is the entropy of the random part (256 bits, 64 hex chars).
	keyBytes = 32

	// PrefixDisplayLen is how many leading characters of a raw key are kept
	// for operator identification. Never enough to reconstruct the key.
	PrefixDisplayLen = 8

	// HashLen is the length of a hex-encoded SHA-256 digest.
	HashLen = 64
)

// Generator produces raw API keys with a configurable prefix.
type Generator struct {
	prefix string
}

// NewGenerator creates a generator. An empty prefix falls back to DefaultPrefix.
func NewGenerator(prefix string) *Generator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Generator{prefix: prefix}
}

// Generate returns a new raw API key: prefix followed by 64 hex characters
// from a cryptographically secure source.
func (g *Generator) Generate() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return g.prefix + hex.EncodeToString(buf), nil
}

// Hash returns the lowercase hex SHA-256 of the raw key. Only this value is
// ever persisted; the raw key exists in memory at issuance time only.
func Hash(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the first eight characters of a raw key for display.
func Prefix(rawKey string) string {
	if len(rawKey) < PrefixDisplayLen {
		return rawKey
	}
	return rawKey[:PrefixDisplayLen]
}

// HashEqual compares two key hashes in constant time. The inputs are already
// SHA-256 digests, but the final equality is still kept timing-safe.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
