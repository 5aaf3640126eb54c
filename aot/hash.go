package aot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSource returns the content hash cache entries are keyed by.
func HashSource(source string) [HashSize]byte {
	return sha256.Sum256([]byte(source))
}

// HashHex returns the lowercase hex form of h.
func HashHex(h [HashSize]byte) string {
	return hex.EncodeToString(h[:])
}

// ParseHash parses a 64-character hex hash.
func ParseHash(s string) ([HashSize]byte, error) {
	var h [HashSize]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("aot: bad hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("aot: bad hash %q: want %d bytes, got %d", s, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}
