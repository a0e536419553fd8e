// Package sha256 provides hex SHA-256 digests for fingerprints and blob names.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hex returns the hex-encoded SHA-256 digest of data.
func Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HexString returns the hex-encoded SHA-256 digest of s.
func HexString(s string) string {
	return Hex([]byte(s))
}
