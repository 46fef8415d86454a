// Package domain id.go contains functions to generate, parse, and validate artifact IDs
package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// idBytes is the amount of randomness in an ArtifactID.
const idBytes = 16

// ArtifactID is the canonical identifier for a stored artifact: 128 random
// bits encoded as 32 lowercase hex characters. IDs double as blob file names,
// so the alphabet is kept path-safe.
type ArtifactID string

// NewID generates a new cryptographically random ArtifactID.
func NewID() (ArtifactID, error) {
	var b [idBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return ArtifactID(hex.EncodeToString(b[:])), nil
}

// ParseID validates s and returns it as an ArtifactID.
// Returns ErrInvalidID unless s is exactly 32 lowercase hex characters.
func ParseID(s string) (ArtifactID, error) {
	if !isValidID(s) {
		return "", ErrInvalidID
	}
	return ArtifactID(s), nil
}

func (id ArtifactID) String() string { return string(id) }

// Valid reports whether the ID satisfies the same rules as ParseID.
func (id ArtifactID) Valid() bool { return isValidID(string(id)) }

// Short returns the first 8 characters, enough to tell artifacts apart in logs.
func (id ArtifactID) Short() string {
	if len(id) < 8 {
		return string(id)
	}
	return string(id[:8])
}

func isValidID(s string) bool {
	if len(s) != 2*idBytes {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
