package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// DocumentID derives the stable document identity from a canonical filing URL.
func DocumentID(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return "doc_" + hex.EncodeToString(sum[:8])
}

// ContentHash fingerprints normalized document text so a re-fetch that
// returns identical content can be recognized.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
