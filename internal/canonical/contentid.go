package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// IDLength is the length of a content identifier in hex characters.
const IDLength = 32

func init() {
	// The identifier is a truncation of the hex digest; a digest shorter
	// than the truncation length is a fatal configuration error.
	if hex.EncodedLen(sha256.Size) < IDLength {
		panic("canonical: hash output shorter than content id length")
	}
}

// ContentID derives the identifier naming b: the hex digest of
// sha256(sha256(b)), truncated to IDLength characters.
//
// The identifier is a pure function of the canonical bytes, which makes
// resubmission of identical content idempotent.
func ContentID(b []byte) string {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return hex.EncodeToString(second[:])[:IDLength]
}
