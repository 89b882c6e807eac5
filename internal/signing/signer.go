package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrUnknownOwner is returned when no key is loaded for the requested owner.
// The caller treats this as a validation failure on the single record, not a
// reason to abort the batch.
var ErrUnknownOwner = errors.New("unknown signing owner")

// Signer produces detached signatures over canonical bytes.
type Signer struct {
	ring *KeyRing
}

// NewSigner creates a Signer backed by the given ring.
func NewSigner(ring *KeyRing) *Signer {
	return &Signer{ring: ring}
}

// Sign signs data with the owner's private key and returns the signature
// base64-encoded without padding.
func (s *Signer) Sign(data []byte, owner string) (string, error) {
	key, ok := s.ring.keys[owner]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
	}
	sig := ed25519.Sign(key, data)
	return base64.RawStdEncoding.EncodeToString(sig), nil
}
