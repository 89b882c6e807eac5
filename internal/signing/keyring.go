// Package signing loads ed25519 signing keys and produces the detached
// signatures attached to outbound submissions.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeyRing maps record owners to their private signing keys.
//
// The ring is loaded once at startup and read-only afterwards; there is no
// key rotation during a run.
type KeyRing struct {
	keys map[string]ed25519.PrivateKey
}

// Load builds a KeyRing holding a single owner's key read from keyFile.
func Load(owner, keyFile string) (*KeyRing, error) {
	ring := &KeyRing{keys: make(map[string]ed25519.PrivateKey)}
	if err := ring.add(owner, keyFile); err != nil {
		return nil, err
	}
	return ring, nil
}

// LoadRing reads a YAML keyring file mapping owner names to key file paths
// and loads every key.
//
// Example keyring:
//
//	alice: /etc/dzsyncd/alice.key
//	auditor: /etc/dzsyncd/auditor.key
func LoadRing(path string) (*KeyRing, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}

	var entries map[string]string
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("keyring %s has no entries", path)
	}

	ring := &KeyRing{keys: make(map[string]ed25519.PrivateKey, len(entries))}
	for owner, file := range entries {
		if err := ring.add(owner, file); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

// Owners returns the owner names with a loaded key.
func (r *KeyRing) Owners() []string {
	owners := make([]string, 0, len(r.keys))
	for owner := range r.keys {
		owners = append(owners, owner)
	}
	return owners
}

// Has reports whether a key is loaded for owner.
func (r *KeyRing) Has(owner string) bool {
	_, ok := r.keys[owner]
	return ok
}

func (r *KeyRing) add(owner, keyFile string) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("empty owner name for key file %s", keyFile)
	}

	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return fmt.Errorf("read key for %s: %w", owner, err)
	}

	key, err := parseKey(raw)
	if err != nil {
		return fmt.Errorf("key for %s: %w", owner, err)
	}

	r.keys[owner] = key
	return nil
}

// parseKey accepts a raw 64-byte ed25519 private key, a raw 32-byte seed,
// or a base64/hex text encoding of either.
func parseKey(raw []byte) (ed25519.PrivateKey, error) {
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	}

	text := strings.TrimSpace(string(raw))
	if decoded, err := base64.StdEncoding.DecodeString(text); err == nil {
		return parseDecoded(decoded)
	}
	if decoded, err := hex.DecodeString(text); err == nil {
		return parseDecoded(decoded)
	}
	return nil, fmt.Errorf("unsupported key format (%d bytes)", len(raw))
}

func parseDecoded(decoded []byte) (ed25519.PrivateKey, error) {
	switch len(decoded) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	}
	return nil, fmt.Errorf("decoded key has invalid length %d", len(decoded))
}
