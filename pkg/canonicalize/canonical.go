// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 digests for deterministic identifiers.
//
// Every identifier the compiler emits (task IDs, plan content hashes,
// evidence bundle hashes) flows through this package so that the same
// logical value always hashes to the same string, across processes and
// across machines.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON form of v.
//
// v is first marshaled with encoding/json (respecting struct tags), then
// transformed so map keys are sorted by UTF-8 bytes and number formatting
// follows the JCS rules.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 16 hex characters of the canonical hash of v.
// Used for human-facing identifiers where the full digest is unwieldy.
func ShortHash(v any) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return h[:16], nil
}
