// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 content addressing. Decision hashes, policy
// version hashes, and snapshot IDs all go through this package so that
// equal values always hash equal, regardless of map ordering or
// marshaling quirks.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v. The
// value is first marshaled with encoding/json (so struct tags are
// respected), then transformed into canonical form.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// HashBytes computes the SHA-256 digest of raw bytes, prefixed with the
// algorithm for self-description.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// CanonicalHash returns HashBytes over the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
