// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// bytes and SHA-256 digests over them. Every hash the engine records, from
// spec hashes to runpack roots, is computed here.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS encodes v with encoding/json, so struct tags and custom marshalers
// apply, and canonicalizes the result: object keys sorted by UTF-16 code
// units, numbers in ECMAScript shortest form, minimal string escaping, no
// insignificant whitespace.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal: %w", err)
	}
	return Transform(raw)
}

// Transform canonicalizes JSON text. Invalid JSON and numbers outside the
// IEEE 754 double range are rejected. Top-level scalars are accepted.
func Transform(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("jcs: transform: invalid JSON")
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		out, err := jcs.Transform(trimmed)
		if err != nil {
			return nil, fmt.Errorf("jcs: transform: %w", err)
		}
		return out, nil
	}

	// The transformer only parses containers; canonicalize a scalar as the
	// sole element of an array.
	wrapped := make([]byte, 0, len(trimmed)+2)
	wrapped = append(append(append(wrapped, '['), trimmed...), ']')
	out, err := jcs.Transform(wrapped)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform: %w", err)
	}
	if len(out) < 2 || out[0] != '[' || out[len(out)-1] != ']' {
		return nil, fmt.Errorf("jcs: transform: unexpected output %q", out)
	}
	return out[1 : len(out)-1], nil
}

// JCSString is JCS as a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes is the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
