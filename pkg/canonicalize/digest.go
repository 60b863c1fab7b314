package canonicalize

import (
	"crypto/subtle"
	"fmt"
	"strings"
)

// AlgorithmSHA256 is the only hash algorithm emitted and accepted.
const AlgorithmSHA256 = "sha256"

// HashDigest is a hash value tagged with its algorithm.
type HashDigest struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DigestBytes hashes raw bytes.
func DigestBytes(data []byte) HashDigest {
	return HashDigest{Algorithm: AlgorithmSHA256, Value: HashBytes(data)}
}

// Digest hashes the canonical JSON form of v.
func Digest(v interface{}) (HashDigest, error) {
	b, err := JCS(v)
	if err != nil {
		return HashDigest{}, err
	}
	return DigestBytes(b), nil
}

// Equal compares two digests in constant time over the value.
func (d HashDigest) Equal(o HashDigest) bool {
	if d.Algorithm != o.Algorithm || len(d.Value) != len(o.Value) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(d.Value)), []byte(strings.ToLower(o.Value))) == 1
}

// IsZero reports whether d is unset.
func (d HashDigest) IsZero() bool { return d.Algorithm == "" && d.Value == "" }

func (d HashDigest) String() string {
	return fmt.Sprintf("%s:%s", d.Algorithm, d.Value)
}
