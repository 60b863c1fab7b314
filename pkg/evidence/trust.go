package evidence

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
)

// ErrTrustViolation marks evidence that may not participate in evaluation.
var ErrTrustViolation = errors.New("evidence: trust policy violation")

// SchemeEd25519 is the only accepted signature scheme.
const SchemeEd25519 = "ed25519"

// TrustPolicy decides whether provider evidence is admissible. The zero
// value checks lanes and hashes but does not demand signatures.
type TrustPolicy struct {
	// RequireSignature demands an Ed25519 signature over the evidence
	// hash from one of AcceptedKeys.
	RequireSignature bool
	AcceptedKeys     map[string]ed25519.PublicKey
}

// Violation is a rejected Result with the reason it was rejected.
type Violation struct {
	Code   string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrTrustViolation, v.Code, v.Reason)
}

func (v *Violation) Unwrap() error { return ErrTrustViolation }

// Enforce normalises the evidence hash of res and checks it against req and
// the policy. On success the returned Result carries the computed hash of
// its value. A non-nil error is a *Violation; the caller must treat
// the leaf as Unknown.
func (p TrustPolicy) Enforce(res Result, req TrustRequirement) (Result, error) {
	if !res.Lane.Satisfies(req.MinLane) {
		return res, &Violation{Code: CodeTrustViolation, Reason: fmt.Sprintf("lane %q below required %q", res.Lane, req.MinLane)}
	}
	if res.Value == nil {
		return res, nil
	}
	computed, err := res.Value.Hash()
	if err != nil {
		return res, &Violation{Code: CodeHashMismatch, Reason: fmt.Sprintf("evidence value cannot be hashed: %v", err)}
	}
	if res.EvidenceHash != nil && !res.EvidenceHash.Equal(computed) {
		return res, &Violation{Code: CodeHashMismatch, Reason: "declared evidence hash does not match value"}
	}
	res.EvidenceHash = &computed

	if p.RequireSignature {
		if err := p.verifySignature(res.Signature, computed); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p TrustPolicy) verifySignature(sig *Signature, digest canonicalize.HashDigest) error {
	if sig == nil {
		return &Violation{Code: CodeSignatureInvalid, Reason: "signature required but missing"}
	}
	if sig.Scheme != SchemeEd25519 {
		return &Violation{Code: CodeSignatureInvalid, Reason: fmt.Sprintf("unsupported signature scheme %q", sig.Scheme)}
	}
	key, ok := p.AcceptedKeys[sig.KeyID]
	if !ok || len(key) != ed25519.PublicKeySize {
		return &Violation{Code: CodeSignatureInvalid, Reason: fmt.Sprintf("key %q is not accepted", sig.KeyID)}
	}
	msg, err := canonicalize.JCS(digest)
	if err != nil {
		return &Violation{Code: CodeSignatureInvalid, Reason: err.Error()}
	}
	if !ed25519.Verify(key, msg, sig.Signature) {
		return &Violation{Code: CodeSignatureInvalid, Reason: "signature does not verify"}
	}
	return nil
}

// Sign produces the signature a provider attaches to evidence with the
// given hash.
func Sign(priv ed25519.PrivateKey, keyID string, digest canonicalize.HashDigest) (*Signature, error) {
	msg, err := canonicalize.JCS(digest)
	if err != nil {
		return nil, err
	}
	return &Signature{Scheme: SchemeEd25519, KeyID: keyID, Signature: ed25519.Sign(priv, msg)}, nil
}
