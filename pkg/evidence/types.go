// Package evidence defines the provider contract for evidence queries, the
// trust-lane model, and the registry that dispatches queries with bounded
// time and rate.
//
// Evidence failures never escape as errors into gate evaluation: a failed,
// slow, unknown or untrusted provider yields a Result without a usable value,
// which the comparator layer resolves to Unknown.
package evidence

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
)

// TrustLane classifies how much an evidence value can be relied on.
type TrustLane string

const (
	// LaneAsserted is evidence the caller or an unverified source claims.
	LaneAsserted TrustLane = "asserted"
	// LaneVerified is evidence a provider observed or checked itself.
	LaneVerified TrustLane = "verified"
)

func (l TrustLane) rank() int {
	switch l {
	case LaneVerified:
		return 1
	case LaneAsserted:
		return 0
	}
	return -1
}

// Valid reports whether l is a known lane.
func (l TrustLane) Valid() bool { return l.rank() >= 0 }

// Satisfies reports whether evidence in lane l meets min.
func (l TrustLane) Satisfies(min TrustLane) bool {
	return l.Valid() && l.rank() >= min.rank()
}

// ParseTrustLane maps a configuration string to a lane. Empty is verified.
func ParseTrustLane(s string) (TrustLane, error) {
	switch TrustLane(s) {
	case "", LaneVerified:
		return LaneVerified, nil
	case LaneAsserted:
		return LaneAsserted, nil
	}
	return "", fmt.Errorf("evidence: unknown trust lane %q", s)
}

// TrustRequirement is the minimum lane a leaf needs.
type TrustRequirement struct {
	MinLane TrustLane `json:"min_lane"`
}

// DefaultTrustRequirement requires verified evidence.
func DefaultTrustRequirement() TrustRequirement {
	return TrustRequirement{MinLane: LaneVerified}
}

// Stricter returns whichever of r and o demands the higher lane. Overrides
// can tighten a global requirement but never loosen it.
func (r TrustRequirement) Stricter(o *TrustRequirement) TrustRequirement {
	if o == nil {
		return r
	}
	if o.MinLane.rank() > r.MinLane.rank() {
		return *o
	}
	return r
}

// Query addresses one check of one provider.
type Query struct {
	ProviderID string          `json:"provider_id"`
	CheckID    string          `json:"check_id"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// Timestamp is a caller-supplied time: wall-clock milliseconds or a logical
// counter. Exactly one field is set.
type Timestamp struct {
	UnixMillis *int64  `json:"unix_millis,omitempty"`
	Logical    *uint64 `json:"logical,omitempty"`
}

// UnixMillis builds a wall-clock timestamp.
func UnixMillis(ms int64) Timestamp { return Timestamp{UnixMillis: &ms} }

// Logical builds a logical timestamp.
func Logical(n uint64) Timestamp { return Timestamp{Logical: &n} }

// Valid reports whether exactly one representation is set.
func (t Timestamp) Valid() bool { return (t.UnixMillis == nil) != (t.Logical == nil) }

// Elapsed returns t - since in the shared unit, saturated to the int64
// range. ok is false when the two timestamps use different representations.
func (t Timestamp) Elapsed(since Timestamp) (delta int64, ok bool) {
	switch {
	case t.UnixMillis != nil && since.UnixMillis != nil:
		return subMillis(*t.UnixMillis, *since.UnixMillis), true
	case t.Logical != nil && since.Logical != nil:
		return subLogical(*t.Logical, *since.Logical), true
	}
	return 0, false
}

func subMillis(a, b int64) int64 {
	switch {
	case b > 0 && a < math.MinInt64+b:
		return math.MinInt64
	case b < 0 && a > math.MaxInt64+b:
		return math.MaxInt64
	}
	return a - b
}

func subLogical(a, b uint64) int64 {
	if a >= b {
		if d := a - b; d <= math.MaxInt64 {
			return int64(d)
		}
		return math.MaxInt64
	}
	if d := b - a; d <= math.MaxInt64 {
		return -int64(d)
	}
	return math.MinInt64
}

func (t Timestamp) String() string {
	switch {
	case t.UnixMillis != nil:
		return fmt.Sprintf("unix_millis:%d", *t.UnixMillis)
	case t.Logical != nil:
		return fmt.Sprintf("logical:%d", *t.Logical)
	}
	return "unset"
}

// Context identifies where a query is made from. Time comes from the
// trigger, never from a clock.
type Context struct {
	TenantID      string          `json:"tenant_id"`
	NamespaceID   string          `json:"namespace_id"`
	RunID         string          `json:"run_id"`
	ScenarioID    string          `json:"scenario_id"`
	StageID       string          `json:"stage_id"`
	TriggerID     string          `json:"trigger_id"`
	TriggerTime   Timestamp       `json:"trigger_time"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"-"`
}

// ValueKind tags the representation of a Value.
type ValueKind string

const (
	ValueJSON  ValueKind = "json"
	ValueBytes ValueKind = "bytes"
)

// Value is an evidence value: JSON or raw bytes.
type Value struct {
	Kind  ValueKind       `json:"kind"`
	JSON  json.RawMessage `json:"json,omitempty"`
	Bytes []byte          `json:"bytes,omitempty"`
}

// JSONValue wraps a JSON document.
func JSONValue(raw json.RawMessage) *Value { return &Value{Kind: ValueJSON, JSON: raw} }

// JSONOf marshals v into a JSON value.
func JSONOf(v any) (*Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal value: %w", err)
	}
	return JSONValue(b), nil
}

// BytesValue wraps binary evidence.
func BytesValue(b []byte) *Value { return &Value{Kind: ValueBytes, Bytes: b} }

// Hash returns the content hash of v: the canonical JSON hash for JSON
// values, the raw byte hash for binary values.
func (v *Value) Hash() (canonicalize.HashDigest, error) {
	switch v.Kind {
	case ValueJSON:
		b, err := canonicalize.Transform(v.JSON)
		if err != nil {
			return canonicalize.HashDigest{}, err
		}
		return canonicalize.DigestBytes(b), nil
	case ValueBytes:
		return canonicalize.DigestBytes(v.Bytes), nil
	}
	return canonicalize.HashDigest{}, fmt.Errorf("evidence: unknown value kind %q", v.Kind)
}

// Anchor ties evidence to an external reference point.
type Anchor struct {
	AnchorType  string `json:"anchor_type"`
	AnchorValue string `json:"anchor_value"`
}

// Ref points to evidence content stored elsewhere.
type Ref struct {
	URI string `json:"uri"`
}

// Signature is a provider signature over the evidence hash.
type Signature struct {
	Scheme    string `json:"scheme"`
	KeyID     string `json:"key_id"`
	Signature []byte `json:"signature"`
}

// ProviderErrorInfo is the recorded form of a provider failure.
type ProviderErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is a provider's answer to one query.
type Result struct {
	Value        *Value                   `json:"value,omitempty"`
	Lane         TrustLane                `json:"lane"`
	Error        *ProviderErrorInfo       `json:"error,omitempty"`
	EvidenceHash *canonicalize.HashDigest `json:"evidence_hash,omitempty"`
	EvidenceRef  *Ref                     `json:"evidence_ref,omitempty"`
	Anchor       *Anchor                  `json:"evidence_anchor,omitempty"`
	Signature    *Signature               `json:"signature,omitempty"`
	ContentType  string                   `json:"content_type,omitempty"`
}

// Failed builds a Result carrying a provider error and no value.
func Failed(code, message string) Result {
	return Result{Lane: LaneVerified, Error: &ProviderErrorInfo{Code: code, Message: message}}
}

// Error codes recorded on failed results.
const (
	CodeProviderError    = "provider_error"
	CodeProviderTimeout  = "provider_timeout"
	CodeUnknownProvider  = "unknown_provider"
	CodeRateLimited      = "rate_limited"
	CodeTrustViolation   = "trust_violation"
	CodeHashMismatch     = "evidence_hash_mismatch"
	CodeSignatureInvalid = "signature_invalid"
)
