package evidence

import (
	"encoding/json"
	"errors"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/comparator"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
)

// Record is the auditable trace of one predicate evaluation. Value is kept
// only when disclosure is allowed; the hash is always kept.
type Record struct {
	Predicate    string                   `json:"predicate"`
	Query        Query                    `json:"query"`
	Status       logic.TriState           `json:"status"`
	Lane         TrustLane                `json:"lane"`
	Value        *Value                   `json:"value,omitempty"`
	EvidenceHash *canonicalize.HashDigest `json:"evidence_hash,omitempty"`
	EvidenceRef  *Ref                     `json:"evidence_ref,omitempty"`
	Anchor       *Anchor                  `json:"evidence_anchor,omitempty"`
	Signature    *Signature               `json:"signature,omitempty"`
	ContentType  string                   `json:"content_type,omitempty"`
	Error        *ProviderErrorInfo       `json:"error,omitempty"`
}

// Check is one comparison against provider evidence.
type Check struct {
	Predicate  string
	Query      Query
	Comparator comparator.Comparator
	Expected   json.RawMessage
	Trust      TrustRequirement
}

// Evaluator turns provider results into predicate outcomes.
type Evaluator struct {
	Policy   TrustPolicy
	Disclose bool
}

// Apply resolves c against res. A result with a provider error or a trust
// violation is Unknown whatever the comparator, so exists and not_exists
// cannot read a failure as absence.
func (e Evaluator) Apply(c Check, res Result) (logic.TriState, Record) {
	rec := Record{Predicate: c.Predicate, Query: c.Query, Lane: res.Lane, Error: res.Error}
	if res.Error != nil {
		rec.Status = logic.Unknown
		return logic.Unknown, rec
	}

	checked, err := e.Policy.Enforce(res, c.Trust)
	rec.EvidenceHash = checked.EvidenceHash
	rec.EvidenceRef = checked.EvidenceRef
	rec.Anchor = checked.Anchor
	rec.Signature = checked.Signature
	rec.ContentType = checked.ContentType
	if err != nil {
		var v *Violation
		if errors.As(err, &v) {
			rec.Error = &ProviderErrorInfo{Code: v.Code, Message: v.Reason}
		}
		rec.Status = logic.Unknown
		return logic.Unknown, rec
	}
	if e.Disclose {
		rec.Value = checked.Value
	}

	var status logic.TriState
	switch {
	case checked.Value == nil:
		status = comparator.Compare(c.Comparator, nil, c.Expected)
	case checked.Value.Kind == ValueBytes:
		status = comparator.CompareBytes(c.Comparator, checked.Value.Bytes, c.Expected)
	default:
		status = comparator.Compare(c.Comparator, checked.Value.JSON, c.Expected)
	}
	rec.Status = status
	return status, rec
}
