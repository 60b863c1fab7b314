// Package scenario defines the immutable workflow definition a run executes:
// ordered stages, their gates, and the predicates the gates are built from.
// Specs are content addressed by the hash of their canonical JSON form.
package scenario

import (
	"encoding/json"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/comparator"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
)

// Spec is a complete scenario definition.
type Spec struct {
	ScenarioID      string          `json:"scenario_id"`
	NamespaceID     string          `json:"namespace_id"`
	SpecVersion     string          `json:"spec_version"`
	Stages          []StageSpec     `json:"stages"`
	Predicates      []PredicateSpec `json:"predicates"`
	Policies        []PolicyRef     `json:"policies,omitempty"`
	DefaultTenantID string          `json:"default_tenant_id,omitempty"`
	Logic           logic.Logic     `json:"logic,omitempty"`
}

// PolicyRef names an external disclosure policy the scenario relies on.
type PolicyRef struct {
	PolicyID    string `json:"policy_id"`
	Description string `json:"description,omitempty"`
}

// StageSpec is one phase of the workflow.
type StageSpec struct {
	StageID      string        `json:"stage_id"`
	EntryPackets []PacketSpec  `json:"entry_packets,omitempty"`
	Gates        []GateSpec    `json:"gates,omitempty"`
	AdvanceTo    AdvanceTo     `json:"advance_to"`
	Timeout      *TimeoutSpec  `json:"timeout,omitempty"`
	OnTimeout    TimeoutPolicy `json:"on_timeout,omitempty"`
}

// AdvanceKind selects how the next stage is chosen once all gates pass.
type AdvanceKind string

const (
	AdvanceLinear   AdvanceKind = "linear"
	AdvanceFixed    AdvanceKind = "fixed"
	AdvanceBranch   AdvanceKind = "branch"
	AdvanceTerminal AdvanceKind = "terminal"
)

// AdvanceTo is the advance policy of a stage. StageID is used by fixed;
// Branches and Default by branch.
type AdvanceTo struct {
	Kind     AdvanceKind  `json:"kind"`
	StageID  string       `json:"stage_id,omitempty"`
	Branches []BranchRule `json:"branches,omitempty"`
	Default  string       `json:"default,omitempty"`
}

// BranchRule routes to NextStageID when an outcome matches. With GateID set
// the rule looks at that gate; without it, at the stage aggregate.
type BranchRule struct {
	GateID      string         `json:"gate_id,omitempty"`
	Outcome     logic.TriState `json:"outcome"`
	NextStageID string         `json:"next_stage_id"`
}

// TimeoutSpec bounds how long a stage may hold, measured in the unit of the
// trigger timestamps.
type TimeoutSpec struct {
	TimeoutMs uint64 `json:"timeout_ms"`
}

// TimeoutPolicy is applied when a stage times out with unmet gates.
type TimeoutPolicy string

const (
	OnTimeoutFail            TimeoutPolicy = "fail"
	OnTimeoutAdvanceWithFlag TimeoutPolicy = "advance_with_flag"
	OnTimeoutAlternateBranch TimeoutPolicy = "alternate_branch"
)

// Effective returns the policy, defaulting to fail.
func (p TimeoutPolicy) Effective() TimeoutPolicy {
	if p == "" {
		return OnTimeoutFail
	}
	return p
}

// GateSpec is one named condition of a stage. Exactly one of Requirement
// and Expression is set.
type GateSpec struct {
	GateID      string                     `json:"gate_id"`
	Requirement *logic.Requirement         `json:"requirement,omitempty"`
	Expression  string                     `json:"expression,omitempty"`
	Trust       *evidence.TrustRequirement `json:"trust,omitempty"`
}

// PredicateSpec binds a predicate key to an evidence query and comparison.
type PredicateSpec struct {
	Predicate  string                     `json:"predicate"`
	Query      evidence.Query             `json:"query"`
	Comparator comparator.Comparator      `json:"comparator"`
	Expected   json.RawMessage            `json:"expected,omitempty"`
	PolicyTags []string                   `json:"policy_tags,omitempty"`
	Trust      *evidence.TrustRequirement `json:"trust,omitempty"`
}

// PacketSpec is a disclosure issued when a stage is entered.
type PacketSpec struct {
	PacketID         string        `json:"packet_id"`
	SchemaID         string        `json:"schema_id"`
	ContentType      string        `json:"content_type"`
	VisibilityLabels []string      `json:"visibility_labels,omitempty"`
	PolicyTags       []string      `json:"policy_tags,omitempty"`
	Payload          PacketPayload `json:"payload"`
}

// PayloadKind tags a packet payload.
type PayloadKind string

const (
	PayloadJSON     PayloadKind = "json"
	PayloadExternal PayloadKind = "external"
)

// PacketPayload is inline JSON or a reference to external content.
type PacketPayload struct {
	Kind       PayloadKind     `json:"kind"`
	JSON       json.RawMessage `json:"json,omitempty"`
	ContentRef *ContentRef     `json:"content_ref,omitempty"`
}

// ContentRef points at content held outside the run state.
type ContentRef struct {
	URI         string                  `json:"uri"`
	ContentHash canonicalize.HashDigest `json:"content_hash"`
}

// Hash returns the content hash of the payload.
func (p PacketPayload) Hash() (canonicalize.HashDigest, error) {
	if p.Kind == PayloadExternal && p.ContentRef != nil {
		return p.ContentRef.ContentHash, nil
	}
	b, err := canonicalize.Transform(p.JSON)
	if err != nil {
		return canonicalize.HashDigest{}, err
	}
	return canonicalize.DigestBytes(b), nil
}

// Stage returns the stage with the given id.
func (s *Spec) Stage(id string) (*StageSpec, bool) {
	for i := range s.Stages {
		if s.Stages[i].StageID == id {
			return &s.Stages[i], true
		}
	}
	return nil, false
}

// NextStage returns the stage declared after id, if any.
func (s *Spec) NextStage(id string) (string, bool) {
	for i := range s.Stages {
		if s.Stages[i].StageID == id && i+1 < len(s.Stages) {
			return s.Stages[i+1].StageID, true
		}
	}
	return "", false
}

// Predicate returns the predicate with the given key.
func (s *Spec) Predicate(key string) (*PredicateSpec, bool) {
	for i := range s.Predicates {
		if s.Predicates[i].Predicate == key {
			return &s.Predicates[i], true
		}
	}
	return nil, false
}

// PredicateKeys lists declared predicate keys in declaration order.
func (s *Spec) PredicateKeys() []string {
	keys := make([]string, len(s.Predicates))
	for i, p := range s.Predicates {
		keys[i] = p.Predicate
	}
	return keys
}

// GateRequirement returns the requirement tree of g, parsing the DSL
// expression when the gate was authored as text.
func (s *Spec) GateRequirement(g *GateSpec, limits logic.Limits) (logic.Requirement, error) {
	if g.Requirement != nil {
		return *g.Requirement, nil
	}
	return logic.ParseDSL(g.Expression, logic.IdentityResolver(s.PredicateKeys()...), limits)
}

// Canonical returns the canonical JSON bytes of s.
func (s *Spec) Canonical() ([]byte, error) {
	return canonicalize.JCS(s)
}

// Hash returns the spec hash: SHA-256 over the canonical JSON form.
func Hash(s *Spec) (canonicalize.HashDigest, error) {
	b, err := s.Canonical()
	if err != nil {
		return canonicalize.HashDigest{}, err
	}
	return canonicalize.DigestBytes(b), nil
}
