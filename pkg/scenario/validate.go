package scenario

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/text/unicode/norm"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/comparator"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
)

// ErrInvalidSpec is wrapped by every spec validation failure.
var ErrInvalidSpec = errors.New("scenario: invalid spec")

// MaxIdentifierLength bounds every identifier in a spec.
const MaxIdentifierLength = 256

// Problem is one validation finding.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError collects every problem found in a spec.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Path + ": " + p.Message
	}
	return fmt.Sprintf("%v: %s", ErrInvalidSpec, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidSpec }

type validator struct {
	problems []Problem
}

func (v *validator) addf(path, format string, args ...any) {
	v.problems = append(v.problems, Problem{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) ident(path, id string) {
	switch {
	case id == "":
		v.addf(path, "must not be empty")
	case len(id) > MaxIdentifierLength:
		v.addf(path, "longer than %d bytes", MaxIdentifierLength)
	case !norm.NFC.IsNormalString(id):
		v.addf(path, "must be NFC normalized")
	case strings.IndexFunc(id, unicode.IsControl) >= 0:
		v.addf(path, "contains control characters")
	}
}

// Validate checks s for structural soundness and reports every problem at
// once. Requirement trees are checked against limits.
func Validate(s *Spec, limits logic.Limits) error {
	v := &validator{}
	v.ident("scenario_id", s.ScenarioID)
	v.ident("namespace_id", s.NamespaceID)
	if s.DefaultTenantID != "" {
		v.ident("default_tenant_id", s.DefaultTenantID)
	}
	if _, err := semver.StrictNewVersion(s.SpecVersion); err != nil {
		v.addf("spec_version", "must be a semantic version: %v", err)
	}

	predicates := make(map[string]bool, len(s.Predicates))
	for i, p := range s.Predicates {
		path := fmt.Sprintf("predicates[%d]", i)
		v.ident(path+".predicate", p.Predicate)
		if predicates[p.Predicate] {
			v.addf(path+".predicate", "duplicate predicate %q", p.Predicate)
		}
		predicates[p.Predicate] = true
		if strings.TrimSpace(p.Query.ProviderID) == "" {
			v.addf(path+".query.provider_id", "must not be empty")
		}
		if strings.TrimSpace(p.Query.CheckID) == "" {
			v.addf(path+".query.check_id", "must not be empty")
		}
		if err := comparator.CheckExpected(p.Comparator, p.Expected); err != nil {
			v.addf(path+".comparator", "%v", err)
		}
		if len(p.Query.Params) > 0 {
			if err := canonicalize.CheckNumbers(p.Query.Params); err != nil {
				v.addf(path+".query.params", "%v", err)
			}
		}
		if p.Trust != nil && !p.Trust.MinLane.Valid() {
			v.addf(path+".trust.min_lane", "unknown lane %q", p.Trust.MinLane)
		}
	}

	if len(s.Stages) == 0 {
		v.addf("stages", "at least one stage is required")
	}
	stages := make(map[string]bool, len(s.Stages))
	for i, st := range s.Stages {
		path := fmt.Sprintf("stages[%d].stage_id", i)
		v.ident(path, st.StageID)
		if stages[st.StageID] {
			v.addf(path, "duplicate stage %q", st.StageID)
		}
		stages[st.StageID] = true
	}

	packets := make(map[string]bool)
	resolve := logic.KeySet(s.PredicateKeys()...)
	for i := range s.Stages {
		st := &s.Stages[i]
		path := fmt.Sprintf("stages[%d]", i)

		gates := make(map[string]bool, len(st.Gates))
		for j := range st.Gates {
			g := &st.Gates[j]
			gpath := fmt.Sprintf("%s.gates[%d]", path, j)
			v.ident(gpath+".gate_id", g.GateID)
			if gates[g.GateID] {
				v.addf(gpath+".gate_id", "duplicate gate %q", g.GateID)
			}
			gates[g.GateID] = true
			v.gate(s, g, gpath, limits, resolve)
		}

		for j, pk := range st.EntryPackets {
			ppath := fmt.Sprintf("%s.entry_packets[%d]", path, j)
			v.ident(ppath+".packet_id", pk.PacketID)
			if packets[pk.PacketID] {
				v.addf(ppath+".packet_id", "duplicate packet %q", pk.PacketID)
			}
			packets[pk.PacketID] = true
			v.packet(ppath, pk)
		}

		v.advance(path+".advance_to", st, stages, gates)

		if st.Timeout != nil && st.Timeout.TimeoutMs == 0 {
			v.addf(path+".timeout.timeout_ms", "must be positive")
		}
		switch st.OnTimeout {
		case "", OnTimeoutFail, OnTimeoutAdvanceWithFlag:
		case OnTimeoutAlternateBranch:
			if st.AdvanceTo.Kind != AdvanceBranch {
				v.addf(path+".on_timeout", "alternate_branch requires a branch advance")
			}
		default:
			v.addf(path+".on_timeout", "unknown policy %q", st.OnTimeout)
		}
	}

	if len(v.problems) > 0 {
		return &ValidationError{Problems: v.problems}
	}
	return nil
}

func (v *validator) gate(s *Spec, g *GateSpec, path string, limits logic.Limits, resolve logic.KeyResolver) {
	if g.Trust != nil && !g.Trust.MinLane.Valid() {
		v.addf(path+".trust.min_lane", "unknown lane %q", g.Trust.MinLane)
	}
	switch {
	case g.Requirement != nil && g.Expression != "":
		v.addf(path, "set either requirement or expression, not both")
	case g.Requirement != nil:
		if err := logic.Validate(*g.Requirement, limits, resolve); err != nil {
			v.addf(path+".requirement", "%v", err)
		}
	case g.Expression != "":
		if _, err := s.GateRequirement(g, limits); err != nil {
			v.addf(path+".expression", "%v", err)
		}
	default:
		v.addf(path, "requirement or expression is required")
	}
}

func (v *validator) packet(path string, pk PacketSpec) {
	if pk.SchemaID == "" {
		v.addf(path+".schema_id", "must not be empty")
	}
	if pk.ContentType == "" {
		v.addf(path+".content_type", "must not be empty")
	}
	switch pk.Payload.Kind {
	case PayloadJSON:
		if len(pk.Payload.JSON) == 0 {
			v.addf(path+".payload.json", "must not be empty")
		} else if err := canonicalize.CheckNumbers(pk.Payload.JSON); err != nil {
			v.addf(path+".payload.json", "%v", err)
		}
	case PayloadExternal:
		ref := pk.Payload.ContentRef
		if ref == nil || ref.URI == "" {
			v.addf(path+".payload.content_ref", "uri is required")
		} else if ref.ContentHash.Algorithm != "sha256" || ref.ContentHash.Value == "" {
			v.addf(path+".payload.content_ref.content_hash", "sha256 digest is required")
		}
	default:
		v.addf(path+".payload.kind", "unknown payload kind %q", pk.Payload.Kind)
	}
}

func (v *validator) advance(path string, st *StageSpec, stages, gates map[string]bool) {
	target := func(p, id string) {
		if !stages[id] {
			v.addf(p, "unknown stage %q", id)
		}
	}
	a := st.AdvanceTo
	switch a.Kind {
	case AdvanceLinear, AdvanceTerminal:
	case AdvanceFixed:
		target(path+".stage_id", a.StageID)
	case AdvanceBranch:
		if len(a.Branches) == 0 && a.Default == "" {
			v.addf(path, "branch needs at least one rule or a default")
		}
		for i, b := range a.Branches {
			bpath := fmt.Sprintf("%s.branches[%d]", path, i)
			if b.GateID != "" && !gates[b.GateID] {
				v.addf(bpath+".gate_id", "unknown gate %q", b.GateID)
			}
			target(bpath+".next_stage_id", b.NextStageID)
		}
		if a.Default != "" {
			target(path+".default", a.Default)
		}
	default:
		v.addf(path+".kind", "unknown advance kind %q", a.Kind)
	}
}
