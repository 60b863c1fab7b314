package scenario

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
)

const timeSpecJSON = `{
  "scenario_id": "release-window",
  "namespace_id": "default",
  "spec_version": "1.0.0",
  "stages": [
    {
      "stage_id": "wait",
      "gates": [{"gate_id": "gate-time", "requirement": {"predicate": "after_window"}}],
      "advance_to": {"kind": "terminal"}
    }
  ],
  "predicates": [
    {
      "predicate": "after_window",
      "query": {"provider_id": "time", "check_id": "after", "params": {"timestamp": 1710000000000}},
      "comparator": "equals",
      "expected": true
    }
  ]
}`

// Same content with reordered keys and different whitespace.
const timeSpecReordered = `{"predicates":[{"expected":true,"comparator":"equals",
"query":{"params":{"timestamp":1710000000000},"check_id":"after","provider_id":"time"},"predicate":"after_window"}],
"stages":[{"advance_to":{"kind":"terminal"},"gates":[{"requirement":{"predicate":"after_window"},"gate_id":"gate-time"}],"stage_id":"wait"}],
"spec_version":"1.0.0","namespace_id":"default","scenario_id":"release-window"}`

func TestParseAndHashDeterminism(t *testing.T) {
	a, err := ParseJSON([]byte(timeSpecJSON))
	require.NoError(t, err)
	require.NoError(t, Validate(a, logic.DefaultLimits()))
	b, err := ParseJSON([]byte(timeSpecReordered))
	require.NoError(t, err)

	ca, err := a.Canonical()
	require.NoError(t, err)
	cb, err := b.Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.True(t, ha.Equal(hb))
	assert.Equal(t, "sha256", ha.Algorithm)
	assert.Len(t, ha.Value, 64)
}

func TestParseYAML(t *testing.T) {
	doc := `
scenario_id: release-window
namespace_id: default
spec_version: 1.0.0
stages:
  - stage_id: wait
    gates:
      - gate_id: gate-time
        expression: after_window
    advance_to: {kind: terminal}
predicates:
  - predicate: after_window
    query: {provider_id: time, check_id: after, params: {timestamp: 1710000000000}}
    comparator: equals
    expected: true
`
	s, err := ParseYAML([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, Validate(s, logic.DefaultLimits()))
	req, err := s.GateRequirement(&s.Stages[0].Gates[0], logic.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, logic.Pred("after_window"), req)
}

func TestParseKeepsNumberLiterals(t *testing.T) {
	doc := strings.Replace(timeSpecJSON, `1710000000000`, `9007199254740993`, 1)
	s, err := ParseJSON([]byte(doc))
	require.NoError(t, err, "schema check sees the literal unchanged")
	assert.Contains(t, string(s.Predicates[0].Query.Params), `9007199254740993`)

	err = Validate(s, logic.DefaultLimits())
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	require.Len(t, ve.Problems, 1)
	assert.Equal(t, "predicates[0].query.params", ve.Problems[0].Path)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":    strings.Replace(timeSpecJSON, `"spec_version"`, `"surprise": 1, "spec_version"`, 1),
		"missing stages":   `{"scenario_id":"s","namespace_id":"n","spec_version":"1.0.0","predicates":[]}`,
		"bad advance kind": strings.Replace(timeSpecJSON, `"terminal"`, `"sideways"`, 1),
		"not json":         `{"scenario_id":`,
		"two-key gate req": strings.Replace(timeSpecJSON, `{"predicate": "after_window"}}`, `{"predicate": "a", "not": {}}}`, 1),
		"trailing value":   timeSpecJSON + ` {"scenario_id":"other"}`,
	}
	for name, doc := range cases {
		_, err := ParseJSON([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalidSpec, name)
	}
	_, err := ParseJSON(make([]byte, MaxSpecBytes+1))
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func validSpec() *Spec {
	req := logic.All(logic.Pred("a"), logic.Pred("b"))
	return &Spec{
		ScenarioID:  "s",
		NamespaceID: "default",
		SpecVersion: "1.2.3",
		Stages: []StageSpec{
			{
				StageID: "one",
				Gates:   []GateSpec{{GateID: "g1", Requirement: &req}},
				AdvanceTo: AdvanceTo{Kind: AdvanceBranch, Branches: []BranchRule{
					{GateID: "g1", Outcome: logic.True, NextStageID: "two"},
				}, Default: "three"},
				Timeout:   &TimeoutSpec{TimeoutMs: 1000},
				OnTimeout: OnTimeoutAlternateBranch,
			},
			{StageID: "two", AdvanceTo: AdvanceTo{Kind: AdvanceLinear}},
			{StageID: "three", AdvanceTo: AdvanceTo{Kind: AdvanceTerminal}},
		},
		Predicates: []PredicateSpec{
			{Predicate: "a", Query: queryOf("p", "x"), Comparator: "exists"},
			{Predicate: "b", Query: queryOf("p", "y"), Comparator: "greater_than", Expected: []byte(`5`)},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, Validate(validSpec(), logic.DefaultLimits()))
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	s := validSpec()
	s.SpecVersion = "v1"
	s.ScenarioID = "e\u0301"
	s.Stages[1].StageID = "one"
	s.Stages[0].AdvanceTo.Default = "nowhere"
	s.Predicates[1].Comparator = "approximately"
	s.Predicates = append(s.Predicates, PredicateSpec{Predicate: "a", Comparator: "exists"})
	bad := logic.AtLeast(3, logic.Pred("a"), logic.Pred("zzz"))
	s.Stages[2].Gates = []GateSpec{{GateID: "g", Requirement: &bad}, {GateID: "g", Expression: "a &&"}}

	err := Validate(s, logic.DefaultLimits())
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	paths := make([]string, 0, len(ve.Problems))
	for _, p := range ve.Problems {
		paths = append(paths, p.Path)
	}
	for _, want := range []string{
		"spec_version",
		"scenario_id",
		"stages[1].stage_id",
		"stages[0].advance_to.default",
		"predicates[1].comparator",
		"predicates[2].predicate",
		"predicates[2].query.provider_id",
		"stages[2].gates[0].requirement",
		"stages[2].gates[1].gate_id",
		"stages[2].gates[1].expression",
	} {
		assert.Contains(t, paths, want)
	}
}

func TestValidateRejectsInexactNumbers(t *testing.T) {
	s := validSpec()
	s.Predicates[1].Expected = []byte(`9007199254740993`)
	s.Predicates[0].Query.Params = []byte(`{"threshold":1.00000000000000000001}`)
	s.Stages[1].EntryPackets = []PacketSpec{{
		PacketID:    "brief",
		SchemaID:    "brief.v1",
		ContentType: "application/json",
		Payload:     PacketPayload{Kind: PayloadJSON, JSON: []byte(`{"id":12345678901234567890}`)},
	}}

	err := Validate(s, logic.DefaultLimits())
	require.ErrorIs(t, err, ErrInvalidSpec)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	paths := make([]string, 0, len(ve.Problems))
	for _, p := range ve.Problems {
		paths = append(paths, p.Path)
		assert.Contains(t, p.Message, "not representable")
	}
	assert.ElementsMatch(t, []string{
		"predicates[1].comparator",
		"predicates[0].query.params",
		"stages[1].entry_packets[0].payload.json",
	}, paths)

	ok := validSpec()
	ok.Predicates[1].Expected = []byte(`0.1`)
	ok.Predicates[0].Query.Params = []byte(`{"threshold":1.50,"at":1710000000000}`)
	require.NoError(t, Validate(ok, logic.DefaultLimits()))
}

func TestValidateAdvanceRules(t *testing.T) {
	s := validSpec()
	s.Stages[1].OnTimeout = OnTimeoutAlternateBranch
	s.Stages[1].AdvanceTo = AdvanceTo{Kind: AdvanceFixed, StageID: "missing"}
	s.Stages[0].AdvanceTo.Branches[0].GateID = "ghost"
	s.Stages[2].Gates = []GateSpec{{GateID: "empty"}}

	var ve *ValidationError
	require.ErrorAs(t, Validate(s, logic.DefaultLimits()), &ve)
	msgs := make([]string, 0, len(ve.Problems))
	for _, p := range ve.Problems {
		msgs = append(msgs, p.Path+": "+p.Message)
	}
	joined := strings.Join(msgs, "\n")
	assert.Contains(t, joined, "stages[1].on_timeout: alternate_branch requires a branch advance")
	assert.Contains(t, joined, `stages[1].advance_to.stage_id: unknown stage "missing"`)
	assert.Contains(t, joined, `stages[0].advance_to.branches[0].gate_id: unknown gate "ghost"`)
	assert.Contains(t, joined, "stages[2].gates[0]: requirement or expression is required")
}

func TestValidateDepthLimit(t *testing.T) {
	s := validSpec()
	deep := logic.Pred("a")
	for i := 0; i < 40; i++ {
		deep = logic.Negate(deep)
	}
	s.Stages[2].Gates = []GateSpec{{GateID: "deep", Requirement: &deep}}
	err := Validate(s, logic.DefaultLimits())
	require.ErrorIs(t, err, ErrInvalidSpec)
	assert.Contains(t, err.Error(), "stages[2].gates[0].requirement")
}

func TestSpecLookups(t *testing.T) {
	s := validSpec()
	next, ok := s.NextStage("one")
	assert.True(t, ok)
	assert.Equal(t, "two", next)
	_, ok = s.NextStage("three")
	assert.False(t, ok)
	st, ok := s.Stage("two")
	require.True(t, ok)
	assert.Equal(t, AdvanceLinear, st.AdvanceTo.Kind)
	p, ok := s.Predicate("b")
	require.True(t, ok)
	assert.Equal(t, "y", p.Query.CheckID)
	assert.Equal(t, []string{"a", "b"}, s.PredicateKeys())
	assert.Equal(t, OnTimeoutFail, TimeoutPolicy("").Effective())
}

func TestPacketPayloadHash(t *testing.T) {
	a, err := PacketPayload{Kind: PayloadJSON, JSON: []byte(`{"b":1,"a":[1.0]}`)}.Hash()
	require.NoError(t, err)
	b, err := PacketPayload{Kind: PayloadJSON, JSON: []byte(`{"a":[1],"b":1}`)}.Hash()
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	ext := PacketPayload{Kind: PayloadExternal, ContentRef: &ContentRef{URI: "s3://x", ContentHash: a}}
	h, err := ext.Hash()
	require.NoError(t, err)
	assert.True(t, a.Equal(h))
}

func queryOf(provider, check string) evidence.Query {
	return evidence.Query{ProviderID: provider, CheckID: check}
}
