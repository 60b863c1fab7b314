package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
)

func sampleState() *RunState {
	return &RunState{
		RunID:          "run-1",
		Status:         StatusActive,
		CurrentStageID: "s1",
		Triggers:       []TriggerRecord{{Seq: 1, Event: TriggerEvent{TriggerID: "init"}}},
		Decisions: []Decision{
			{DecisionID: "decision-1", Seq: 1, TriggerID: "init", Outcome: Start("s1")},
		},
	}
}

func TestCloneIsolatesAppends(t *testing.T) {
	s := sampleState()
	c := s.Clone()
	c.Decisions = append(c.Decisions, Decision{DecisionID: "decision-2", Seq: 2, TriggerID: "t1"})
	c.Status = StatusCompleted

	assert.Len(t, s.Decisions, 1)
	assert.Equal(t, StatusActive, s.Status)
	assert.Len(t, c.Decisions, 2)
}

func TestFindDecisionAndSequencing(t *testing.T) {
	s := sampleState()
	d, ok := s.FindDecision("init")
	require.True(t, ok)
	assert.Equal(t, OutcomeStart, d.Outcome.Kind)
	_, ok = s.FindDecision("nope")
	assert.False(t, ok)

	assert.Equal(t, "decision-2", s.NextDecisionID())
	assert.Equal(t, uint64(2), s.NextDecisionSeq())
	assert.Equal(t, uint64(2), s.NextTriggerSeq())
	assert.Equal(t, "call-1", s.NextCallID())

	last, ok := s.LastDecision()
	require.True(t, ok)
	assert.Equal(t, "decision-1", last.DecisionID)
}

func TestCheckDecisionLog(t *testing.T) {
	ok := []Decision{{Seq: 1, TriggerID: "a"}, {Seq: 2, TriggerID: "b"}}
	assert.NoError(t, CheckDecisionLog(ok))
	assert.Error(t, CheckDecisionLog([]Decision{{Seq: 1, TriggerID: "a"}, {Seq: 3, TriggerID: "b"}}))
	assert.Error(t, CheckDecisionLog([]Decision{{Seq: 1, TriggerID: "a"}, {Seq: 2, TriggerID: "a"}}))
	assert.NoError(t, CheckDecisionLog(nil))
}

func TestTriggerCheck(t *testing.T) {
	good := TriggerEvent{TriggerID: "t", TenantID: "tenant", NamespaceID: "default", RunID: "r", Kind: TriggerTick, Time: evidence.UnixMillis(1)}
	assert.NoError(t, good.Check())

	bad := good
	bad.NamespaceID = ""
	assert.Error(t, bad.Check())

	bad = good
	bad.TriggerID = ""
	assert.Error(t, bad.Check())
	bad = good
	bad.Kind = "whenever"
	assert.Error(t, bad.Check())
	bad = good
	bad.Time = evidence.Timestamp{}
	assert.Error(t, bad.Check())
	bad = good
	bad.Payload = json.RawMessage(`{`)
	assert.Error(t, bad.Check())
}

func TestOutcomeEncoding(t *testing.T) {
	b, err := json.Marshal(Hold(SafeSummary{Status: "hold", UnmetGates: []string{"gate-time"}, RetryHint: RetryAwaitEvidence}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"hold","summary":{"status":"hold","unmet_gates":["gate-time"],"retry_hint":"await_evidence"}}`, string(b))

	b, err = json.Marshal(Advance("a", "b", true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"advance","from_stage":"a","to_stage":"b","timeout":true}`, string(b))

	b, err = json.Marshal(Fail("no_branch_match"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"fail","reason":"no_branch_match"}`, string(b))
}

func TestPacketsAndSubmissions(t *testing.T) {
	s := sampleState()
	s.Packets = []PacketRecord{{PacketID: "p1", DecisionID: "decision-1"}, {PacketID: "p2", DecisionID: "decision-2"}}
	s.Submissions = []SubmissionRecord{{SubmissionID: "sub-1"}}

	pk := s.PacketsFor("decision-1")
	require.Len(t, pk, 1)
	assert.Equal(t, "p1", pk[0].PacketID)
	_, ok := s.FindSubmission("sub-1")
	assert.True(t, ok)
	assert.Equal(t, "run-1", s.Summarize().RunID)
}
