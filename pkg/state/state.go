// Package state holds the run state of a scenario and the append-only
// records a run accumulates: triggers, gate evaluations, decisions, packets,
// submissions and tool calls.
package state

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/scenario"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusActive    RunStatus = "active"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// TriggerKind says what caused a trigger.
type TriggerKind string

const (
	TriggerAgentRequestNext TriggerKind = "agent_request_next"
	TriggerTick             TriggerKind = "tick"
	TriggerExternalEvent    TriggerKind = "external_event"
	TriggerBackendEvent     TriggerKind = "backend_event"
)

// Valid reports whether k is a known trigger kind.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerAgentRequestNext, TriggerTick, TriggerExternalEvent, TriggerBackendEvent:
		return true
	}
	return false
}

// TriggerEvent asks a run to re-evaluate its current stage. Time is supplied
// by the caller.
type TriggerEvent struct {
	TriggerID     string             `json:"trigger_id"`
	TenantID      string             `json:"tenant_id"`
	NamespaceID   string             `json:"namespace_id"`
	RunID         string             `json:"run_id"`
	Kind          TriggerKind        `json:"kind"`
	Time          evidence.Timestamp `json:"time"`
	SourceID      string             `json:"source_id"`
	Payload       json.RawMessage    `json:"payload,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
}

// Check reports a malformed trigger.
func (t TriggerEvent) Check() error {
	switch {
	case t.TriggerID == "":
		return fmt.Errorf("trigger_id is required")
	case t.TenantID == "" || t.NamespaceID == "":
		return fmt.Errorf("tenant_id and namespace_id are required")
	case t.RunID == "":
		return fmt.Errorf("run_id is required")
	case !t.Kind.Valid():
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	case !t.Time.Valid():
		return fmt.Errorf("time must set exactly one of unix_millis and logical")
	case len(t.Payload) > 0 && !json.Valid(t.Payload):
		return fmt.Errorf("payload is not valid json")
	}
	return nil
}

// TriggerRecord is an accepted trigger with its sequence number.
type TriggerRecord struct {
	Seq   uint64       `json:"seq"`
	Event TriggerEvent `json:"event"`
}

// OutcomeKind tags a decision outcome.
type OutcomeKind string

const (
	OutcomeStart    OutcomeKind = "start"
	OutcomeAdvance  OutcomeKind = "advance"
	OutcomeHold     OutcomeKind = "hold"
	OutcomeFail     OutcomeKind = "fail"
	OutcomeComplete OutcomeKind = "complete"
)

// Outcome is what a decision concluded. Which fields are set depends on
// Kind: StageID for start and complete, FromStage/ToStage/Timeout for
// advance, Summary for hold, Reason for fail.
type Outcome struct {
	Kind      OutcomeKind  `json:"kind"`
	StageID   string       `json:"stage_id,omitempty"`
	FromStage string       `json:"from_stage,omitempty"`
	ToStage   string       `json:"to_stage,omitempty"`
	Timeout   bool         `json:"timeout,omitempty"`
	Summary   *SafeSummary `json:"summary,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

func Start(stageID string) Outcome { return Outcome{Kind: OutcomeStart, StageID: stageID} }

func Advance(from, to string, timeout bool) Outcome {
	return Outcome{Kind: OutcomeAdvance, FromStage: from, ToStage: to, Timeout: timeout}
}

func Hold(summary SafeSummary) Outcome { return Outcome{Kind: OutcomeHold, Summary: &summary} }

func Fail(reason string) Outcome { return Outcome{Kind: OutcomeFail, Reason: reason} }

func Complete(stageID string) Outcome { return Outcome{Kind: OutcomeComplete, StageID: stageID} }

// Decision is one recorded evaluation outcome.
type Decision struct {
	DecisionID    string             `json:"decision_id"`
	Seq           uint64             `json:"seq"`
	TriggerID     string             `json:"trigger_id"`
	StageID       string             `json:"stage_id"`
	DecidedAt     evidence.Timestamp `json:"decided_at"`
	Outcome       Outcome            `json:"outcome"`
	CorrelationID string             `json:"correlation_id,omitempty"`
}

// SafeSummary is what untrusted callers learn about a held run. It never
// carries evidence values.
type SafeSummary struct {
	Status     string   `json:"status"`
	UnmetGates []string `json:"unmet_gates"`
	RetryHint  string   `json:"retry_hint,omitempty"`
	PolicyTags []string `json:"policy_tags,omitempty"`
}

// RetryAwaitEvidence is the retry hint of a held stage.
const RetryAwaitEvidence = "await_evidence"

// GateTrace is the outcome of one predicate inside a gate.
type GateTrace struct {
	Predicate string         `json:"predicate"`
	Status    logic.TriState `json:"status"`
}

// GateEvalRecord records one gate evaluation and the evidence behind it.
type GateEvalRecord struct {
	TriggerID string            `json:"trigger_id"`
	StageID   string            `json:"stage_id"`
	GateID    string            `json:"gate_id"`
	Status    logic.TriState    `json:"status"`
	Trace     []GateTrace       `json:"trace"`
	Evidence  []evidence.Record `json:"evidence"`
}

// DispatchReceipt acknowledges delivery of a packet to one target.
type DispatchReceipt struct {
	Target       string             `json:"target"`
	DispatchID   string             `json:"dispatch_id"`
	DispatchedAt evidence.Timestamp `json:"dispatched_at"`
}

// PacketRecord is a disclosure packet issued on stage entry.
type PacketRecord struct {
	PacketID         string                  `json:"packet_id"`
	StageID          string                  `json:"stage_id"`
	DecisionID       string                  `json:"decision_id"`
	SchemaID         string                  `json:"schema_id"`
	ContentType      string                  `json:"content_type"`
	ContentHash      canonicalize.HashDigest `json:"content_hash"`
	VisibilityLabels []string                `json:"visibility_labels,omitempty"`
	PolicyTags       []string                `json:"policy_tags,omitempty"`
	Payload          scenario.PacketPayload  `json:"payload"`
	Receipts         []DispatchReceipt       `json:"receipts,omitempty"`
	IssuedAt         evidence.Timestamp      `json:"issued_at"`
}

// SubmissionRecord is an artifact a caller submitted to a run.
type SubmissionRecord struct {
	SubmissionID  string                  `json:"submission_id"`
	RunID         string                  `json:"run_id"`
	Payload       json.RawMessage         `json:"payload"`
	ContentType   string                  `json:"content_type"`
	ContentHash   canonicalize.HashDigest `json:"content_hash"`
	SubmittedAt   evidence.Timestamp      `json:"submitted_at"`
	CorrelationID string                  `json:"correlation_id,omitempty"`
}

// ToolCallRecord logs an operation against a run by the hashes of its
// request and response.
type ToolCallRecord struct {
	CallID        string                  `json:"call_id"`
	Method        string                  `json:"method"`
	RequestHash   canonicalize.HashDigest `json:"request_hash"`
	ResponseHash  canonicalize.HashDigest `json:"response_hash"`
	CalledAt      evidence.Timestamp      `json:"called_at"`
	CorrelationID string                  `json:"correlation_id,omitempty"`
}

// RunState is one execution of a scenario.
//
// Records are never modified once appended; a new state only extends the
// record slices. Version increases by one on every save and backs the
// optimistic concurrency check of the store.
type RunState struct {
	TenantID        string                  `json:"tenant_id"`
	NamespaceID     string                  `json:"namespace_id"`
	RunID           string                  `json:"run_id"`
	ScenarioID      string                  `json:"scenario_id"`
	SpecHash        canonicalize.HashDigest `json:"spec_hash"`
	CurrentStageID  string                  `json:"current_stage_id"`
	Status          RunStatus               `json:"status"`
	StageEnteredAt  evidence.Timestamp      `json:"stage_entered_at"`
	DispatchTargets []string                `json:"dispatch_targets,omitempty"`
	Triggers        []TriggerRecord         `json:"triggers"`
	GateEvals       []GateEvalRecord        `json:"gate_evals"`
	Decisions       []Decision              `json:"decisions"`
	Packets         []PacketRecord          `json:"packets"`
	Submissions     []SubmissionRecord      `json:"submissions"`
	ToolCalls       []ToolCallRecord        `json:"tool_calls"`
	Version         uint64                  `json:"version"`
}

// Active reports whether the run still accepts triggers.
func (s *RunState) Active() bool { return s.Status == StatusActive }

// Clone returns a copy whose record slices can be appended to without
// affecting s. Elements are shared since they are never modified.
func (s *RunState) Clone() *RunState {
	c := *s
	c.DispatchTargets = slices.Clone(s.DispatchTargets)
	c.Triggers = slices.Clone(s.Triggers)
	c.GateEvals = slices.Clone(s.GateEvals)
	c.Decisions = slices.Clone(s.Decisions)
	c.Packets = slices.Clone(s.Packets)
	c.Submissions = slices.Clone(s.Submissions)
	c.ToolCalls = slices.Clone(s.ToolCalls)
	return &c
}

// FindDecision returns the decision recorded for triggerID.
func (s *RunState) FindDecision(triggerID string) (Decision, bool) {
	for _, d := range s.Decisions {
		if d.TriggerID == triggerID {
			return d, true
		}
	}
	return Decision{}, false
}

// LastDecision returns the most recent decision.
func (s *RunState) LastDecision() (Decision, bool) {
	if len(s.Decisions) == 0 {
		return Decision{}, false
	}
	return s.Decisions[len(s.Decisions)-1], true
}

// PacketsFor returns the packets issued by a decision.
func (s *RunState) PacketsFor(decisionID string) []PacketRecord {
	var out []PacketRecord
	for _, p := range s.Packets {
		if p.DecisionID == decisionID {
			out = append(out, p)
		}
	}
	return out
}

// FindSubmission returns the submission with the given id.
func (s *RunState) FindSubmission(id string) (SubmissionRecord, bool) {
	for _, sub := range s.Submissions {
		if sub.SubmissionID == id {
			return sub, true
		}
	}
	return SubmissionRecord{}, false
}

// NextDecisionID is the id the next appended decision receives.
func (s *RunState) NextDecisionID() string {
	return fmt.Sprintf("decision-%d", len(s.Decisions)+1)
}

// NextDecisionSeq is the seq the next appended decision receives.
func (s *RunState) NextDecisionSeq() uint64 { return uint64(len(s.Decisions)) + 1 }

// NextTriggerSeq is the seq the next appended trigger receives.
func (s *RunState) NextTriggerSeq() uint64 { return uint64(len(s.Triggers)) + 1 }

// NextCallID is the id the next tool call record receives.
func (s *RunState) NextCallID() string {
	return fmt.Sprintf("call-%d", len(s.ToolCalls)+1)
}

// CheckDecisionLog verifies that decision seqs start at 1 without gaps and
// that no trigger produced two decisions.
func CheckDecisionLog(decisions []Decision) error {
	seen := make(map[string]bool, len(decisions))
	for i, d := range decisions {
		if d.Seq != uint64(i)+1 {
			return fmt.Errorf("decision %s has seq %d, want %d", d.DecisionID, d.Seq, i+1)
		}
		if seen[d.TriggerID] {
			return fmt.Errorf("trigger %s has more than one decision", d.TriggerID)
		}
		seen[d.TriggerID] = true
	}
	return nil
}

// Summary is a run listing entry.
type Summary struct {
	TenantID       string    `json:"tenant_id"`
	NamespaceID    string    `json:"namespace_id"`
	RunID          string    `json:"run_id"`
	ScenarioID     string    `json:"scenario_id"`
	Status         RunStatus `json:"status"`
	CurrentStageID string    `json:"current_stage_id"`
	Version        uint64    `json:"version"`
}

// Summarize returns the listing entry of s.
func (s *RunState) Summarize() Summary {
	return Summary{
		TenantID:       s.TenantID,
		NamespaceID:    s.NamespaceID,
		RunID:          s.RunID,
		ScenarioID:     s.ScenarioID,
		Status:         s.Status,
		CurrentStageID: s.CurrentStageID,
		Version:        s.Version,
	}
}
