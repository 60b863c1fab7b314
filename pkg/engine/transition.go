package engine

import (
	"fmt"
	"sort"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/scenario"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/state"
)

// Failure reasons recorded on fail decisions.
const (
	ReasonTimeout       = "timeout"
	ReasonNoBranchMatch = "no_branch_match"
)

// Step is the input of one state transition.
type Step struct {
	Spec    *scenario.Spec
	Logic   logic.Logic
	Trigger state.TriggerEvent
	Gates   []GateResult
}

// Transition applies one evaluated trigger to st and returns the new state
// and the decision it recorded. It does no I/O and reads no clock: the
// result depends only on its arguments. st is not modified.
func Transition(st *state.RunState, in Step) (*state.RunState, state.Decision, error) {
	stage, ok := in.Spec.Stage(st.CurrentStageID)
	if !ok {
		return nil, state.Decision{}, fmt.Errorf("%w: %s", ErrUnknownStage, st.CurrentStageID)
	}

	next := st.Clone()
	next.Triggers = append(next.Triggers, state.TriggerRecord{Seq: next.NextTriggerSeq(), Event: in.Trigger})

	statuses := make([]logic.TriState, len(in.Gates))
	for i, g := range in.Gates {
		next.GateEvals = append(next.GateEvals, g.Record)
		statuses[i] = g.Status
	}
	aggregate := in.Logic.And(statuses...)

	dec := state.Decision{
		DecisionID:    next.NextDecisionID(),
		Seq:           next.NextDecisionSeq(),
		TriggerID:     in.Trigger.TriggerID,
		StageID:       stage.StageID,
		DecidedAt:     in.Trigger.Time,
		CorrelationID: in.Trigger.CorrelationID,
	}

	switch {
	case aggregate == logic.True:
		dec.Outcome = route(in.Spec, stage, in.Gates, aggregate, false)
	case timedOut(stage, st.StageEnteredAt, in.Trigger.Time):
		switch stage.OnTimeout.Effective() {
		case scenario.OnTimeoutAdvanceWithFlag:
			dec.Outcome = route(in.Spec, stage, in.Gates, aggregate, true)
		case scenario.OnTimeoutAlternateBranch:
			dec.Outcome = route(in.Spec, stage, in.Gates, logic.Unknown, true)
		default:
			dec.Outcome = state.Fail(ReasonTimeout)
		}
	default:
		dec.Outcome = state.Hold(holdSummary(in.Gates))
	}

	switch dec.Outcome.Kind {
	case state.OutcomeAdvance:
		target, ok := in.Spec.Stage(dec.Outcome.ToStage)
		if !ok {
			return nil, state.Decision{}, fmt.Errorf("%w: %s", ErrUnknownStage, dec.Outcome.ToStage)
		}
		next.CurrentStageID = target.StageID
		next.StageEnteredAt = in.Trigger.Time
		if err := issuePackets(next, target, dec.DecisionID, in.Trigger.Time); err != nil {
			return nil, state.Decision{}, err
		}
	case state.OutcomeComplete:
		next.Status = state.StatusCompleted
	case state.OutcomeFail:
		next.Status = state.StatusFailed
	}
	next.Decisions = append(next.Decisions, dec)
	return next, dec, nil
}

// timedOut reports whether the stage timeout has elapsed at now. Timestamps
// of different kinds never time out.
func timedOut(stage *scenario.StageSpec, enteredAt, now evidence.Timestamp) bool {
	if stage.Timeout == nil || stage.Timeout.TimeoutMs == 0 {
		return false
	}
	elapsed, ok := now.Elapsed(enteredAt)
	if !ok || elapsed < 0 {
		return false
	}
	return uint64(elapsed) >= stage.Timeout.TimeoutMs
}

// route picks the outcome of leaving stage. aggregate is the bucket branch
// rules without a gate id match against.
func route(spec *scenario.Spec, stage *scenario.StageSpec, gates []GateResult, aggregate logic.TriState, timeout bool) state.Outcome {
	adv := stage.AdvanceTo
	switch adv.Kind {
	case scenario.AdvanceTerminal:
		return state.Complete(stage.StageID)
	case scenario.AdvanceLinear:
		to, ok := spec.NextStage(stage.StageID)
		if !ok {
			return state.Complete(stage.StageID)
		}
		return state.Advance(stage.StageID, to, timeout)
	case scenario.AdvanceFixed:
		return state.Advance(stage.StageID, adv.StageID, timeout)
	case scenario.AdvanceBranch:
		byGate := make(map[string]logic.TriState, len(gates))
		for _, g := range gates {
			byGate[g.GateID] = g.Status
		}
		for _, rule := range adv.Branches {
			got := aggregate
			if rule.GateID != "" {
				got = byGate[rule.GateID]
			}
			if got == rule.Outcome {
				return state.Advance(stage.StageID, rule.NextStageID, timeout)
			}
		}
		if adv.Default != "" {
			return state.Advance(stage.StageID, adv.Default, timeout)
		}
		return state.Fail(ReasonNoBranchMatch)
	}
	return state.Fail(fmt.Sprintf("unknown advance kind %q", adv.Kind))
}

func holdSummary(gates []GateResult) state.SafeSummary {
	s := state.SafeSummary{Status: "hold", UnmetGates: []string{}, RetryHint: state.RetryAwaitEvidence}
	tags := make(map[string]bool)
	for _, g := range gates {
		if g.Status == logic.True {
			continue
		}
		s.UnmetGates = append(s.UnmetGates, g.GateID)
		for _, t := range g.PolicyTags {
			tags[t] = true
		}
	}
	for t := range tags {
		s.PolicyTags = append(s.PolicyTags, t)
	}
	sort.Strings(s.PolicyTags)
	return s
}

// issuePackets records the entry packets of stage, one dispatch receipt per
// dispatch target.
func issuePackets(st *state.RunState, stage *scenario.StageSpec, decisionID string, at evidence.Timestamp) error {
	for _, p := range stage.EntryPackets {
		hash, err := p.Payload.Hash()
		if err != nil {
			return fmt.Errorf("engine: packet %s: %w", p.PacketID, err)
		}
		rec := state.PacketRecord{
			PacketID:         p.PacketID,
			StageID:          stage.StageID,
			DecisionID:       decisionID,
			SchemaID:         p.SchemaID,
			ContentType:      p.ContentType,
			ContentHash:      hash,
			VisibilityLabels: p.VisibilityLabels,
			PolicyTags:       p.PolicyTags,
			Payload:          p.Payload,
			IssuedAt:         at,
		}
		for _, target := range st.DispatchTargets {
			rec.Receipts = append(rec.Receipts, state.DispatchReceipt{
				Target:       target,
				DispatchID:   fmt.Sprintf("%s/%s/%s", decisionID, p.PacketID, target),
				DispatchedAt: at,
			})
		}
		st.Packets = append(st.Packets, rec)
	}
	return nil
}
