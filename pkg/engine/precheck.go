package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/observability"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/scenario"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/state"
)

// PrecheckRequest evaluates one stage against caller-asserted values keyed
// by predicate. StageID defaults to the first stage.
type PrecheckRequest struct {
	NamespaceID string                     `json:"namespace_id"`
	ScenarioID  string                     `json:"scenario_id"`
	StageID     string                     `json:"stage_id,omitempty"`
	Assertions  map[string]json.RawMessage `json:"assertions"`
}

// PrecheckResult is a simulated evaluation. Nothing is recorded.
type PrecheckResult struct {
	ScenarioID string                  `json:"scenario_id"`
	SpecHash   canonicalize.HashDigest `json:"spec_hash"`
	StageID    string                  `json:"stage_id"`
	Aggregate  logic.TriState          `json:"aggregate"`
	Gates      []state.GateEvalRecord  `json:"gates"`
	// Outcome is the decision a trigger would record with the same
	// evidence, ignoring stage timeouts.
	Outcome state.Outcome `json:"outcome"`
}

// Precheck evaluates a stage with asserted evidence. Asserted values carry
// the asserted lane, so gates and predicates that require verified evidence
// resolve Unknown exactly as they would for a real run.
func (e *Engine) Precheck(ctx context.Context, req PrecheckRequest) (_ PrecheckResult, err error) {
	ctx, finish := e.telemetry.TrackOperation(ctx, "engine.precheck",
		observability.AttrScenarioID.String(req.ScenarioID))
	defer func() { finish(err) }()

	cs, err := e.scenario(ctx, req.NamespaceID, req.ScenarioID)
	if err != nil {
		return PrecheckResult{}, err
	}
	stageID := req.StageID
	if stageID == "" {
		stageID = cs.spec.Stages[0].StageID
	}
	stage, ok := cs.spec.Stage(stageID)
	if !ok {
		return PrecheckResult{}, fmt.Errorf("%w: %s", ErrUnknownStage, stageID)
	}
	for key, v := range req.Assertions {
		if _, ok := cs.spec.Predicate(key); !ok {
			return PrecheckResult{}, fmt.Errorf("%w: assertion for undeclared predicate %q", ErrInvalidRequest, key)
		}
		if !json.Valid(v) {
			return PrecheckResult{}, fmt.Errorf("%w: assertion for %q is not valid json", ErrInvalidRequest, key)
		}
	}

	asserted := func(_ context.Context, pred *scenario.PredicateSpec, _ evidence.Context) evidence.Result {
		v, ok := req.Assertions[pred.Predicate]
		if !ok {
			res := evidence.Failed("not_asserted", fmt.Sprintf("no assertion for %q", pred.Predicate))
			res.Lane = evidence.LaneAsserted
			return res
		}
		return evidence.Result{Value: evidence.JSONValue(v), Lane: evidence.LaneAsserted}
	}
	ec := evidence.Context{NamespaceID: req.NamespaceID, ScenarioID: req.ScenarioID, StageID: stageID, TriggerID: "precheck"}
	gates, err := e.evaluateGates(ctx, cs, stageID, ec, asserted)
	if err != nil {
		return PrecheckResult{}, err
	}

	out := PrecheckResult{
		ScenarioID: req.ScenarioID,
		SpecHash:   cs.hash,
		StageID:    stageID,
		Gates:      make([]state.GateEvalRecord, 0, len(gates)),
	}
	statuses := make([]logic.TriState, len(gates))
	for i, g := range gates {
		out.Gates = append(out.Gates, g.Record)
		statuses[i] = g.Status
	}
	out.Aggregate = cs.logic.And(statuses...)
	if out.Aggregate == logic.True {
		out.Outcome = route(cs.spec, stage, gates, out.Aggregate, false)
	} else {
		out.Outcome = state.Hold(holdSummary(gates))
	}
	e.logger.DebugContext(ctx, "precheck evaluated",
		"scenario_id", req.ScenarioID,
		"stage_id", stageID,
		"aggregate", out.Aggregate.String(),
	)
	return out, nil
}
