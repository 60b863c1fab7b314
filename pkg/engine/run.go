package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/observability"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/state"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/store"
)

// InitTriggerID is the trigger id recorded for run start.
const InitTriggerID = "init"

// RunConfig identifies a new run. An empty RunID is replaced by a random
// UUID; an empty TenantID by the scenario's default tenant.
type RunConfig struct {
	TenantID        string   `json:"tenant_id"`
	NamespaceID     string   `json:"namespace_id"`
	RunID           string   `json:"run_id"`
	ScenarioID      string   `json:"scenario_id"`
	DispatchTargets []string `json:"dispatch_targets,omitempty"`
}

// StartRun creates a run at the first stage of its scenario and records the
// start decision. Entry packets of the first stage are issued when
// issueEntryPackets is set.
func (e *Engine) StartRun(ctx context.Context, cfg RunConfig, startedAt evidence.Timestamp, issueEntryPackets bool) (_ *state.RunState, err error) {
	ctx, finish := e.telemetry.TrackOperation(ctx, "engine.start_run",
		observability.AttrScenarioID.String(cfg.ScenarioID))
	defer func() { finish(err) }()

	if cfg.NamespaceID == "" || cfg.ScenarioID == "" {
		return nil, fmt.Errorf("%w: namespace_id and scenario_id are required", ErrInvalidRequest)
	}
	if !startedAt.Valid() {
		return nil, fmt.Errorf("%w: started_at must set exactly one of unix_millis and logical", ErrInvalidRequest)
	}
	cs, err := e.scenario(ctx, cfg.NamespaceID, cfg.ScenarioID)
	if err != nil {
		return nil, err
	}
	if cfg.TenantID == "" {
		cfg.TenantID = cs.spec.DefaultTenantID
	}
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	unlock, err := e.lockRun(ctx, cfg.TenantID, cfg.NamespaceID, cfg.RunID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	first := &cs.spec.Stages[0]
	st := &state.RunState{
		TenantID:        cfg.TenantID,
		NamespaceID:     cfg.NamespaceID,
		RunID:           cfg.RunID,
		ScenarioID:      cfg.ScenarioID,
		SpecHash:        cs.hash,
		CurrentStageID:  first.StageID,
		Status:          state.StatusActive,
		StageEnteredAt:  startedAt,
		DispatchTargets: cfg.DispatchTargets,
		Triggers: []state.TriggerRecord{{Seq: 1, Event: state.TriggerEvent{
			TriggerID:   InitTriggerID,
			TenantID:    cfg.TenantID,
			NamespaceID: cfg.NamespaceID,
			RunID:       cfg.RunID,
			Kind:        state.TriggerExternalEvent,
			Time:        startedAt,
			SourceID:    "system",
		}}},
	}
	dec := state.Decision{
		DecisionID: st.NextDecisionID(),
		Seq:        st.NextDecisionSeq(),
		TriggerID:  InitTriggerID,
		StageID:    first.StageID,
		DecidedAt:  startedAt,
		Outcome:    state.Start(first.StageID),
	}
	st.Decisions = append(st.Decisions, dec)
	if issueEntryPackets {
		if err := issuePackets(st, first, dec.DecisionID, startedAt); err != nil {
			return nil, err
		}
	}
	if err := recordCall(st, "start_run", cfg, dec, startedAt, ""); err != nil {
		return nil, err
	}

	if err := e.store.Save(ctx, st, 0); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %s", ErrRunExists, cfg.RunID)
		}
		return nil, err
	}
	e.logger.InfoContext(ctx, "run started",
		"run_id", st.RunID,
		"scenario_id", st.ScenarioID,
		"stage_id", st.CurrentStageID,
		"tenant_id", st.TenantID,
	)
	return st.Clone(), nil
}

// Advance evaluates the current stage of the trigger's run and commits one
// decision. A trigger id the run has already seen returns the decision
// recorded for it without evaluating anything.
func (e *Engine) Advance(ctx context.Context, scenarioID string, trigger state.TriggerEvent) (_ state.Decision, err error) {
	attrs := append(observability.RunAttributes(trigger.TenantID, trigger.NamespaceID, scenarioID, trigger.RunID),
		observability.TriggerAttributes(trigger.TriggerID, string(trigger.Kind))...)
	ctx, finish := e.telemetry.TrackOperation(ctx, "engine.advance", observability.AttrScenarioID.String(scenarioID))
	defer func() { finish(err) }()
	observability.SetSpanAttributes(ctx, attrs...)

	if err := trigger.Check(); err != nil {
		return state.Decision{}, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	cs, err := e.scenario(ctx, trigger.NamespaceID, scenarioID)
	if err != nil {
		return state.Decision{}, err
	}

	unlock, err := e.lockRun(ctx, trigger.TenantID, trigger.NamespaceID, trigger.RunID)
	if err != nil {
		return state.Decision{}, err
	}
	defer unlock()

	st, err := e.loadRun(ctx, trigger.TenantID, trigger.NamespaceID, trigger.RunID)
	if err != nil {
		return state.Decision{}, err
	}
	if st.ScenarioID != scenarioID {
		return state.Decision{}, fmt.Errorf("%w: run %s runs %s", ErrRunMismatch, st.RunID, st.ScenarioID)
	}
	if prior, ok := st.FindDecision(trigger.TriggerID); ok {
		e.logger.DebugContext(ctx, "trigger replayed",
			"run_id", st.RunID,
			"trigger_id", trigger.TriggerID,
			"decision_id", prior.DecisionID,
		)
		return prior, nil
	}
	if !st.Active() {
		return state.Decision{}, fmt.Errorf("%w: run %s is %s", ErrInactiveRun, st.RunID, st.Status)
	}
	if !st.SpecHash.Equal(cs.hash) {
		return state.Decision{}, fmt.Errorf("engine: run %s was started with spec %s, registry holds %s", st.RunID, st.SpecHash, cs.hash)
	}

	gates, err := e.evaluateGates(ctx, cs, st.CurrentStageID, evidenceContext(st, trigger), e.queryProvider)
	if err != nil {
		return state.Decision{}, err
	}
	next, dec, err := Transition(st, Step{Spec: cs.spec, Logic: cs.logic, Trigger: trigger, Gates: gates})
	if err != nil {
		return state.Decision{}, err
	}
	if err := recordCall(next, "advance", trigger, dec, trigger.Time, trigger.CorrelationID); err != nil {
		return state.Decision{}, err
	}
	if err := e.store.Save(ctx, next, st.Version); err != nil {
		return state.Decision{}, fmt.Errorf("engine: commit decision for run %s: %w", st.RunID, err)
	}

	observability.AddSpanEvent(ctx, "decision", observability.AttrOutcome.String(string(dec.Outcome.Kind)))
	e.telemetry.RecordDecision(ctx, string(dec.Outcome.Kind), observability.AttrScenarioID.String(scenarioID))
	e.logger.InfoContext(ctx, "decision recorded",
		"run_id", st.RunID,
		"trigger_id", trigger.TriggerID,
		"decision_id", dec.DecisionID,
		"stage_id", dec.StageID,
		"outcome", dec.Outcome.Kind,
	)
	return dec, nil
}

// StatusView is what a caller polling a run may see. It never carries
// evidence values.
type StatusView struct {
	state.Summary
	StageEnteredAt evidence.Timestamp `json:"stage_entered_at"`
	LastDecision   *state.Decision    `json:"last_decision,omitempty"`
	SafeSummary    state.SafeSummary  `json:"safe_summary"`
}

// Status returns a snapshot of a run. It does not take the run lock: the
// store only ever holds fully committed states.
func (e *Engine) Status(ctx context.Context, tenantID, namespaceID, runID string) (_ StatusView, err error) {
	ctx, finish := e.telemetry.TrackOperation(ctx, "engine.status")
	defer func() { finish(err) }()

	st, err := e.loadRun(ctx, tenantID, namespaceID, runID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{Summary: st.Summarize(), StageEnteredAt: st.StageEnteredAt}
	last, ok := st.LastDecision()
	if ok {
		view.LastDecision = &last
	}
	switch {
	case st.Status != state.StatusActive:
		view.SafeSummary = state.SafeSummary{Status: string(st.Status), UnmetGates: []string{}}
	case ok && last.Outcome.Kind == state.OutcomeHold && last.Outcome.Summary != nil:
		view.SafeSummary = *last.Outcome.Summary
	default:
		view.SafeSummary = state.SafeSummary{Status: "pending", UnmetGates: []string{}, RetryHint: state.RetryAwaitEvidence}
	}
	return view, nil
}

// ListRuns lists the runs of a tenant namespace.
func (e *Engine) ListRuns(ctx context.Context, tenantID, namespaceID string) ([]state.Summary, error) {
	return e.store.List(ctx, tenantID, namespaceID)
}

// SubmitRequest attaches an artifact to a run.
type SubmitRequest struct {
	SubmissionID  string             `json:"submission_id"`
	Payload       json.RawMessage    `json:"payload"`
	ContentType   string             `json:"content_type"`
	SubmittedAt   evidence.Timestamp `json:"submitted_at"`
	CorrelationID string             `json:"correlation_id,omitempty"`
}

// Submit records a submission. Resubmitting the same id with the same
// content returns the existing record; different content is rejected.
func (e *Engine) Submit(ctx context.Context, tenantID, namespaceID, runID string, req SubmitRequest) (_ state.SubmissionRecord, err error) {
	ctx, finish := e.telemetry.TrackOperation(ctx, "engine.submit")
	defer func() { finish(err) }()

	if req.SubmissionID == "" {
		return state.SubmissionRecord{}, fmt.Errorf("%w: submission_id is required", ErrInvalidRequest)
	}
	if !req.SubmittedAt.Valid() {
		return state.SubmissionRecord{}, fmt.Errorf("%w: submitted_at must set exactly one of unix_millis and logical", ErrInvalidRequest)
	}
	canon, err := canonicalize.Transform(req.Payload)
	if err != nil {
		return state.SubmissionRecord{}, fmt.Errorf("%w: payload: %v", ErrInvalidRequest, err)
	}
	hash := canonicalize.DigestBytes(canon)

	unlock, err := e.lockRun(ctx, tenantID, namespaceID, runID)
	if err != nil {
		return state.SubmissionRecord{}, err
	}
	defer unlock()

	st, err := e.loadRun(ctx, tenantID, namespaceID, runID)
	if err != nil {
		return state.SubmissionRecord{}, err
	}
	if prior, ok := st.FindSubmission(req.SubmissionID); ok {
		if !prior.ContentHash.Equal(hash) {
			return state.SubmissionRecord{}, fmt.Errorf("%w: %s", ErrSubmissionConflict, req.SubmissionID)
		}
		return prior, nil
	}
	if !st.Active() {
		return state.SubmissionRecord{}, fmt.Errorf("%w: run %s is %s", ErrInactiveRun, st.RunID, st.Status)
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	rec := state.SubmissionRecord{
		SubmissionID:  req.SubmissionID,
		RunID:         runID,
		Payload:       canon,
		ContentType:   contentType,
		ContentHash:   hash,
		SubmittedAt:   req.SubmittedAt,
		CorrelationID: req.CorrelationID,
	}
	next := st.Clone()
	next.Submissions = append(next.Submissions, rec)
	if err := recordCall(next, "submit", req, rec, req.SubmittedAt, req.CorrelationID); err != nil {
		return state.SubmissionRecord{}, err
	}
	if err := e.store.Save(ctx, next, st.Version); err != nil {
		return state.SubmissionRecord{}, fmt.Errorf("engine: commit submission for run %s: %w", runID, err)
	}
	e.logger.InfoContext(ctx, "submission recorded",
		"run_id", runID,
		"submission_id", rec.SubmissionID,
		"content_hash", hash.String(),
	)
	return rec, nil
}
