// Package engine runs scenarios: it registers specs, starts runs, and
// advances them one trigger at a time. Each accepted trigger commits exactly
// one decision together with the evidence records behind it, or fails with
// no state change.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/observability"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/runlock"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/scenario"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/state"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/store"
)

var (
	ErrUnknownScenario    = errors.New("engine: unknown scenario")
	ErrUnknownRun         = errors.New("engine: unknown run")
	ErrUnknownStage       = errors.New("engine: unknown stage")
	ErrInactiveRun        = errors.New("engine: run is not active")
	ErrInvalidTrigger     = errors.New("engine: invalid trigger")
	ErrInvalidRequest     = errors.New("engine: invalid request")
	ErrRunMismatch        = errors.New("engine: run belongs to a different scenario")
	ErrRunExists          = errors.New("engine: run already exists")
	ErrSubmissionConflict = errors.New("engine: submission id reused with different content")
)

// DefaultMaxParallelQueries bounds concurrent provider queries per trigger.
const DefaultMaxParallelQueries = 8

// Options configure an Engine. Store and Registry are required.
type Options struct {
	Store    store.Store
	Registry *evidence.Registry
	// Locker serializes operations on one run. Nil uses an in-process
	// LocalLocker, which is only correct for a single engine process.
	Locker runlock.Locker
	// Logic is the default tri-state logic. A spec that asks for Bochvar
	// gets Bochvar either way.
	Logic  logic.Logic
	Limits logic.Limits
	// TrustRequirement is the global minimum lane. Gates and predicates
	// can only tighten it.
	TrustRequirement evidence.TrustRequirement
	TrustPolicy      evidence.TrustPolicy
	// DiscloseEvidence keeps raw evidence values in gate eval records.
	DiscloseEvidence   bool
	MaxParallelQueries int
	Logger             *slog.Logger
	Telemetry          *observability.Provider
}

// Engine executes scenarios. It is safe for concurrent use.
type Engine struct {
	store       store.Store
	registry    *evidence.Registry
	locker      runlock.Locker
	logic       logic.Logic
	limits      logic.Limits
	trust       evidence.TrustRequirement
	evaluator   evidence.Evaluator
	maxParallel int
	logger      *slog.Logger
	telemetry   *observability.Provider

	mu       sync.RWMutex
	compiled map[string]*compiledSpec // by spec hash
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine: evidence registry is required")
	}
	e := &Engine{
		store:       opts.Store,
		registry:    opts.Registry,
		locker:      opts.Locker,
		logic:       opts.Logic,
		limits:      opts.Limits,
		trust:       opts.TrustRequirement,
		evaluator:   evidence.Evaluator{Policy: opts.TrustPolicy, Disclose: opts.DiscloseEvidence},
		maxParallel: opts.MaxParallelQueries,
		logger:      opts.Logger,
		telemetry:   opts.Telemetry,
		compiled:    make(map[string]*compiledSpec),
	}
	if e.locker == nil {
		e.locker = runlock.NewLocalLocker()
	}
	if e.limits == (logic.Limits{}) {
		e.limits = logic.DefaultLimits()
	}
	if e.trust.MinLane == "" {
		e.trust = evidence.DefaultTrustRequirement()
	}
	if !e.trust.MinLane.Valid() {
		return nil, fmt.Errorf("engine: unknown trust lane %q", e.trust.MinLane)
	}
	if e.maxParallel <= 0 {
		e.maxParallel = DefaultMaxParallelQueries
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "engine")
	if e.telemetry == nil {
		e.telemetry = observability.Disabled()
	}
	return e, nil
}

// compiledGate is a gate with its plan and effective gate-level trust.
type compiledGate struct {
	spec  *scenario.GateSpec
	plan  *logic.Plan
	trust evidence.TrustRequirement
}

type compiledSpec struct {
	spec  *scenario.Spec
	hash  canonicalize.HashDigest
	logic logic.Logic
	gates map[string][]compiledGate // by stage id
}

func (e *Engine) compile(spec *scenario.Spec, hash canonicalize.HashDigest) (*compiledSpec, error) {
	e.mu.RLock()
	cs, ok := e.compiled[hash.Value]
	e.mu.RUnlock()
	if ok {
		return cs, nil
	}

	cs = &compiledSpec{spec: spec, hash: hash, logic: e.logic, gates: make(map[string][]compiledGate)}
	if spec.Logic == logic.Bochvar {
		cs.logic = logic.Bochvar
	}
	for i := range spec.Stages {
		stage := &spec.Stages[i]
		gates := make([]compiledGate, 0, len(stage.Gates))
		for j := range stage.Gates {
			g := &stage.Gates[j]
			req, err := spec.GateRequirement(g, e.limits)
			if err != nil {
				return nil, fmt.Errorf("engine: stage %s gate %s: %w", stage.StageID, g.GateID, err)
			}
			plan, err := logic.Compile(req, e.limits)
			if err != nil {
				return nil, fmt.Errorf("engine: stage %s gate %s: %w", stage.StageID, g.GateID, err)
			}
			gates = append(gates, compiledGate{spec: g, plan: plan, trust: e.trust.Stricter(g.Trust)})
		}
		cs.gates[stage.StageID] = gates
	}

	e.mu.Lock()
	e.compiled[hash.Value] = cs
	e.mu.Unlock()
	return cs, nil
}

// scenario loads and compiles a registered spec.
func (e *Engine) scenario(ctx context.Context, namespaceID, scenarioID string) (*compiledSpec, error) {
	spec, hash, err := e.store.Get(ctx, namespaceID, scenarioID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownScenario, namespaceID, scenarioID)
	}
	if err != nil {
		return nil, err
	}
	return e.compile(spec, hash)
}

// DefineScenario validates spec and registers it. Registering an identical
// spec again returns the same hash; a different spec under a registered id
// fails with store.ErrDuplicateRegistration.
func (e *Engine) DefineScenario(ctx context.Context, spec *scenario.Spec) (scenarioID string, hash canonicalize.HashDigest, err error) {
	if spec == nil {
		return "", canonicalize.HashDigest{}, fmt.Errorf("%w: spec is nil", scenario.ErrInvalidSpec)
	}
	ctx, finish := e.telemetry.TrackOperation(ctx, "engine.define_scenario",
		observability.AttrScenarioID.String(spec.ScenarioID))
	defer func() { finish(err) }()

	if err := scenario.Validate(spec, e.limits); err != nil {
		return "", canonicalize.HashDigest{}, err
	}
	canonical, err := spec.Canonical()
	if err != nil {
		return "", canonicalize.HashDigest{}, fmt.Errorf("engine: canonicalize spec: %w", err)
	}
	hash = canonicalize.DigestBytes(canonical)
	stored, err := e.store.PutIfAbsentOrMatching(ctx, spec, canonical, hash)
	if err != nil {
		return "", canonicalize.HashDigest{}, err
	}
	e.logger.InfoContext(ctx, "scenario defined",
		"scenario_id", spec.ScenarioID,
		"namespace_id", spec.NamespaceID,
		"spec_hash", stored.String(),
	)
	return spec.ScenarioID, stored, nil
}

func (e *Engine) loadRun(ctx context.Context, tenantID, namespaceID, runID string) (*state.RunState, error) {
	st, err := e.store.Load(ctx, tenantID, namespaceID, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return st, err
}

func (e *Engine) lockRun(ctx context.Context, tenantID, namespaceID, runID string) (func(), error) {
	unlock, err := e.locker.Lock(ctx, runlock.Key(tenantID, namespaceID, runID))
	if err != nil {
		return nil, fmt.Errorf("engine: lock run %s: %w", runID, err)
	}
	return unlock, nil
}

// recordCall appends a tool call record for a committed operation.
func recordCall(st *state.RunState, method string, request, response any, at evidence.Timestamp, correlationID string) error {
	reqHash, err := canonicalize.Digest(request)
	if err != nil {
		return fmt.Errorf("engine: hash %s request: %w", method, err)
	}
	respHash, err := canonicalize.Digest(response)
	if err != nil {
		return fmt.Errorf("engine: hash %s response: %w", method, err)
	}
	st.ToolCalls = append(st.ToolCalls, state.ToolCallRecord{
		CallID:        st.NextCallID(),
		Method:        method,
		RequestHash:   reqHash,
		ResponseHash:  respHash,
		CalledAt:      at,
		CorrelationID: correlationID,
	})
	return nil
}
