package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/scenario"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/state"
)

// GateResult is the evaluated outcome of one gate.
type GateResult struct {
	GateID string
	Status logic.TriState
	Record state.GateEvalRecord
	// PolicyTags are the tags of the predicates the gate reads.
	PolicyTags []string
}

// fetchFunc answers the query of one predicate.
type fetchFunc func(ctx context.Context, pred *scenario.PredicateSpec, ec evidence.Context) evidence.Result

func (e *Engine) queryProvider(ctx context.Context, pred *scenario.PredicateSpec, ec evidence.Context) evidence.Result {
	start := time.Now()
	res := e.registry.Query(ctx, pred.Query, ec)
	result := "ok"
	if res.Error != nil {
		result = res.Error.Code
	}
	e.telemetry.RecordEvidenceQuery(ctx, pred.Query.ProviderID, result, time.Since(start))
	return res
}

// evaluateGates evaluates every gate of a stage. Each distinct predicate is
// fetched once, concurrently; results are combined only after all arrive,
// so arrival order cannot affect the outcome.
func (e *Engine) evaluateGates(ctx context.Context, cs *compiledSpec, stageID string, ec evidence.Context, fetch fetchFunc) ([]GateResult, error) {
	gates, ok := cs.gates[stageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stageID)
	}

	seen := make(map[string]bool)
	var keys []string
	for _, g := range gates {
		for _, k := range g.plan.Keys() {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	preds := make([]*scenario.PredicateSpec, len(keys))
	pos := make(map[string]int, len(keys))
	for i, k := range keys {
		p, ok := cs.spec.Predicate(k)
		if !ok {
			return nil, fmt.Errorf("engine: stage %s reads undeclared predicate %q", stageID, k)
		}
		preds[i] = p
		pos[k] = i
	}

	results := make([]evidence.Result, len(keys))
	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i := range preds {
		g.Go(func() error {
			results[i] = fetch(ctx, preds[i], ec)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]GateResult, 0, len(gates))
	for _, gate := range gates {
		planKeys := gate.plan.Keys()
		values := make([]logic.TriState, len(planKeys))
		rec := state.GateEvalRecord{
			TriggerID: ec.TriggerID,
			StageID:   stageID,
			GateID:    gate.spec.GateID,
			Trace:     make([]state.GateTrace, 0, len(planKeys)),
			Evidence:  make([]evidence.Record, 0, len(planKeys)),
		}
		var tags []string
		for idx, key := range planKeys {
			pred := preds[pos[key]]
			status, evRec := e.evaluator.Apply(evidence.Check{
				Predicate:  key,
				Query:      pred.Query,
				Comparator: pred.Comparator,
				Expected:   pred.Expected,
				Trust:      gate.trust.Stricter(pred.Trust),
			}, results[pos[key]])
			values[idx] = status
			rec.Trace = append(rec.Trace, state.GateTrace{Predicate: key, Status: status})
			rec.Evidence = append(rec.Evidence, evRec)
			tags = append(tags, pred.PolicyTags...)
		}
		status, err := gate.plan.Eval(cs.logic, values)
		if err != nil {
			return nil, fmt.Errorf("engine: gate %s: %w", gate.spec.GateID, err)
		}
		rec.Status = status
		out = append(out, GateResult{GateID: gate.spec.GateID, Status: status, Record: rec, PolicyTags: tags})
	}
	return out, nil
}

func evidenceContext(st *state.RunState, trigger state.TriggerEvent) evidence.Context {
	return evidence.Context{
		TenantID:      st.TenantID,
		NamespaceID:   st.NamespaceID,
		RunID:         st.RunID,
		ScenarioID:    st.ScenarioID,
		StageID:       st.CurrentStageID,
		TriggerID:     trigger.TriggerID,
		TriggerTime:   trigger.Time,
		CorrelationID: trigger.CorrelationID,
		Payload:       trigger.Payload,
	}
}
