package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
)

// CELProviderID is the conventional registration id of CELProvider.
const CELProviderID = "cel"

// DefaultCELCostLimit bounds the runtime cost of one expression.
const DefaultCELCostLimit = 100000

// CELProvider evaluates a CEL expression (check "eval", params {"expr"})
// over the trigger payload and the evidence context. The payload is caller
// supplied, so results are in the asserted lane.
type CELProvider struct {
	env       *cel.Env
	costLimit uint64

	mu       sync.Mutex
	programs map[string]cel.Program
}

type celParams struct {
	Expr string `json:"expr"`
}

// NewCELProvider builds the CEL environment. Variables: payload (dyn) and
// ctx (map of string to dyn).
func NewCELProvider(costLimit uint64) (*CELProvider, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: create env: %w", err)
	}
	if costLimit == 0 {
		costLimit = DefaultCELCostLimit
	}
	return &CELProvider{env: env, costLimit: costLimit, programs: make(map[string]cel.Program)}, nil
}

// Compile checks an expression without evaluating it.
func (p *CELProvider) Compile(expr string) error {
	_, err := p.program(expr)
	return err
}

func (p *CELProvider) program(expr string) (cel.Program, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, ok := p.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel: compile: %w", issues.Err())
	}
	prg, err := p.env.Program(ast, cel.CostLimit(p.costLimit))
	if err != nil {
		return nil, fmt.Errorf("cel: program: %w", err)
	}
	p.programs[expr] = prg
	return prg, nil
}

func (p *CELProvider) Query(ctx context.Context, q evidence.Query, ec evidence.Context) (evidence.Result, error) {
	if q.CheckID != "eval" {
		return evidence.Result{}, fmt.Errorf("cel: unsupported check %q", q.CheckID)
	}
	var params celParams
	if err := json.Unmarshal(q.Params, &params); err != nil || params.Expr == "" {
		return evidence.Result{}, fmt.Errorf("cel: params must be {\"expr\": string}")
	}
	prg, err := p.program(params.Expr)
	if err != nil {
		return evidence.Result{}, err
	}

	var payload any
	if len(ec.Payload) > 0 {
		if err := json.Unmarshal(ec.Payload, &payload); err != nil {
			return evidence.Result{}, fmt.Errorf("cel: payload is not JSON: %w", err)
		}
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"payload": payload,
		"ctx":     contextVars(ec),
	})
	if err != nil {
		return evidence.Result{}, fmt.Errorf("cel: eval: %w", err)
	}
	native, err := out.ConvertToNative(reflect.TypeOf(&structpb.Value{}))
	if err != nil {
		return evidence.Result{}, fmt.Errorf("cel: result is not JSON-representable: %w", err)
	}
	raw, err := protojson.Marshal(native.(*structpb.Value))
	if err != nil {
		return evidence.Result{}, fmt.Errorf("cel: encode result: %w", err)
	}
	return evidence.Result{
		Value:       evidence.JSONValue(raw),
		Lane:        evidence.LaneAsserted,
		ContentType: "application/json",
	}, nil
}

func contextVars(ec evidence.Context) map[string]any {
	vars := map[string]any{
		"tenant_id":      ec.TenantID,
		"namespace_id":   ec.NamespaceID,
		"run_id":         ec.RunID,
		"scenario_id":    ec.ScenarioID,
		"stage_id":       ec.StageID,
		"trigger_id":     ec.TriggerID,
		"correlation_id": ec.CorrelationID,
	}
	switch {
	case ec.TriggerTime.UnixMillis != nil:
		vars["trigger_time"] = *ec.TriggerTime.UnixMillis
	case ec.TriggerTime.Logical != nil:
		vars["trigger_time"] = int64(*ec.TriggerTime.Logical)
	}
	return vars
}
