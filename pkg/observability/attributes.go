package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Decision gate span and metric attributes.
var (
	AttrOperation = attribute.Key("dg.operation")

	AttrTenantID    = attribute.Key("dg.tenant.id")
	AttrNamespaceID = attribute.Key("dg.namespace.id")
	AttrScenarioID  = attribute.Key("dg.scenario.id")
	AttrRunID       = attribute.Key("dg.run.id")
	AttrStageID     = attribute.Key("dg.stage.id")
	AttrTriggerID   = attribute.Key("dg.trigger.id")
	AttrTriggerKind = attribute.Key("dg.trigger.kind")

	AttrOutcome = attribute.Key("dg.decision.outcome")

	AttrProviderID = attribute.Key("dg.provider.id")
	AttrCheckID    = attribute.Key("dg.provider.check_id")

	AttrEvidenceResult = attribute.Key("dg.evidence.result")
)

// RunAttributes identifies a run. Tenant and run ids are high cardinality,
// so they go on spans only; metrics get the scenario.
func RunAttributes(tenantID, namespaceID, scenarioID, runID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrNamespaceID.String(namespaceID),
		AttrScenarioID.String(scenarioID),
		AttrRunID.String(runID),
	}
}

// TriggerAttributes identifies a trigger.
func TriggerAttributes(triggerID, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTriggerID.String(triggerID),
		AttrTriggerKind.String(kind),
	}
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttributes adds attributes to the current span.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// SetSpanStatus sets the status of the current span.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}
