package engine

import (
	"context"
	"fmt"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/artifacts"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/observability"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/runpack"
)

// ExportRunpack writes the runpack of a run under dir in out. The run lock
// is held while the state is read so the pack reflects one committed
// version.
func (e *Engine) ExportRunpack(ctx context.Context, tenantID, namespaceID, runID string, out artifacts.Store, dir string, generatedAt evidence.Timestamp) (_ *runpack.Manifest, err error) {
	ctx, finish := e.telemetry.TrackOperation(ctx, "engine.export_runpack")
	defer func() { finish(err) }()
	observability.SetSpanAttributes(ctx, observability.RunAttributes(tenantID, namespaceID, "", runID)...)

	if out == nil {
		return nil, fmt.Errorf("%w: artifact store is required", ErrInvalidRequest)
	}
	if !generatedAt.Valid() {
		return nil, fmt.Errorf("%w: generated_at must set exactly one of unix_millis and logical", ErrInvalidRequest)
	}

	unlock, err := e.lockRun(ctx, tenantID, namespaceID, runID)
	if err != nil {
		return nil, err
	}
	st, err := e.loadRun(ctx, tenantID, namespaceID, runID)
	unlock()
	if err != nil {
		return nil, err
	}
	cs, err := e.scenario(ctx, st.NamespaceID, st.ScenarioID)
	if err != nil {
		return nil, err
	}
	if !cs.hash.Equal(st.SpecHash) {
		return nil, fmt.Errorf("engine: run %s was started with spec %s, registry holds %s", runID, st.SpecHash, cs.hash)
	}

	m, err := runpack.Export(ctx, out, dir, cs.spec, st, generatedAt)
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "runpack exported",
		"run_id", runID,
		"dir", dir,
		"root_hash", m.Integrity.RootHash.String(),
	)
	return m, nil
}

// VerifyRunpack checks a runpack offline. It reads nothing but src.
func (e *Engine) VerifyRunpack(ctx context.Context, src artifacts.Store, manifestPath string) (_ *runpack.VerifyReport, err error) {
	ctx, finish := e.telemetry.TrackOperation(ctx, "engine.verify_runpack")
	defer func() { finish(err) }()

	report, err := runpack.Verify(ctx, src, manifestPath)
	if err != nil {
		return nil, err
	}
	if !report.Passed() {
		e.logger.WarnContext(ctx, "runpack verification failed",
			"manifest", manifestPath,
			"errors", len(report.Errors),
		)
	}
	return report, nil
}
