package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/artifacts"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/engine"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/runpack"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/scenario"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/state"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/store"
)

// rejected lists the errors that mean the request was refused rather than
// that the command failed to run.
var rejected = []error{
	engine.ErrUnknownScenario,
	engine.ErrUnknownRun,
	engine.ErrUnknownStage,
	engine.ErrInactiveRun,
	engine.ErrInvalidTrigger,
	engine.ErrInvalidRequest,
	engine.ErrRunMismatch,
	engine.ErrRunExists,
	engine.ErrSubmissionConflict,
	scenario.ErrInvalidSpec,
	store.ErrDuplicateRegistration,
}

func reportError(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	for _, r := range rejected {
		if errors.Is(err, r) {
			return 1
		}
	}
	return 2
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func required(stderr io.Writer, values map[string]string) bool {
	for name, v := range values {
		if v == "" {
			_, _ = fmt.Fprintf(stderr, "Error: --%s is required\n", name)
			return false
		}
	}
	return true
}

// runDefineCmd implements `decision-gate define`.
func runDefineCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("define", stderr)
	var common commonFlags
	common.register(cmd)
	specPath := cmd.String("spec", "", "Scenario spec file, JSON or YAML (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !required(stderr, map[string]string{"spec": *specPath}) {
		return 2
	}

	data, err := os.ReadFile(*specPath) //nolint:gosec // operator-supplied path
	if err != nil {
		return reportError(stderr, err)
	}
	var spec *scenario.Spec
	switch strings.ToLower(filepath.Ext(*specPath)) {
	case ".yaml", ".yml":
		spec, err = scenario.ParseYAML(data)
	default:
		spec, err = scenario.ParseJSON(data)
	}
	if err != nil {
		return reportError(stderr, err)
	}

	ctx := context.Background()
	a, err := openApp(ctx, &common, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer a.Close()

	id, hash, err := a.engine.DefineScenario(ctx, spec)
	if err != nil {
		return reportError(stderr, err)
	}
	_ = writeJSON(stdout, map[string]any{"scenario_id": id, "spec_hash": hash})
	return 0
}

// runStartCmd implements `decision-gate start`.
func runStartCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("start", stderr)
	var common commonFlags
	common.register(cmd)
	var (
		scenarioID string
		runID      string
		at         string
		packets    bool
		targets    string
	)
	cmd.StringVar(&scenarioID, "scenario", "", "Scenario ID (REQUIRED)")
	cmd.StringVar(&runID, "run", "", "Run ID (default: generated)")
	cmd.StringVar(&at, "at", "", "Start time: unix milliseconds or logical:N (default: now)")
	cmd.BoolVar(&packets, "packets", false, "Issue the entry packets of the first stage")
	cmd.StringVar(&targets, "targets", "", "Comma-separated dispatch targets")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !required(stderr, map[string]string{"scenario": scenarioID}) {
		return 2
	}
	startedAt, err := parseTimestamp(at)
	if err != nil {
		return reportError(stderr, err)
	}

	ctx := context.Background()
	a, err := openApp(ctx, &common, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer a.Close()

	cfg := engine.RunConfig{
		TenantID:    common.tenantID,
		NamespaceID: common.namespaceID,
		RunID:       runID,
		ScenarioID:  scenarioID,
	}
	if targets != "" {
		cfg.DispatchTargets = strings.Split(targets, ",")
	}
	st, err := a.engine.StartRun(ctx, cfg, startedAt, packets)
	if err != nil {
		return reportError(stderr, err)
	}
	_ = writeJSON(stdout, st.Summarize())
	return 0
}

// runTriggerCmd implements `decision-gate trigger`. A fail decision exits 1.
func runTriggerCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("trigger", stderr)
	var common commonFlags
	common.register(cmd)
	var (
		scenarioID    string
		runID         string
		triggerID     string
		kind          string
		at            string
		source        string
		payload       string
		correlationID string
	)
	cmd.StringVar(&scenarioID, "scenario", "", "Scenario ID (REQUIRED)")
	cmd.StringVar(&runID, "run", "", "Run ID (REQUIRED)")
	cmd.StringVar(&triggerID, "id", "", "Trigger ID, unique per run (REQUIRED)")
	cmd.StringVar(&kind, "kind", string(state.TriggerExternalEvent), "Trigger kind")
	cmd.StringVar(&at, "at", "", "Trigger time: unix milliseconds or logical:N (default: now)")
	cmd.StringVar(&source, "source", "cli", "Source ID")
	cmd.StringVar(&payload, "payload", "", "JSON payload, or @file")
	cmd.StringVar(&correlationID, "correlation", "", "Correlation ID")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !required(stderr, map[string]string{"scenario": scenarioID, "run": runID, "id": triggerID}) {
		return 2
	}
	ts, err := parseTimestamp(at)
	if err != nil {
		return reportError(stderr, err)
	}
	body, err := readPayload(payload)
	if err != nil {
		return reportError(stderr, err)
	}

	ctx := context.Background()
	a, err := openApp(ctx, &common, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer a.Close()

	dec, err := a.engine.Advance(ctx, scenarioID, state.TriggerEvent{
		TriggerID:     triggerID,
		TenantID:      common.tenantID,
		NamespaceID:   common.namespaceID,
		RunID:         runID,
		Kind:          state.TriggerKind(kind),
		Time:          ts,
		SourceID:      source,
		Payload:       body,
		CorrelationID: correlationID,
	})
	if err != nil {
		return reportError(stderr, err)
	}
	_ = writeJSON(stdout, dec)
	if dec.Outcome.Kind == state.OutcomeFail {
		return 1
	}
	return 0
}

// runStatusCmd implements `decision-gate status`.
func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("status", stderr)
	var common commonFlags
	common.register(cmd)
	runID := cmd.String("run", "", "Run ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !required(stderr, map[string]string{"run": *runID}) {
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx, &common, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer a.Close()

	view, err := a.engine.Status(ctx, common.tenantID, common.namespaceID, *runID)
	if err != nil {
		return reportError(stderr, err)
	}
	_ = writeJSON(stdout, view)
	return 0
}

// runSubmitCmd implements `decision-gate submit`.
func runSubmitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("submit", stderr)
	var common commonFlags
	common.register(cmd)
	var (
		runID         string
		submissionID  string
		payload       string
		contentType   string
		at            string
		correlationID string
	)
	cmd.StringVar(&runID, "run", "", "Run ID (REQUIRED)")
	cmd.StringVar(&submissionID, "id", "", "Submission ID (REQUIRED)")
	cmd.StringVar(&payload, "payload", "", "JSON payload, or @file (REQUIRED)")
	cmd.StringVar(&contentType, "content-type", "application/json", "Content type")
	cmd.StringVar(&at, "at", "", "Submission time: unix milliseconds or logical:N (default: now)")
	cmd.StringVar(&correlationID, "correlation", "", "Correlation ID")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !required(stderr, map[string]string{"run": runID, "id": submissionID, "payload": payload}) {
		return 2
	}
	ts, err := parseTimestamp(at)
	if err != nil {
		return reportError(stderr, err)
	}
	body, err := readPayload(payload)
	if err != nil {
		return reportError(stderr, err)
	}

	ctx := context.Background()
	a, err := openApp(ctx, &common, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer a.Close()

	rec, err := a.engine.Submit(ctx, common.tenantID, common.namespaceID, runID, engine.SubmitRequest{
		SubmissionID:  submissionID,
		Payload:       body,
		ContentType:   contentType,
		SubmittedAt:   ts,
		CorrelationID: correlationID,
	})
	if err != nil {
		return reportError(stderr, err)
	}
	_ = writeJSON(stdout, rec)
	return 0
}

// runPrecheckCmd implements `decision-gate precheck`.
func runPrecheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("precheck", stderr)
	var common commonFlags
	common.register(cmd)
	var (
		scenarioID string
		stageID    string
	)
	assertions := make(map[string]json.RawMessage)
	cmd.StringVar(&scenarioID, "scenario", "", "Scenario ID (REQUIRED)")
	cmd.StringVar(&stageID, "stage", "", "Stage ID (default: first stage)")
	cmd.Func("assert", "Asserted value as predicate=json (repeatable)", func(s string) error {
		key, value, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return fmt.Errorf("want predicate=json, got %q", s)
		}
		if !json.Valid([]byte(value)) {
			return fmt.Errorf("value of %s is not valid json", key)
		}
		assertions[key] = json.RawMessage(value)
		return nil
	})
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !required(stderr, map[string]string{"scenario": scenarioID}) {
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx, &common, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer a.Close()

	res, err := a.engine.Precheck(ctx, engine.PrecheckRequest{
		NamespaceID: common.namespaceID,
		ScenarioID:  scenarioID,
		StageID:     stageID,
		Assertions:  assertions,
	})
	if err != nil {
		return reportError(stderr, err)
	}
	_ = writeJSON(stdout, res)
	return 0
}

// runExportCmd implements `decision-gate export`. Without --out the pack is
// written to the configured artifact store under runpacks/.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("export", stderr)
	var common commonFlags
	common.register(cmd)
	var (
		runID      string
		outDir     string
		at         string
		jsonOutput bool
	)
	cmd.StringVar(&runID, "run", "", "Run ID (REQUIRED)")
	cmd.StringVar(&outDir, "out", "", "Output directory")
	cmd.StringVar(&at, "at", "", "Generation time: unix milliseconds or logical:N (default: now)")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the manifest as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !required(stderr, map[string]string{"run": runID}) {
		return 2
	}
	generatedAt, err := parseTimestamp(at)
	if err != nil {
		return reportError(stderr, err)
	}

	ctx := context.Background()
	a, err := openApp(ctx, &common, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer a.Close()

	var (
		out artifacts.Store
		dir string
	)
	if outDir != "" {
		fs, err := artifacts.NewFileStore(outDir)
		if err != nil {
			return reportError(stderr, err)
		}
		out = fs
	} else {
		out, err = artifacts.NewStoreFromConfig(ctx, a.cfg.Artifacts)
		if err != nil {
			return reportError(stderr, err)
		}
		dir = path.Join("runpacks", common.tenantID, common.namespaceID, runID)
	}

	m, err := a.engine.ExportRunpack(ctx, common.tenantID, common.namespaceID, runID, out, dir, generatedAt)
	if err != nil {
		return reportError(stderr, err)
	}
	if jsonOutput {
		_ = writeJSON(stdout, m)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Runpack exported: %s\n", path.Join(outDir, dir, runpack.ManifestFile))
	_, _ = fmt.Fprintf(stdout, "Artifacts: %d\n", len(m.Artifacts))
	_, _ = fmt.Fprintf(stdout, "Root hash: %s\n", m.Integrity.RootHash)
	return 0
}

// runVerifyCmd implements `decision-gate verify`. It reads only the runpack
// directory.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("verify", stderr)
	var (
		manifest   string
		jsonOutput bool
	)
	cmd.StringVar(&manifest, "manifest", "", "Path to manifest.json (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !required(stderr, map[string]string{"manifest": manifest}) {
		return 2
	}

	src, err := artifacts.NewFileStore(filepath.Dir(manifest))
	if err != nil {
		return reportError(stderr, err)
	}
	report, err := runpack.Verify(context.Background(), src, filepath.Base(manifest))
	if err != nil {
		return reportError(stderr, err)
	}

	if jsonOutput {
		_ = writeJSON(stdout, report)
	} else if report.Passed() {
		_, _ = fmt.Fprintf(stdout, "Runpack verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "Manifest: %s\n", manifest)
		_, _ = fmt.Fprintf(stdout, "Files checked: %d\n", report.CheckedFiles)
	} else {
		_, _ = fmt.Fprintf(stdout, "Runpack verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "Manifest: %s\n", manifest)
		for _, e := range report.Errors {
			_, _ = fmt.Fprintf(stdout, "  - %s %s: %s\n", e.Code, e.Path, e.Message)
		}
	}

	if !report.Passed() {
		return 1
	}
	return 0
}
