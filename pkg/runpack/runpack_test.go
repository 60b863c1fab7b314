package runpack

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/artifacts"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/scenario"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/state"
)

func fixture(t *testing.T) (*scenario.Spec, *state.RunState) {
	t.Helper()
	req := logic.Pred("after_window")
	spec := &scenario.Spec{
		ScenarioID:  "release-window",
		NamespaceID: "default",
		SpecVersion: "1.0.0",
		Stages: []scenario.StageSpec{{
			StageID:   "wait",
			Gates:     []scenario.GateSpec{{GateID: "gate-time", Requirement: &req}},
			AdvanceTo: scenario.AdvanceTo{Kind: scenario.AdvanceTerminal},
		}},
		Predicates: []scenario.PredicateSpec{{
			Predicate:  "after_window",
			Query:      evidence.Query{ProviderID: "time", CheckID: "after", Params: json.RawMessage(`{"timestamp":1710000000000}`)},
			Comparator: "equals",
			Expected:   json.RawMessage(`true`),
		}},
	}
	specHash, err := scenario.Hash(spec)
	require.NoError(t, err)

	start := evidence.UnixMillis(1709999999000)
	at := evidence.UnixMillis(1710000001000)
	st := &state.RunState{
		TenantID:       "tenant-1",
		NamespaceID:    "default",
		RunID:          "run-1",
		ScenarioID:     spec.ScenarioID,
		SpecHash:       specHash,
		CurrentStageID: "wait",
		Status:         state.StatusCompleted,
		StageEnteredAt: start,
		Triggers: []state.TriggerRecord{
			{Seq: 1, Event: state.TriggerEvent{TriggerID: "init", TenantID: "tenant-1", NamespaceID: "default", RunID: "run-1", Kind: state.TriggerExternalEvent, Time: start, SourceID: "system"}},
			{Seq: 2, Event: state.TriggerEvent{TriggerID: "t-1", TenantID: "tenant-1", NamespaceID: "default", RunID: "run-1", Kind: state.TriggerTick, Time: at}},
		},
		GateEvals: []state.GateEvalRecord{{
			TriggerID: "t-1", StageID: "wait", GateID: "gate-time", Status: logic.True,
			Trace: []state.GateTrace{{Predicate: "after_window", Status: logic.True}},
		}},
		Decisions: []state.Decision{
			{DecisionID: "decision-1", Seq: 1, TriggerID: "init", StageID: "wait", DecidedAt: start, Outcome: state.Start("wait")},
			{DecisionID: "decision-2", Seq: 2, TriggerID: "t-1", StageID: "wait", DecidedAt: at, Outcome: state.Complete("wait")},
		},
		Version: 2,
	}
	return spec, st
}

func TestExportThenVerifyPasses(t *testing.T) {
	ctx := context.Background()
	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	spec, st := fixture(t)

	m, err := Export(ctx, store, "runs/run-1", spec, st, evidence.UnixMillis(1710000002000))
	require.NoError(t, err)
	assert.Equal(t, ManifestVersion, m.ManifestVersion)
	assert.Equal(t, VerifierModeOffline, m.VerifierMode)
	assert.Equal(t, "sha256", m.HashAlgorithm)
	assert.True(t, st.SpecHash.Equal(m.SpecHash))
	require.Len(t, m.Artifacts, 7)
	for i := 1; i < len(m.Integrity.FileHashes); i++ {
		assert.Less(t, m.Integrity.FileHashes[i-1].Path, m.Integrity.FileHashes[i].Path)
	}

	report, err := Verify(ctx, store, "runs/run-1/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, VerifyPass, report.Status)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 7, report.CheckedFiles)
}

func TestExportIsDeterministic(t *testing.T) {
	ctx := context.Background()
	spec, st := fixture(t)
	a, b := artifacts.NewMemoryStore(), artifacts.NewMemoryStore()
	_, err := Export(ctx, a, "", spec, st, evidence.UnixMillis(5))
	require.NoError(t, err)
	_, err = Export(ctx, b, "", spec, st, evidence.UnixMillis(5))
	require.NoError(t, err)

	require.Equal(t, a.Paths(), b.Paths())
	for _, p := range a.Paths() {
		da, _ := a.Get(ctx, p)
		db, _ := b.Get(ctx, p)
		assert.Equal(t, da, db, p)
	}
}

func TestVerifyNamesTamperedArtifact(t *testing.T) {
	for _, target := range []string{"artifacts/decisions.json", "artifacts/scenario_spec.json", "artifacts/gate_evals.json"} {
		t.Run(target, func(t *testing.T) {
			ctx := context.Background()
			root := t.TempDir()
			store, err := artifacts.NewFileStore(root)
			require.NoError(t, err)
			spec, st := fixture(t)
			_, err = Export(ctx, store, "", spec, st, evidence.UnixMillis(1))
			require.NoError(t, err)

			full := filepath.Join(root, filepath.FromSlash(target))
			data, err := os.ReadFile(full)
			require.NoError(t, err)
			data[len(data)/2] ^= 0x01
			require.NoError(t, os.WriteFile(full, data, 0o644))

			report, err := Verify(ctx, store, ManifestFile)
			require.NoError(t, err)
			assert.Equal(t, VerifyFail, report.Status)
			require.NotEmpty(t, report.Errors)
			assert.Equal(t, CodeHashMismatch, report.Errors[0].Code)
			assert.Equal(t, target, report.Errors[0].Path)
		})
	}
}

func TestVerifyReportsEveryProblem(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	spec, st := fixture(t)
	m, err := Export(ctx, store, "", spec, st, evidence.UnixMillis(1))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "artifacts/packets.json"))
	require.NoError(t, store.Delete(ctx, "artifacts/tool_calls.json"))
	m.HashAlgorithm = "md5"
	m.SpecHash = canonicalize.DigestBytes([]byte("other spec"))
	m.Integrity.RootHash = canonicalize.DigestBytes([]byte("forged"))
	data, err := canonicalize.JCS(m)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, ManifestFile, data))

	report, err := Verify(ctx, store, ManifestFile)
	require.NoError(t, err)
	assert.Equal(t, VerifyFail, report.Status)

	codes := make(map[string]string)
	var missing []string
	for _, e := range report.Errors {
		codes[e.Code] = e.Path
		if e.Code == CodeMissingArtifact {
			missing = append(missing, e.Path)
		}
	}
	assert.Contains(t, codes, CodeHashAlgorithm)
	assert.Contains(t, codes, CodeRootHashMismatch)
	assert.Contains(t, codes, CodeSpecHashMismatch)
	assert.Equal(t, []string{"artifacts/packets.json", "artifacts/tool_calls.json"}, missing)
}

func TestVerifyFailsOnAnyMissingArtifact(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	spec, st := fixture(t)
	_, err := Export(ctx, store, "", spec, st, evidence.UnixMillis(1))
	require.NoError(t, err)

	// submissions are optional to export but listed in file_hashes once
	// exported, so removing them breaks the bundle.
	require.NoError(t, store.Delete(ctx, "artifacts/submissions.json"))

	report, err := Verify(ctx, store, ManifestFile)
	require.NoError(t, err)
	assert.Equal(t, VerifyFail, report.Status)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, CodeMissingArtifact, report.Errors[0].Code)
	assert.Equal(t, "artifacts/submissions.json", report.Errors[0].Path)
}

func TestVerifyRejectsDecisionLogMarkedOptional(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	spec, st := fixture(t)
	m, err := Export(ctx, store, "", spec, st, evidence.UnixMillis(1))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "artifacts/decisions.json"))
	for i := range m.Artifacts {
		if m.Artifacts[i].Kind == KindDecisionLog {
			m.Artifacts[i].Required = false
		}
	}
	data, err := canonicalize.JCS(m)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, ManifestFile, data))

	report, err := Verify(ctx, store, ManifestFile)
	require.NoError(t, err)
	assert.Equal(t, VerifyFail, report.Status)

	codes := make(map[string]string)
	for _, e := range report.Errors {
		codes[e.Code] = e.Path
	}
	assert.Equal(t, "artifacts/decisions.json", codes[CodeMissingArtifact])
	assert.Equal(t, "artifacts/decisions.json", codes[CodeMissingRequiredKind])
	assert.Equal(t, "artifacts/decisions.json", codes[CodeDecisionLogInvalid])
}

func TestVerifyRejectsBrokenDecisionLog(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	spec, st := fixture(t)
	st.Decisions[1].Seq = 5
	_, err := Export(ctx, store, "", spec, st, evidence.UnixMillis(1))
	require.NoError(t, err)

	report, err := Verify(ctx, store, ManifestFile)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, CodeDecisionLogInvalid, report.Errors[0].Code)
	assert.Equal(t, "artifacts/decisions.json", report.Errors[0].Path)
}

func TestVerifyManifestErrors(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()

	_, err := Verify(ctx, store, ManifestFile)
	require.ErrorIs(t, err, artifacts.ErrNotFound)

	require.NoError(t, store.Put(ctx, ManifestFile, []byte(`{"manifest_version":"v1","extra":1}`)))
	report, err := Verify(ctx, store, ManifestFile)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, CodeManifestInvalid, report.Errors[0].Code)

	require.NoError(t, store.Put(ctx, ManifestFile, []byte(`{"manifest_version":"v1","hash_algorithm":"sha256",
		"artifacts":[{"artifact_id":"x","kind":"decision_log","path":"../escape.json","content_type":"application/json",
		"hash":{"algorithm":"sha256","value":"00"},"required":true}],"integrity":{"file_hashes":[],"root_hash":{"algorithm":"sha256","value":"00"}}}`)))
	report, err = Verify(ctx, store, ManifestFile)
	require.NoError(t, err)
	assert.Equal(t, VerifyFail, report.Status)
	assert.Equal(t, CodeInvalidPath, report.Errors[0].Code)
}
