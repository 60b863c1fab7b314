package runpack

import (
	"context"
	"fmt"
	"path"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/artifacts"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/scenario"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/state"
)

type artifactSource struct {
	id       string
	kind     ArtifactKind
	path     string
	required bool
	value    func(*scenario.Spec, *state.RunState) any
}

var artifactSources = []artifactSource{
	{"scenario_spec", KindScenarioSpec, "artifacts/scenario_spec.json", true,
		func(s *scenario.Spec, _ *state.RunState) any { return s }},
	{"trigger_log", KindTriggerLog, "artifacts/triggers.json", true,
		func(_ *scenario.Spec, r *state.RunState) any { return nonNil(r.Triggers) }},
	{"gate_evals", KindGateEvals, "artifacts/gate_evals.json", true,
		func(_ *scenario.Spec, r *state.RunState) any { return nonNil(r.GateEvals) }},
	{"decision_log", KindDecisionLog, "artifacts/decisions.json", true,
		func(_ *scenario.Spec, r *state.RunState) any { return nonNil(r.Decisions) }},
	{"packets", KindPackets, "artifacts/packets.json", true,
		func(_ *scenario.Spec, r *state.RunState) any { return nonNil(r.Packets) }},
	{"submissions", KindSubmissions, "artifacts/submissions.json", false,
		func(_ *scenario.Spec, r *state.RunState) any { return nonNil(r.Submissions) }},
	{"tool_calls", KindToolCalls, "artifacts/tool_calls.json", false,
		func(_ *scenario.Spec, r *state.RunState) any { return nonNil(r.ToolCalls) }},
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Export writes the artifacts of st and its spec under dir in out, then the
// manifest, and returns the manifest. generatedAt is recorded as given so
// two exports of the same run are byte-identical.
func Export(ctx context.Context, out artifacts.Store, dir string, spec *scenario.Spec, st *state.RunState, generatedAt evidence.Timestamp) (*Manifest, error) {
	if spec == nil || st == nil {
		return nil, fmt.Errorf("runpack: spec and run state are required")
	}
	if spec.ScenarioID != st.ScenarioID {
		return nil, fmt.Errorf("runpack: run %s belongs to scenario %s, not %s", st.RunID, st.ScenarioID, spec.ScenarioID)
	}
	specHash, err := scenario.Hash(spec)
	if err != nil {
		return nil, fmt.Errorf("runpack: spec hash: %w", err)
	}

	m := &Manifest{
		ManifestVersion: ManifestVersion,
		ScenarioID:      st.ScenarioID,
		RunID:           st.RunID,
		TenantID:        st.TenantID,
		NamespaceID:     st.NamespaceID,
		SpecHash:        specHash,
		HashAlgorithm:   canonicalize.AlgorithmSHA256,
		GeneratedAt:     generatedAt,
		VerifierMode:    VerifierModeOffline,
	}

	var hashes []FileHash
	for _, src := range artifactSources {
		data, err := canonicalize.JCS(src.value(spec, st))
		if err != nil {
			return nil, fmt.Errorf("runpack: encode %s: %w", src.id, err)
		}
		if err := out.Put(ctx, joinPath(dir, src.path), data); err != nil {
			return nil, fmt.Errorf("runpack: write %s: %w", src.path, err)
		}
		digest := canonicalize.DigestBytes(data)
		m.Artifacts = append(m.Artifacts, Artifact{
			ArtifactID:  src.id,
			Kind:        src.kind,
			Path:        src.path,
			ContentType: contentTypeJSON,
			Hash:        digest,
			Required:    src.required,
		})
		hashes = append(hashes, FileHash{Path: src.path, Hash: digest})
	}

	m.Integrity.FileHashes = SortFileHashes(hashes)
	if m.Integrity.RootHash, err = RootHash(hashes); err != nil {
		return nil, err
	}

	data, err := canonicalize.JCS(m)
	if err != nil {
		return nil, fmt.Errorf("runpack: encode manifest: %w", err)
	}
	if err := out.Put(ctx, joinPath(dir, ManifestFile), data); err != nil {
		return nil, fmt.Errorf("runpack: write manifest: %w", err)
	}
	return m, nil
}

func joinPath(dir, p string) string {
	if dir == "" || dir == "." {
		return p
	}
	return path.Join(dir, p)
}
