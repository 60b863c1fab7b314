// Package runpack exports a run as a hash-verifiable bundle of canonical JSON
// artifacts and verifies such bundles offline.
package runpack

import (
	"fmt"
	"sort"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
)

const (
	ManifestVersion     = "v1"
	VerifierModeOffline = "offline_strict"
	ManifestFile        = "manifest.json"
	contentTypeJSON     = "application/json"
)

// ArtifactKind names what an artifact file holds.
type ArtifactKind string

const (
	KindScenarioSpec ArtifactKind = "scenario_spec"
	KindTriggerLog   ArtifactKind = "trigger_log"
	KindGateEvals    ArtifactKind = "gate_evals"
	KindDecisionLog  ArtifactKind = "decision_log"
	KindPackets      ArtifactKind = "packets"
	KindSubmissions  ArtifactKind = "submissions"
	KindToolCalls    ArtifactKind = "tool_transcript"
)

// Artifact describes one file of the bundle. Path is relative to the
// directory holding the manifest.
type Artifact struct {
	ArtifactID  string                  `json:"artifact_id"`
	Kind        ArtifactKind            `json:"kind"`
	Path        string                  `json:"path"`
	ContentType string                  `json:"content_type"`
	Hash        canonicalize.HashDigest `json:"hash"`
	Required    bool                    `json:"required"`
}

// FileHash pairs an artifact path with its hash.
type FileHash struct {
	Path string                  `json:"path"`
	Hash canonicalize.HashDigest `json:"hash"`
}

// Integrity holds the per-file hashes and the root hash over them.
type Integrity struct {
	FileHashes []FileHash              `json:"file_hashes"`
	RootHash   canonicalize.HashDigest `json:"root_hash"`
}

// Manifest describes an exported bundle.
type Manifest struct {
	ManifestVersion string                  `json:"manifest_version"`
	ScenarioID      string                  `json:"scenario_id"`
	RunID           string                  `json:"run_id"`
	TenantID        string                  `json:"tenant_id"`
	NamespaceID     string                  `json:"namespace_id"`
	SpecHash        canonicalize.HashDigest `json:"spec_hash"`
	HashAlgorithm   string                  `json:"hash_algorithm"`
	Artifacts       []Artifact              `json:"artifacts"`
	Integrity       Integrity               `json:"integrity"`
	GeneratedAt     evidence.Timestamp      `json:"generated_at"`
	VerifierMode    string                  `json:"verifier_mode"`
}

// Artifact returns the artifact with the given kind.
func (m *Manifest) Artifact(kind ArtifactKind) (Artifact, bool) {
	for _, a := range m.Artifacts {
		if a.Kind == kind {
			return a, true
		}
	}
	return Artifact{}, false
}

// SortFileHashes returns a copy of hashes ordered by path.
func SortFileHashes(hashes []FileHash) []FileHash {
	out := append([]FileHash(nil), hashes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// RootHash hashes the canonical JSON of hashes sorted by path.
func RootHash(hashes []FileHash) (canonicalize.HashDigest, error) {
	d, err := canonicalize.Digest(SortFileHashes(hashes))
	if err != nil {
		return canonicalize.HashDigest{}, fmt.Errorf("runpack: root hash: %w", err)
	}
	return d, nil
}
