package runpack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/artifacts"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/state"
)

// VerifyStatus is the overall verification outcome.
type VerifyStatus string

const (
	VerifyPass VerifyStatus = "pass"
	VerifyFail VerifyStatus = "fail"
)

// Verification error codes.
const (
	CodeManifestInvalid     = "manifest_invalid"
	CodeUnsupportedVersion  = "unsupported_manifest_version"
	CodeHashAlgorithm       = "hash_algorithm_mismatch"
	CodeInvalidPath         = "invalid_artifact_path"
	CodeMissingArtifact     = "missing_artifact"
	CodeUnreadableArtifact  = "unreadable_artifact"
	CodeHashMismatch        = "hash_mismatch"
	CodeIntegrityMismatch   = "integrity_mismatch"
	CodeRootHashMismatch    = "root_hash_mismatch"
	CodeDecisionLogInvalid  = "decision_log_invalid"
	CodeSpecHashMismatch    = "spec_hash_mismatch"
	CodeMissingRequiredKind = "missing_required_kind"
)

// VerifyError is one problem found in a bundle.
type VerifyError struct {
	Code    string `json:"code"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// VerifyReport enumerates every problem found in a bundle. Status is pass
// only when Errors is empty.
type VerifyReport struct {
	Status       VerifyStatus  `json:"status"`
	CheckedFiles int           `json:"checked_files"`
	Errors       []VerifyError `json:"errors"`
}

func (r *VerifyReport) add(code, p, format string, args ...any) {
	r.Errors = append(r.Errors, VerifyError{Code: code, Path: p, Message: fmt.Sprintf(format, args...)})
}

// Passed reports whether the bundle verified.
func (r *VerifyReport) Passed() bool { return r.Status == VerifyPass }

// Verify re-reads the bundle whose manifest is at manifestPath and checks
// every hash. Artifact paths resolve against the manifest's directory. The
// returned error is non-nil only when the manifest cannot be read.
func Verify(ctx context.Context, src artifacts.Store, manifestPath string) (*VerifyReport, error) {
	raw, err := src.Get(ctx, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("runpack: read manifest: %w", err)
	}
	dir := path.Dir(manifestPath)
	report := &VerifyReport{Errors: []VerifyError{}}

	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		report.add(CodeManifestInvalid, manifestPath, "manifest does not parse: %v", err)
		return report.finish(), nil
	}
	if m.ManifestVersion != ManifestVersion {
		report.add(CodeUnsupportedVersion, manifestPath, "manifest version %q is not %q", m.ManifestVersion, ManifestVersion)
	}
	if m.HashAlgorithm != canonicalize.AlgorithmSHA256 {
		report.add(CodeHashAlgorithm, manifestPath, "hash algorithm %q is not %q", m.HashAlgorithm, canonicalize.AlgorithmSHA256)
	}

	contents := make(map[ArtifactKind][]byte)
	for _, a := range m.Artifacts {
		if _, err := artifacts.CleanPath(a.Path); err != nil {
			report.add(CodeInvalidPath, a.Path, "%v", err)
			continue
		}
		// Every declared artifact is covered by the root hash, so every one
		// must be present whatever its required flag says.
		data, err := src.Get(ctx, joinPath(dir, a.Path))
		if err != nil {
			switch {
			case errors.Is(err, artifacts.ErrNotFound):
				report.add(CodeMissingArtifact, a.Path, "artifact %s is missing", a.ArtifactID)
			default:
				report.add(CodeUnreadableArtifact, a.Path, "artifact %s cannot be read: %v", a.ArtifactID, err)
			}
			continue
		}
		report.CheckedFiles++
		if got := canonicalize.DigestBytes(data); !got.Equal(a.Hash) {
			report.add(CodeHashMismatch, a.Path, "artifact %s hash %s does not match manifest %s", a.ArtifactID, got, a.Hash)
			continue
		}
		contents[a.Kind] = data
	}

	checkRequiredKinds(report, &m)
	checkIntegrity(report, &m)
	checkDecisionLog(report, &m, contents)
	checkSpecHash(report, &m, contents)
	return report.finish(), nil
}

func (r *VerifyReport) finish() *VerifyReport {
	r.Status = VerifyPass
	if len(r.Errors) > 0 {
		r.Status = VerifyFail
	}
	return r
}

// checkRequiredKinds reports mandatory kinds that are absent from the
// manifest or not marked required.
func checkRequiredKinds(r *VerifyReport, m *Manifest) {
	for _, src := range artifactSources {
		if !src.required {
			continue
		}
		a, ok := m.Artifact(src.kind)
		switch {
		case !ok:
			r.add(CodeMissingRequiredKind, "", "manifest declares no %s artifact", src.kind)
		case !a.Required:
			r.add(CodeMissingRequiredKind, a.Path, "%s artifact %s must be marked required", src.kind, a.ArtifactID)
		}
	}
}

func checkIntegrity(r *VerifyReport, m *Manifest) {
	listed := make(map[string]canonicalize.HashDigest, len(m.Integrity.FileHashes))
	for _, fh := range m.Integrity.FileHashes {
		if _, dup := listed[fh.Path]; dup {
			r.add(CodeIntegrityMismatch, fh.Path, "path listed twice in file_hashes")
		}
		listed[fh.Path] = fh.Hash
	}
	declared := make(map[string]bool, len(m.Artifacts))
	for _, a := range m.Artifacts {
		declared[a.Path] = true
		h, ok := listed[a.Path]
		switch {
		case !ok:
			r.add(CodeIntegrityMismatch, a.Path, "artifact %s is missing from file_hashes", a.ArtifactID)
		case !h.Equal(a.Hash):
			r.add(CodeIntegrityMismatch, a.Path, "file_hashes entry disagrees with artifact %s", a.ArtifactID)
		}
	}
	for _, fh := range m.Integrity.FileHashes {
		if !declared[fh.Path] {
			r.add(CodeIntegrityMismatch, fh.Path, "file_hashes lists a path with no artifact")
		}
	}

	root, err := RootHash(m.Integrity.FileHashes)
	if err != nil {
		r.add(CodeRootHashMismatch, "", "%v", err)
		return
	}
	if !root.Equal(m.Integrity.RootHash) {
		r.add(CodeRootHashMismatch, "", "root hash %s does not match manifest %s", root, m.Integrity.RootHash)
	}
}

func checkDecisionLog(r *VerifyReport, m *Manifest, contents map[ArtifactKind][]byte) {
	a, ok := m.Artifact(KindDecisionLog)
	if !ok {
		return
	}
	data, ok := contents[KindDecisionLog]
	if !ok {
		r.add(CodeDecisionLogInvalid, a.Path, "decision log could not be checked")
		return
	}
	var decisions []state.Decision
	if err := json.Unmarshal(data, &decisions); err != nil {
		r.add(CodeDecisionLogInvalid, a.Path, "decision log does not parse: %v", err)
		return
	}
	if err := state.CheckDecisionLog(decisions); err != nil {
		r.add(CodeDecisionLogInvalid, a.Path, "%v", err)
	}
}

func checkSpecHash(r *VerifyReport, m *Manifest, contents map[ArtifactKind][]byte) {
	a, ok := m.Artifact(KindScenarioSpec)
	if !ok {
		return
	}
	data, ok := contents[KindScenarioSpec]
	if !ok {
		r.add(CodeSpecHashMismatch, a.Path, "scenario spec could not be checked")
		return
	}
	canon, err := canonicalize.Transform(data)
	if err != nil {
		r.add(CodeSpecHashMismatch, a.Path, "scenario spec is not valid JSON: %v", err)
		return
	}
	if got := canonicalize.DigestBytes(canon); !got.Equal(m.SpecHash) {
		r.add(CodeSpecHashMismatch, a.Path, "scenario spec hash %s does not match manifest %s", got, m.SpecHash)
	}
}
