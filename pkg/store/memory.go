package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/scenario"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/state"
)

type runKey struct {
	tenant, namespace, run string
}

type specKey struct {
	namespace, scenario string
}

type storedSpec struct {
	canonical []byte
	hash      canonicalize.HashDigest
}

// MemoryStore keeps encoded state in memory. Every Load decodes a fresh
// copy, so callers never share state with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[runKey][]byte
	specs map[specKey]storedSpec
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[runKey][]byte),
		specs: make(map[specKey]storedSpec),
	}
}

func (m *MemoryStore) Load(_ context.Context, tenantID, namespaceID, runID string) (*state.RunState, error) {
	m.mu.RLock()
	raw, ok := m.runs[runKey{tenantID, namespaceID, runID}]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var st state.RunState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, wrap("load", err)
	}
	return &st, nil
}

func (m *MemoryStore) Save(_ context.Context, st *state.RunState, expectedVersion uint64) error {
	raw, err := encodeState(st, expectedVersion+1)
	if err != nil {
		return wrap("save", err)
	}
	key := runKey{st.TenantID, st.NamespaceID, st.RunID}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.runs[key]
	switch {
	case expectedVersion == 0 && exists:
		return ErrVersionConflict
	case expectedVersion > 0:
		if !exists {
			return ErrVersionConflict
		}
		var head struct {
			Version uint64 `json:"version"`
		}
		if err := json.Unmarshal(current, &head); err != nil {
			return wrap("save", err)
		}
		if head.Version != expectedVersion {
			return ErrVersionConflict
		}
	}
	m.runs[key] = raw
	st.Version = expectedVersion + 1
	return nil
}

func (m *MemoryStore) List(_ context.Context, tenantID, namespaceID string) ([]state.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []state.Summary
	for k, raw := range m.runs {
		if k.tenant != tenantID || k.namespace != namespaceID {
			continue
		}
		var st state.RunState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, wrap("list", err)
		}
		out = append(out, st.Summarize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func (m *MemoryStore) PutIfAbsentOrMatching(_ context.Context, spec *scenario.Spec, canonical []byte, hash canonicalize.HashDigest) (canonicalize.HashDigest, error) {
	key := specKey{spec.NamespaceID, spec.ScenarioID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.specs[key]; ok {
		if !existing.hash.Equal(hash) {
			return existing.hash, ErrDuplicateRegistration
		}
		return existing.hash, nil
	}
	m.specs[key] = storedSpec{canonical: append([]byte(nil), canonical...), hash: hash}
	return hash, nil
}

func (m *MemoryStore) Get(_ context.Context, namespaceID, scenarioID string) (*scenario.Spec, canonicalize.HashDigest, error) {
	m.mu.RLock()
	stored, ok := m.specs[specKey{namespaceID, scenarioID}]
	m.mu.RUnlock()
	if !ok {
		return nil, canonicalize.HashDigest{}, ErrNotFound
	}
	var spec scenario.Spec
	if err := json.Unmarshal(stored.canonical, &spec); err != nil {
		return nil, canonicalize.HashDigest{}, wrap("get spec", err)
	}
	return &spec, stored.hash, nil
}

func (m *MemoryStore) Close() error { return nil }
