// Package store persists run state and registered scenario specs.
//
// Run state is saved with an optimistic version check: Save succeeds only
// when the stored version equals the caller's expected version, so two
// writers that loaded the same state cannot both commit.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/scenario"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/state"
)

var (
	ErrNotFound              = errors.New("store: not found")
	ErrVersionConflict       = errors.New("store: version conflict")
	ErrDuplicateRegistration = errors.New("store: scenario already registered with a different hash")
)

// Error wraps a backend failure with the operation that hit it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// RunStateStore loads and saves run state.
type RunStateStore interface {
	// Load returns ErrNotFound when the run does not exist.
	Load(ctx context.Context, tenantID, namespaceID, runID string) (*state.RunState, error)
	// Save writes st if the stored version equals expectedVersion, where 0
	// means the run must not exist yet. On success st.Version is
	// expectedVersion+1.
	Save(ctx context.Context, st *state.RunState, expectedVersion uint64) error
	List(ctx context.Context, tenantID, namespaceID string) ([]state.Summary, error)
}

// SpecRegistry holds registered scenario specs.
type SpecRegistry interface {
	// PutIfAbsentOrMatching registers spec, or accepts a repeat registration
	// with the same hash. A different hash under the same id returns
	// ErrDuplicateRegistration.
	PutIfAbsentOrMatching(ctx context.Context, spec *scenario.Spec, canonical []byte, hash canonicalize.HashDigest) (canonicalize.HashDigest, error)
	// Get returns ErrNotFound when no spec is registered under the id.
	Get(ctx context.Context, namespaceID, scenarioID string) (*scenario.Spec, canonicalize.HashDigest, error)
}

// Store is a complete persistence backend.
type Store interface {
	RunStateStore
	SpecRegistry
	Close() error
}

func encodeState(st *state.RunState, version uint64) ([]byte, error) {
	c := *st
	c.Version = version
	return canonicalize.JCS(&c)
}
