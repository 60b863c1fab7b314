package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/scenario"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/state"
)

// SQLStore implements Store on database/sql. Statements are written with
// Postgres placeholders; SQLite runs them with its ?NNN form.
type SQLStore struct {
	db     *sql.DB
	schema string
	sqlite bool
}

func (s *SQLStore) q(query string) string {
	if s.sqlite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	tenant_id TEXT NOT NULL,
	namespace_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	scenario_id TEXT NOT NULL,
	status TEXT NOT NULL,
	current_stage_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	state_json TEXT NOT NULL,
	PRIMARY KEY (tenant_id, namespace_id, run_id)
);
CREATE TABLE IF NOT EXISTS specs (
	namespace_id TEXT NOT NULL,
	scenario_id TEXT NOT NULL,
	spec_hash TEXT NOT NULL,
	spec_json TEXT NOT NULL,
	PRIMARY KEY (namespace_id, scenario_id)
);`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	tenant_id TEXT NOT NULL,
	namespace_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	scenario_id TEXT NOT NULL,
	status TEXT NOT NULL,
	current_stage_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	state_json TEXT NOT NULL,
	PRIMARY KEY (tenant_id, namespace_id, run_id)
);
CREATE TABLE IF NOT EXISTS specs (
	namespace_id TEXT NOT NULL,
	scenario_id TEXT NOT NULL,
	spec_hash TEXT NOT NULL,
	spec_json TEXT NOT NULL,
	PRIMARY KEY (namespace_id, scenario_id)
);`

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.schema)
	return wrap("migrate", err)
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Load(ctx context.Context, tenantID, namespaceID, runID string) (*state.RunState, error) {
	query := `SELECT state_json FROM runs WHERE tenant_id = $1 AND namespace_id = $2 AND run_id = $3`
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(query), tenantID, namespaceID, runID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrap("load", err)
	}
	var st state.RunState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, wrap("load", fmt.Errorf("corrupt run state: %w", err))
	}
	return &st, nil
}

func (s *SQLStore) Save(ctx context.Context, st *state.RunState, expectedVersion uint64) error {
	next := expectedVersion + 1
	raw, err := encodeState(st, next)
	if err != nil {
		return wrap("save", err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		query := `
			INSERT INTO runs (tenant_id, namespace_id, run_id, scenario_id, status, current_stage_id, version, state_json)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT DO NOTHING
		`
		res, err = s.db.ExecContext(ctx, s.q(query),
			st.TenantID, st.NamespaceID, st.RunID, st.ScenarioID, string(st.Status), st.CurrentStageID, int64(next), string(raw),
		)
	} else {
		query := `
			UPDATE runs SET status = $1, current_stage_id = $2, version = $3, state_json = $4
			WHERE tenant_id = $5 AND namespace_id = $6 AND run_id = $7 AND version = $8
		`
		res, err = s.db.ExecContext(ctx, s.q(query),
			string(st.Status), st.CurrentStageID, int64(next), string(raw),
			st.TenantID, st.NamespaceID, st.RunID, int64(expectedVersion),
		)
	}
	if err != nil {
		return wrap("save", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("save", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	st.Version = next
	return nil
}

func (s *SQLStore) List(ctx context.Context, tenantID, namespaceID string) ([]state.Summary, error) {
	query := `
		SELECT run_id, scenario_id, status, current_stage_id, version
		FROM runs
		WHERE tenant_id = $1 AND namespace_id = $2
		ORDER BY run_id
	`
	rows, err := s.db.QueryContext(ctx, s.q(query), tenantID, namespaceID)
	if err != nil {
		return nil, wrap("list", err)
	}
	defer func() { _ = rows.Close() }()

	var out []state.Summary
	for rows.Next() {
		sum := state.Summary{TenantID: tenantID, NamespaceID: namespaceID}
		var (
			status  string
			version int64
		)
		if err := rows.Scan(&sum.RunID, &sum.ScenarioID, &status, &sum.CurrentStageID, &version); err != nil {
			return nil, wrap("list", err)
		}
		sum.Status = state.RunStatus(status)
		sum.Version = uint64(version)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list", err)
	}
	return out, nil
}

func (s *SQLStore) PutIfAbsentOrMatching(ctx context.Context, spec *scenario.Spec, canonical []byte, hash canonicalize.HashDigest) (canonicalize.HashDigest, error) {
	query := `
		INSERT INTO specs (namespace_id, scenario_id, spec_hash, spec_json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, s.q(query), spec.NamespaceID, spec.ScenarioID, hash.Value, string(canonical))
	if err != nil {
		return canonicalize.HashDigest{}, wrap("register spec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return canonicalize.HashDigest{}, wrap("register spec", err)
	}
	if n == 1 {
		return hash, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx, s.q(
		`SELECT spec_hash FROM specs WHERE namespace_id = $1 AND scenario_id = $2`),
		spec.NamespaceID, spec.ScenarioID,
	).Scan(&existing)
	if err != nil {
		return canonicalize.HashDigest{}, wrap("register spec", err)
	}
	stored := canonicalize.HashDigest{Algorithm: canonicalize.AlgorithmSHA256, Value: existing}
	if !stored.Equal(hash) {
		return stored, ErrDuplicateRegistration
	}
	return stored, nil
}

func (s *SQLStore) Get(ctx context.Context, namespaceID, scenarioID string) (*scenario.Spec, canonicalize.HashDigest, error) {
	var hash, raw string
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT spec_hash, spec_json FROM specs WHERE namespace_id = $1 AND scenario_id = $2`),
		namespaceID, scenarioID,
	).Scan(&hash, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, canonicalize.HashDigest{}, ErrNotFound
		}
		return nil, canonicalize.HashDigest{}, wrap("get spec", err)
	}
	var spec scenario.Spec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, canonicalize.HashDigest{}, wrap("get spec", fmt.Errorf("corrupt spec: %w", err))
	}
	return &spec, canonicalize.HashDigest{Algorithm: canonicalize.AlgorithmSHA256, Value: hash}, nil
}
