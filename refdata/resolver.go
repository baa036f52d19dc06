// Package refdata resolves master codes (payer, provider, facility,
// clinician, activity, diagnosis, denial) seen during ingestion.
//
// Every first-sight of a code writes one code_discovery_audit row. With
// auto-insert enabled the resolver upserts the reference row and returns its
// id in a single round trip; otherwise callers keep the raw code string and
// the ref id stays unset. All statements are safe under concurrent
// first-sight of the same code.
package refdata

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Querier is satisfied by *sql.DB and *sql.Tx. The persister passes its
// per-claim transaction so resolver writes share the claim's commit scope.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Table identifies a reference table the resolver may touch. The whitelist
// keeps table names out of reach of external input.
type Table struct {
	name          string
	hasCodeSystem bool
}

var (
	Payer         = Table{name: "ref_payer"}
	Provider      = Table{name: "ref_provider"}
	Facility      = Table{name: "ref_facility"}
	Clinician     = Table{name: "ref_clinician"}
	ActivityCode  = Table{name: "ref_activity_code", hasCodeSystem: true}
	DiagnosisCode = Table{name: "ref_diagnosis_code", hasCodeSystem: true}
	DenialCode    = Table{name: "ref_denial_code"}
)

// Name returns the underlying table name.
func (t Table) Name() string { return t.name }

// Config controls resolver behaviour.
type Config struct {
	// AutoInsert upserts unknown codes and returns the new id. When false,
	// unknown codes are audited but the resolver returns a null id.
	AutoInsert bool `yaml:"auto_insert"`
	// BootstrapEnabled gates the resolver entirely: when false, lookups
	// short-circuit to null without auditing.
	BootstrapEnabled bool `yaml:"bootstrap_enabled"`
	// DiscoveredBy is stamped on discovery audit rows.
	DiscoveredBy string `yaml:"discovered_by"`
}

func (c *Config) defaults() {
	if c.DiscoveredBy == "" {
		c.DiscoveredBy = "ingestion"
	}
}

// Resolver looks up or creates reference rows.
type Resolver struct {
	config Config
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	cfg.defaults()
	return &Resolver{config: cfg}
}

// Origin describes where a code was first seen, for the discovery audit.
type Origin struct {
	IngestionFileID int64
	ClaimExternalID string
}

// Resolve finds or creates the reference row for (code, codeSystem) in the
// given table. Returns a null id when the code is empty, bootstrap is
// disabled, or auto-insert is off and the code is unknown.
//
// Round trips: one select on the hot path (code already known); on first
// sight one audit insert plus, with auto-insert, one upsert-returning.
func (r *Resolver) Resolve(ctx context.Context, q Querier, t Table, code, codeSystem string, origin Origin) (sql.NullInt64, error) {
	if code == "" || !r.config.BootstrapEnabled {
		return sql.NullInt64{}, nil
	}

	id, found, err := lookup(ctx, q, t, code, codeSystem)
	if err != nil {
		return sql.NullInt64{}, fmt.Errorf("refdata lookup %s %q: %w", t.name, code, err)
	}
	if found {
		return sql.NullInt64{Int64: id, Valid: true}, nil
	}

	// First sight: audit exactly once (unique key absorbs races).
	createdAt := time.Now().UTC().Format(time.RFC3339)
	var fileID any
	if origin.IngestionFileID != 0 {
		fileID = origin.IngestionFileID
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO code_discovery_audit
			(source_table, code, code_system, discovered_by, ingestion_file_id, claim_external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_table, code, code_system) DO NOTHING`,
		t.name, code, codeSystem, r.config.DiscoveredBy, fileID,
		origin.ClaimExternalID, createdAt); err != nil {
		return sql.NullInt64{}, fmt.Errorf("refdata audit %s %q: %w", t.name, code, err)
	}

	if !r.config.AutoInsert {
		return sql.NullInt64{}, nil
	}

	// Upsert-returning: the no-op DO UPDATE guarantees a returned id even
	// when a concurrent insert won the race.
	var stmt string
	var args []any
	if t.hasCodeSystem {
		stmt = fmt.Sprintf(`
			INSERT INTO %s (code, code_system, created_at) VALUES (?, ?, ?)
			ON CONFLICT (code, code_system) DO UPDATE SET code = excluded.code
			RETURNING id`, t.name)
		args = []any{code, codeSystem, createdAt}
	} else {
		stmt = fmt.Sprintf(`
			INSERT INTO %s (code, created_at) VALUES (?, ?)
			ON CONFLICT (code) DO UPDATE SET code = excluded.code
			RETURNING id`, t.name)
		args = []any{code, createdAt}
	}
	if err := q.QueryRowContext(ctx, stmt, args...).Scan(&id); err != nil {
		return sql.NullInt64{}, fmt.Errorf("refdata upsert %s %q: %w", t.name, code, err)
	}
	return sql.NullInt64{Int64: id, Valid: true}, nil
}

func lookup(ctx context.Context, q Querier, t Table, code, codeSystem string) (int64, bool, error) {
	var id int64
	var err error
	if t.hasCodeSystem {
		err = q.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT id FROM %s WHERE code = ? AND code_system = ?`, t.name),
			code, codeSystem).Scan(&id)
	} else {
		err = q.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT id FROM %s WHERE code = ?`, t.name),
			code).Scan(&id)
	}
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}
