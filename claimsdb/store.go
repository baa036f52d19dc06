// Package claimsdb is the claimsink persistence layer: the normalized claim
// graph, event projection, status timeline, error and run bookkeeping,
// payment aggregates, feature toggles and facility configuration.
//
// All writes are idempotent under their declared unique keys; re-ingesting
// the same file is a no-op for rows already stored. Submission and
// remittance persistence each run one transaction per claim, so a bad claim
// rolls back alone and the rest of the file commits.
package claimsdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/axonhealth/claimsink/dbopen"
	"github.com/axonhealth/claimsink/idgen"

	_ "modernc.org/sqlite"
)

// Event types (claim_event.event_type).
const (
	EventSubmitted   = 1
	EventResubmitted = 2
	EventRemitted    = 3
)

// Timeline statuses (claim_status_timeline.status).
const (
	StatusSubmitted     = 1
	StatusResubmitted   = 2
	StatusPaid          = 3
	StatusPartiallyPaid = 4
	StatusRejected      = 5
)

// StatusName returns the label for a timeline status code.
func StatusName(status int) string {
	switch status {
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusResubmitted:
		return "RESUBMITTED"
	case StatusPaid:
		return "PAID"
	case StatusPartiallyPaid:
		return "PARTIALLY_PAID"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Pipeline stages recorded on ingestion errors.
const (
	StageRegister  = "REGISTER"
	StageParse     = "PARSE"
	StageValidate  = "VALIDATE"
	StagePersist   = "PERSIST"
	StageVerify    = "VERIFY"
	StageAck       = "ACK"
	StageTransport = "TRANSPORT"
	StageCrypto    = "CRYPTO"
)

// amountEpsilon absorbs float representation noise when comparing money
// sums; amounts are rounded to cents at parse time.
const amountEpsilon = 0.005

// Store is the claimsink database handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	newErrID idgen.Generator
	newRunID idgen.Generator
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used by non-propagating sinks.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithErrorIDGenerator sets the generator for ingestion_error ids.
func WithErrorIDGenerator(g idgen.Generator) StoreOption {
	return func(s *Store) { s.newErrID = g }
}

// WithRunIDGenerator sets the generator for ingestion_run ids.
func WithRunIDGenerator(g idgen.Generator) StoreOption {
	return func(s *Store) { s.newRunID = g }
}

// Open opens (or creates) the claimsink database at path, applies the
// production pragmas and the schema.
func Open(path string, opts ...StoreOption) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("open claims db: %w", err)
	}
	return NewStore(db, opts...), nil
}

// NewStore wraps an already-opened database (used by tests with
// dbopen.OpenMemory).
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:       db,
		logger:   slog.Default(),
		newErrID: idgen.Prefixed("err_", idgen.Default),
		newRunID: idgen.Prefixed("run_", idgen.Default),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB returns the underlying handle for sharing with the resolver and ops API.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ts formats a timestamp for storage. All stored times are UTC RFC3339.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func now() string {
	return ts(time.Now())
}
