/*
Package sqlite provides a SQLite-backed ledger.Store.

PURPOSE:
  Persists batch rows and their append-only event log in SQLite, and keeps
  a history of integrity audit runs. It is the default durable store for a
  single-node deployment.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on batch_events exist in this package
  - Triggers abort any UPDATE or DELETE issued against batch_events
  - Corrections are new ADJUSTMENT events

KEY TABLES:
  batches:      One row per batch, cached quantity, row version
  batch_events: Immutable event log; seq is the insertion sequence
  audit_runs:   Results of integrity audits

ORDERING:
  Times are stored as unix nanoseconds so ordering is numeric. A batch's
  stream is read ORDER BY occurred_at, seq.

CONCURRENCY:
  Writers are serialized by a mutex around WithTx, and every batch update
  compares the row version it read. Readers do not take the mutex; with WAL
  they never block behind a writer.

  ":memory:" databases live inside one connection, so the pool is pinned to
  a single connection for them.

USAGE:
  store, err := sqlite.New("./data/nursery.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/warp/nursery-ledger/audit"
	"github.com/warp/nursery-ledger/ledger"
)

// Store implements ledger.Store and audit.RunStore using SQLite.
type Store struct {
	db *sql.DB

	// SQLite allows one writer per database file, so write transactions
	// queue here instead of failing with SQLITE_BUSY. Reads do not take it.
	writeMu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		batch_number TEXT NOT NULL,
		variety_id TEXT NOT NULL,
		size_id TEXT NOT NULL DEFAULT '',
		location_id TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		initial_quantity INTEGER NOT NULL,
		status TEXT NOT NULL,
		parent_batch_id TEXT,
		composition_json TEXT,
		created_at INTEGER NOT NULL,
		archived_at INTEGER,
		restricted INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		UNIQUE (org_id, batch_number)
	);

	CREATE INDEX IF NOT EXISTS idx_batches_parent
		ON batches(org_id, parent_batch_id) WHERE parent_batch_id IS NOT NULL;

	-- Event log (append-only)
	CREATE TABLE IF NOT EXISTS batch_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		org_id TEXT NOT NULL,
		batch_id TEXT NOT NULL REFERENCES batches(id),
		event_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL,
		payload_json TEXT NOT NULL,
		legacy INTEGER NOT NULL DEFAULT 0
	);

	-- Stream reads (hot path)
	CREATE INDEX IF NOT EXISTS idx_batch_events_stream
		ON batch_events(batch_id, occurred_at, seq);

	CREATE TRIGGER IF NOT EXISTS batch_events_no_update
		BEFORE UPDATE ON batch_events
		BEGIN SELECT RAISE(ABORT, 'batch_events is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS batch_events_no_delete
		BEFORE DELETE ON batch_events
		BEGIN SELECT RAISE(ABORT, 'batch_events is append-only'); END;

	CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL,
		checked INTEGER NOT NULL,
		divergent INTEGER NOT NULL,
		findings_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_runs_org
		ON audit_runs(org_id, started_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIER - shared by the store and its transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const batchColumns = `id, org_id, batch_number, variety_id, size_id, location_id, quantity,
	initial_quantity, status, parent_batch_id, composition_json, created_at, archived_at,
	restricted, version`

const eventColumns = `seq, id, org_id, batch_id, event_type, actor_id, occurred_at,
	recorded_at, payload_json, legacy`

// =============================================================================
// READS (ledger.Reader)
// =============================================================================

func (s *Store) GetBatch(ctx context.Context, org ledger.OrgID, id ledger.BatchID) (ledger.Batch, error) {
	return getBatch(ctx, s.db, org, id)
}

func (s *Store) ListBatches(ctx context.Context, org ledger.OrgID) ([]ledger.Batch, error) {
	return queryBatches(ctx, s.db,
		`SELECT `+batchColumns+` FROM batches WHERE org_id = ? ORDER BY batch_number`, org)
}

func (s *Store) Children(ctx context.Context, org ledger.OrgID, parent ledger.BatchID) ([]ledger.Batch, error) {
	return children(ctx, s.db, org, parent)
}

func (s *Store) Events(ctx context.Context, org ledger.OrgID, batch ledger.BatchID, after ledger.Cursor, limit int) ([]ledger.BatchEvent, error) {
	return events(ctx, s.db, org, batch, after, limit)
}

// ReadBatch reads the row and its events in one read transaction. In WAL
// mode the transaction sees a single snapshot and does not block writers.
func (s *Store) ReadBatch(ctx context.Context, org ledger.OrgID, id ledger.BatchID) (ledger.Batch, []ledger.BatchEvent, error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return ledger.Batch{}, nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer sqlTx.Rollback()

	b, err := getBatch(ctx, sqlTx, org, id)
	if err != nil {
		return ledger.Batch{}, nil, err
	}
	evs, err := events(ctx, sqlTx, org, id, ledger.Cursor{}, 0)
	if err != nil {
		return ledger.Batch{}, nil, err
	}
	return b, evs, sqlTx.Commit()
}

func getBatch(ctx context.Context, q querier, org ledger.OrgID, id ledger.BatchID) (ledger.Batch, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = ? AND org_id = ?`, id, org)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Batch{}, &ledger.NotFoundError{Kind: "batch", ID: string(id)}
	}
	return b, err
}

func children(ctx context.Context, q querier, org ledger.OrgID, parent ledger.BatchID) ([]ledger.Batch, error) {
	return queryBatches(ctx, q,
		`SELECT `+batchColumns+` FROM batches
		 WHERE org_id = ? AND parent_batch_id = ?
		 ORDER BY created_at, batch_number`, org, parent)
}

func events(ctx context.Context, q querier, org ledger.OrgID, batch ledger.BatchID, after ledger.Cursor, limit int) ([]ledger.BatchEvent, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	at, seq := after.UnixNanoBounds()
	rows, err := q.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM batch_events
		WHERE org_id = ? AND batch_id = ?
		  AND (occurred_at > ? OR (occurred_at = ? AND seq > ?))
		ORDER BY occurred_at, seq
		LIMIT ?`, org, batch, at, at, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []ledger.BatchEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func queryBatches(ctx context.Context, q querier, query string, args ...any) ([]ledger.Batch, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var out []ledger.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (ledger.Batch, error) {
	var (
		b           ledger.Batch
		parent      sql.NullString
		composition sql.NullString
		createdAt   int64
		archivedAt  sql.NullInt64
	)
	err := row.Scan(
		&b.ID, &b.OrgID, &b.BatchNumber, &b.VarietyID, &b.SizeID, &b.LocationID, &b.Quantity,
		&b.InitialQuantity, &b.Status, &parent, &composition, &createdAt, &archivedAt,
		&b.Restricted, &b.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan batch: %w", err)
	}

	b.ParentBatchID = ledger.BatchID(parent.String)
	b.CreatedAt = fromNanos(createdAt)
	if archivedAt.Valid {
		at := fromNanos(archivedAt.Int64)
		b.ArchivedAt = &at
	}
	if composition.Valid && composition.String != "" {
		if err := json.Unmarshal([]byte(composition.String), &b.Composition); err != nil {
			return b, fmt.Errorf("failed to decode composition of %s: %w", b.ID, err)
		}
	}
	return b, nil
}

func scanEvent(row scanner) (ledger.BatchEvent, error) {
	var (
		e          ledger.BatchEvent
		occurredAt int64
		recordedAt int64
		payload    string
	)
	err := row.Scan(
		&e.Sequence, &e.ID, &e.OrgID, &e.BatchID, &e.Type, &e.ActorID,
		&occurredAt, &recordedAt, &payload, &e.Legacy,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}
	e.OccurredAt = fromNanos(occurredAt)
	e.RecordedAt = fromNanos(recordedAt)
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return e, fmt.Errorf("failed to decode payload of event %s: %w", e.ID, err)
	}
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetBatch(ctx context.Context, org ledger.OrgID, id ledger.BatchID) (ledger.Batch, error) {
	return getBatch(ctx, ts.tx, org, id)
}

func (ts *txStore) ListBatches(ctx context.Context, org ledger.OrgID) ([]ledger.Batch, error) {
	return queryBatches(ctx, ts.tx,
		`SELECT `+batchColumns+` FROM batches WHERE org_id = ? ORDER BY batch_number`, org)
}

func (ts *txStore) Children(ctx context.Context, org ledger.OrgID, parent ledger.BatchID) ([]ledger.Batch, error) {
	return children(ctx, ts.tx, org, parent)
}

func (ts *txStore) Events(ctx context.Context, org ledger.OrgID, batch ledger.BatchID, after ledger.Cursor, limit int) ([]ledger.BatchEvent, error) {
	return events(ctx, ts.tx, org, batch, after, limit)
}

func (ts *txStore) InsertBatch(ctx context.Context, b ledger.Batch) error {
	composition, err := encodeComposition(b.Composition)
	if err != nil {
		return err
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.OrgID, b.BatchNumber, b.VarietyID, b.SizeID, b.LocationID, b.Quantity,
		b.InitialQuantity, b.Status, nullString(string(b.ParentBatchID)), composition,
		toNanos(b.CreatedAt), nullNanos(b.ArchivedAt), b.Restricted, b.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.ValidationError{Field: "batch_number",
				Message: fmt.Sprintf("batch %s or number %q is already in use", b.ID, b.BatchNumber)}
		}
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (ts *txStore) AppendEvent(ctx context.Context, e ledger.BatchEvent) (ledger.BatchEvent, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return e, fmt.Errorf("failed to encode payload: %w", err)
	}
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO batch_events
		(id, org_id, batch_id, event_type, actor_id, occurred_at, recorded_at, payload_json, legacy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrgID, e.BatchID, e.Type, e.ActorID,
		toNanos(e.OccurredAt), toNanos(e.RecordedAt), string(payload), e.Legacy,
	)
	if err != nil {
		return e, fmt.Errorf("failed to append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return e, fmt.Errorf("failed to read event sequence: %w", err)
	}
	e.Sequence = seq
	return e, nil
}

func (ts *txStore) UpdateBatch(ctx context.Context, b ledger.Batch, expectedVersion int64) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE batches
		SET quantity = ?, status = ?, location_id = ?, archived_at = ?, version = ?
		WHERE id = ? AND org_id = ? AND version = ?`,
		b.Quantity, b.Status, b.LocationID, nullNanos(b.ArchivedAt), b.Version,
		b.ID, b.OrgID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	current, err := getBatch(ctx, ts.tx, b.OrgID, b.ID)
	if err != nil {
		return err
	}
	return &ledger.ConcurrentModificationError{BatchID: b.ID,
		Reason: fmt.Sprintf("version is %d, expected %d", current.Version, expectedVersion)}
}

// =============================================================================
// AUDIT RUNS (audit.RunStore interface)
// =============================================================================

func (s *Store) SaveAuditRun(ctx context.Context, r audit.Report) error {
	findings, err := json.Marshal(r.Findings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_runs (id, org_id, trigger_kind, started_at, completed_at, checked, divergent, findings_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrgID, r.Trigger, toNanos(r.StartedAt), toNanos(r.CompletedAt),
		r.Checked, len(r.Findings), string(findings),
	)
	if err != nil {
		return fmt.Errorf("failed to save audit run: %w", err)
	}
	return nil
}

// AuditRuns returns the most recent runs for org, newest first.
func (s *Store) AuditRuns(ctx context.Context, org ledger.OrgID, limit int) ([]audit.Report, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, trigger_kind, started_at, completed_at, checked, findings_json
		FROM audit_runs
		WHERE org_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, org, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []audit.Report
	for rows.Next() {
		var (
			r                      audit.Report
			startedAt, completedAt int64
			findings               string
		)
		if err := rows.Scan(&r.ID, &r.OrgID, &r.Trigger, &startedAt, &completedAt, &r.Checked, &findings); err != nil {
			return nil, err
		}
		r.StartedAt = fromNanos(startedAt)
		r.CompletedAt = fromNanos(completedAt)
		if err := json.Unmarshal([]byte(findings), &r.Findings); err != nil {
			return nil, fmt.Errorf("failed to decode findings of run %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func encodeComposition(c []ledger.CompositionEntry) (sql.NullString, error) {
	if len(c) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode composition: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
