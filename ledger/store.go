/*
store.go - Persistence interface for batches and their events

PURPOSE:
  Defines the boundary between ledger logic and the database. Stores hold two
  things: the batch rows (with the cached quantity) and the append-only
  event log. The ledger only ever writes both inside WithTx.

APPEND-ONLY CONTRACT:
  - AppendEvent(): the only event write
  - NO UpdateEvent() or DeleteEvent() methods exist
  - Corrections are new ADJUSTMENT events

  Batch rows are mutable, but only through UpdateBatch, which compares the
  row version and fails with ConcurrentModificationError on mismatch.

ORG SCOPING:
  Every read takes the caller's org. A row owned by another org is reported
  as NotFound, never as a permission error.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and demos
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package ledger

import "context"

// Reader is the read side of a store.
type Reader interface {
	// GetBatch returns the batch or NotFoundError. Archived batches are returned.
	GetBatch(ctx context.Context, org OrgID, id BatchID) (Batch, error)

	// ListBatches returns every batch of org ordered by BatchNumber.
	ListBatches(ctx context.Context, org OrgID) ([]Batch, error)

	// Children returns batches whose ParentBatchID is parent, ordered by
	// (CreatedAt, BatchNumber).
	Children(ctx context.Context, org OrgID, parent BatchID) ([]Batch, error)

	// Events returns at most limit events of the batch strictly after the
	// cursor, ordered by (OccurredAt, Sequence). limit <= 0 means no limit.
	Events(ctx context.Context, org OrgID, batch BatchID, after Cursor, limit int) ([]BatchEvent, error)
}

// Writer is the write side of a store. Writers only exist inside WithTx.
type Writer interface {
	// InsertBatch stores a new batch. A duplicate ID or a duplicate
	// (org, batch number) pair is a ValidationError.
	InsertBatch(ctx context.Context, b Batch) error

	// AppendEvent stores e and returns it with Sequence assigned.
	AppendEvent(ctx context.Context, e BatchEvent) (BatchEvent, error)

	// UpdateBatch overwrites the row if its stored version equals
	// expectedVersion. b.Version must already carry the new version.
	UpdateBatch(ctx context.Context, b Batch, expectedVersion int64) error
}

// Tx is a unit of work. Reads through a Tx observe its own pending writes.
type Tx interface {
	Reader
	Writer
}

// Store is a transactional store.
type Store interface {
	Reader

	// ReadBatch returns a batch row and its whole stream as of one committed
	// state: the cached quantity always matches the events returned.
	ReadBatch(ctx context.Context, org OrgID, id BatchID) (Batch, []BatchEvent, error)

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
