/*
ledger.go - Append-only batch event ledger

PURPOSE:
  The Ledger is the only write path for batch state. It validates an event,
  appends it, and rewrites the cached quantity (and status or location where
  the event carries one) on the batch row, all in one store transaction.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: events are never updated or deleted
  2. CACHE = FOLD: Batch.Quantity always equals Project(events).CurrentQuantity
  3. NON-NEGATIVE: no committed write leaves a batch below zero
  4. SINGLE WRITER PER BATCH: a per-batch try-lock plus a version
     compare-and-set on the batch row. Losing either is a
     ConcurrentModificationError. The ledger never retries on its own.
  5. TAIL-ONLY: an event is never dated before the newest event already on
     its batch (or the batch's creation). Backdating is a ValidationError,
     so running balances and stream cursors stay valid.

ARCHIVED BATCHES:
  Reads still see them. Writes other than ADJUSTMENT fail with NotFoundError.

SINKS:
  After commit, the committed events are handed to every EventSink. A sink
  failure is logged and counted but never returned to the caller.

SEE ALSO:
  - store.go: Persistence boundary
  - projection.go: The fold the cache is validated against
  - transplant.go, merge.go, operations.go: Operators built on the unit of work
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/nursery-ledger/lock"
)

const defaultPageSize = 500

// =============================================================================
// COLLABORATORS
// =============================================================================

// Locker grants a non-blocking exclusive lock on a key. It returns
// lock.ErrNotObtained when the key is held elsewhere.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// Observer records the outcome and latency of ledger operations.
type Observer interface {
	Observe(ctx context.Context, operation, outcome string, d time.Duration)
}

// EventSink receives events after they are committed.
type EventSink interface {
	Publish(ctx context.Context, events []BatchEvent) error
}

type nopObserver struct{}

func (nopObserver) Observe(context.Context, string, string, time.Duration) {}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    Store
	locks    Locker
	sinks    []EventSink
	observer Observer
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string
	pageSize int
}

type Option func(*Ledger)

func WithLocker(l Locker) Option { return func(led *Ledger) { led.locks = l } }

// WithSink adds a sink. Sinks are called in the order they were added.
func WithSink(s EventSink) Option { return func(led *Ledger) { led.sinks = append(led.sinks, s) } }

func WithObserver(o Observer) Option { return func(led *Ledger) { led.observer = o } }

func WithLogger(log zerolog.Logger) Option { return func(led *Ledger) { led.log = log } }

func WithClock(now func() time.Time) Option {
	return func(led *Ledger) { led.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(led *Ledger) { led.newID = gen }
}

// WithPageSize sets how many events StreamFor fetches per store round trip.
func WithPageSize(n int) Option {
	return func(led *Ledger) {
		if n > 0 {
			led.pageSize = n
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		locks:    lock.NewLocal(),
		observer: nopObserver{},
		log:      zerolog.Nop(),
		now:      func() time.Time { return time.Now() },
		newID:    uuid.NewString,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// timestamp normalizes t to UTC at microsecond precision, the finest
// resolution every store keeps.
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (l *Ledger) clock() time.Time { return timestamp(l.now()) }

// =============================================================================
// APPEND
// =============================================================================

// Append records one event on a batch and returns its id.
//
// CREATE, TRANSPLANT_* and MERGE_* are rejected: they are only written by
// CreateBatch, Transplant and Merge, which keep their pairs atomic.
func (l *Ledger) Append(ctx context.Context, scope Scope, id BatchID, t EventType, p Payload) (EventID, error) {
	return l.AppendDraft(ctx, scope, id, Draft{Type: t, Payload: p})
}

// AppendDraft is Append with an explicit occurred-at and actor.
func (l *Ledger) AppendDraft(ctx context.Context, scope Scope, id BatchID, d Draft) (EventID, error) {
	events, err := l.commit(ctx, "append", scope, []BatchID{id}, func(ctx context.Context, u *unit) error {
		_, err := u.record(ctx, id, d, false)
		return err
	})
	if err != nil {
		return "", err
	}
	return events[0].ID, nil
}

// Import appends historical rows to a batch in one unit of work. Rows are
// marked Legacy, and an ADJUSTMENT whose sign is unknown may be imported as
// Ambiguous: it is kept for display but contributes nothing to quantity.
// Every other rule of Append applies.
func (l *Ledger) Import(ctx context.Context, scope Scope, id BatchID, drafts []Draft) ([]BatchEvent, error) {
	if len(drafts) == 0 {
		return nil, &ValidationError{Field: "events", Message: "at least one event is required"}
	}
	ordered := make([]Draft, len(drafts))
	copy(ordered, drafts)
	// Undated rows are stamped now, so they go after every dated one.
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].OccurredAt, ordered[j].OccurredAt
		if a.IsZero() || b.IsZero() {
			return !a.IsZero() && b.IsZero()
		}
		return a.Before(b)
	})

	return l.commit(ctx, "import", scope, []BatchID{id}, func(ctx context.Context, u *unit) error {
		for i, d := range ordered {
			if _, err := u.record(ctx, id, d, true); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		return nil
	})
}

// record validates d against the batch's projected state and emits it.
func (u *unit) record(ctx context.Context, id BatchID, d Draft, legacy bool) (BatchEvent, error) {
	if d.Type.operatorOnly() {
		return BatchEvent{}, &ValidationError{Field: "type",
			Message: fmt.Sprintf("%s events are written by batch operators only", d.Type)}
	}
	if err := ValidatePayload(d.Type, d.Payload, legacy); err != nil {
		return BatchEvent{}, err
	}

	b, err := u.load(ctx, id)
	if err != nil {
		return BatchEvent{}, err
	}
	if b.IsArchived() && d.Type != EventAdjustment {
		return BatchEvent{}, batchNotFound(id)
	}

	proj, err := u.project(ctx, b)
	if err != nil {
		return BatchEvent{}, err
	}

	p := d.Payload
	switch d.Type {
	case EventPicked:
		limit := proj.AvailableQuantity
		if p.AllocationID != "" {
			open, ok := proj.OpenAllocations[p.AllocationID]
			if !ok {
				return BatchEvent{}, &NotFoundError{Kind: "allocation", ID: p.AllocationID}
			}
			limit += open
		}
		if limit > b.Quantity {
			limit = b.Quantity
		}
		if p.Quantity > limit {
			return BatchEvent{}, &InsufficientQuantityError{BatchID: id, Available: limit, Requested: p.Quantity}
		}

	case EventLoss:
		if p.Quantity > b.Quantity {
			return BatchEvent{}, &InsufficientQuantityError{BatchID: id, Available: b.Quantity, Requested: p.Quantity}
		}

	case EventAdjustment:
		if p.Direction == DirectionDecrease && !p.Ambiguous && p.Quantity > b.Quantity {
			return BatchEvent{}, &InsufficientQuantityError{BatchID: id, Available: b.Quantity, Requested: p.Quantity}
		}

	case EventAllocated:
		if _, exists := proj.OpenAllocations[p.AllocationID]; exists {
			return BatchEvent{}, &ValidationError{Field: "allocation_id",
				Message: fmt.Sprintf("allocation %s is already open", p.AllocationID)}
		}
		if p.Quantity > proj.AvailableQuantity {
			return BatchEvent{}, &InsufficientQuantityError{BatchID: id, Available: proj.AvailableQuantity, Requested: p.Quantity}
		}

	case EventAllocationReleased:
		open, ok := proj.OpenAllocations[p.AllocationID]
		if !ok {
			return BatchEvent{}, &NotFoundError{Kind: "allocation", ID: p.AllocationID}
		}
		if p.Quantity > open {
			return BatchEvent{}, &ValidationError{Field: "quantity",
				Message: fmt.Sprintf("allocation %s holds only %d", p.AllocationID, open)}
		}
		if p.Quantity == 0 {
			d.Payload.Quantity = open
		}

	case EventMove:
		if d.Payload.FromLocationID == "" {
			d.Payload.FromLocationID = b.LocationID
		}
	}

	return u.emit(ctx, b, d, legacy)
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) Batch(ctx context.Context, scope Scope, id BatchID) (Batch, error) {
	if err := scope.validate(); err != nil {
		return Batch{}, err
	}
	return l.store.GetBatch(ctx, scope.OrgID, id)
}

func (l *Ledger) Batches(ctx context.Context, scope Scope) ([]Batch, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	return l.store.ListBatches(ctx, scope.OrgID)
}

// Children returns the batches whose parent is id.
func (l *Ledger) Children(ctx context.Context, scope Scope, id BatchID) ([]Batch, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	return l.store.Children(ctx, scope.OrgID, id)
}

// Events returns one page of a batch's stream after the cursor.
func (l *Ledger) Events(ctx context.Context, scope Scope, id BatchID, after Cursor, limit int) ([]BatchEvent, error) {
	if _, err := l.Batch(ctx, scope, id); err != nil {
		return nil, err
	}
	return l.store.Events(ctx, scope.OrgID, id, after, limit)
}

// History drains the whole stream of a batch.
func (l *Ledger) History(ctx context.Context, scope Scope, id BatchID) ([]BatchEvent, error) {
	stream, err := l.StreamFor(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	return stream.All(ctx)
}

// snapshot reads a batch row and its full stream as of one committed state.
// It takes no ledger lock and never waits on writers.
func (l *Ledger) snapshot(ctx context.Context, scope Scope, id BatchID) (Batch, []BatchEvent, error) {
	if err := scope.validate(); err != nil {
		return Batch{}, nil, err
	}
	return l.store.ReadBatch(ctx, scope.OrgID, id)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

type staged struct {
	batch    Batch
	original int64
	dirty    bool

	// last is the occurred-at of the newest event on the stream, valid
	// once tailKnown is set.
	last      time.Time
	tailKnown bool
}

// unit is one store transaction plus the batch rows it has touched.
// Rows are written back once, at the end, with a version compare-and-set.
type unit struct {
	l      *Ledger
	tx     Tx
	scope  Scope
	rows   map[BatchID]*staged
	order  []BatchID
	events []BatchEvent
}

// commit runs fn inside a store transaction while holding the try-locks of
// every batch in keys.
func (l *Ledger) commit(ctx context.Context, op string, scope Scope, keys []BatchID, fn func(context.Context, *unit) error) (events []BatchEvent, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = CategoryOf(err)
		}
		l.observer.Observe(ctx, op, outcome, time.Since(start))
		if IsIntegrity(err) {
			l.log.Error().Err(err).Str("op", op).Str("org_id", string(scope.OrgID)).Msg("ledger integrity fault")
		}
	}()

	if err := scope.validate(); err != nil {
		return nil, err
	}

	release, err := l.acquire(ctx, scope.OrgID, keys)
	if err != nil {
		return nil, err
	}
	defer release()

	var committed []BatchEvent
	err = l.store.WithTx(ctx, func(tx Tx) error {
		u := &unit{l: l, tx: tx, scope: scope, rows: make(map[BatchID]*staged)}
		if err := fn(ctx, u); err != nil {
			return err
		}
		if err := u.flush(ctx); err != nil {
			return err
		}
		committed = u.events
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Debug().Str("op", op).Int("events", len(committed)).Msg("ledger commit")
	l.publish(ctx, committed)
	return committed, nil
}

type lockKey struct {
	key string
	id  BatchID
}

// acquire takes the per-batch locks in a fixed order.
func (l *Ledger) acquire(ctx context.Context, org OrgID, ids []BatchID) (func(), error) {
	keys := make([]lockKey, 0, len(ids))
	seen := make(map[BatchID]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		keys = append(keys, lockKey{key: string(org) + "/" + string(id), id: id})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key < keys[j].key })

	var unlocks []func()
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range keys {
		unlock, err := l.locks.TryLock(ctx, k.key)
		if err != nil {
			releaseAll()
			if errors.Is(err, lock.ErrNotObtained) {
				return nil, &ConcurrentModificationError{BatchID: k.id, Reason: "another write holds the batch"}
			}
			return nil, fmt.Errorf("lock %s: %w", k.key, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return releaseAll, nil
}

func (l *Ledger) publish(ctx context.Context, events []BatchEvent) {
	if len(events) == 0 || len(l.sinks) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, sink := range l.sinks {
		start := time.Now()
		if err := sink.Publish(ctx, events); err != nil {
			l.log.Warn().Err(err).Int("events", len(events)).Msg("event sink failed")
			l.observer.Observe(ctx, "sink_publish", "error", time.Since(start))
			continue
		}
		l.observer.Observe(ctx, "sink_publish", "ok", time.Since(start))
	}
}

// load returns the unit's working copy of a batch.
func (u *unit) load(ctx context.Context, id BatchID) (*Batch, error) {
	if s, ok := u.rows[id]; ok {
		return &s.batch, nil
	}
	b, err := u.tx.GetBatch(ctx, u.scope.OrgID, id)
	if err != nil {
		return nil, err
	}
	u.rows[id] = &staged{batch: b, original: b.Version}
	u.order = append(u.order, id)
	return &u.rows[id].batch, nil
}

// insert stores a new batch row with zero quantity. Its quantity is then
// built up by the events emitted onto it.
func (u *unit) insert(ctx context.Context, b Batch) (*Batch, error) {
	b.OrgID = u.scope.OrgID
	b.Quantity = 0
	b.Version = 1
	if b.CreatedAt.IsZero() {
		b.CreatedAt = u.l.clock()
	}
	if err := u.tx.InsertBatch(ctx, b); err != nil {
		return nil, err
	}
	u.rows[b.ID] = &staged{batch: b, original: b.Version, last: b.CreatedAt, tailKnown: true}
	u.order = append(u.order, b.ID)
	return &u.rows[b.ID].batch, nil
}

// project folds the batch's stream as seen inside the transaction and
// checks it against the cached quantity.
func (u *unit) project(ctx context.Context, b *Batch) (ProjectionResult, error) {
	events, err := u.tx.Events(ctx, u.scope.OrgID, b.ID, Cursor{}, 0)
	if err != nil {
		return ProjectionResult{}, err
	}
	u.remember(b, events)
	proj, err := Project(b.ID, events)
	if err != nil {
		return ProjectionResult{}, err
	}
	if proj.CurrentQuantity != b.Quantity {
		return ProjectionResult{}, &CorruptionError{BatchID: b.ID, Cached: b.Quantity, Projected: proj.CurrentQuantity}
	}
	return proj, nil
}

func (u *unit) remember(b *Batch, events []BatchEvent) {
	s := u.rows[b.ID]
	s.last = b.CreatedAt
	if n := len(events); n > 0 && events[n-1].OccurredAt.After(s.last) {
		s.last = events[n-1].OccurredAt
	}
	s.tailKnown = true
}

// tail returns the occurred-at of the newest event on b's stream.
func (u *unit) tail(ctx context.Context, b *Batch) (time.Time, error) {
	s := u.rows[b.ID]
	if !s.tailKnown {
		events, err := u.tx.Events(ctx, u.scope.OrgID, b.ID, Cursor{}, 0)
		if err != nil {
			return time.Time{}, err
		}
		u.remember(b, events)
	}
	return s.last, nil
}

// occurredAt resolves when an event on every batch in bs happened. A stream
// only grows at its end: a requested time before the newest event of any of
// the batches is rejected, and an unset time is never earlier than that
// event.
func (u *unit) occurredAt(ctx context.Context, requested, now time.Time, bs ...*Batch) (time.Time, error) {
	at := now
	if !requested.IsZero() {
		at = timestamp(requested)
	}
	for _, b := range bs {
		last, err := u.tail(ctx, b)
		if err != nil {
			return time.Time{}, err
		}
		if !at.Before(last) {
			continue
		}
		if !requested.IsZero() {
			return time.Time{}, &ValidationError{Field: "occurred_at",
				Message: fmt.Sprintf("%s is before the latest event of batch %s at %s",
					at.Format(time.RFC3339Nano), b.ID, last.Format(time.RFC3339Nano))}
		}
		at = last
	}
	return at, nil
}

// emit appends one event to b and applies its effects to the working copy.
// The event always lands at the end of b's stream, so checking the cached
// quantity is enough to keep every running balance non-negative.
func (u *unit) emit(ctx context.Context, b *Batch, d Draft, legacy bool) (BatchEvent, error) {
	delta := Delta(d.Type, d.Payload)
	next := b.Quantity + delta
	if next < 0 {
		return BatchEvent{}, &InsufficientQuantityError{BatchID: b.ID, Available: b.Quantity, Requested: -delta}
	}

	now := u.l.clock()
	occurred, err := u.occurredAt(ctx, d.OccurredAt, now, b)
	if err != nil {
		return BatchEvent{}, err
	}
	actor := d.ActorID
	if actor == "" {
		actor = u.scope.ActorID
	}

	stored, err := u.tx.AppendEvent(ctx, BatchEvent{
		ID:         EventID(u.l.newID()),
		OrgID:      u.scope.OrgID,
		BatchID:    b.ID,
		Type:       d.Type,
		ActorID:    actor,
		OccurredAt: occurred,
		RecordedAt: now,
		Payload:    d.Payload,
		Legacy:     legacy,
	})
	if err != nil {
		return BatchEvent{}, fmt.Errorf("append %s to batch %s: %w", d.Type, b.ID, err)
	}

	b.Quantity = next
	u.rows[b.ID].last = occurred
	switch d.Type {
	case EventStatusChange:
		b.Status = d.Payload.Status
	case EventMove:
		b.LocationID = d.Payload.LocationID
	}
	u.rows[b.ID].dirty = true
	u.events = append(u.events, stored)
	return stored, nil
}

// archive stamps archived_at on b.
func (u *unit) archive(b *Batch, at time.Time) {
	ts := timestamp(at)
	b.ArchivedAt = &ts
	u.rows[b.ID].dirty = true
}

// flush writes every touched row back with a version compare-and-set.
func (u *unit) flush(ctx context.Context) error {
	for _, id := range u.order {
		s := u.rows[id]
		if !s.dirty {
			continue
		}
		s.batch.Version = s.original + 1
		if err := u.tx.UpdateBatch(ctx, s.batch, s.original); err != nil {
			return err
		}
	}
	return nil
}
