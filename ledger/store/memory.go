// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/warp/nursery-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	batches map[ledger.BatchID]ledger.Batch
	numbers map[numberKey]ledger.BatchID
	events  map[ledger.BatchID][]ledger.BatchEvent
	seq     atomic.Int64
}

type numberKey struct {
	OrgID  ledger.OrgID
	Number string
}

func NewMemory() *Memory {
	return &Memory{
		batches: make(map[ledger.BatchID]ledger.Batch),
		numbers: make(map[numberKey]ledger.BatchID),
		events:  make(map[ledger.BatchID][]ledger.BatchEvent),
	}
}

func (m *Memory) GetBatch(_ context.Context, org ledger.OrgID, id ledger.BatchID) (ledger.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok || b.OrgID != org {
		return ledger.Batch{}, &ledger.NotFoundError{Kind: "batch", ID: string(id)}
	}
	return cloneBatch(b), nil
}

func (m *Memory) ListBatches(_ context.Context, org ledger.OrgID) ([]ledger.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Batch
	for _, b := range m.batches {
		if b.OrgID == org {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func (m *Memory) Children(_ context.Context, org ledger.OrgID, parent ledger.BatchID) ([]ledger.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Batch
	for _, b := range m.batches {
		if b.OrgID == org && b.ParentBatchID == parent {
			out = append(out, cloneBatch(b))
		}
	}
	sortChildren(out)
	return out, nil
}

func (m *Memory) Events(_ context.Context, org ledger.OrgID, batch ledger.BatchID, after ledger.Cursor, limit int) ([]ledger.BatchEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.batches[batch]; !ok || b.OrgID != org {
		return nil, nil
	}
	return page(m.events[batch], after, limit), nil
}

// ReadBatch reads the row and its events under one read lock. Commits apply
// both under the write lock, so the pair is always consistent.
func (m *Memory) ReadBatch(_ context.Context, org ledger.OrgID, id ledger.BatchID) (ledger.Batch, []ledger.BatchEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok || b.OrgID != org {
		return ledger.Batch{}, nil, &ledger.NotFoundError{Kind: "batch", ID: string(id)}
	}
	return cloneBatch(b), page(m.events[id], ledger.Cursor{}, 0), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================
// A transaction buffers its writes in a txView and applies them under the
// write lock at commit, after checking that every updated row still has the
// version the transaction read. Readers never see a half-applied commit.

type pendingUpdate struct {
	batch    ledger.Batch
	expected int64
}

type txView struct {
	m        *Memory
	inserted map[ledger.BatchID]ledger.Batch
	updated  map[ledger.BatchID]pendingUpdate
	events   map[ledger.BatchID][]ledger.BatchEvent
	order    []ledger.BatchID
}

func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tv := &txView{
		m:        m,
		inserted: make(map[ledger.BatchID]ledger.Batch),
		updated:  make(map[ledger.BatchID]pendingUpdate),
		events:   make(map[ledger.BatchID][]ledger.BatchEvent),
	}
	if err := fn(tv); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tv)
}

func (m *Memory) commit(tv *txView) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check everything before applying anything.
	for _, id := range tv.order {
		b := tv.inserted[id]
		if _, exists := m.batches[id]; exists {
			return &ledger.ValidationError{Field: "id", Message: fmt.Sprintf("batch %s already exists", id)}
		}
		if _, taken := m.numbers[numberKey{b.OrgID, b.BatchNumber}]; taken {
			return duplicateNumber(b.BatchNumber)
		}
	}
	for id, u := range tv.updated {
		current, ok := m.batches[id]
		if !ok {
			return &ledger.NotFoundError{Kind: "batch", ID: string(id)}
		}
		if current.Version != u.expected {
			return &ledger.ConcurrentModificationError{BatchID: id,
				Reason: fmt.Sprintf("version is %d, expected %d", current.Version, u.expected)}
		}
	}

	for _, id := range tv.order {
		b := tv.inserted[id]
		m.batches[id] = b
		m.numbers[numberKey{b.OrgID, b.BatchNumber}] = id
	}
	for id, u := range tv.updated {
		m.batches[id] = u.batch
	}
	for id, evs := range tv.events {
		for _, e := range evs {
			m.events[id] = insertSorted(m.events[id], e)
		}
	}
	return nil
}

func (tv *txView) GetBatch(ctx context.Context, org ledger.OrgID, id ledger.BatchID) (ledger.Batch, error) {
	if b, ok := tv.inserted[id]; ok && b.OrgID == org {
		return cloneBatch(b), nil
	}
	if u, ok := tv.updated[id]; ok && u.batch.OrgID == org {
		return cloneBatch(u.batch), nil
	}
	return tv.m.GetBatch(ctx, org, id)
}

func (tv *txView) ListBatches(ctx context.Context, org ledger.OrgID) ([]ledger.Batch, error) {
	committed, err := tv.m.ListBatches(ctx, org)
	if err != nil {
		return nil, err
	}
	out := tv.overlay(committed, org, func(ledger.Batch) bool { return true })
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func (tv *txView) Children(ctx context.Context, org ledger.OrgID, parent ledger.BatchID) ([]ledger.Batch, error) {
	committed, err := tv.m.Children(ctx, org, parent)
	if err != nil {
		return nil, err
	}
	out := tv.overlay(committed, org, func(b ledger.Batch) bool { return b.ParentBatchID == parent })
	sortChildren(out)
	return out, nil
}

// overlay replaces committed rows with pending versions and adds pending
// inserts that match keep.
func (tv *txView) overlay(committed []ledger.Batch, org ledger.OrgID, keep func(ledger.Batch) bool) []ledger.Batch {
	out := make([]ledger.Batch, 0, len(committed))
	for _, b := range committed {
		if u, ok := tv.updated[b.ID]; ok {
			b = cloneBatch(u.batch)
		}
		out = append(out, b)
	}
	for _, id := range tv.order {
		b := tv.inserted[id]
		if b.OrgID == org && keep(b) {
			out = append(out, cloneBatch(b))
		}
	}
	return out
}

func (tv *txView) Events(ctx context.Context, org ledger.OrgID, batch ledger.BatchID, after ledger.Cursor, limit int) ([]ledger.BatchEvent, error) {
	if _, err := tv.GetBatch(ctx, org, batch); err != nil {
		return nil, nil
	}
	tv.m.mu.RLock()
	merged := make([]ledger.BatchEvent, len(tv.m.events[batch]))
	copy(merged, tv.m.events[batch])
	tv.m.mu.RUnlock()
	for _, e := range tv.events[batch] {
		merged = insertSorted(merged, e)
	}
	return page(merged, after, limit), nil
}

func (tv *txView) InsertBatch(ctx context.Context, b ledger.Batch) error {
	if _, pending := tv.inserted[b.ID]; pending {
		return &ledger.ValidationError{Field: "id", Message: fmt.Sprintf("batch %s already exists", b.ID)}
	}
	tv.m.mu.RLock()
	_, exists := tv.m.batches[b.ID]
	_, taken := tv.m.numbers[numberKey{b.OrgID, b.BatchNumber}]
	tv.m.mu.RUnlock()
	if exists {
		return &ledger.ValidationError{Field: "id", Message: fmt.Sprintf("batch %s already exists", b.ID)}
	}
	if taken {
		return duplicateNumber(b.BatchNumber)
	}
	for _, other := range tv.inserted {
		if other.OrgID == b.OrgID && other.BatchNumber == b.BatchNumber {
			return duplicateNumber(b.BatchNumber)
		}
	}
	tv.inserted[b.ID] = cloneBatch(b)
	tv.order = append(tv.order, b.ID)
	return nil
}

func (tv *txView) AppendEvent(ctx context.Context, e ledger.BatchEvent) (ledger.BatchEvent, error) {
	if _, err := tv.GetBatch(ctx, e.OrgID, e.BatchID); err != nil {
		return ledger.BatchEvent{}, err
	}
	e.Sequence = tv.m.seq.Add(1)
	tv.events[e.BatchID] = append(tv.events[e.BatchID], e)
	return e, nil
}

func (tv *txView) UpdateBatch(ctx context.Context, b ledger.Batch, expectedVersion int64) error {
	current, err := tv.GetBatch(ctx, b.OrgID, b.ID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return &ledger.ConcurrentModificationError{BatchID: b.ID,
			Reason: fmt.Sprintf("version is %d, expected %d", current.Version, expectedVersion)}
	}
	if _, ok := tv.inserted[b.ID]; ok {
		tv.inserted[b.ID] = cloneBatch(b)
		return nil
	}
	base := expectedVersion
	if u, ok := tv.updated[b.ID]; ok {
		base = u.expected
	}
	tv.updated[b.ID] = pendingUpdate{batch: cloneBatch(b), expected: base}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func duplicateNumber(number string) error {
	return &ledger.ValidationError{Field: "batch_number", Message: fmt.Sprintf("batch number %q is already in use", number)}
}

func cloneBatch(b ledger.Batch) ledger.Batch {
	if b.Composition != nil {
		b.Composition = append([]ledger.CompositionEntry(nil), b.Composition...)
	}
	if b.ArchivedAt != nil {
		at := *b.ArchivedAt
		b.ArchivedAt = &at
	}
	return b
}

func sortChildren(bs []ledger.Batch) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].CreatedAt.Equal(bs[j].CreatedAt) {
			return bs[i].BatchNumber < bs[j].BatchNumber
		}
		return bs[i].CreatedAt.Before(bs[j].CreatedAt)
	})
}

// insertSorted places e after every event that sorts before or with it.
func insertSorted(evs []ledger.BatchEvent, e ledger.BatchEvent) []ledger.BatchEvent {
	i := sort.Search(len(evs), func(i int) bool { return ledger.EventLess(e, evs[i]) })
	evs = append(evs, ledger.BatchEvent{})
	copy(evs[i+1:], evs[i:])
	evs[i] = e
	return evs
}

func page(evs []ledger.BatchEvent, after ledger.Cursor, limit int) []ledger.BatchEvent {
	var out []ledger.BatchEvent
	for _, e := range evs {
		if !after.Before(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
