package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/nursery-ledger/audit"
	"github.com/warp/nursery-ledger/ledger"
	"github.com/warp/nursery-ledger/store/sqlite"
)

var scope = ledger.Scope{OrgID: "org-1", ActorID: "grower-1"}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *sqlite.Store) {
	store := newTestStore(t)
	start := time.Date(2025, time.April, 1, 7, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return start.Add(time.Duration(tick) * time.Second)
	}
	return ledger.New(store, ledger.WithClock(clock)), store
}

func TestSQLite_TransplantRoundTrip(t *testing.T) {
	// GIVEN: B1 with 1000 units in SQLite
	// WHEN: 200 are transplanted and 50 lost to frost
	// THEN: Rows, events and projections survive the round trip

	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateBatch(ctx, scope, ledger.NewBatch{
		ID: "B1", BatchNumber: "B1", VarietyID: "hebe", SizeID: "plug", LocationID: "tunnel-1",
		Quantity: 1000, Restricted: true,
	})
	require.NoError(t, err)

	res, err := l.Transplant(ctx, scope, ledger.TransplantRequest{
		ParentBatchID: "B1", ChildBatchID: "B2", SizeID: "p9", LocationID: "bay-2",
		Containers: 20, CellMultiple: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.Quantity(200), res.Moved)

	_, err = l.RecordLoss(ctx, scope, "B1", 50, "frost")
	require.NoError(t, err)

	parent, err := l.Batch(ctx, scope, "B1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Quantity(750), parent.Quantity)
	assert.True(t, parent.Restricted)
	assert.Equal(t, int64(4), parent.Version)

	child, err := l.Batch(ctx, scope, "B2")
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchID("B1"), child.ParentBatchID)
	assert.Equal(t, ledger.Quantity(200), child.Quantity)
	assert.True(t, child.Restricted, "restriction is inherited")

	children, err := l.Children(ctx, scope, "B1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, ledger.BatchID("B2"), children[0].ID)

	proj, err := l.Project(ctx, scope, "B1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Quantity(750), proj.CurrentQuantity)
	last := proj.Movements[len(proj.Movements)-1]
	assert.Equal(t, "frost", last.Reason)
	assert.Equal(t, ledger.Quantity(750), last.RunningBalance)

	events, err := l.History(ctx, scope, "B2")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventTransplantIn, events[0].Type)
	assert.Equal(t, "bay-2", events[0].Payload.LocationID)
	assert.Equal(t, time.UTC, events[0].OccurredAt.Location())
}

func TestSQLite_MergeCompositionPersists(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for _, n := range []string{"S1", "S2"} {
		_, err := l.CreateBatch(ctx, scope, ledger.NewBatch{
			ID: ledger.BatchID(n), BatchNumber: n, VarietyID: "hebe", LocationID: "tunnel-1", Quantity: 40,
		})
		require.NoError(t, err)
	}

	_, err := l.Merge(ctx, scope, ledger.MergeRequest{
		TargetBatchID: "M1", BatchNumber: "M1", LocationID: "bay-1",
		Sources:               []ledger.MergeSource{{BatchID: "S1", Quantity: 40}, {BatchID: "S2", Quantity: 15}},
		ArchiveEmptiedSources: true,
	})
	require.NoError(t, err)

	m, err := l.Batch(ctx, scope, "M1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Quantity(55), m.Quantity)
	assert.Equal(t, []ledger.CompositionEntry{{SourceBatchID: "S1", Quantity: 40}, {SourceBatchID: "S2", Quantity: 15}}, m.Composition)

	s1, err := l.Batch(ctx, scope, "S1")
	require.NoError(t, err)
	require.NotNil(t, s1.ArchivedAt)
}

func TestSQLite_OrgScoping(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateBatch(ctx, scope, ledger.NewBatch{
		ID: "B1", BatchNumber: "B1", VarietyID: "hebe", LocationID: "tunnel-1", Quantity: 10,
	})
	require.NoError(t, err)

	_, err = l.Batch(ctx, ledger.Scope{OrgID: "org-2", ActorID: "x"}, "B1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = l.CreateBatch(ctx, scope, ledger.NewBatch{
		BatchNumber: "B1", VarietyID: "hebe", LocationID: "tunnel-1", Quantity: 10,
	})
	assert.ErrorIs(t, err, ledger.ErrValidation, "batch numbers are unique per org")
}

func TestSQLite_VersionCompareAndSet(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateBatch(ctx, scope, ledger.NewBatch{
		ID: "B1", BatchNumber: "B1", VarietyID: "hebe", LocationID: "tunnel-1", Quantity: 10,
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.GetBatch(ctx, "org-1", "B1")
		if err != nil {
			return err
		}
		b.Quantity = 9
		stale := b.Version - 1
		b.Version++
		return tx.UpdateBatch(ctx, b, stale)
	})

	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	b, err := l.Batch(ctx, scope, "B1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Quantity(10), b.Quantity, "failed tx is rolled back")
}

func TestSQLite_EventsAreAppendOnly(t *testing.T) {
	// Triggers reject rewriting history even through raw access.
	l, store := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateBatch(ctx, scope, ledger.NewBatch{
		ID: "B1", BatchNumber: "B1", VarietyID: "hebe", LocationID: "tunnel-1", Quantity: 10,
	})
	require.NoError(t, err)

	for _, stmt := range []string{
		`UPDATE batch_events SET payload_json = '{}'`,
		`DELETE FROM batch_events`,
	} {
		err := store.Exec(ctx, stmt)
		assert.ErrorContains(t, err, "append-only", stmt)
	}
}

func TestSQLite_EventPaging(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateBatch(ctx, scope, ledger.NewBatch{
		ID: "B1", BatchNumber: "B1", VarietyID: "hebe", LocationID: "tunnel-1", Quantity: 100,
	})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.RecordLoss(ctx, scope, "B1", 1, "vine weevil")
		require.NoError(t, err)
	}

	first, err := store.Events(ctx, "org-1", "B1", ledger.Cursor{}, 4)
	require.NoError(t, err)
	require.Len(t, first, 4)

	rest, err := store.Events(ctx, "org-1", "B1", first[3].Cursor(), 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Greater(t, rest[0].Sequence, first[3].Sequence)

	none, err := store.Events(ctx, "org-2", "B1", ledger.Cursor{}, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_AuditRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)

	for i, n := range []int{3, 5} {
		require.NoError(t, store.SaveAuditRun(ctx, audit.Report{
			ID: []string{"r1", "r2"}[i], OrgID: "org-1", Trigger: audit.TriggerManual,
			StartedAt: at.Add(time.Duration(i) * time.Hour), CompletedAt: at.Add(time.Duration(i) * time.Hour),
			Checked:  n,
			Findings: []audit.Finding{{BatchID: "B1", Cached: 9, Projected: 10}},
		}))
	}

	runs, err := store.AuditRuns(ctx, "org-1", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID, "newest first")
	assert.Equal(t, 5, runs[0].Checked)
	assert.Equal(t, ledger.Quantity(9), runs[0].Findings[0].Cached)
}

func TestSQLite_ReadBatchMatchesEvents(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateBatch(ctx, scope, ledger.NewBatch{
		ID: "B1", BatchNumber: "B1", VarietyID: "hebe", LocationID: "tunnel-1", Quantity: 100,
	})
	require.NoError(t, err)
	_, err = l.RecordLoss(ctx, scope, "B1", 30, "vine weevil")
	require.NoError(t, err)

	b, events, err := store.ReadBatch(ctx, "org-1", "B1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	proj, err := ledger.Project("B1", events)
	require.NoError(t, err)
	assert.Equal(t, b.Quantity, proj.CurrentQuantity)
	assert.Equal(t, ledger.Quantity(70), b.Quantity)

	_, _, err = store.ReadBatch(ctx, "org-2", "B1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSQLite_WritersOnDifferentBatchesBothSucceed(t *testing.T) {
	// GIVEN: A file database in WAL mode with two batches
	// WHEN: Two goroutines write losses to their own batch at the same time
	// THEN: Every write commits; the single SQLite writer queues them rather
	//       than reporting a conflict between unrelated batches

	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	l := ledger.New(store)
	ctx := context.Background()
	for _, id := range []ledger.BatchID{"B1", "B2"} {
		_, err := l.CreateBatch(ctx, scope, ledger.NewBatch{
			ID: id, BatchNumber: string(id), VarietyID: "hebe", LocationID: "tunnel-1", Quantity: 100,
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for _, id := range []ledger.BatchID{"B1", "B2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := l.RecordLoss(ctx, scope, id, 1, "slugs"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	for _, id := range []ledger.BatchID{"B1", "B2"} {
		res, err := l.Project(ctx, scope, id)
		require.NoError(t, err)
		assert.Equal(t, ledger.Quantity(80), res.CurrentQuantity)
	}
}
