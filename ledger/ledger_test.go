package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/nursery-ledger/ledger"
	"github.com/warp/nursery-ledger/ledger/store"
	"github.com/warp/nursery-ledger/lock"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	testScope  = ledger.Scope{OrgID: "org-1", ActorID: "grower-1"}
	otherScope = ledger.Scope{OrgID: "org-2", ActorID: "grower-9"}
	day0       = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)
)

// steppingClock returns a clock that advances one minute per reading.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

func newTestLedger(t *testing.T, opts ...ledger.Option) (*ledger.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]ledger.Option{ledger.WithClock(steppingClock(day0))}, opts...)
	return ledger.New(mem, opts...), mem
}

func createBatch(t *testing.T, l *ledger.Ledger, number string, qty ledger.Quantity) ledger.Batch {
	t.Helper()
	b, err := l.CreateBatch(context.Background(), testScope, ledger.NewBatch{
		ID:          ledger.BatchID(number),
		BatchNumber: number,
		VarietyID:   "lavandula-angustifolia",
		SizeID:      "plug-84",
		LocationID:  "tunnel-1",
		Quantity:    qty,
	})
	require.NoError(t, err)
	return b
}

// assertConserved checks the cached quantity against the projection.
func assertConserved(t *testing.T, l *ledger.Ledger, id ledger.BatchID) ledger.ProjectionResult {
	t.Helper()
	ctx := context.Background()
	b, err := l.Batch(ctx, testScope, id)
	require.NoError(t, err)
	proj, err := l.Project(ctx, testScope, id)
	require.NoError(t, err)
	assert.Equal(t, b.Quantity, proj.CurrentQuantity, "cached quantity must equal projection for %s", id)
	return proj
}

func quantityOf(t *testing.T, l *ledger.Ledger, id ledger.BatchID) ledger.Quantity {
	t.Helper()
	b, err := l.Batch(context.Background(), testScope, id)
	require.NoError(t, err)
	return b.Quantity
}

func eventCount(t *testing.T, l *ledger.Ledger, id ledger.BatchID) int {
	t.Helper()
	events, err := l.History(context.Background(), testScope, id)
	require.NoError(t, err)
	return len(events)
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreateBatch_WritesCreateEvent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	b := createBatch(t, l, "B1", 1000)

	assert.Equal(t, ledger.Quantity(1000), b.Quantity)
	assert.Equal(t, ledger.Quantity(1000), b.InitialQuantity)
	assert.Equal(t, ledger.StatusPropagating, b.Status)

	events, err := l.History(ctx, testScope, "B1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventCreate, events[0].Type)
	assert.Equal(t, ledger.ActorID("grower-1"), events[0].ActorID)
	assert.Equal(t, ledger.Quantity(1000), events[0].Delta())
	assertConserved(t, l, "B1")
}

func TestCreateBatch_DuplicateNumberRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 10)

	_, err := l.CreateBatch(context.Background(), testScope, ledger.NewBatch{
		BatchNumber: "B1", VarietyID: "v", LocationID: "loc", Quantity: 5,
	})

	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestCreateBatch_SameNumberInOtherOrgAllowed(t *testing.T) {
	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 10)

	_, err := l.CreateBatch(context.Background(), otherScope, ledger.NewBatch{
		BatchNumber: "B1", VarietyID: "v", LocationID: "loc", Quantity: 5,
	})

	assert.NoError(t, err)
}

// =============================================================================
// APPEND VALIDATION
// =============================================================================

func TestAppend_PayloadValidation(t *testing.T) {
	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 100)
	ctx := context.Background()

	tests := []struct {
		name    string
		typ     ledger.EventType
		payload ledger.Payload
	}{
		{"loss without reason", ledger.EventLoss, ledger.Payload{Quantity: 5}},
		{"loss without quantity", ledger.EventLoss, ledger.Payload{Reason: "frost"}},
		{"adjustment without direction", ledger.EventAdjustment, ledger.Payload{Quantity: 5, Reason: "count"}},
		{"adjustment without reason", ledger.EventAdjustment, ledger.Payload{Quantity: 5, Direction: ledger.DirectionIncrease}},
		{"ambiguous adjustment on new append", ledger.EventAdjustment, ledger.Payload{Quantity: 5, Reason: "count", Ambiguous: true}},
		{"allocation without id", ledger.EventAllocated, ledger.Payload{Quantity: 5}},
		{"unknown status", ledger.EventStatusChange, ledger.Payload{Status: "Sleeping"}},
		{"move without location", ledger.EventMove, ledger.Payload{}},
		{"grading without grade", ledger.EventGrading, ledger.Payload{}},
		{"photo without url", ledger.EventPhotoAdded, ledger.Payload{}},
		{"flag without id", ledger.EventFlagCreated, ledger.Payload{}},
		{"unknown type", ledger.EventType("WATERED"), ledger.Payload{}},
		{"operator-only create", ledger.EventCreate, ledger.Payload{Quantity: 5}},
		{"operator-only transplant", ledger.EventTransplantOut, ledger.Payload{Quantity: 5, CounterpartID: "B2"}},
		{"operator-only merge", ledger.EventMergeIn, ledger.Payload{Quantity: 5, CounterpartID: "B2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(ctx, testScope, "B1", tt.typ, tt.payload)

			var vErr *ledger.ValidationError
			assert.ErrorAs(t, err, &vErr)
			assert.Equal(t, ledger.CategoryValidation, ledger.CategoryOf(err))
		})
	}

	assert.Equal(t, 1, eventCount(t, l, "B1"), "rejected appends write nothing")
	assert.Equal(t, ledger.Quantity(100), quantityOf(t, l, "B1"))
}

func TestAppend_MissingScopeRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 100)

	_, err := l.Append(context.Background(), ledger.Scope{OrgID: "org-1"}, "B1", ledger.EventGrading, ledger.Payload{Grade: "A"})

	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestAppend_UnknownAndCrossOrgBatchIsNotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 100)
	ctx := context.Background()

	_, err := l.Append(ctx, testScope, "nope", ledger.EventGrading, ledger.Payload{Grade: "A"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// Another org sees exactly the same error as for a missing batch.
	_, err = l.Append(ctx, otherScope, "B1", ledger.EventGrading, ledger.Payload{Grade: "A"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = l.Batch(ctx, otherScope, "B1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = l.StreamFor(ctx, otherScope, "B1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAppend_ArchivedBatchAcceptsOnlyAdjustments(t *testing.T) {
	// GIVEN: B1 was written off and archived by a transplant
	// WHEN: Appending a grading, then an adjustment
	// THEN: The grading is NotFound, the adjustment is accepted

	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 100)
	ctx := context.Background()

	_, err := l.Transplant(ctx, testScope, ledger.TransplantRequest{
		ParentBatchID: "B1", SizeID: "p9", LocationID: "bay-2",
		Containers: 6, CellMultiple: 10, WriteOffRemainder: true,
	})
	require.NoError(t, err)

	_, err = l.Grade(ctx, testScope, "B1", "A", "")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = l.Adjust(ctx, testScope, "B1", 3, "found behind the bench")
	assert.NoError(t, err)
	assert.Equal(t, ledger.Quantity(3), quantityOf(t, l, "B1"))
	assertConserved(t, l, "B1")
}

// =============================================================================
// QUANTITY RULES
// =============================================================================

func TestLossScenario_Frost(t *testing.T) {
	// GIVEN: B1 holds 800
	// WHEN: 50 units are lost to frost
	// THEN: B1 holds 750 and the statement ends with an out entry at 750

	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 800)
	ctx := context.Background()

	id, err := l.RecordLoss(ctx, testScope, "B1", 50, "frost")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Equal(t, ledger.Quantity(750), quantityOf(t, l, "B1"))

	movements, err := l.Movements(ctx, testScope, "B1")
	require.NoError(t, err)
	last := movements[len(movements)-1]
	assert.Equal(t, ledger.EventLoss, last.Type)
	assert.Equal(t, ledger.MovementOut, last.Kind)
	assert.Equal(t, ledger.Quantity(-50), last.Delta)
	assert.Equal(t, ledger.Quantity(750), last.RunningBalance)
	assert.Equal(t, "frost", last.Reason)
}

func TestNoNegativeQuantity(t *testing.T) {
	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 30)
	ctx := context.Background()

	attempts := []func() error{
		func() error { _, err := l.RecordLoss(ctx, testScope, "B1", 31, "slugs"); return err },
		func() error { _, err := l.Adjust(ctx, testScope, "B1", -31, "recount"); return err },
		func() error { _, err := l.Pick(ctx, testScope, "B1", 31, "", "SO-1"); return err },
		func() error { _, err := l.Allocate(ctx, testScope, "B1", "A1", 31, "SO-1"); return err },
	}
	for i, attempt := range attempts {
		err := attempt()
		var qErr *ledger.InsufficientQuantityError
		require.ErrorAs(t, err, &qErr, "attempt %d", i)
		assert.Equal(t, ledger.Quantity(30), qErr.Available)
		assert.Equal(t, ledger.Quantity(31), qErr.Requested)
	}

	assert.Equal(t, ledger.Quantity(30), quantityOf(t, l, "B1"))
	assert.Equal(t, 1, eventCount(t, l, "B1"))
}

func TestAllocations_ReserveWithoutRemoving(t *testing.T) {
	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 100)
	ctx := context.Background()

	_, err := l.Allocate(ctx, testScope, "B1", "SO-7", 60, "SO-7")
	require.NoError(t, err)

	proj := assertConserved(t, l, "B1")
	assert.Equal(t, ledger.Quantity(100), proj.CurrentQuantity)
	assert.Equal(t, ledger.Quantity(60), proj.ReservedQuantity)
	assert.Equal(t, ledger.Quantity(40), proj.AvailableQuantity)

	// An unallocated pick may only take unreserved stock.
	_, err = l.Pick(ctx, testScope, "B1", 41, "", "walk-in")
	assert.ErrorIs(t, err, ledger.ErrInsufficientQuantity)

	// A pick against the allocation draws it down.
	_, err = l.Pick(ctx, testScope, "B1", 50, "SO-7", "SO-7")
	require.NoError(t, err)
	proj = assertConserved(t, l, "B1")
	assert.Equal(t, ledger.Quantity(50), proj.CurrentQuantity)
	assert.Equal(t, ledger.Quantity(10), proj.ReservedQuantity)
	assert.Equal(t, ledger.Quantity(10), proj.OpenAllocations["SO-7"])

	// Releasing with zero quantity frees what is left.
	_, err = l.ReleaseAllocation(ctx, testScope, "B1", "SO-7", 0)
	require.NoError(t, err)
	proj = assertConserved(t, l, "B1")
	assert.Equal(t, ledger.Quantity(0), proj.ReservedQuantity)
	assert.Empty(t, proj.OpenAllocations)

	_, err = l.ReleaseAllocation(ctx, testScope, "B1", "SO-7", 0)
	assert.ErrorIs(t, err, ledger.ErrNotFound, "allocation is closed")

	kinds := []ledger.MovementKind{}
	for _, m := range proj.Movements {
		kinds = append(kinds, m.Kind)
	}
	assert.Equal(t, []ledger.MovementKind{
		ledger.MovementIn, ledger.MovementReserved, ledger.MovementOut, ledger.MovementReleased,
	}, kinds)
}

func TestAllocations_DuplicateOpenAllocationRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 100)
	ctx := context.Background()

	_, err := l.Allocate(ctx, testScope, "B1", "SO-1", 10, "")
	require.NoError(t, err)
	_, err = l.Allocate(ctx, testScope, "B1", "SO-1", 10, "")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestStatusAndMoveUpdateCachedRow(t *testing.T) {
	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 100)
	ctx := context.Background()

	_, err := l.ChangeStatus(ctx, testScope, "B1", ledger.StatusGrowing, "")
	require.NoError(t, err)
	_, err = l.Move(ctx, testScope, "B1", "shadehouse-3")
	require.NoError(t, err)

	b, err := l.Batch(ctx, testScope, "B1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusGrowing, b.Status)
	assert.Equal(t, "shadehouse-3", b.LocationID)
	assert.Equal(t, ledger.Quantity(100), b.Quantity)

	events, err := l.History(ctx, testScope, "B1")
	require.NoError(t, err)
	move := events[len(events)-1]
	assert.Equal(t, "tunnel-1", move.Payload.FromLocationID, "move records where the batch came from")
}

// =============================================================================
// CONSERVATION
// =============================================================================

func TestConservation_AfterEveryOperation(t *testing.T) {
	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 1000)
	createBatch(t, l, "B3", 100)
	ctx := context.Background()

	steps := []func() error{
		func() error { _, err := l.RecordLoss(ctx, testScope, "B1", 20, "damping off"); return err },
		func() error { _, err := l.Adjust(ctx, testScope, "B1", 5, "recount"); return err },
		func() error { _, err := l.Allocate(ctx, testScope, "B1", "SO-1", 100, ""); return err },
		func() error { _, err := l.Pick(ctx, testScope, "B1", 40, "SO-1", ""); return err },
		func() error {
			_, err := l.Transplant(ctx, testScope, ledger.TransplantRequest{
				ParentBatchID: "B1", SizeID: "p9", LocationID: "bay-1", Containers: 10, CellMultiple: 12,
			})
			return err
		},
		func() error {
			_, err := l.Merge(ctx, testScope, ledger.MergeRequest{
				BatchNumber: "M1", LocationID: "bay-2",
				Sources: []ledger.MergeSource{{BatchID: "B1", Quantity: 100}, {BatchID: "B3", Quantity: 50}},
			})
			return err
		},
		func() error { _, err := l.ReleaseAllocation(ctx, testScope, "B1", "SO-1", 0); return err },
	}

	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		batches, err := l.Batches(ctx, testScope)
		require.NoError(t, err)
		for _, b := range batches {
			assertConserved(t, l, b.ID)
		}
	}

	// 1000 - 20 + 5 - 40 - 120 - 100
	assert.Equal(t, ledger.Quantity(725), quantityOf(t, l, "B1"))
}

// =============================================================================
// SINKS
// =============================================================================

type recordingSink struct {
	mu     sync.Mutex
	events []ledger.BatchEvent
	err    error
}

func (s *recordingSink) Publish(_ context.Context, events []ledger.BatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return s.err
}

func TestSink_ReceivesCommittedEventsOnly(t *testing.T) {
	sink := &recordingSink{}
	l, _ := newTestLedger(t, ledger.WithSink(sink))
	createBatch(t, l, "B1", 100)
	ctx := context.Background()

	_, err := l.RecordLoss(ctx, testScope, "B1", 500, "hail")
	require.Error(t, err)
	_, err = l.RecordLoss(ctx, testScope, "B1", 5, "hail")
	require.NoError(t, err)

	require.Len(t, sink.events, 2)
	assert.Equal(t, ledger.EventCreate, sink.events[0].Type)
	assert.Equal(t, ledger.EventLoss, sink.events[1].Type)
	assert.NotZero(t, sink.events[1].Sequence)
}

func TestSink_FailureDoesNotRollBack(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	l, _ := newTestLedger(t, ledger.WithSink(sink))
	createBatch(t, l, "B1", 100)

	_, err := l.RecordLoss(context.Background(), testScope, "B1", 5, "hail")

	assert.NoError(t, err)
	assert.Equal(t, ledger.Quantity(95), quantityOf(t, l, "B1"))
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (o *recordingObserver) Observe(_ context.Context, op, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string][]string)
	}
	o.outcomes[op] = append(o.outcomes[op], outcome)
}

func TestObserver_RecordsOutcomeCategories(t *testing.T) {
	obs := &recordingObserver{}
	l, _ := newTestLedger(t, ledger.WithObserver(obs))
	createBatch(t, l, "B1", 10)
	ctx := context.Background()

	_, _ = l.RecordLoss(ctx, testScope, "B1", 1, "")
	_, _ = l.RecordLoss(ctx, testScope, "B1", 11, "hail")
	_, _ = l.RecordLoss(ctx, testScope, "B1", 1, "hail")

	assert.Equal(t, []string{"ok"}, obs.outcomes["create"])
	assert.Equal(t, []string{
		ledger.CategoryValidation, ledger.CategoryInsufficient, "ok",
	}, obs.outcomes["append"])
}

// =============================================================================
// IMPORT
// =============================================================================

func TestImport_AmbiguousAdjustmentIsDisplayOnly(t *testing.T) {
	// GIVEN: A historical ADJUSTMENT of 40 with no sign
	// WHEN: Imported alongside a signed loss
	// THEN: It shows as a memo line and moves no quantity

	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 200)
	ctx := context.Background()

	imported, err := l.Import(ctx, testScope, "B1", []ledger.Draft{
		{Type: ledger.EventLoss, Payload: ledger.Payload{Quantity: 10, Reason: "rot"}, OccurredAt: day0.Add(48 * time.Hour)},
		{Type: ledger.EventAdjustment, Payload: ledger.Payload{Quantity: 40, Reason: "stocktake", Ambiguous: true}, OccurredAt: day0.Add(24 * time.Hour)},
	})
	require.NoError(t, err)
	require.Len(t, imported, 2)
	assert.True(t, imported[0].Legacy)
	assert.Equal(t, ledger.EventAdjustment, imported[0].Type, "rows are applied in occurred-at order")

	proj := assertConserved(t, l, "B1")
	assert.Equal(t, ledger.Quantity(190), proj.CurrentQuantity)
	assert.Equal(t, []ledger.EventID{imported[0].ID}, proj.ExcludedEvents)

	memo := proj.Movements[1]
	assert.Equal(t, ledger.MovementMemo, memo.Kind)
	assert.True(t, memo.DisplayOnly)
	assert.Equal(t, ledger.Quantity(0), memo.Delta)
	assert.Equal(t, ledger.Quantity(200), memo.RunningBalance)
}

func TestImport_IsAllOrNothing(t *testing.T) {
	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 20)

	_, err := l.Import(context.Background(), testScope, "B1", []ledger.Draft{
		{Type: ledger.EventLoss, Payload: ledger.Payload{Quantity: 10, Reason: "rot"}},
		{Type: ledger.EventLoss, Payload: ledger.Payload{Quantity: 15, Reason: "rot"}},
	})

	assert.ErrorIs(t, err, ledger.ErrInsufficientQuantity)
	assert.Equal(t, ledger.Quantity(20), quantityOf(t, l, "B1"))
	assert.Equal(t, 1, eventCount(t, l, "B1"))
}

// =============================================================================
// EVENT TIME ORDER
// =============================================================================

func TestAppend_BackdatedEventRejected(t *testing.T) {
	// GIVEN: B1 created with 100 units shortly after day 0
	// WHEN: An event is dated before the newest event already on B1
	// THEN: It is a validation error on occurred_at and B1 still folds cleanly

	tests := []struct {
		name  string
		setup func(t *testing.T, l *ledger.Ledger)
		draft ledger.Draft
	}{
		{
			name:  "loss dated before creation",
			draft: ledger.Draft{Type: ledger.EventLoss, OccurredAt: day0.Add(-24 * time.Hour), Payload: ledger.Payload{Quantity: 50, Reason: "frost"}},
		},
		{
			name: "loss dated before the inflow that covers it",
			setup: func(t *testing.T, l *ledger.Ledger) {
				_, err := l.AppendDraft(context.Background(), testScope, "B1", ledger.Draft{
					Type:       ledger.EventAdjustment,
					OccurredAt: day0.Add(2 * time.Hour),
					Payload:    ledger.Payload{Quantity: 50, Direction: ledger.DirectionIncrease, Reason: "recount"},
				})
				require.NoError(t, err)
			},
			draft: ledger.Draft{Type: ledger.EventLoss, OccurredAt: day0.Add(time.Hour), Payload: ledger.Payload{Quantity: 120, Reason: "frost"}},
		},
		{
			name:  "status change dated before creation",
			draft: ledger.Draft{Type: ledger.EventStatusChange, OccurredAt: day0, Payload: ledger.Payload{Status: ledger.StatusGrowing}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLedger(t)
			createBatch(t, l, "B1", 100)
			if tt.setup != nil {
				tt.setup(t, l)
			}
			before := quantityOf(t, l, "B1")
			count := eventCount(t, l, "B1")

			_, err := l.AppendDraft(context.Background(), testScope, "B1", tt.draft)

			require.ErrorIs(t, err, ledger.ErrValidation)
			var ve *ledger.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, "occurred_at", ve.Field)
			assert.Equal(t, before, quantityOf(t, l, "B1"))
			assert.Equal(t, count, eventCount(t, l, "B1"))
			assertConserved(t, l, "B1")

			// later writes on the batch still work
			_, err = l.RecordLoss(context.Background(), testScope, "B1", 1, "aphids")
			assert.NoError(t, err)
		})
	}
}

func TestAppend_SameInstantAsLatestEventAccepted(t *testing.T) {
	l, _ := newTestLedger(t)
	b := createBatch(t, l, "B1", 100)

	_, err := l.AppendDraft(context.Background(), testScope, "B1", ledger.Draft{
		Type: ledger.EventLoss, OccurredAt: b.CreatedAt, Payload: ledger.Payload{Quantity: 10, Reason: "slugs"},
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.Quantity(90), assertConserved(t, l, "B1").CurrentQuantity)
}

func TestAppend_UndatedEventFollowsFutureDatedOne(t *testing.T) {
	// GIVEN: B1 carries a move dated a month ahead of the clock
	// WHEN: A loss is appended without an occurred-at
	// THEN: It is stamped at the move's time, not before it

	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 100)
	ctx := context.Background()
	ahead := day0.Add(30 * 24 * time.Hour)

	_, err := l.AppendDraft(ctx, testScope, "B1", ledger.Draft{
		Type: ledger.EventMove, OccurredAt: ahead, Payload: ledger.Payload{LocationID: "tunnel-9"},
	})
	require.NoError(t, err)
	_, err = l.RecordLoss(ctx, testScope, "B1", 5, "slugs")
	require.NoError(t, err)

	events, err := l.History(ctx, testScope, "B1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ledger.EventLoss, events[2].Type)
	assert.True(t, events[2].OccurredAt.Equal(ahead))
	assertConserved(t, l, "B1")
}

func TestImport_RowsBeforeCreationRejected(t *testing.T) {
	// GIVEN: B1 created with 100 units
	// WHEN: A history is imported whose first row predates B1's creation
	// THEN: The whole import is refused and B1 is untouched

	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 100)
	ctx := context.Background()

	_, err := l.Import(ctx, testScope, "B1", []ledger.Draft{
		{Type: ledger.EventLoss, Payload: ledger.Payload{Quantity: 10, Reason: "rot"}, OccurredAt: day0.Add(-30 * 24 * time.Hour)},
		{Type: ledger.EventLoss, Payload: ledger.Payload{Quantity: 5, Reason: "rot"}, OccurredAt: day0.Add(24 * time.Hour)},
	})

	require.ErrorIs(t, err, ledger.ErrValidation)
	assert.Contains(t, err.Error(), "row 0")
	assert.Equal(t, 1, eventCount(t, l, "B1"))

	cached, projected, err := l.Verify(ctx, testScope, "B1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Quantity(100), cached)
	assert.Equal(t, cached, projected)

	movements, err := l.Movements(ctx, testScope, "B1")
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestImport_UndatedRowsGoLast(t *testing.T) {
	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 100)

	imported, err := l.Import(context.Background(), testScope, "B1", []ledger.Draft{
		{Type: ledger.EventLoss, Payload: ledger.Payload{Quantity: 3, Reason: "rot"}},
		{Type: ledger.EventLoss, Payload: ledger.Payload{Quantity: 7, Reason: "rot"}, OccurredAt: day0.Add(time.Hour)},
	})
	require.NoError(t, err)
	require.Len(t, imported, 2)
	assert.Equal(t, ledger.Quantity(7), imported[0].Payload.Quantity)
	assert.Equal(t, ledger.Quantity(90), assertConserved(t, l, "B1").CurrentQuantity)
}

// =============================================================================
// STREAM
// =============================================================================

func TestStreamFor_PagesAndResumesFromCursor(t *testing.T) {
	l, _ := newTestLedger(t, ledger.WithPageSize(2))
	createBatch(t, l, "B1", 100)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := l.RecordLoss(ctx, testScope, "B1", 1, "aphids")
		require.NoError(t, err)
	}

	stream, err := l.StreamFor(ctx, testScope, "B1")
	require.NoError(t, err)
	var seen []ledger.BatchEvent
	for i := 0; i < 3 && stream.Next(ctx); i++ {
		seen = append(seen, stream.Event())
	}
	require.Len(t, seen, 3)

	resumed, err := l.StreamFor(ctx, testScope, "B1", ledger.StreamFrom(stream.Cursor()))
	require.NoError(t, err)
	rest, err := resumed.All(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 2)

	all := append(seen, rest...)
	for i := 1; i < len(all); i++ {
		assert.True(t, ledger.EventLess(all[i-1], all[i]), "events are strictly ordered")
	}

	// The stream is unbounded: new events are visible from the old cursor.
	_, err = l.RecordLoss(ctx, testScope, "B1", 1, "aphids")
	require.NoError(t, err)
	tail, err := l.StreamFor(ctx, testScope, "B1", ledger.StreamFrom(resumed.Cursor()))
	require.NoError(t, err)
	more, err := tail.All(ctx)
	require.NoError(t, err)
	assert.Len(t, more, 1)
}

func TestEvents_TieBrokenBySequence(t *testing.T) {
	// Every event below shares one occurred-at.
	l, _ := newTestLedger(t, ledger.WithClock(func() time.Time { return day0 }))
	createBatch(t, l, "B1", 100)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.RecordLoss(ctx, testScope, "B1", ledger.Quantity(i+1), "mice")
		require.NoError(t, err)
	}

	events, err := l.History(ctx, testScope, "B1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, ledger.EventCreate, events[0].Type)
	for i := 1; i < 4; i++ {
		assert.Equal(t, ledger.Quantity(i), events[i].Payload.Quantity)
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
}

func TestStreamFor_CursorSeesEveryLaterWrite(t *testing.T) {
	// GIVEN: A consumer has read B1 up to its latest event
	// WHEN: A backdated loss is attempted, then a current one is appended
	// THEN: The backdated one is refused and resuming from the cursor yields
	//       exactly the current one, so no event is ever written behind it

	l, _ := newTestLedger(t, ledger.WithPageSize(2))
	createBatch(t, l, "B1", 100)
	ctx := context.Background()
	_, err := l.RecordLoss(ctx, testScope, "B1", 1, "aphids")
	require.NoError(t, err)

	stream, err := l.StreamFor(ctx, testScope, "B1")
	require.NoError(t, err)
	read, err := stream.All(ctx)
	require.NoError(t, err)
	require.Len(t, read, 2)
	cursor := stream.Cursor()

	_, err = l.AppendDraft(ctx, testScope, "B1", ledger.Draft{
		Type: ledger.EventLoss, OccurredAt: read[0].OccurredAt, Payload: ledger.Payload{Quantity: 2, Reason: "aphids"},
	})
	require.ErrorIs(t, err, ledger.ErrValidation)
	id, err := l.RecordLoss(ctx, testScope, "B1", 3, "aphids")
	require.NoError(t, err)

	resumed, err := l.StreamFor(ctx, testScope, "B1", ledger.StreamFrom(cursor))
	require.NoError(t, err)
	rest, err := resumed.All(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, id, rest[0].ID)

	all, err := l.History(ctx, testScope, "B1")
	require.NoError(t, err)
	assert.Equal(t, append(read, rest...), all)
}

// =============================================================================
// READS AND LOCKS UNDER CONTENTION
// =============================================================================

func TestProject_NeverFailsWhileWritersCommit(t *testing.T) {
	// GIVEN: A writer recording a steady run of losses on B1
	// WHEN: B1 is projected and verified over and over meanwhile
	// THEN: Every read succeeds and sees a cache that matches its events

	l, _ := newTestLedger(t)
	createBatch(t, l, "B1", 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = l.RecordLoss(ctx, testScope, "B1", 1, "aphids")
		}
	}()

	for i := 0; i < 200; i++ {
		_, err := l.Project(ctx, testScope, "B1")
		require.NoError(t, err)
		cached, projected, err := l.Verify(ctx, testScope, "B1")
		require.NoError(t, err)
		require.Equal(t, cached, projected)
	}
	wg.Wait()
	assert.Equal(t, ledger.Quantity(800), assertConserved(t, l, "B1").CurrentQuantity)
}

func TestAppend_ConflictNamesBatchWhenOrgHasSlash(t *testing.T) {
	locks := lock.NewLocal()
	l, _ := newTestLedger(t, ledger.WithLocker(locks))
	scope := ledger.Scope{OrgID: "acme/north", ActorID: "grower-1"}
	ctx := context.Background()
	_, err := l.CreateBatch(ctx, scope, ledger.NewBatch{
		ID: "B1", BatchNumber: "B1", VarietyID: "hebe", LocationID: "tunnel-1", Quantity: 10,
	})
	require.NoError(t, err)

	unlock, err := locks.TryLock(ctx, "acme/north/B1")
	require.NoError(t, err)
	defer unlock()

	_, err = l.RecordLoss(ctx, scope, "B1", 1, "slugs")
	var conflict *ledger.ConcurrentModificationError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, ledger.BatchID("B1"), conflict.BatchID)
}
