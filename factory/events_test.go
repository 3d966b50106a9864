package factory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/nursery-ledger/factory"
	"github.com/warp/nursery-ledger/ledger"
	"github.com/warp/nursery-ledger/ledger/store"
)

func TestDecodeRow_Strict(t *testing.T) {
	dec := factory.NewDecoder(factory.Strict)

	draft, err := dec.DecodeRow(map[string]any{
		"type":        "LOSS",
		"occurred_at": "2025-03-01T08:00:00Z",
		"payload":     map[string]any{"quantity": float64(50), "reason": "frost"},
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.EventLoss, draft.Type)
	assert.Equal(t, ledger.Quantity(50), draft.Payload.Quantity)
	assert.Equal(t, "frost", draft.Payload.Reason)
	assert.Equal(t, time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC), draft.OccurredAt)
}

func TestDecodeRow_StrictRejects(t *testing.T) {
	tests := []struct {
		name  string
		row   map[string]any
		field string
	}{
		{"missing type", map[string]any{"quantity": 1}, "type"},
		{"alias type", map[string]any{"type": "dump", "quantity": 1, "reason": "x"}, "type"},
		{"negative quantity", map[string]any{"type": "LOSS", "quantity": -5, "reason": "x"}, "quantity"},
		{"fractional quantity", map[string]any{"type": "PICKED", "quantity": "2.5"}, "quantity"},
		{"adjustment without direction", map[string]any{"type": "ADJUSTMENT", "quantity": 4, "reason": "count"}, "direction"},
		{"unknown status", map[string]any{"type": "STATUS_CHANGE", "status": "Dormant"}, "status"},
		{"bad time", map[string]any{"type": "CHECKIN", "occurred_at": "yesterday"}, "occurred_at"},
	}

	dec := factory.NewDecoder(factory.Strict)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dec.DecodeRow(tt.row)
			require.Error(t, err)
			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestDecodeRow_LegacyNormalizes(t *testing.T) {
	// GIVEN: Rows exported by an older system with aliases, camelCase and signed deltas
	// WHEN: They are decoded in legacy mode
	// THEN: Each becomes a well-formed draft

	dec := factory.NewDecoder(factory.Legacy)

	tests := []struct {
		name string
		row  map[string]any
		want ledger.Draft
	}{
		{
			name: "dump with signed qty",
			row:  map[string]any{"kind": "dump", "qty": "-30", "date": "2023-06-01"},
			want: ledger.Draft{Type: ledger.EventLoss, OccurredAt: time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC),
				Payload: ledger.Payload{Quantity: 30, Reason: factory.LegacyReason}},
		},
		{
			name: "signed adjustment",
			row:  map[string]any{"eventType": "adjust", "units": "-1,200", "reasonCode": "recount"},
			want: ledger.Draft{Type: ledger.EventAdjustment,
				Payload: ledger.Payload{Quantity: 1200, Direction: ledger.DirectionDecrease, Reason: "recount"}},
		},
		{
			name: "unsigned adjustment is ambiguous",
			row:  map[string]any{"type": "stock_take", "count": 12},
			want: ledger.Draft{Type: ledger.EventAdjustment,
				Payload: ledger.Payload{Quantity: 12, Reason: factory.LegacyReason, Ambiguous: true}},
		},
		{
			name: "relocate with camelCase",
			row:  map[string]any{"type": "relocate", "toLocationId": "bay-4", "userId": "u9"},
			want: ledger.Draft{Type: ledger.EventMove, ActorID: "u9",
				Payload: ledger.Payload{LocationID: "bay-4"}},
		},
		{
			name: "status spelled loosely",
			row:  map[string]any{"type": "status", "newStatus": "on hold"},
			want: ledger.Draft{Type: ledger.EventStatusChange,
				Payload: ledger.Payload{Status: ledger.StatusOnHold}},
		},
		{
			name: "checkin with a non-status stage",
			row:  map[string]any{"type": "check_in", "status": "Hardening off"},
			want: ledger.Draft{Type: ledger.EventCheckin,
				Payload: ledger.Payload{Stage: "Hardening off"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dec.DecodeRow(tt.row)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeJSON_RowErrorsCarryIndex(t *testing.T) {
	dec := factory.NewDecoder(factory.Legacy)

	_, err := dec.DecodeJSON([]byte(`[{"type":"loss","qty":1},{"type":"teleport"}]`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.Contains(t, err.Error(), "row 1")

	_, err = dec.DecodeJSON([]byte("  "))
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestDecodeJSON_ImportConservesQuantity(t *testing.T) {
	// GIVEN: A batch of 100 and a legacy export with a dump, a signed recount and an ambiguous stock take
	// WHEN: The export is decoded and imported
	// THEN: Only the unambiguous rows move the quantity and the ambiguous one shows as memo

	l := ledger.New(store.NewMemory())
	ctx := context.Background()
	scope := ledger.Scope{OrgID: "org-1", ActorID: "importer"}
	day0 := time.Date(2023, time.January, 2, 0, 0, 0, 0, time.UTC)

	_, err := l.CreateBatch(ctx, scope, ledger.NewBatch{
		ID: "B1", BatchNumber: "B1", VarietyID: "hebe", LocationID: "t1", Quantity: 100, OccurredAt: day0,
	})
	require.NoError(t, err)

	drafts, err := factory.NewDecoder(factory.Legacy).DecodeJSON([]byte(`[
		{"type": "dump", "qty": -10, "date": "2023-02-01"},
		{"type": "adjust", "qty": "5", "reason": "recount", "direction": "in", "date": "2023-03-01"},
		{"type": "stock_take", "qty": 40, "date": "2023-04-01"}
	]`))
	require.NoError(t, err)

	_, err = l.Import(ctx, scope, "B1", drafts)
	require.NoError(t, err)

	res, err := l.Project(ctx, scope, "B1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Quantity(95), res.CurrentQuantity)

	movements, err := l.Movements(ctx, scope, "B1")
	require.NoError(t, err)
	require.Len(t, movements, 4)
	assert.Equal(t, ledger.MovementMemo, movements[3].Kind)
	assert.Equal(t, ledger.Quantity(95), movements[3].RunningBalance)
}
