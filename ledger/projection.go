/*
projection.go - Quantity projector

PURPOSE:
  Folds a batch's event stream into its current quantity, its reserved
  quantity and a chronological stock-movement statement. Project is pure:
  the same events in any input order give the same result, because the
  events are sorted by (OccurredAt, Sequence) before folding.

  This fold is authoritative. The quantity cached on the batch row is
  checked against it, and a divergence is reported as CorruptionError.

MOVEMENT KINDS:
  in        delta > 0
  out       delta < 0
  reserved  ALLOCATED (delta 0, quantity reserved)
  released  ALLOCATION_RELEASED (delta 0, quantity un-reserved)
  memo      ambiguous legacy ADJUSTMENT, display only, excluded from balance

  Events with no quantity meaning (GRADING, MOVE, ...) produce no entry.

EXAMPLE:
  CREATE 1000          in        +1000   1000
  TRANSPLANT_OUT 200   out        -200    800
  ALLOCATED 100        reserved      0    800   reserved 100
  LOSS 50 "frost"      out         -50    750
  PICKED 100 (alloc)   out        -100    650   reserved 0
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type MovementKind string

const (
	MovementIn       MovementKind = "in"
	MovementOut      MovementKind = "out"
	MovementReserved MovementKind = "reserved"
	MovementReleased MovementKind = "released"
	MovementMemo     MovementKind = "memo"
)

// StockMovementEntry is one line of the movement statement.
type StockMovementEntry struct {
	EventID        EventID      `json:"event_id"`
	Type           EventType    `json:"type"`
	Kind           MovementKind `json:"kind"`
	OccurredAt     time.Time    `json:"occurred_at"`
	Quantity       Quantity     `json:"quantity"`
	Delta          Quantity     `json:"delta"`
	RunningBalance Quantity     `json:"running_balance"`
	Reserved       Quantity     `json:"reserved"`
	Reason         string       `json:"reason,omitempty"`
	ActorID        ActorID      `json:"actor_id"`
	AllocationID   string       `json:"allocation_id,omitempty"`
	Counterpart    BatchID      `json:"counterpart_batch_id,omitempty"`
	DisplayOnly    bool         `json:"display_only,omitempty"`
}

type ProjectionResult struct {
	BatchID           BatchID
	CurrentQuantity   Quantity
	ReservedQuantity  Quantity
	AvailableQuantity Quantity
	Movements         []StockMovementEntry

	// OpenAllocations maps allocation id to its unreleased quantity.
	OpenAllocations map[string]Quantity

	// ExcludedEvents lists display-only rows left out of the balance.
	ExcludedEvents []EventID

	// LastCursor is the position after the last folded event.
	LastCursor Cursor
}

// Project folds events into a ProjectionResult. A stream that dips below
// zero, or releases an allocation that was never made, is corrupt.
func Project(batchID BatchID, events []BatchEvent) (ProjectionResult, error) {
	ordered := make([]BatchEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return EventLess(ordered[i], ordered[j]) })

	res := ProjectionResult{
		BatchID:         batchID,
		OpenAllocations: make(map[string]Quantity),
	}
	var balance, reserved Quantity

	for _, e := range ordered {
		p := e.Payload
		entry := StockMovementEntry{
			EventID:      e.ID,
			Type:         e.Type,
			OccurredAt:   e.OccurredAt,
			Quantity:     p.Quantity,
			Reason:       p.Reason,
			ActorID:      e.ActorID,
			AllocationID: p.AllocationID,
			Counterpart:  p.CounterpartID,
		}
		emit := true

		switch {
		case e.Type == EventAdjustment && p.Ambiguous:
			entry.Kind = MovementMemo
			entry.DisplayOnly = true
			res.ExcludedEvents = append(res.ExcludedEvents, e.ID)

		case e.Type == EventAllocated:
			res.OpenAllocations[p.AllocationID] += p.Quantity
			reserved += p.Quantity
			entry.Kind = MovementReserved

		case e.Type == EventAllocationReleased:
			open, ok := res.OpenAllocations[p.AllocationID]
			if !ok {
				return ProjectionResult{}, &CorruptionError{BatchID: batchID,
					Reason: fmt.Sprintf("event %s releases unknown allocation %s", e.ID, p.AllocationID)}
			}
			released := p.Quantity
			if released == 0 || released > open {
				released = open
			}
			entry.Quantity = released
			reserved -= released
			closeAllocation(res.OpenAllocations, p.AllocationID, open-released)
			entry.Kind = MovementReleased

		default:
			delta := e.Delta()
			if delta == 0 {
				emit = false
				break
			}
			if e.Type == EventPicked && p.AllocationID != "" {
				if open, ok := res.OpenAllocations[p.AllocationID]; ok {
					consumed := min(open, p.Quantity)
					reserved -= consumed
					closeAllocation(res.OpenAllocations, p.AllocationID, open-consumed)
				}
			}
			balance += delta
			if balance < 0 {
				return ProjectionResult{}, &CorruptionError{BatchID: batchID, Projected: balance,
					Reason: fmt.Sprintf("balance falls to %d at event %s", balance, e.ID)}
			}
			entry.Delta = delta
			if delta > 0 {
				entry.Kind = MovementIn
			} else {
				entry.Kind = MovementOut
			}
		}

		res.LastCursor = e.Cursor()
		if !emit {
			continue
		}
		entry.RunningBalance = balance
		entry.Reserved = reserved
		res.Movements = append(res.Movements, entry)
	}

	res.CurrentQuantity = balance
	res.ReservedQuantity = reserved
	res.AvailableQuantity = max(balance-reserved, 0)
	return res, nil
}

func closeAllocation(open map[string]Quantity, id string, remaining Quantity) {
	if remaining <= 0 {
		delete(open, id)
		return
	}
	open[id] = remaining
}

// =============================================================================
// LEDGER ENTRY POINTS
// =============================================================================

// Project folds the batch's stream and validates the cached quantity
// against it. A divergence is returned as CorruptionError and logged; it is
// never corrected here.
func (l *Ledger) Project(ctx context.Context, scope Scope, id BatchID) (ProjectionResult, error) {
	start := time.Now()
	res, err := l.project(ctx, scope, id)
	outcome := "ok"
	if err != nil {
		outcome = CategoryOf(err)
	}
	l.observer.Observe(ctx, "project", outcome, time.Since(start))
	return res, err
}

func (l *Ledger) project(ctx context.Context, scope Scope, id BatchID) (ProjectionResult, error) {
	b, events, err := l.snapshot(ctx, scope, id)
	if err != nil {
		return ProjectionResult{}, err
	}
	res, err := Project(id, events)
	if err != nil {
		l.log.Error().Err(err).Str("batch_id", string(id)).Msg("event stream does not fold")
		return ProjectionResult{}, err
	}
	if res.CurrentQuantity != b.Quantity {
		err := &CorruptionError{BatchID: id, Cached: b.Quantity, Projected: res.CurrentQuantity}
		l.log.Error().Err(err).Str("batch_id", string(id)).
			Int64("cached", int64(b.Quantity)).Int64("projected", int64(res.CurrentQuantity)).
			Msg("cached quantity diverges from projection")
		return ProjectionResult{}, err
	}
	return res, nil
}

// Movements returns the validated movement statement of a batch.
func (l *Ledger) Movements(ctx context.Context, scope Scope, id BatchID) ([]StockMovementEntry, error) {
	res, err := l.Project(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	return res.Movements, nil
}

// Verify reports whether the batch's cache matches its projection without
// treating a divergence as a failure of the call itself. The integrity
// auditor uses it.
func (l *Ledger) Verify(ctx context.Context, scope Scope, id BatchID) (cached, projected Quantity, err error) {
	b, events, err := l.snapshot(ctx, scope, id)
	if err != nil {
		return 0, 0, err
	}
	res, err := Project(id, events)
	if err != nil {
		return b.Quantity, 0, err
	}
	return b.Quantity, res.CurrentQuantity, nil
}
