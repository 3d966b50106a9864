package ledger

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// CREATE
// =============================================================================

type NewBatch struct {
	ID          BatchID // optional, generated when empty
	BatchNumber string
	VarietyID   string
	SizeID      string
	LocationID  string
	Quantity    Quantity
	Status      BatchStatus // defaults to Propagating
	Stage       string      // optional stage label for the first stage span
	Restricted  bool
	OccurredAt  time.Time
	Note        string
}

func (n NewBatch) validate() error {
	switch {
	case n.BatchNumber == "":
		return &ValidationError{Field: "batch_number", Message: "required"}
	case n.VarietyID == "":
		return &ValidationError{Field: "variety_id", Message: "required"}
	case n.LocationID == "":
		return &ValidationError{Field: "location_id", Message: "required"}
	case n.Quantity <= 0:
		return &ValidationError{Field: "quantity", Message: "must be greater than zero"}
	case n.Status != "" && !n.Status.Valid():
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", n.Status)}
	}
	return nil
}

// CreateBatch inserts a batch row and its CREATE event together.
func (l *Ledger) CreateBatch(ctx context.Context, scope Scope, n NewBatch) (Batch, error) {
	if err := n.validate(); err != nil {
		return Batch{}, err
	}
	if n.ID == "" {
		n.ID = BatchID(l.newID())
	}
	if n.Status == "" {
		n.Status = StatusPropagating
	}

	var created Batch
	_, err := l.commit(ctx, "create", scope, []BatchID{n.ID}, func(ctx context.Context, u *unit) error {
		occurred := u.l.clock()
		if !n.OccurredAt.IsZero() {
			occurred = timestamp(n.OccurredAt)
		}
		b, err := u.insert(ctx, Batch{
			ID:              n.ID,
			BatchNumber:     n.BatchNumber,
			VarietyID:       n.VarietyID,
			SizeID:          n.SizeID,
			LocationID:      n.LocationID,
			InitialQuantity: n.Quantity,
			Status:          n.Status,
			CreatedAt:       occurred,
			Restricted:      n.Restricted,
		})
		if err != nil {
			return err
		}
		if _, err := u.emit(ctx, b, Draft{
			Type:       EventCreate,
			OccurredAt: occurred,
			Payload: Payload{
				Quantity:   n.Quantity,
				Status:     n.Status,
				Stage:      n.Stage,
				LocationID: n.LocationID,
				Note:       n.Note,
			},
		}, false); err != nil {
			return err
		}
		created = *b
		return nil
	})
	if err != nil {
		return Batch{}, err
	}
	created.Version++
	return created, nil
}

// =============================================================================
// TYPED OPERATORS
// =============================================================================
// Thin wrappers over Append that build the right payload for each event.

func (l *Ledger) RecordLoss(ctx context.Context, scope Scope, id BatchID, qty Quantity, reason string) (EventID, error) {
	return l.Append(ctx, scope, id, EventLoss, Payload{Quantity: qty, Reason: reason})
}

// Adjust records a signed correction. A positive delta increases the batch.
func (l *Ledger) Adjust(ctx context.Context, scope Scope, id BatchID, delta Quantity, reason string) (EventID, error) {
	if delta == 0 {
		return "", &ValidationError{Field: "quantity", Message: "adjustment must be non-zero"}
	}
	dir := DirectionIncrease
	if delta < 0 {
		dir = DirectionDecrease
	}
	return l.Append(ctx, scope, id, EventAdjustment, Payload{Quantity: delta.Abs(), Direction: dir, Reason: reason})
}

// Pick removes sold units. With an allocation id the pick draws down that
// allocation first.
func (l *Ledger) Pick(ctx context.Context, scope Scope, id BatchID, qty Quantity, allocationID, orderRef string) (EventID, error) {
	return l.Append(ctx, scope, id, EventPicked, Payload{Quantity: qty, AllocationID: allocationID, OrderRef: orderRef})
}

func (l *Ledger) Allocate(ctx context.Context, scope Scope, id BatchID, allocationID string, qty Quantity, orderRef string) (EventID, error) {
	return l.Append(ctx, scope, id, EventAllocated, Payload{Quantity: qty, AllocationID: allocationID, OrderRef: orderRef})
}

// ReleaseAllocation un-reserves qty units, or everything left when qty is 0.
func (l *Ledger) ReleaseAllocation(ctx context.Context, scope Scope, id BatchID, allocationID string, qty Quantity) (EventID, error) {
	return l.Append(ctx, scope, id, EventAllocationReleased, Payload{Quantity: qty, AllocationID: allocationID})
}

func (l *Ledger) Move(ctx context.Context, scope Scope, id BatchID, locationID string) (EventID, error) {
	return l.Append(ctx, scope, id, EventMove, Payload{LocationID: locationID})
}

func (l *Ledger) ChangeStatus(ctx context.Context, scope Scope, id BatchID, status BatchStatus, stage string) (EventID, error) {
	return l.Append(ctx, scope, id, EventStatusChange, Payload{Status: status, Stage: stage})
}

func (l *Ledger) Grade(ctx context.Context, scope Scope, id BatchID, grade, note string) (EventID, error) {
	return l.Append(ctx, scope, id, EventGrading, Payload{Grade: grade, Note: note})
}
