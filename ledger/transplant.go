/*
transplant.go - Transplant operator

PURPOSE:
  Moves containers × cell-multiple units from a parent batch into one new
  child batch. The child row, TRANSPLANT_OUT on the parent and TRANSPLANT_IN
  on the child are written in a single unit of work. Optionally the
  parent's remainder is written off with a LOSS and the parent archived.

TWO PHASES:
  PlanTransplant  reads the parent's projection and validates availability.
  CommitTransplant re-reads the parent under its lock, inside the store
                   transaction, and fails with ConcurrentModificationError if
                   the available quantity or archived state moved since the
                   plan was made. The caller re-plans against fresh state.

  Transplant runs both back to back.

EXAMPLE:
  parent B1 holds 750, two planners each want 400:
    plan A sees 750, plan B sees 750
    commit A  -> ok, B1 = 350
    commit B  -> ConcurrentModificationError (available is now 350)
    re-plan B -> InsufficientQuantityError (400 > 350)
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

type TransplantRequest struct {
	ParentBatchID BatchID
	ChildBatchID  BatchID // optional, generated when empty
	BatchNumber   string  // optional, defaults to <parent number>-<n>
	SizeID        string
	LocationID    string
	Containers    int
	CellMultiple  int
	Status        BatchStatus // optional, defaults to the parent's status

	// WriteOffRemainder writes off whatever the parent still holds after the
	// move and archives it.
	WriteOffRemainder bool
	WriteOffReason    string // defaults to "write-off"

	OccurredAt time.Time
}

func (r TransplantRequest) Moved() Quantity {
	return Quantity(int64(r.Containers) * int64(r.CellMultiple))
}

func (r TransplantRequest) validate() error {
	switch {
	case r.ParentBatchID == "":
		return &ValidationError{Field: "parent_batch_id", Message: "required"}
	case r.SizeID == "":
		return &ValidationError{Field: "size_id", Message: "required"}
	case r.LocationID == "":
		return &ValidationError{Field: "location_id", Message: "required"}
	case r.Containers <= 0:
		return &ValidationError{Field: "containers", Message: "must be greater than zero"}
	case r.CellMultiple <= 0:
		return &ValidationError{Field: "cell_multiple", Message: "must be greater than zero"}
	case r.Status != "" && !r.Status.Valid():
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", r.Status)}
	}
	return nil
}

// TransplantPlan is the validated intent plus the parent snapshot it was
// validated against.
type TransplantPlan struct {
	Request   TransplantRequest
	Moved     Quantity
	Parent    Batch
	Available Quantity
	Reserved  Quantity
}

type TransplantResult struct {
	Parent     Batch
	Child      Batch
	Moved      Quantity
	WrittenOff Quantity
	Events     []BatchEvent
}

// Transplant plans and commits in one call.
func (l *Ledger) Transplant(ctx context.Context, scope Scope, req TransplantRequest) (TransplantResult, error) {
	plan, err := l.PlanTransplant(ctx, scope, req)
	if err != nil {
		return TransplantResult{}, err
	}
	return l.CommitTransplant(ctx, scope, plan)
}

// PlanTransplant validates req against the parent's current projection.
// Nothing is written.
func (l *Ledger) PlanTransplant(ctx context.Context, scope Scope, req TransplantRequest) (TransplantPlan, error) {
	if err := scope.validate(); err != nil {
		return TransplantPlan{}, err
	}
	if err := req.validate(); err != nil {
		return TransplantPlan{}, err
	}

	parent, events, err := l.snapshot(ctx, scope, req.ParentBatchID)
	if err != nil {
		return TransplantPlan{}, err
	}
	if parent.IsArchived() {
		return TransplantPlan{}, batchNotFound(parent.ID)
	}
	proj, err := Project(parent.ID, events)
	if err != nil {
		return TransplantPlan{}, err
	}
	if proj.CurrentQuantity != parent.Quantity {
		return TransplantPlan{}, &CorruptionError{BatchID: parent.ID, Cached: parent.Quantity, Projected: proj.CurrentQuantity}
	}

	plan := TransplantPlan{
		Request:   req,
		Moved:     req.Moved(),
		Parent:    parent,
		Available: proj.AvailableQuantity,
		Reserved:  proj.ReservedQuantity,
	}
	if err := plan.check(); err != nil {
		return TransplantPlan{}, err
	}
	return plan, nil
}

func (p TransplantPlan) check() error {
	if p.Moved > p.Available {
		return &InsufficientQuantityError{BatchID: p.Parent.ID, Available: p.Available, Requested: p.Moved}
	}
	if p.Request.WriteOffRemainder && p.Reserved > 0 {
		return &ValidationError{Field: "write_off_remainder",
			Message: fmt.Sprintf("parent %s has %d units allocated; release them before writing off", p.Parent.ID, p.Reserved)}
	}
	return nil
}

// CommitTransplant executes a plan. The parent is locked and re-projected
// inside the transaction; if what the plan saw is no longer true the commit
// fails with ConcurrentModificationError and nothing is written.
func (l *Ledger) CommitTransplant(ctx context.Context, scope Scope, plan TransplantPlan) (TransplantResult, error) {
	req := plan.Request
	var result TransplantResult

	events, err := l.commit(ctx, "transplant", scope, []BatchID{req.ParentBatchID}, func(ctx context.Context, u *unit) error {
		parent, err := u.load(ctx, req.ParentBatchID)
		if err != nil {
			return err
		}
		if parent.IsArchived() {
			return &ConcurrentModificationError{BatchID: parent.ID, Reason: "parent was archived after planning"}
		}
		proj, err := u.project(ctx, parent)
		if err != nil {
			return err
		}
		if proj.AvailableQuantity != plan.Available || proj.ReservedQuantity != plan.Reserved {
			return &ConcurrentModificationError{BatchID: parent.ID,
				Reason: fmt.Sprintf("available quantity changed from %d to %d", plan.Available, proj.AvailableQuantity)}
		}
		if err := plan.check(); err != nil {
			return err
		}

		occurred, err := u.occurredAt(ctx, req.OccurredAt, u.l.clock(), parent)
		if err != nil {
			return err
		}

		number := req.BatchNumber
		if number == "" {
			siblings, err := u.tx.Children(ctx, u.scope.OrgID, parent.ID)
			if err != nil {
				return err
			}
			number = fmt.Sprintf("%s-%d", parent.BatchNumber, len(siblings)+1)
		}
		childID := req.ChildBatchID
		if childID == "" {
			childID = BatchID(u.l.newID())
		}
		status := req.Status
		if status == "" {
			status = parent.Status
		}

		child, err := u.insert(ctx, Batch{
			ID:              childID,
			BatchNumber:     number,
			VarietyID:       parent.VarietyID,
			SizeID:          req.SizeID,
			LocationID:      req.LocationID,
			InitialQuantity: plan.Moved,
			Status:          status,
			ParentBatchID:   parent.ID,
			CreatedAt:       occurred,
			Restricted:      parent.Restricted,
		})
		if err != nil {
			return err
		}

		if _, err := u.emit(ctx, parent, Draft{
			Type:       EventTransplantOut,
			OccurredAt: occurred,
			Payload:    Payload{Quantity: plan.Moved, CounterpartID: child.ID, LocationID: req.LocationID},
		}, false); err != nil {
			return err
		}
		if _, err := u.emit(ctx, child, Draft{
			Type:       EventTransplantIn,
			OccurredAt: occurred,
			Payload: Payload{
				Quantity:       plan.Moved,
				CounterpartID:  parent.ID,
				LocationID:     req.LocationID,
				FromLocationID: parent.LocationID,
				Status:         status,
			},
		}, false); err != nil {
			return err
		}

		if req.WriteOffRemainder {
			remainder := parent.Quantity
			if remainder > 0 {
				reason := req.WriteOffReason
				if reason == "" {
					reason = "write-off"
				}
				if _, err := u.emit(ctx, parent, Draft{
					Type:       EventLoss,
					OccurredAt: occurred,
					Payload:    Payload{Quantity: remainder, Reason: reason, CounterpartID: child.ID},
				}, false); err != nil {
					return err
				}
				result.WrittenOff = remainder
			}
			u.archive(parent, occurred)
		}

		result.Moved = plan.Moved
		result.Parent = *parent
		result.Child = *child
		return nil
	})
	if err != nil {
		return TransplantResult{}, err
	}

	// Rows were written back with their versions bumped.
	result.Parent.Version++
	result.Child.Version++
	result.Events = events
	l.log.Info().
		Str("parent_batch_id", string(result.Parent.ID)).
		Str("child_batch_id", string(result.Child.ID)).
		Int64("moved", int64(result.Moved)).
		Int64("written_off", int64(result.WrittenOff)).
		Msg("transplant committed")
	return result, nil
}
