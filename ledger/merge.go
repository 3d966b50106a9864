package ledger

import (
	"context"
	"fmt"
	"time"
)

// MergeSource names how many units a source batch contributes.
type MergeSource struct {
	BatchID  BatchID
	Quantity Quantity
}

// MergeRequest combines units from several source batches of one variety
// into a new target batch, e.g. potting up from multiple propagation trays.
type MergeRequest struct {
	TargetBatchID BatchID // optional, generated when empty
	BatchNumber   string
	Sources       []MergeSource
	SizeID        string      // optional, defaults to the first source's size
	LocationID    string
	Status        BatchStatus // optional, defaults to the first source's status

	// ArchiveEmptiedSources archives every source left with zero units.
	ArchiveEmptiedSources bool

	OccurredAt time.Time
}

func (r MergeRequest) validate() error {
	if r.BatchNumber == "" {
		return &ValidationError{Field: "batch_number", Message: "required"}
	}
	if r.LocationID == "" {
		return &ValidationError{Field: "location_id", Message: "required"}
	}
	if len(r.Sources) == 0 {
		return &ValidationError{Field: "sources", Message: "at least one source is required"}
	}
	if r.Status != "" && !r.Status.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", r.Status)}
	}
	seen := make(map[BatchID]bool, len(r.Sources))
	for _, s := range r.Sources {
		if s.BatchID == "" {
			return &ValidationError{Field: "sources", Message: "source batch id is required"}
		}
		if seen[s.BatchID] {
			return &ValidationError{Field: "sources", Message: fmt.Sprintf("batch %s listed twice", s.BatchID)}
		}
		seen[s.BatchID] = true
		if s.Quantity <= 0 {
			return &ValidationError{Field: "sources", Message: fmt.Sprintf("quantity for %s must be greater than zero", s.BatchID)}
		}
	}
	return nil
}

type MergeResult struct {
	Target   Batch
	Sources  []Batch
	Archived []BatchID
	Events   []BatchEvent
}

// Merge writes MERGE_OUT on every source and one MERGE_IN per source on a
// new target, together with the target row and its composition, in one unit
// of work. The target has no CREATE event: its MERGE_IN events are its birth.
func (l *Ledger) Merge(ctx context.Context, scope Scope, req MergeRequest) (MergeResult, error) {
	if err := req.validate(); err != nil {
		return MergeResult{}, err
	}

	keys := make([]BatchID, 0, len(req.Sources))
	for _, s := range req.Sources {
		keys = append(keys, s.BatchID)
	}

	var result MergeResult
	events, err := l.commit(ctx, "merge", scope, keys, func(ctx context.Context, u *unit) error {
		sources := make([]*Batch, 0, len(req.Sources))
		var total Quantity
		for _, s := range req.Sources {
			b, err := u.load(ctx, s.BatchID)
			if err != nil {
				return err
			}
			if b.IsArchived() {
				return batchNotFound(b.ID)
			}
			if len(sources) > 0 && b.VarietyID != sources[0].VarietyID {
				return &ValidationError{Field: "sources",
					Message: fmt.Sprintf("batch %s is variety %s, expected %s", b.ID, b.VarietyID, sources[0].VarietyID)}
			}
			proj, err := u.project(ctx, b)
			if err != nil {
				return err
			}
			if s.Quantity > proj.AvailableQuantity {
				return &InsufficientQuantityError{BatchID: b.ID, Available: proj.AvailableQuantity, Requested: s.Quantity}
			}
			sources = append(sources, b)
			total += s.Quantity
		}

		occurred, err := u.occurredAt(ctx, req.OccurredAt, u.l.clock(), sources...)
		if err != nil {
			return err
		}
		first := sources[0]
		size := req.SizeID
		if size == "" {
			size = first.SizeID
		}
		status := req.Status
		if status == "" {
			status = first.Status
		}
		targetID := req.TargetBatchID
		if targetID == "" {
			targetID = BatchID(u.l.newID())
		}
		composition := make([]CompositionEntry, 0, len(req.Sources))
		restricted := false
		for i, s := range req.Sources {
			composition = append(composition, CompositionEntry{SourceBatchID: s.BatchID, Quantity: s.Quantity})
			restricted = restricted || sources[i].Restricted
		}

		target, err := u.insert(ctx, Batch{
			ID:              targetID,
			BatchNumber:     req.BatchNumber,
			VarietyID:       first.VarietyID,
			SizeID:          size,
			LocationID:      req.LocationID,
			InitialQuantity: total,
			Status:          status,
			Composition:     composition,
			CreatedAt:       occurred,
			Restricted:      restricted,
		})
		if err != nil {
			return err
		}

		for i, s := range req.Sources {
			src := sources[i]
			if _, err := u.emit(ctx, src, Draft{
				Type:       EventMergeOut,
				OccurredAt: occurred,
				Payload:    Payload{Quantity: s.Quantity, CounterpartID: target.ID},
			}, false); err != nil {
				return err
			}
			if _, err := u.emit(ctx, target, Draft{
				Type:       EventMergeIn,
				OccurredAt: occurred,
				Payload: Payload{
					Quantity:       s.Quantity,
					CounterpartID:  src.ID,
					LocationID:     req.LocationID,
					FromLocationID: src.LocationID,
					Status:         status,
				},
			}, false); err != nil {
				return err
			}
			if req.ArchiveEmptiedSources && src.Quantity == 0 {
				u.archive(src, occurred)
				result.Archived = append(result.Archived, src.ID)
			}
		}

		result.Target = *target
		for _, src := range sources {
			result.Sources = append(result.Sources, *src)
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}

	result.Target.Version++
	for i := range result.Sources {
		result.Sources[i].Version++
	}
	result.Events = events
	l.log.Info().
		Str("target_batch_id", string(result.Target.ID)).
		Int("sources", len(result.Sources)).
		Int64("quantity", int64(result.Target.Quantity)).
		Msg("merge committed")
	return result, nil
}
