/*
Package ledger provides the batch event ledger and its derivations.

PURPOSE:
  Every quantity- or state-affecting operation on a plant batch is recorded
  as an immutable BatchEvent. The batch's current quantity, its reserved
  quantity and its stock-movement statement are all derived by folding the
  batch's own event stream. The quantity on the batch row is a cache of that
  fold, rewritten in the same unit of work as every append.

KEY CONCEPTS IN THIS FILE (types.go):
  - Batch: a cohort of physically identical plants
  - BatchEvent: an immutable, totally ordered ledger entry
  - EventType: the tagged variant of an event, which fixes its quantity effect
  - Payload: the normalized, typed payload shared by all variants
  - Scope: the org/actor pair every operation runs under

QUANTITY EFFECT (delta on the owning batch):
  CREATE, TRANSPLANT_IN, MERGE_IN     +qty
  TRANSPLANT_OUT, MERGE_OUT           -qty
  LOSS, PICKED                        -qty
  ADJUSTMENT                          +qty or -qty (explicit direction)
  everything else                     0

  ALLOCATED reserves units without removing them. Reserved quantity is
  tracked separately by the projector.

CONSERVATION:
  Units never appear or vanish except through CREATE, LOSS and ADJUSTMENT.
  Transplants and merges always move units in pairs inside one transaction.

SEE ALSO:
  - ledger.go: Append, StreamFor and the unit-of-work machinery
  - projection.go: Quantity projector
  - transplant.go, merge.go: Operators that create batches
*/
package ledger

import (
	"fmt"
	"math"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BatchID string
type EventID string
type OrgID string
type ActorID string

// Quantity counts plant units. Plants are whole, so quantities are integral.
type Quantity int64

func (q Quantity) Abs() Quantity {
	if q < 0 {
		return -q
	}
	return q
}

// Scope carries the caller's org and actor. Every read and write is scoped
// to OrgID; a batch owned by another org is indistinguishable from a missing one.
type Scope struct {
	OrgID   OrgID
	ActorID ActorID
}

func (s Scope) validate() error {
	if s.OrgID == "" {
		return &ValidationError{Field: "org_id", Message: "required"}
	}
	if s.ActorID == "" {
		return &ValidationError{Field: "actor_id", Message: "required"}
	}
	return nil
}

// =============================================================================
// BATCH
// =============================================================================

type BatchStatus string

const (
	StatusPlanned     BatchStatus = "Planned"
	StatusPropagating BatchStatus = "Propagating"
	StatusGrowing     BatchStatus = "Growing"
	StatusReady       BatchStatus = "Ready"
	StatusOnHold      BatchStatus = "OnHold"
	StatusArchived    BatchStatus = "Archived"
)

func (s BatchStatus) Valid() bool {
	switch s {
	case StatusPlanned, StatusPropagating, StatusGrowing, StatusReady, StatusOnHold, StatusArchived:
		return true
	}
	return false
}

// CompositionEntry records one source's contribution to a merged batch.
type CompositionEntry struct {
	SourceBatchID BatchID  `json:"source_batch_id"`
	Quantity      Quantity `json:"quantity"`
}

// Batch is the cached row for a batch. Quantity, Status and LocationID are
// denormalized from the event stream; everything else is fixed at creation
// except ArchivedAt.
type Batch struct {
	ID              BatchID
	OrgID           OrgID
	BatchNumber     string
	VarietyID       string
	SizeID          string
	LocationID      string
	Quantity        Quantity
	InitialQuantity Quantity
	Status          BatchStatus
	ParentBatchID   BatchID
	Composition     []CompositionEntry
	CreatedAt       time.Time
	ArchivedAt      *time.Time

	// Restricted batches are locked in lineage views once archived.
	Restricted bool

	// Version is bumped by every committed write. Stores compare-and-set on it.
	Version int64
}

func (b Batch) IsArchived() bool { return b.ArchivedAt != nil }
func (b Batch) HasParent() bool  { return b.ParentBatchID != "" }
func (b Batch) IsMerged() bool   { return len(b.Composition) > 0 }

// =============================================================================
// EVENT TYPES
// =============================================================================

type EventType string

const (
	EventCreate             EventType = "CREATE"
	EventTransplantOut      EventType = "TRANSPLANT_OUT"
	EventTransplantIn       EventType = "TRANSPLANT_IN"
	EventMergeIn            EventType = "MERGE_IN"
	EventMergeOut           EventType = "MERGE_OUT"
	EventLoss               EventType = "LOSS"
	EventAdjustment         EventType = "ADJUSTMENT"
	EventPicked             EventType = "PICKED"
	EventAllocated          EventType = "ALLOCATED"
	EventAllocationReleased EventType = "ALLOCATION_RELEASED"
	EventStatusChange       EventType = "STATUS_CHANGE"
	EventGrading            EventType = "GRADING"
	EventMove               EventType = "MOVE"
	EventCheckin            EventType = "CHECKIN"
	EventPhotoAdded         EventType = "PHOTO_ADDED"
	EventFlagCreated        EventType = "FLAG_CREATED"
	EventFlagResolved       EventType = "FLAG_RESOLVED"
)

// AllEventTypes lists every variant in a stable order.
var AllEventTypes = []EventType{
	EventCreate, EventTransplantOut, EventTransplantIn, EventMergeIn, EventMergeOut,
	EventLoss, EventAdjustment, EventPicked, EventAllocated, EventAllocationReleased,
	EventStatusChange, EventGrading, EventMove, EventCheckin, EventPhotoAdded,
	EventFlagCreated, EventFlagResolved,
}

func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// operatorOnly reports whether the type may only be emitted by an operator
// that writes its counterpart (or the batch row) in the same unit of work.
func (t EventType) operatorOnly() bool {
	switch t {
	case EventCreate, EventTransplantOut, EventTransplantIn, EventMergeIn, EventMergeOut:
		return true
	}
	return false
}

// Direction is the explicit sign of an ADJUSTMENT.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

// =============================================================================
// PAYLOAD
// =============================================================================

// Payload is the normalized payload shared by every event variant. Which
// fields are required depends on the variant; see ValidatePayload.
// Raw historical shapes are converted into this struct by the factory
// package before they reach the ledger.
type Payload struct {
	Quantity       Quantity    `json:"quantity,omitempty"`
	Direction      Direction   `json:"direction,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	Status         BatchStatus `json:"status,omitempty"`
	Stage          string      `json:"stage,omitempty"`
	LocationID     string      `json:"location_id,omitempty"`
	FromLocationID string      `json:"from_location_id,omitempty"`
	CounterpartID  BatchID     `json:"counterpart_batch_id,omitempty"`
	AllocationID   string      `json:"allocation_id,omitempty"`
	OrderRef       string      `json:"order_ref,omitempty"`
	Grade          string      `json:"grade,omitempty"`
	PhotoURL       string      `json:"photo_url,omitempty"`
	FlagID         string      `json:"flag_id,omitempty"`
	Note           string      `json:"note,omitempty"`

	// Ambiguous marks an imported ADJUSTMENT whose sign cannot be known.
	// Such rows are display-only: their delta is zero.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// StageName returns the stage the payload names, if any.
func (p Payload) StageName() string {
	if p.Stage != "" {
		return p.Stage
	}
	return string(p.Status)
}

// Delta returns the signed quantity effect of an event of type t.
func Delta(t EventType, p Payload) Quantity {
	switch t {
	case EventCreate, EventTransplantIn, EventMergeIn:
		return p.Quantity
	case EventTransplantOut, EventMergeOut, EventLoss, EventPicked:
		return -p.Quantity
	case EventAdjustment:
		if p.Ambiguous {
			return 0
		}
		if p.Direction == DirectionDecrease {
			return -p.Quantity
		}
		return p.Quantity
	default:
		return 0
	}
}

// ValidatePayload checks that p carries the fields required by t.
// Legacy rows may carry an ambiguous ADJUSTMENT; new appends may not.
func ValidatePayload(t EventType, p Payload, legacy bool) error {
	if !t.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown event type %q", t)}
	}
	if p.Quantity < 0 {
		return &ValidationError{Field: "quantity", Message: "must not be negative; use direction for adjustments"}
	}
	if p.Ambiguous && (t != EventAdjustment || !legacy) {
		return &ValidationError{Field: "direction", Message: "explicit direction is required"}
	}

	switch t {
	case EventCreate, EventPicked:
		return requireQuantity(p)
	case EventTransplantOut, EventTransplantIn, EventMergeIn, EventMergeOut:
		if p.CounterpartID == "" {
			return &ValidationError{Field: "counterpart_batch_id", Message: "required"}
		}
		return requireQuantity(p)
	case EventLoss:
		if p.Reason == "" {
			return &ValidationError{Field: "reason", Message: "required for LOSS"}
		}
		return requireQuantity(p)
	case EventAdjustment:
		if p.Reason == "" {
			return &ValidationError{Field: "reason", Message: "required for ADJUSTMENT"}
		}
		if !p.Ambiguous && p.Direction != DirectionIncrease && p.Direction != DirectionDecrease {
			return &ValidationError{Field: "direction", Message: "must be increase or decrease"}
		}
		return requireQuantity(p)
	case EventAllocated:
		if p.AllocationID == "" {
			return &ValidationError{Field: "allocation_id", Message: "required"}
		}
		return requireQuantity(p)
	case EventAllocationReleased:
		if p.AllocationID == "" {
			return &ValidationError{Field: "allocation_id", Message: "required"}
		}
	case EventStatusChange:
		if !p.Status.Valid() {
			return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", p.Status)}
		}
	case EventMove:
		if p.LocationID == "" {
			return &ValidationError{Field: "location_id", Message: "required"}
		}
	case EventGrading:
		if p.Grade == "" {
			return &ValidationError{Field: "grade", Message: "required"}
		}
	case EventPhotoAdded:
		if p.PhotoURL == "" {
			return &ValidationError{Field: "photo_url", Message: "required"}
		}
	case EventFlagCreated, EventFlagResolved:
		if p.FlagID == "" {
			return &ValidationError{Field: "flag_id", Message: "required"}
		}
	}
	return nil
}

func requireQuantity(p Payload) error {
	if p.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Message: "must be greater than zero"}
	}
	return nil
}

// =============================================================================
// BATCH EVENT
// =============================================================================

// BatchEvent is an immutable ledger entry. Events of one batch are totally
// ordered by (OccurredAt, Sequence); Sequence is assigned by the store at
// insertion and breaks timestamp ties.
type BatchEvent struct {
	ID         EventID
	OrgID      OrgID
	BatchID    BatchID
	Type       EventType
	ActorID    ActorID
	OccurredAt time.Time
	RecordedAt time.Time
	Sequence   int64
	Payload    Payload

	// Legacy is set on rows imported from historical logs.
	Legacy bool
}

func (e BatchEvent) Delta() Quantity { return Delta(e.Type, e.Payload) }

// Cursor returns the stream position just after e.
func (e BatchEvent) Cursor() Cursor {
	return Cursor{OccurredAt: e.OccurredAt, Sequence: e.Sequence}
}

// Draft is an event before it is written: what the caller supplies.
type Draft struct {
	Type       EventType
	Payload    Payload
	OccurredAt time.Time // zero means now
	ActorID    ActorID   // empty means the scope's actor
}

// =============================================================================
// CURSOR
// =============================================================================

// Cursor is an exclusive position in a batch's stream. The zero Cursor is the
// start of the stream.
type Cursor struct {
	OccurredAt time.Time
	Sequence   int64
}

func (c Cursor) IsZero() bool { return c.OccurredAt.IsZero() && c.Sequence == 0 }

// Before reports whether e sorts strictly after the cursor.
func (c Cursor) Before(e BatchEvent) bool {
	if c.IsZero() {
		return true
	}
	if e.OccurredAt.Equal(c.OccurredAt) {
		return e.Sequence > c.Sequence
	}
	return e.OccurredAt.After(c.OccurredAt)
}

// UnixNanoBounds returns the cursor as (unix nanos, sequence) for SQL stores.
// The zero cursor maps below every representable event.
func (c Cursor) UnixNanoBounds() (int64, int64) {
	if c.IsZero() {
		return math.MinInt64, -1
	}
	return c.OccurredAt.UnixNano(), c.Sequence
}

// EventLess orders events by (OccurredAt, Sequence).
func EventLess(a, b BatchEvent) bool {
	if a.OccurredAt.Equal(b.OccurredAt) {
		return a.Sequence < b.Sequence
	}
	return a.OccurredAt.Before(b.OccurredAt)
}
