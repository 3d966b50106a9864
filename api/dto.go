/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. The ledger's domain
  types carry no json tags on purpose; these types are the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Batches:      BatchDTO, CreateBatchRequest
  Events:       EventDTO, EventPageDTO, AppendEventResponse, ImportResponse
  Operators:    TransplantRequestDTO, TransplantResponse, MergeRequestDTO, MergeResponse
  Projection:   ProjectionDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest, LoadScenarioResponse

  Lineage graphs and audit reports are returned as lineage.Graph and
  audit.Report, which already carry their wire shape.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/nursery-ledger/ledger"
)

// =============================================================================
// BATCHES
// =============================================================================

type BatchDTO struct {
	ID              string                    `json:"id"`
	BatchNumber     string                    `json:"batch_number"`
	VarietyID       string                    `json:"variety_id"`
	SizeID          string                    `json:"size_id,omitempty"`
	LocationID      string                    `json:"location_id"`
	Quantity        int64                     `json:"quantity"`
	InitialQuantity int64                     `json:"initial_quantity"`
	Status          string                    `json:"status"`
	ParentBatchID   string                    `json:"parent_batch_id,omitempty"`
	Composition     []ledger.CompositionEntry `json:"composition,omitempty"`
	CreatedAt       string                    `json:"created_at"`
	ArchivedAt      *string                   `json:"archived_at,omitempty"`
	Restricted      bool                      `json:"restricted,omitempty"`
	Version         int64                     `json:"version"`
}

func toBatchDTO(b ledger.Batch) BatchDTO {
	dto := BatchDTO{
		ID:              string(b.ID),
		BatchNumber:     b.BatchNumber,
		VarietyID:       b.VarietyID,
		SizeID:          b.SizeID,
		LocationID:      b.LocationID,
		Quantity:        int64(b.Quantity),
		InitialQuantity: int64(b.InitialQuantity),
		Status:          string(b.Status),
		ParentBatchID:   string(b.ParentBatchID),
		Composition:     b.Composition,
		CreatedAt:       b.CreatedAt.Format(time.RFC3339Nano),
		Restricted:      b.Restricted,
		Version:         b.Version,
	}
	if b.ArchivedAt != nil {
		s := b.ArchivedAt.Format(time.RFC3339Nano)
		dto.ArchivedAt = &s
	}
	return dto
}

func toBatchDTOs(bs []ledger.Batch) []BatchDTO {
	dtos := make([]BatchDTO, len(bs))
	for i, b := range bs {
		dtos[i] = toBatchDTO(b)
	}
	return dtos
}

// CreateBatchRequest is the request to create a batch.
type CreateBatchRequest struct {
	ID          string     `json:"id,omitempty"`
	BatchNumber string     `json:"batch_number"`
	VarietyID   string     `json:"variety_id"`
	SizeID      string     `json:"size_id,omitempty"`
	LocationID  string     `json:"location_id"`
	Quantity    int64      `json:"quantity"`
	Status      string     `json:"status,omitempty"`
	Stage       string     `json:"stage,omitempty"`
	Restricted  bool       `json:"restricted,omitempty"`
	OccurredAt  *time.Time `json:"occurred_at,omitempty"`
	Note        string     `json:"note,omitempty"`
}

func (r CreateBatchRequest) toNewBatch() ledger.NewBatch {
	n := ledger.NewBatch{
		ID:          ledger.BatchID(r.ID),
		BatchNumber: r.BatchNumber,
		VarietyID:   r.VarietyID,
		SizeID:      r.SizeID,
		LocationID:  r.LocationID,
		Quantity:    ledger.Quantity(r.Quantity),
		Status:      ledger.BatchStatus(r.Status),
		Stage:       r.Stage,
		Restricted:  r.Restricted,
		Note:        r.Note,
	}
	if r.OccurredAt != nil {
		n.OccurredAt = *r.OccurredAt
	}
	return n
}

// =============================================================================
// EVENTS
// =============================================================================

type EventDTO struct {
	ID         string         `json:"id"`
	BatchID    string         `json:"batch_id"`
	Type       string         `json:"type"`
	ActorID    string         `json:"actor_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	RecordedAt time.Time      `json:"recorded_at"`
	Sequence   int64          `json:"sequence"`
	Delta      int64          `json:"delta"`
	Payload    ledger.Payload `json:"payload"`
	Legacy     bool           `json:"legacy,omitempty"`
}

func toEventDTOs(events []ledger.BatchEvent) []EventDTO {
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = EventDTO{
			ID:         string(e.ID),
			BatchID:    string(e.BatchID),
			Type:       string(e.Type),
			ActorID:    string(e.ActorID),
			OccurredAt: e.OccurredAt,
			RecordedAt: e.RecordedAt,
			Sequence:   e.Sequence,
			Delta:      int64(e.Delta()),
			Payload:    e.Payload,
			Legacy:     e.Legacy,
		}
	}
	return dtos
}

// CursorDTO is the restart position for the next page.
type CursorDTO struct {
	AfterTime time.Time `json:"after_time"`
	AfterSeq  int64     `json:"after_seq"`
}

type EventPageDTO struct {
	Events []EventDTO `json:"events"`
	Next   *CursorDTO `json:"next,omitempty"`
}

type AppendEventResponse struct {
	EventID string `json:"event_id"`
}

type ImportResponse struct {
	Imported int        `json:"imported"`
	Events   []EventDTO `json:"events"`
}

// =============================================================================
// OPERATORS
// =============================================================================

type TransplantRequestDTO struct {
	ChildBatchID      string     `json:"child_batch_id,omitempty"`
	BatchNumber       string     `json:"batch_number,omitempty"`
	SizeID            string     `json:"size_id"`
	LocationID        string     `json:"location_id"`
	Containers        int        `json:"containers"`
	CellMultiple      int        `json:"cell_multiple"`
	Status            string     `json:"status,omitempty"`
	WriteOffRemainder bool       `json:"write_off_remainder,omitempty"`
	WriteOffReason    string     `json:"write_off_reason,omitempty"`
	OccurredAt        *time.Time `json:"occurred_at,omitempty"`
}

func (r TransplantRequestDTO) toRequest(parent ledger.BatchID) ledger.TransplantRequest {
	req := ledger.TransplantRequest{
		ParentBatchID:     parent,
		ChildBatchID:      ledger.BatchID(r.ChildBatchID),
		BatchNumber:       r.BatchNumber,
		SizeID:            r.SizeID,
		LocationID:        r.LocationID,
		Containers:        r.Containers,
		CellMultiple:      r.CellMultiple,
		Status:            ledger.BatchStatus(r.Status),
		WriteOffRemainder: r.WriteOffRemainder,
		WriteOffReason:    r.WriteOffReason,
	}
	if r.OccurredAt != nil {
		req.OccurredAt = *r.OccurredAt
	}
	return req
}

type TransplantResponse struct {
	Parent     BatchDTO   `json:"parent"`
	Child      BatchDTO   `json:"child"`
	Moved      int64      `json:"moved"`
	WrittenOff int64      `json:"written_off"`
	Events     []EventDTO `json:"events"`
}

type MergeSourceDTO struct {
	BatchID  string `json:"batch_id"`
	Quantity int64  `json:"quantity"`
}

type MergeRequestDTO struct {
	TargetBatchID         string           `json:"target_batch_id,omitempty"`
	BatchNumber           string           `json:"batch_number"`
	Sources               []MergeSourceDTO `json:"sources"`
	SizeID                string           `json:"size_id,omitempty"`
	LocationID            string           `json:"location_id"`
	Status                string           `json:"status,omitempty"`
	ArchiveEmptiedSources bool             `json:"archive_emptied_sources,omitempty"`
	OccurredAt            *time.Time       `json:"occurred_at,omitempty"`
}

func (r MergeRequestDTO) toRequest() ledger.MergeRequest {
	req := ledger.MergeRequest{
		TargetBatchID:         ledger.BatchID(r.TargetBatchID),
		BatchNumber:           r.BatchNumber,
		SizeID:                r.SizeID,
		LocationID:            r.LocationID,
		Status:                ledger.BatchStatus(r.Status),
		ArchiveEmptiedSources: r.ArchiveEmptiedSources,
	}
	for _, s := range r.Sources {
		req.Sources = append(req.Sources, ledger.MergeSource{BatchID: ledger.BatchID(s.BatchID), Quantity: ledger.Quantity(s.Quantity)})
	}
	if r.OccurredAt != nil {
		req.OccurredAt = *r.OccurredAt
	}
	return req
}

type MergeResponse struct {
	Target   BatchDTO   `json:"target"`
	Sources  []BatchDTO `json:"sources"`
	Archived []string   `json:"archived"`
	Events   []EventDTO `json:"events"`
}

// =============================================================================
// PROJECTION
// =============================================================================

type ProjectionDTO struct {
	BatchID           string                      `json:"batch_id"`
	CurrentQuantity   int64                       `json:"current_quantity"`
	ReservedQuantity  int64                       `json:"reserved_quantity"`
	AvailableQuantity int64                       `json:"available_quantity"`
	OpenAllocations   map[string]ledger.Quantity  `json:"open_allocations"`
	ExcludedEvents    []ledger.EventID            `json:"excluded_events,omitempty"`
	Movements         []ledger.StockMovementEntry `json:"movements"`
}

func toProjectionDTO(res ledger.ProjectionResult) ProjectionDTO {
	movements := res.Movements
	if movements == nil {
		movements = []ledger.StockMovementEntry{}
	}
	return ProjectionDTO{
		BatchID:           string(res.BatchID),
		CurrentQuantity:   int64(res.CurrentQuantity),
		ReservedQuantity:  int64(res.ReservedQuantity),
		AvailableQuantity: int64(res.AvailableQuantity),
		OpenAllocations:   res.OpenAllocations,
		ExcludedEvents:    res.ExcludedEvents,
		Movements:         movements,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	Scenario ScenarioDTO `json:"scenario"`
	Batches  []BatchDTO  `json:"batches"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
	Details  string `json:"details,omitempty"`
}
