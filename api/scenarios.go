/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that seed an org with realistic batch
	histories. Every write goes through the ledger's public operations, so a
	loaded scenario is indistinguishable from real usage.

AVAILABLE SCENARIOS:

	propagation-to-sale:  sow, root, transplant, frost loss, move, allocate, pick
	potting-up-merge:     three trays merged into one pot batch, then split twice
	restricted-write-off: transplant with write-off of a restricted batch
	legacy-history:       a batch with history imported from an older system

HOW SCENARIOS WORK:
 1. Create the root batches with back-dated CREATE events
 2. Apply operators (transplant, merge) and typed events day by day
 3. Return the org's batches

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "propagation-to-sale"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, scope)
 3. Register it in 'loaders'

NOTE:

	The ledger is append-only, so scenarios cannot reset anything. Batch
	numbers are fixed per scenario; loading the same scenario twice into one
	org fails on the duplicate batch number.

SEE ALSO:
  - handlers.go: Handler and error mapping
  - factory/events.go: legacy row decoding used by legacy-history
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/nursery-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "propagation-to-sale",
		Name:        "Propagation to Sale",
		Description: "1000 hebe plugs: rooting check-in, transplant of 200 into 9cm pots, frost loss of 50, move, allocation and pick",
		Category:    "lifecycle",
	},
	{
		ID:          "potting-up-merge",
		Name:        "Potting-up Merge",
		Description: "Three lavender trays merged into one 2L batch, which is then split into two transplants",
		Category:    "lineage",
	},
	{
		ID:          "restricted-write-off",
		Name:        "Restricted Write-off",
		Description: "A restricted batch transplanted with the remainder written off; the archived parent is locked in lineage",
		Category:    "lineage",
	},
	{
		ID:          "legacy-history",
		Name:        "Legacy History",
		Description: "Historical rows imported from an older system, including an ambiguous stock-take shown as memo",
		Category:    "import",
	},
}

type scenarioLoader func(h *Handler, ctx context.Context, scope ledger.Scope) error

var loaders = map[string]scenarioLoader{
	"propagation-to-sale":  (*Handler).loadPropagationToSaleScenario,
	"potting-up-merge":     (*Handler).loadPottingUpMergeScenario,
	"restricted-write-off": (*Handler).loadRestrictedWriteOffScenario,
	"legacy-history":       (*Handler).loadLegacyHistoryScenario,
}

// scenarioStart anchors every scenario's back-dated events.
var scenarioStart = time.Date(2025, time.March, 3, 7, 0, 0, 0, time.UTC)

func day(n int) time.Time { return scenarioStart.AddDate(0, 0, n) }

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the scenario last loaded into the caller's org, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.scenarios[scopeFrom(r).OrgID]
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, _ := findScenario(current)
	writeJSON(w, http.StatusOK, s)
}

// LoadScenario seeds the caller's org with a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	scope := scopeFrom(r)
	if err := loaders[s.ID](h, ctx, scope); err != nil {
		h.writeLedgerError(w, r, fmt.Errorf("load scenario %s: %w", s.ID, err))
		return
	}

	h.mu.Lock()
	h.scenarios[scope.OrgID] = s.ID
	h.mu.Unlock()

	batches, err := h.Ledger.Batches(ctx, scope)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Scenario: s, Batches: toBatchDTOs(batches)})
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadPropagationToSaleScenario(ctx context.Context, scope ledger.Scope) error {
	parent, err := h.Ledger.CreateBatch(ctx, scope, ledger.NewBatch{
		BatchNumber: "PROP-001",
		VarietyID:   "hebe-red-edge",
		SizeID:      "plug-104",
		LocationID:  "propagation-house",
		Quantity:    1000,
		Status:      ledger.StatusPropagating,
		Stage:       "sowing",
		OccurredAt:  day(0),
	})
	if err != nil {
		return err
	}

	if err := h.appendAll(ctx, scope, parent.ID, []ledger.Draft{
		{Type: ledger.EventCheckin, OccurredAt: day(10), Payload: ledger.Payload{Stage: "rooting", Note: "good root development"}},
	}); err != nil {
		return err
	}

	// 20 trays of 10 into 9cm pots
	res, err := h.Ledger.Transplant(ctx, scope, ledger.TransplantRequest{
		ParentBatchID: parent.ID,
		SizeID:        "p9",
		LocationID:    "tunnel-1",
		Containers:    20,
		CellMultiple:  10,
		Status:        ledger.StatusGrowing,
		OccurredAt:    day(21),
	})
	if err != nil {
		return err
	}

	if err := h.appendAll(ctx, scope, parent.ID, []ledger.Draft{
		{Type: ledger.EventLoss, OccurredAt: day(22), Payload: ledger.Payload{Quantity: 50, Reason: "frost"}},
	}); err != nil {
		return err
	}

	return h.appendAll(ctx, scope, res.Child.ID, []ledger.Draft{
		{Type: ledger.EventMove, OccurredAt: day(30), Payload: ledger.Payload{LocationID: "tunnel-2"}},
		{Type: ledger.EventStatusChange, OccurredAt: day(45), Payload: ledger.Payload{Status: ledger.StatusReady}},
		{Type: ledger.EventAllocated, OccurredAt: day(46), Payload: ledger.Payload{Quantity: 120, AllocationID: "ord-1001-l1", OrderRef: "ORD-1001"}},
		{Type: ledger.EventPicked, OccurredAt: day(48), Payload: ledger.Payload{Quantity: 100, AllocationID: "ord-1001-l1", OrderRef: "ORD-1001"}},
		{Type: ledger.EventAllocationReleased, OccurredAt: day(48), Payload: ledger.Payload{AllocationID: "ord-1001-l1"}},
		{Type: ledger.EventGrading, OccurredAt: day(49), Payload: ledger.Payload{Grade: "A", Note: "even, well branched"}},
	})
}

func (h *Handler) loadPottingUpMergeScenario(ctx context.Context, scope ledger.Scope) error {
	trays := []struct {
		number string
		qty    ledger.Quantity
	}{
		{"LAV-T1", 120},
		{"LAV-T2", 80},
		{"LAV-T3", 60},
	}

	var sources []ledger.MergeSource
	for i, t := range trays {
		b, err := h.Ledger.CreateBatch(ctx, scope, ledger.NewBatch{
			BatchNumber: t.number,
			VarietyID:   "lavandula-hidcote",
			SizeID:      "plug-84",
			LocationID:  "propagation-house",
			Quantity:    t.qty,
			Stage:       "sowing",
			OccurredAt:  day(i),
		})
		if err != nil {
			return err
		}
		contribution := t.qty
		if t.number == "LAV-T3" {
			contribution = 40
		}
		sources = append(sources, ledger.MergeSource{BatchID: b.ID, Quantity: contribution})
	}

	merged, err := h.Ledger.Merge(ctx, scope, ledger.MergeRequest{
		BatchNumber:           "LAV-2L-001",
		Sources:               sources,
		SizeID:                "2l",
		LocationID:            "tunnel-3",
		Status:                ledger.StatusGrowing,
		ArchiveEmptiedSources: true,
		OccurredAt:            day(28),
	})
	if err != nil {
		return err
	}

	for i, split := range []struct {
		location   string
		containers int
	}{
		{"bed-a", 10},
		{"bed-b", 8},
	} {
		if _, err := h.Ledger.Transplant(ctx, scope, ledger.TransplantRequest{
			ParentBatchID: merged.Target.ID,
			SizeID:        "3l",
			LocationID:    split.location,
			Containers:    split.containers,
			CellMultiple:  10,
			OccurredAt:    day(60 + i),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadRestrictedWriteOffScenario(ctx context.Context, scope ledger.Scope) error {
	parent, err := h.Ledger.CreateBatch(ctx, scope, ledger.NewBatch{
		BatchNumber: "RST-001",
		VarietyID:   "acer-bloodgood",
		SizeID:      "liner",
		LocationID:  "quarantine-1",
		Quantity:    500,
		Status:      ledger.StatusOnHold,
		Stage:       "quarantine",
		Restricted:  true,
		OccurredAt:  day(0),
	})
	if err != nil {
		return err
	}

	if err := h.appendAll(ctx, scope, parent.ID, []ledger.Draft{
		{Type: ledger.EventFlagCreated, OccurredAt: day(3), Payload: ledger.Payload{FlagID: "flag-virus-1", Note: "leaf mottling"}},
		{Type: ledger.EventPhotoAdded, OccurredAt: day(3), Payload: ledger.Payload{PhotoURL: "https://photos.example/rst-001/mottling.jpg"}},
		{Type: ledger.EventFlagResolved, OccurredAt: day(9), Payload: ledger.Payload{FlagID: "flag-virus-1", Note: "clean stock selected"}},
	}); err != nil {
		return err
	}

	// Clean stock moves on, the rest is destroyed.
	_, err = h.Ledger.Transplant(ctx, scope, ledger.TransplantRequest{
		ParentBatchID:     parent.ID,
		SizeID:            "p11",
		LocationID:        "tunnel-4",
		Containers:        30,
		CellMultiple:      12,
		Status:            ledger.StatusGrowing,
		WriteOffRemainder: true,
		WriteOffReason:    "virus",
		OccurredAt:        day(10),
	})
	return err
}

// legacyRows is an export from the nursery's previous stock system.
const legacyRows = `[
	{"kind": "dump", "qty": "-20", "date": "2025-03-10", "userId": "legacy-import"},
	{"eventType": "adjust", "units": "15", "direction": "in", "reasonCode": "recount", "date": "2025-03-17"},
	{"type": "stock_take", "count": 360, "date": "2025-03-24"},
	{"type": "relocate", "toLocationId": "bay-7", "date": "2025-03-25"},
	{"type": "status", "newStatus": "on hold", "date": "2025-03-26"}
]`

func (h *Handler) loadLegacyHistoryScenario(ctx context.Context, scope ledger.Scope) error {
	b, err := h.Ledger.CreateBatch(ctx, scope, ledger.NewBatch{
		BatchNumber: "LEG-001",
		VarietyID:   "buxus-sempervirens",
		SizeID:      "c2",
		LocationID:  "bay-3",
		Quantity:    400,
		Status:      ledger.StatusGrowing,
		OccurredAt:  day(0),
		Note:        "migrated from the previous stock system",
	})
	if err != nil {
		return err
	}

	drafts, err := h.imports.DecodeJSON([]byte(legacyRows))
	if err != nil {
		return err
	}
	_, err = h.Ledger.Import(ctx, scope, b.ID, drafts)
	return err
}

func (h *Handler) appendAll(ctx context.Context, scope ledger.Scope, id ledger.BatchID, drafts []ledger.Draft) error {
	for _, d := range drafts {
		if _, err := h.Ledger.AppendDraft(ctx, scope, id, d); err != nil {
			return fmt.Errorf("%s on %s: %w", d.Type, id, err)
		}
	}
	return nil
}
