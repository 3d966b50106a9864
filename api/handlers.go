/*
handlers.go - HTTP API handlers for the batch ledger

PURPOSE:
  Exposes the ledger, the lineage navigator and the integrity auditor via a
  REST API. Handles HTTP request/response and JSON serialization and
  delegates everything else to the domain packages.

ENDPOINTS:
  Batches:
    GET    /api/batches                       List batches of the org
    POST   /api/batches                       Create batch (CREATE event)
    GET    /api/batches/{id}                  Get batch

  Events:
    GET    /api/batches/{id}/events           Page through the stream
                                              ?after_time=&after_seq=&limit=
    POST   /api/batches/{id}/events           Append one event
    POST   /api/batches/{id}/import           Import historical rows

  Operators:
    POST   /api/batches/{id}/transplants      Transplant into a new child
    POST   /api/merges                        Merge sources into a new batch

  Derived views:
    GET    /api/batches/{id}/projection       Quantities + movement statement
    GET    /api/batches/{id}/movements        Movement statement only
    GET    /api/batches/{id}/lineage          Graph ?ancestor_depth=&descendant_depth=&as_of=
    GET    /api/batches/{id}/ancestors        Batch cards above ?depth=
    GET    /api/batches/{id}/descendants      Batch cards below ?depth=

  Admin:
    POST   /api/admin/audit                   Run an integrity audit now
    GET    /api/admin/audit/runs              Past audit runs

SCOPE:
  Org and actor come from the X-Org-ID and X-Actor-ID headers, set by the
  gateway in front of this service. Requests without them get 401.
  X-Role is optional and only feeds the lineage permission predicate.

ERROR HANDLING:
  Errors are returned as JSON with the ledger error category:
  - 400: validation
  - 401: missing scope headers
  - 404: not_found (absent, other org, archived)
  - 409: conflict (retry from scratch)
  - 422: insufficient_quantity
  - 500: integrity, internal

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/nursery-ledger/audit"
	"github.com/warp/nursery-ledger/factory"
	"github.com/warp/nursery-ledger/ledger"
	"github.com/warp/nursery-ledger/lineage"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxBodyBytes      = 4 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger  *ledger.Ledger
	Lineage *lineage.Navigator
	Auditor *audit.Auditor

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	appends *factory.Decoder
	imports *factory.Decoder
	log     zerolog.Logger

	// Track the scenario loaded per org
	mu        sync.Mutex
	scenarios map[ledger.OrgID]string
}

func NewHandler(l *ledger.Ledger, nav *lineage.Navigator, auditor *audit.Auditor, log zerolog.Logger) *Handler {
	return &Handler{
		Ledger:    l,
		Lineage:   nav,
		Auditor:   auditor,
		appends:   factory.NewDecoder(factory.Strict),
		imports:   factory.NewDecoder(factory.Legacy),
		log:       log.With().Str("component", "api").Logger(),
		scenarios: make(map[ledger.OrgID]string),
	}
}

// =============================================================================
// SCOPE
// =============================================================================

type ctxKey int

const (
	scopeKey ctxKey = iota
	roleKey
)

// RequireScope rejects requests without org and actor headers and stores
// the scope (and the optional role) on the request context.
func RequireScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := ledger.Scope{
			OrgID:   ledger.OrgID(strings.TrimSpace(r.Header.Get("X-Org-ID"))),
			ActorID: ledger.ActorID(strings.TrimSpace(r.Header.Get("X-Actor-ID"))),
		}
		if scope.OrgID == "" || scope.ActorID == "" {
			writeError(w, http.StatusUnauthorized, "X-Org-ID and X-Actor-ID headers are required", nil)
			return
		}
		ctx := context.WithValue(r.Context(), scopeKey, scope)
		if role := strings.TrimSpace(r.Header.Get("X-Role")); role != "" {
			ctx = context.WithValue(ctx, roleKey, role)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func scopeFrom(r *http.Request) ledger.Scope {
	scope, _ := r.Context().Value(scopeKey).(ledger.Scope)
	return scope
}

// RoleFrom returns the role RequireScope stored on ctx.
func RoleFrom(ctx context.Context) string {
	role, _ := ctx.Value(roleKey).(string)
	return role
}

// RolePermission unlocks archived restricted batches for the given roles.
// Batches of other orgs stay locked for everyone.
func RolePermission(roles ...string) lineage.Permission {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(ctx context.Context, _ ledger.Scope, n lineage.Node) bool {
		if n.Foreign {
			return false
		}
		return allowed[RoleFrom(ctx)]
	}
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// ListBatches returns the org's batches. ?archived=false hides archived ones.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Ledger.Batches(r.Context(), scopeFrom(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	if r.URL.Query().Get("archived") == "false" {
		kept := batches[:0]
		for _, b := range batches {
			if !b.IsArchived() {
				kept = append(kept, b)
			}
		}
		batches = kept
	}

	writeJSON(w, http.StatusOK, toBatchDTOs(batches))
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.Ledger.Batch(r.Context(), scopeFrom(r), batchParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(b))
}

func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b, err := h.Ledger.CreateBatch(r.Context(), scopeFrom(r), req.toNewBatch())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(b))
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// ListEvents returns one page of the batch's stream in (occurred_at, sequence)
// order. Next is set when more events follow.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after ledger.Cursor
	if s := q.Get("after_time"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid after_time (use RFC 3339)", err)
			return
		}
		after.OccurredAt = t.UTC()
	}
	seq, err := intParam(q.Get("after_seq"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid after_seq", err)
		return
	}
	after.Sequence = int64(seq)

	limit, err := intParam(q.Get("limit"), defaultEventLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	limit = min(limit, maxEventLimit)

	events, err := h.Ledger.Events(r.Context(), scopeFrom(r), batchParam(r), after, limit+1)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	page := EventPageDTO{}
	if len(events) > limit {
		events = events[:limit]
		last := events[len(events)-1].Cursor()
		page.Next = &CursorDTO{AfterTime: last.OccurredAt, AfterSeq: last.Sequence}
	}
	page.Events = toEventDTOs(events)
	writeJSON(w, http.StatusOK, page)
}

// AppendEvent appends one event. The body is a single event object; see
// the factory package for the accepted shape.
func (h *Handler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	drafts, err := h.appends.DecodeJSON(body)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if len(drafts) != 1 {
		writeError(w, http.StatusBadRequest, "Exactly one event per request; use /import for history", nil)
		return
	}

	id, err := h.Ledger.AppendDraft(r.Context(), scopeFrom(r), batchParam(r), drafts[0])
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AppendEventResponse{EventID: string(id)})
}

// ImportEvents appends historical rows exported by an older system.
func (h *Handler) ImportEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	drafts, err := h.imports.DecodeJSON(body)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	events, err := h.Ledger.Import(r.Context(), scopeFrom(r), batchParam(r), drafts)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ImportResponse{Imported: len(events), Events: toEventDTOs(events)})
}

// =============================================================================
// OPERATOR HANDLERS
// =============================================================================

func (h *Handler) Transplant(w http.ResponseWriter, r *http.Request) {
	var req TransplantRequestDTO
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Ledger.Transplant(r.Context(), scopeFrom(r), req.toRequest(batchParam(r)))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransplantResponse{
		Parent:     toBatchDTO(res.Parent),
		Child:      toBatchDTO(res.Child),
		Moved:      int64(res.Moved),
		WrittenOff: int64(res.WrittenOff),
		Events:     toEventDTOs(res.Events),
	})
}

func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequestDTO
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Ledger.Merge(r.Context(), scopeFrom(r), req.toRequest())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	archived := make([]string, len(res.Archived))
	for i, id := range res.Archived {
		archived[i] = string(id)
	}
	writeJSON(w, http.StatusCreated, MergeResponse{
		Target:   toBatchDTO(res.Target),
		Sources:  toBatchDTOs(res.Sources),
		Archived: archived,
		Events:   toEventDTOs(res.Events),
	})
}

// =============================================================================
// DERIVED VIEWS
// =============================================================================

func (h *Handler) GetProjection(w http.ResponseWriter, r *http.Request) {
	res, err := h.Ledger.Project(r.Context(), scopeFrom(r), batchParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectionDTO(res))
}

func (h *Handler) GetMovements(w http.ResponseWriter, r *http.Request) {
	movements, err := h.Ledger.Movements(r.Context(), scopeFrom(r), batchParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if movements == nil {
		movements = []ledger.StockMovementEntry{}
	}
	writeJSON(w, http.StatusOK, movements)
}

// GetLineage returns the lineage graph with Locked resolved per node.
func (h *Handler) GetLineage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts lineage.Options
	var err error

	if opts.AncestorDepth, err = intParam(q.Get("ancestor_depth"), 1); err != nil || opts.AncestorDepth < 0 {
		writeError(w, http.StatusBadRequest, "Invalid ancestor_depth", err)
		return
	}
	if opts.DescendantDepth, err = intParam(q.Get("descendant_depth"), 1); err != nil || opts.DescendantDepth < 0 {
		writeError(w, http.StatusBadRequest, "Invalid descendant_depth", err)
		return
	}
	if s := q.Get("as_of"); s != "" {
		if opts.AsOf, err = time.Parse(time.RFC3339Nano, s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of (use RFC 3339)", err)
			return
		}
	}

	g, err := h.Lineage.Graph(r.Context(), scopeFrom(r), batchParam(r), opts)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) GetAncestors(w http.ResponseWriter, r *http.Request) {
	h.relatives(w, r, h.Lineage.Ancestors)
}

func (h *Handler) GetDescendants(w http.ResponseWriter, r *http.Request) {
	h.relatives(w, r, h.Lineage.Descendants)
}

type relativesFunc func(ctx context.Context, scope ledger.Scope, id ledger.BatchID, depth int) ([]lineage.Node, error)

func (h *Handler) relatives(w http.ResponseWriter, r *http.Request, fn relativesFunc) {
	depth, err := intParam(r.URL.Query().Get("depth"), 1)
	if err != nil || depth < 1 {
		writeError(w, http.StatusBadRequest, "Invalid depth", err)
		return
	}
	nodes, err := fn(r.Context(), scopeFrom(r), batchParam(r), depth)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []lineage.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerAudit runs an integrity audit of the caller's org. Findings are
// reported, never repaired.
func (h *Handler) TriggerAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Auditor.RunOnce(r.Context(), scopeFrom(r).OrgID, audit.TriggerManual)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) ListAuditRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 20)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	runs, err := h.Auditor.Runs().AuditRuns(r.Context(), scopeFrom(r).OrgID, limit)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if runs == nil {
		runs = []audit.Report{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// =============================================================================
// HELPERS
// =============================================================================

func batchParam(r *http.Request) ledger.BatchID {
	return ledger.BatchID(chi.URLParam(r, "id"))
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return nil, false
	}
	return body, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps a ledger error category to an HTTP status.
func statusFor(category string) int {
	switch category {
	case ledger.CategoryValidation:
		return http.StatusBadRequest
	case ledger.CategoryNotFound:
		return http.StatusNotFound
	case ledger.CategoryConflict:
		return http.StatusConflict
	case ledger.CategoryInsufficient:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	category := ledger.CategoryOf(err)
	status := statusFor(category)

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("category", category).
			Str("path", r.URL.Path).
			Str("org_id", string(scopeFrom(r).OrgID)).
			Msg("request failed")
	}

	resp := ErrorResponse{Error: errorMessage(category), Category: category, Details: err.Error()}
	if category == ledger.CategoryInternal {
		resp.Details = ""
	}
	var verr *ledger.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		resp.Error = fmt.Sprintf("Invalid %s", verr.Field)
	}
	writeJSON(w, status, resp)
}

func errorMessage(category string) string {
	switch category {
	case ledger.CategoryValidation:
		return "Invalid request"
	case ledger.CategoryNotFound:
		return "Not found"
	case ledger.CategoryConflict:
		return "Batch was modified concurrently; retry"
	case ledger.CategoryInsufficient:
		return "Insufficient quantity"
	case ledger.CategoryIntegrity:
		return "Ledger integrity error"
	default:
		return "Internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
