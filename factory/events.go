/*
Package factory converts raw event rows into ledger drafts.

PURPOSE:
  Event rows reach the system from two places: the HTTP API (new appends)
  and exports of older nursery systems (historical imports). Both arrive as
  loosely-typed JSON objects. The decoder turns them into ledger.Draft
  values so nothing downstream ever branches on raw field names.

MODES:
  Strict  new appends. Quantities must be whole and non-negative, an
          ADJUSTMENT must carry an explicit direction, unknown type names
          are rejected.
  Legacy  historical rows. Type aliases and alternate key spellings are
          accepted, signed quantities are folded into a direction, and an
          ADJUSTMENT with an unsigned quantity and no direction is marked
          Ambiguous (display-only, contributes nothing to quantity).

ACCEPTED SHAPE:
  {
    "type": "loss",                       // or "event_type", "kind"
    "occurred_at": "2024-03-01T08:00:00Z",
    "actor_id": "grower-7",
    "qty": "50",                          // quantity | qty | units | count | amount
    "reason": "frost",
    "payload": { ... }                    // optional; merged over the top level
  }

  Keys are matched case-insensitively and camelCase is accepted
  (locationId == location_id).

USAGE:
  dec := factory.NewDecoder(factory.Legacy)
  drafts, err := dec.DecodeJSON(body)
  events, err := l.Import(ctx, scope, batchID, drafts)
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/warp/nursery-ledger/ledger"
)

type Mode int

const (
	Strict Mode = iota
	Legacy
)

func (m Mode) String() string {
	if m == Legacy {
		return "legacy"
	}
	return "strict"
}

// LegacyReason is used for legacy LOSS and ADJUSTMENT rows that lost their reason.
const LegacyReason = "legacy import"

// =============================================================================
// KEY TABLES
// =============================================================================

var typeAliases = map[string]ledger.EventType{
	"loss":                ledger.EventLoss,
	"dump":                ledger.EventLoss,
	"write_off":           ledger.EventLoss,
	"writeoff":            ledger.EventLoss,
	"adjustment":          ledger.EventAdjustment,
	"adjust":              ledger.EventAdjustment,
	"stock_take":          ledger.EventAdjustment,
	"picked":              ledger.EventPicked,
	"pick":                ledger.EventPicked,
	"allocated":           ledger.EventAllocated,
	"allocate":            ledger.EventAllocated,
	"reserve":             ledger.EventAllocated,
	"allocation_released": ledger.EventAllocationReleased,
	"release":             ledger.EventAllocationReleased,
	"unreserve":           ledger.EventAllocationReleased,
	"status_change":       ledger.EventStatusChange,
	"status":              ledger.EventStatusChange,
	"grading":             ledger.EventGrading,
	"grade":               ledger.EventGrading,
	"move":                ledger.EventMove,
	"relocate":            ledger.EventMove,
	"checkin":             ledger.EventCheckin,
	"check_in":            ledger.EventCheckin,
	"photo_added":         ledger.EventPhotoAdded,
	"photo":               ledger.EventPhotoAdded,
	"flag_created":        ledger.EventFlagCreated,
	"flag":                ledger.EventFlagCreated,
	"flag_resolved":       ledger.EventFlagResolved,
	"unflag":              ledger.EventFlagResolved,
}

var (
	typeKeys       = []string{"type", "event_type", "kind"}
	occurredAtKeys = []string{"occurred_at", "at", "timestamp", "date"}
	actorKeys      = []string{"actor_id", "user_id", "actor"}
	quantityKeys   = []string{"quantity", "qty", "units", "count", "amount"}
	directionKeys  = []string{"direction", "sign"}
	reasonKeys     = []string{"reason", "reason_code", "cause"}
	statusKeys     = []string{"status", "new_status"}
	stageKeys      = []string{"stage", "stage_name", "phase"}
	locationKeys   = []string{"location_id", "to_location_id", "location"}
	fromKeys       = []string{"from_location_id", "from_location"}
	allocationKeys = []string{"allocation_id", "reservation_id"}
	orderKeys      = []string{"order_ref", "order_id", "order"}
	gradeKeys      = []string{"grade", "quality"}
	photoKeys      = []string{"photo_url", "url", "photo"}
	flagKeys       = []string{"flag_id", "flag"}
	noteKeys       = []string{"note", "notes", "comment"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// =============================================================================
// DECODER
// =============================================================================

type Decoder struct {
	mode Mode
}

func NewDecoder(mode Mode) *Decoder {
	return &Decoder{mode: mode}
}

func (d *Decoder) Mode() Mode { return d.mode }

// DecodeJSON decodes a single object or an array of objects.
func (d *Decoder) DecodeJSON(data []byte) ([]ledger.Draft, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ledger.ValidationError{Field: "body", Message: "empty"}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var rows []map[string]any
	if trimmed[0] == '[' {
		if err := dec.Decode(&rows); err != nil {
			return nil, &ledger.ValidationError{Field: "body", Message: err.Error()}
		}
	} else {
		var row map[string]any
		if err := dec.Decode(&row); err != nil {
			return nil, &ledger.ValidationError{Field: "body", Message: err.Error()}
		}
		rows = append(rows, row)
	}

	drafts := make([]ledger.Draft, 0, len(rows))
	for i, row := range rows {
		draft, err := d.DecodeRow(row)
		if err != nil {
			if len(rows) > 1 {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			return nil, err
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

// DecodeRow converts one raw row.
func (d *Decoder) DecodeRow(raw map[string]any) (ledger.Draft, error) {
	r := flatten(raw)

	t, err := d.eventType(r)
	if err != nil {
		return ledger.Draft{}, err
	}

	var draft ledger.Draft
	draft.Type = t
	draft.ActorID = ledger.ActorID(r.str(actorKeys...))
	if draft.OccurredAt, err = r.time(occurredAtKeys...); err != nil {
		return ledger.Draft{}, err
	}

	p := ledger.Payload{
		Reason:         r.str(reasonKeys...),
		Stage:          r.str(stageKeys...),
		LocationID:     r.str(locationKeys...),
		FromLocationID: r.str(fromKeys...),
		AllocationID:   r.str(allocationKeys...),
		OrderRef:       r.str(orderKeys...),
		Grade:          r.str(gradeKeys...),
		PhotoURL:       r.str(photoKeys...),
		FlagID:         r.str(flagKeys...),
		Note:           r.str(noteKeys...),
	}
	if s := r.str(statusKeys...); s != "" {
		if p.Status, err = ParseStatus(s); err != nil {
			if d.mode == Strict || t == ledger.EventStatusChange {
				return ledger.Draft{}, err
			}
			p.Stage, p.Status = firstNonEmpty(p.Stage, s), ""
		}
	}

	qty, signed, err := r.quantity(quantityKeys...)
	if err != nil {
		return ledger.Draft{}, err
	}
	dir, err := parseDirection(r.str(directionKeys...))
	if err != nil {
		return ledger.Draft{}, err
	}

	if signed.IsNegative() {
		if d.mode == Strict {
			return ledger.Draft{}, &ledger.ValidationError{Field: "quantity", Message: "must not be negative; use direction for adjustments"}
		}
		// Older exports stored signed deltas.
		if dir == "" {
			dir = ledger.DirectionDecrease
		}
	}
	p.Quantity = qty
	p.Direction = dir

	if t == ledger.EventAdjustment && dir == "" {
		if d.mode == Strict {
			return ledger.Draft{}, &ledger.ValidationError{Field: "direction", Message: "must be increase or decrease"}
		}
		p.Ambiguous = true
	}
	if t != ledger.EventAdjustment {
		p.Direction = ""
	}

	if d.mode == Legacy && p.Reason == "" && (t == ledger.EventLoss || t == ledger.EventAdjustment) {
		p.Reason = LegacyReason
	}

	draft.Payload = p
	return draft, nil
}

func (d *Decoder) eventType(r row) (ledger.EventType, error) {
	name := r.str(typeKeys...)
	if name == "" {
		return "", &ledger.ValidationError{Field: "type", Message: "required"}
	}

	t := ledger.EventType(strings.ToUpper(name))
	if t.Valid() {
		return t, nil
	}
	if d.mode == Legacy {
		if alias, ok := typeAliases[normalizeKey(name)]; ok {
			return alias, nil
		}
	}
	return "", &ledger.ValidationError{Field: "type", Message: fmt.Sprintf("unknown event type %q", name)}
}

// ParseStatus accepts the canonical status names in any case, with spaces,
// dashes or underscores ("on hold", "ON_HOLD", "OnHold").
func ParseStatus(s string) (ledger.BatchStatus, error) {
	key := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(s))
	switch key {
	case "planned":
		return ledger.StatusPlanned, nil
	case "propagating":
		return ledger.StatusPropagating, nil
	case "growing":
		return ledger.StatusGrowing, nil
	case "ready", "saleable":
		return ledger.StatusReady, nil
	case "onhold", "hold":
		return ledger.StatusOnHold, nil
	case "archived":
		return ledger.StatusArchived, nil
	}
	return "", &ledger.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
}

func parseDirection(s string) (ledger.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "increase", "in", "up", "add", "+":
		return ledger.DirectionIncrease, nil
	case "decrease", "out", "down", "remove", "-":
		return ledger.DirectionDecrease, nil
	}
	return "", &ledger.ValidationError{Field: "direction", Message: fmt.Sprintf("unknown direction %q", s)}
}

// =============================================================================
// ROW ACCESS
// =============================================================================

// row is a raw object with normalized keys.
type row map[string]any

func flatten(raw map[string]any) row {
	r := make(row, len(raw))
	for k, v := range raw {
		if normalizeKey(k) == "payload" {
			continue
		}
		r[normalizeKey(k)] = v
	}
	for k, v := range raw {
		if normalizeKey(k) != "payload" {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range nested {
				r[normalizeKey(nk)] = nv
			}
		}
	}
	return r
}

// normalizeKey lower-cases k and converts camelCase and dashes to snake_case.
func normalizeKey(k string) string {
	var b strings.Builder
	prevLower := false
	for _, c := range strings.TrimSpace(k) {
		switch {
		case c == '-' || c == ' ':
			b.WriteByte('_')
			prevLower = false
		case unicode.IsUpper(c):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(c))
			prevLower = false
		default:
			b.WriteRune(c)
			prevLower = unicode.IsLower(c) || unicode.IsDigit(c)
		}
	}
	return b.String()
}

func (r row) lookup(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (r row) str(keys ...string) string {
	v, ok := r.lookup(keys...)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// quantity returns the magnitude as a ledger quantity and the signed value
// as found. Missing quantities are zero.
func (r row) quantity(keys ...string) (ledger.Quantity, decimal.Decimal, error) {
	v, ok := r.lookup(keys...)
	if !ok {
		return 0, decimal.Zero, nil
	}

	var (
		d   decimal.Decimal
		err error
	)
	switch x := v.(type) {
	case json.Number:
		d, err = decimal.NewFromString(x.String())
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(x), ",", "")
		if s == "" {
			return 0, decimal.Zero, nil
		}
		d, err = decimal.NewFromString(s)
	case float64:
		d = decimal.NewFromFloat(x)
	case int:
		d = decimal.NewFromInt(int64(x))
	case int64:
		d = decimal.NewFromInt(x)
	default:
		err = fmt.Errorf("unsupported type %T", v)
	}
	if err != nil {
		return 0, decimal.Zero, &ledger.ValidationError{Field: "quantity", Message: fmt.Sprintf("not a number: %v", v)}
	}
	if !d.IsInteger() {
		return 0, decimal.Zero, &ledger.ValidationError{Field: "quantity", Message: fmt.Sprintf("must be a whole number of units, got %s", d)}
	}
	if !d.Abs().LessThanOrEqual(decimal.NewFromInt(1 << 53)) {
		return 0, decimal.Zero, &ledger.ValidationError{Field: "quantity", Message: "out of range"}
	}
	return ledger.Quantity(d.Abs().IntPart()), d, nil
}

func (r row) time(keys ...string) (time.Time, error) {
	v, ok := r.lookup(keys...)
	if !ok {
		return time.Time{}, nil
	}
	if n, ok := v.(json.Number); ok {
		secs, err := n.Int64()
		if err != nil {
			return time.Time{}, &ledger.ValidationError{Field: "occurred_at", Message: fmt.Sprintf("bad unix time %s", n)}
		}
		return time.Unix(secs, 0).UTC(), nil
	}

	s := r.str(keys...)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &ledger.ValidationError{Field: "occurred_at", Message: fmt.Sprintf("unrecognized time %q", s)}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
