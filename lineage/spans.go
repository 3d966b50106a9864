package lineage

import (
	"fmt"
	"time"

	"github.com/warp/nursery-ledger/ledger"
)

type spanMark struct {
	name string
	at   time.Time
}

// stageMark returns the stage an event opens, if any.
func stageMark(e ledger.BatchEvent) (string, bool) {
	switch e.Type {
	case ledger.EventCreate, ledger.EventStatusChange, ledger.EventCheckin,
		ledger.EventTransplantIn, ledger.EventMergeIn:
		name := e.Payload.StageName()
		return name, name != ""
	}
	return "", false
}

// locationMark returns the location an event places the batch in, if any.
func locationMark(e ledger.BatchEvent) (string, bool) {
	switch e.Type {
	case ledger.EventCreate, ledger.EventMove, ledger.EventTransplantIn, ledger.EventMergeIn:
		return e.Payload.LocationID, e.Payload.LocationID != ""
	}
	return "", false
}

// marks folds a stream into the points where the value changes. Repeating
// the current value does not open a new span.
func marks(events []ledger.BatchEvent, asOf time.Time, pick func(ledger.BatchEvent) (string, bool)) []spanMark {
	var out []spanMark
	for _, e := range events {
		if e.OccurredAt.After(asOf) {
			break
		}
		name, ok := pick(e)
		if !ok || (len(out) > 0 && out[len(out)-1].name == name) {
			continue
		}
		out = append(out, spanMark{name: name, at: e.OccurredAt})
	}
	return out
}

// spans adds the root's stage and location spans. Each chain hangs off the
// root card; the last span of each chain is open and ends at asOf.
func (w *walk) spans(root ledger.Batch, events []ledger.BatchEvent) {
	w.chain(root, NodeStageSpan, EdgeFlow, marks(events, w.asOf, stageMark))
	w.chain(root, NodeLocationSpan, EdgeMove, marks(events, w.asOf, locationMark))
}

func (w *walk) chain(root ledger.Batch, kind NodeKind, edge EdgeKind, ms []spanMark) {
	prev := batchNodeID(root.ID)
	for i, m := range ms {
		n := Node{
			ID:      spanNodeID(kind, root.ID, i),
			Kind:    kind,
			BatchID: root.ID,
			Name:    m.name,
			Start:   m.at,
			End:     w.asOf,
			Open:    true,
		}
		if i+1 < len(ms) {
			n.End = ms[i+1].at
			n.Open = false
		}
		if kind == NodeLocationSpan {
			n.LocationID = m.name
		}
		n.Duration = n.End.Sub(n.Start)
		w.nodes[n.ID] = n

		e := Edge{From: prev, To: n.ID, Kind: edge}
		if i > 0 && kind == NodeStageSpan {
			before := w.nodes[prev]
			e.Label = fmt.Sprintf("%dd", before.Days())
		}
		w.addLabelled(e)
		prev = n.ID
	}
}
