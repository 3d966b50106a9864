/*
Package lineage reconstructs the ancestry graph of a batch.

PURPOSE:
  A batch's genealogy is spread over batch rows (parent id, composition)
  and event streams (stage and location changes). The Builder reads them
  and produces a Graph: batches, split/merge gateways, stage spans and
  location spans joined by typed, directed edges. The Navigator walks
  that graph on behalf of a caller and marks nodes the caller may not
  open.

SHAPE:
  source A ─merge─┐
                  ├─ merge gw ─merge─> root ─split─> split gw ─split─> child 1
  source B ─merge─┘                     │                     └─split─> child 2
                                        ├─flow─> stage 1 ─flow(12d)─> stage 2
                                        └─move─> location 1 ─move─> location 2

  A single-source composition or a single child is a plain flow edge.

GUARANTEES:
  - Acyclic. A cycle in the stored data fails the build.
  - Every split gateway has one inbound and at least two outbound edges;
    every merge gateway has at least two inbound and one outbound edge.
  - Open spans end at Graph.AsOf. Two builds over the same data with the
    same AsOf are deep-equal.
*/
package lineage

import (
	"fmt"
	"time"

	"github.com/warp/nursery-ledger/ledger"
)

type NodeKind string

const (
	NodeBatch        NodeKind = "batch"
	NodeMergeGateway NodeKind = "merge_gateway"
	NodeSplitGateway NodeKind = "split_gateway"
	NodeStageSpan    NodeKind = "stage_span"
	NodeLocationSpan NodeKind = "location_span"
)

// rank orders node kinds in a built graph.
func (k NodeKind) rank() int {
	switch k {
	case NodeBatch:
		return 0
	case NodeMergeGateway:
		return 1
	case NodeSplitGateway:
		return 2
	case NodeStageSpan:
		return 3
	default:
		return 4
	}
}

type EdgeKind string

const (
	EdgeFlow  EdgeKind = "flow"
	EdgeSplit EdgeKind = "split"
	EdgeMerge EdgeKind = "merge"
	EdgeMove  EdgeKind = "move"
)

// Node is one vertex of a lineage graph. Which fields are set depends on
// Kind: batch nodes carry the batch card, spans carry Name/Start/End.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`

	// Batch card. Depth is negative for ancestors, positive for descendants.
	BatchID      ledger.BatchID     `json:"batch_id,omitempty"`
	BatchNumber  string             `json:"batch_number,omitempty"`
	VarietyID    string             `json:"variety_id,omitempty"`
	VarietyName  string             `json:"variety_name,omitempty"`
	SizeID       string             `json:"size_id,omitempty"`
	SizeName     string             `json:"size_name,omitempty"`
	LocationID   string             `json:"location_id,omitempty"`
	LocationName string             `json:"location_name,omitempty"`
	Quantity     ledger.Quantity    `json:"quantity"`
	Status       ledger.BatchStatus `json:"status,omitempty"`
	Depth        int                `json:"depth"`
	Archived     bool               `json:"archived,omitempty"`
	Restricted   bool               `json:"restricted,omitempty"`
	Foreign      bool               `json:"foreign,omitempty"`

	// Spans
	Name     string        `json:"name,omitempty"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Open     bool          `json:"open,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`

	// Locked is filled in by the Navigator for the calling scope.
	Locked bool `json:"locked"`
}

// Days is the span duration in whole days.
func (n Node) Days() int {
	return int(n.Duration / (24 * time.Hour))
}

type Edge struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Kind     EdgeKind        `json:"kind"`
	Label    string          `json:"label,omitempty"`
	Quantity ledger.Quantity `json:"quantity,omitempty"`
}

type Graph struct {
	Root  ledger.BatchID `json:"root"`
	AsOf  time.Time      `json:"as_of"`
	Nodes []Node         `json:"nodes"`
	Edges []Edge         `json:"edges"`
}

func batchNodeID(id ledger.BatchID) string    { return "batch:" + string(id) }
func mergeGatewayID(id ledger.BatchID) string { return "merge:" + string(id) }
func splitGatewayID(id ledger.BatchID) string { return "split:" + string(id) }

func spanNodeID(kind NodeKind, id ledger.BatchID, i int) string {
	if kind == NodeStageSpan {
		return fmt.Sprintf("stage:%s:%d", id, i)
	}
	return fmt.Sprintf("location:%s:%d", id, i)
}

// Node returns the node with the given id.
func (g Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// BatchNode returns the card for a batch.
func (g Graph) BatchNode(id ledger.BatchID) (Node, bool) {
	return g.Node(batchNodeID(id))
}

func (g Graph) Inbound(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

func (g Graph) Outbound(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// NodesOf returns the nodes of one kind in graph order.
func (g Graph) NodesOf(kind NodeKind) []Node {
	var out []Node
	for _, n := range g.Nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Validate checks the gateway degree rules and that the graph is acyclic.
func (g Graph) Validate() error {
	in := make(map[string]int, len(g.Nodes))
	out := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		out[e.From]++
		in[e.To]++
	}
	for _, n := range g.Nodes {
		switch n.Kind {
		case NodeSplitGateway:
			if in[n.ID] != 1 || out[n.ID] < 2 {
				return &ledger.InconsistentLineageError{BatchID: n.BatchID,
					Reason: fmt.Sprintf("split gateway has %d inbound and %d outbound edges", in[n.ID], out[n.ID])}
			}
		case NodeMergeGateway:
			if in[n.ID] < 2 || out[n.ID] != 1 {
				return &ledger.InconsistentLineageError{BatchID: n.BatchID,
					Reason: fmt.Sprintf("merge gateway has %d inbound and %d outbound edges", in[n.ID], out[n.ID])}
			}
		}
	}
	return g.checkAcyclic()
}

// checkAcyclic is a depth-first search that keeps the current path; an edge
// back onto the path is a cycle.
func (g Graph) checkAcyclic() error {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	batchOf := make(map[string]ledger.BatchID, len(g.Nodes))
	for _, n := range g.Nodes {
		batchOf[n.ID] = n.BatchID
	}

	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(g.Nodes))
	var visit func(id string) error
	visit = func(id string) error {
		state[id] = onPath
		for _, next := range adj[id] {
			switch state[next] {
			case onPath:
				return &ledger.InconsistentLineageError{BatchID: batchOf[next],
					Reason: fmt.Sprintf("cycle through %s", next)}
			case unvisited:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		state[id] = done
		return nil
	}
	for _, n := range g.Nodes {
		if state[n.ID] == unvisited {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
