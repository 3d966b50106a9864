package lineage

import (
	"context"
	"sort"

	"github.com/warp/nursery-ledger/ledger"
)

// Permission reports whether scope may open a lockable node. It is policy
// owned by the caller; the navigator only decides what is lockable.
type Permission func(ctx context.Context, scope ledger.Scope, n Node) bool

// DenyAll refuses every lockable node.
func DenyAll(context.Context, ledger.Scope, Node) bool { return false }

// Navigator walks lineage graphs for a caller and marks locked nodes.
type Navigator struct {
	builder *Builder
	permit  Permission
}

func NewNavigator(b *Builder, permit Permission) *Navigator {
	if permit == nil {
		permit = DenyAll
	}
	return &Navigator{builder: b, permit: permit}
}

// Lockable reports whether a node may be hidden from some callers: a batch
// outside the caller's org, or an archived batch that is restricted.
func Lockable(n Node) bool {
	if n.Kind != NodeBatch {
		return false
	}
	return n.Foreign || (n.Archived && n.Restricted)
}

// ResolveLocked reports whether scope is denied opening n.
func (nv *Navigator) ResolveLocked(ctx context.Context, scope ledger.Scope, n Node) bool {
	if !Lockable(n) {
		return false
	}
	return !nv.permit(ctx, scope, n)
}

// Graph builds the graph around id and resolves Locked on every node.
func (nv *Navigator) Graph(ctx context.Context, scope ledger.Scope, id ledger.BatchID, opts Options) (Graph, error) {
	g, err := nv.builder.Build(ctx, scope, id, opts)
	if err != nil {
		return Graph{}, err
	}
	for i := range g.Nodes {
		g.Nodes[i].Locked = nv.ResolveLocked(ctx, scope, g.Nodes[i])
	}
	return g, nil
}

// Ancestors returns the batch cards up to depth hops above id, nearest
// first, siblings by batch number.
func (nv *Navigator) Ancestors(ctx context.Context, scope ledger.Scope, id ledger.BatchID, depth int) ([]Node, error) {
	g, err := nv.Graph(ctx, scope, id, Options{AncestorDepth: depth, DescendantDepth: 1})
	if err != nil {
		return nil, err
	}
	var out []Node
	for _, n := range g.NodesOf(NodeBatch) {
		if n.Depth < 0 {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Depth > out[j].Depth })
	return out, nil
}

// Descendants returns the batch cards up to depth hops below id, nearest
// first, siblings by batch number.
func (nv *Navigator) Descendants(ctx context.Context, scope ledger.Scope, id ledger.BatchID, depth int) ([]Node, error) {
	g, err := nv.Graph(ctx, scope, id, Options{AncestorDepth: 1, DescendantDepth: depth})
	if err != nil {
		return nil, err
	}
	var out []Node
	for _, n := range g.NodesOf(NodeBatch) {
		if n.Depth > 0 {
			out = append(out, n)
		}
	}
	return out, nil
}
