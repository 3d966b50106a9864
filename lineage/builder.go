package lineage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warp/nursery-ledger/ledger"
)

// Source is the read side the builder needs. *ledger.Ledger satisfies it.
type Source interface {
	Batch(ctx context.Context, scope ledger.Scope, id ledger.BatchID) (ledger.Batch, error)
	Children(ctx context.Context, scope ledger.Scope, id ledger.BatchID) ([]ledger.Batch, error)
	History(ctx context.Context, scope ledger.Scope, id ledger.BatchID) ([]ledger.BatchEvent, error)
}

// Options bound a build. Depths below 1 mean 1. A zero AsOf means now.
type Options struct {
	AncestorDepth   int
	DescendantDepth int
	AsOf            time.Time
}

type Builder struct {
	src         Source
	ref         ReferenceData
	observer    ledger.Observer
	log         zerolog.Logger
	now         func() time.Time
	parallelism int
}

type BuilderOption func(*Builder)

func WithReferenceData(ref ReferenceData) BuilderOption {
	return func(b *Builder) { b.ref = ref }
}

func WithObserver(o ledger.Observer) BuilderOption {
	return func(b *Builder) { b.observer = o }
}

func WithLogger(log zerolog.Logger) BuilderOption {
	return func(b *Builder) { b.log = log }
}

func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithParallelism caps concurrent reads per hop.
func WithParallelism(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.parallelism = n
		}
	}
}

func NewBuilder(src Source, opts ...BuilderOption) *Builder {
	b := &Builder{
		src:         src,
		log:         zerolog.Nop(),
		now:         time.Now,
		parallelism: 8,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the lineage graph around id.
func (b *Builder) Build(ctx context.Context, scope ledger.Scope, id ledger.BatchID, opts Options) (g Graph, err error) {
	start := time.Now()
	defer func() {
		if b.observer != nil {
			outcome := "ok"
			if err != nil {
				outcome = ledger.CategoryOf(err)
			}
			b.observer.Observe(ctx, "lineage", outcome, time.Since(start))
		}
		if ledger.IsIntegrity(err) {
			b.log.Error().Err(err).
				Str("org_id", string(scope.OrgID)).
				Str("batch_id", string(id)).
				Msg("lineage integrity violation")
		}
	}()

	if opts.AncestorDepth < 1 {
		opts.AncestorDepth = 1
	}
	if opts.DescendantDepth < 1 {
		opts.DescendantDepth = 1
	}
	if opts.AsOf.IsZero() {
		opts.AsOf = b.now()
	}
	opts.AsOf = opts.AsOf.UTC().Truncate(time.Microsecond)

	root, err := b.src.Batch(ctx, scope, id)
	if err != nil {
		return Graph{}, err
	}
	if err := checkRefs(root); err != nil {
		return Graph{}, err
	}

	w := newWalk(root, opts.AsOf)
	var history []ledger.BatchEvent

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		var err error
		history, err = b.src.History(gctx, scope, root.ID)
		return err
	})
	grp.Go(func() error {
		if err := b.ancestors(gctx, scope, w, root, opts.AncestorDepth); err != nil {
			return err
		}
		return b.descendants(gctx, scope, w, root, opts.DescendantDepth)
	})
	if err := grp.Wait(); err != nil {
		return Graph{}, err
	}

	w.spans(root, history)
	g = w.graph()
	if err := g.Validate(); err != nil {
		return Graph{}, err
	}
	label(ctx, b.ref, scope.OrgID, &g)
	return g, nil
}

// checkRefs rejects rows whose own lineage references contradict each other.
func checkRefs(bt ledger.Batch) error {
	if bt.HasParent() && bt.IsMerged() {
		return &ledger.InconsistentLineageError{BatchID: bt.ID, Reason: "batch has both a parent and a composition"}
	}
	if bt.ParentBatchID == bt.ID {
		return &ledger.InconsistentLineageError{BatchID: bt.ID, Reason: "batch is its own parent"}
	}
	for _, c := range bt.Composition {
		if c.SourceBatchID == bt.ID {
			return &ledger.InconsistentLineageError{BatchID: bt.ID, Reason: "batch lists itself as a merge source"}
		}
	}
	return nil
}

// =============================================================================
// HOPS
// =============================================================================

// ancestors expands parent and composition links one hop at a time.
func (b *Builder) ancestors(ctx context.Context, scope ledger.Scope, w *walk, root ledger.Batch, depth int) error {
	frontier := []ledger.Batch{root}
	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		var refs []ledger.BatchID
		for _, bt := range frontier {
			if err := checkRefs(bt); err != nil {
				return err
			}
			if bt.IsMerged() {
				for _, c := range bt.Composition {
					refs = append(refs, c.SourceBatchID)
				}
			} else if bt.HasParent() {
				refs = append(refs, bt.ParentBatchID)
			}
		}
		found, err := b.fetch(ctx, scope, refs)
		if err != nil {
			return err
		}

		var next []ledger.Batch
		expand := func(r resolved) {
			if w.addBatch(r.batch, -hop, r.foreign) && !r.foreign {
				next = append(next, r.batch)
			}
		}
		for _, bt := range frontier {
			switch {
			case len(bt.Composition) == 1:
				src := found[bt.Composition[0].SourceBatchID]
				expand(src)
				w.addEdge(batchNodeID(src.batch.ID), batchNodeID(bt.ID), EdgeFlow, bt.Composition[0].Quantity)
			case bt.IsMerged():
				gw := w.addGateway(NodeMergeGateway, bt)
				var total ledger.Quantity
				for _, c := range bt.Composition {
					src := found[c.SourceBatchID]
					expand(src)
					w.addEdge(batchNodeID(src.batch.ID), gw, EdgeMerge, c.Quantity)
					total += c.Quantity
				}
				w.addEdge(gw, batchNodeID(bt.ID), EdgeMerge, total)
			case bt.HasParent():
				parent := found[bt.ParentBatchID]
				expand(parent)
				w.addEdge(batchNodeID(parent.batch.ID), batchNodeID(bt.ID), EdgeFlow, bt.InitialQuantity)
			}
		}
		frontier = next
	}
	return nil
}

// descendants expands children one hop at a time. Children are batches
// whose parent is the frontier batch. A merge target records its sources in
// its composition, not as a parent, so it is reached from the target side
// only and never listed as a descendant of a source.
func (b *Builder) descendants(ctx context.Context, scope ledger.Scope, w *walk, root ledger.Batch, depth int) error {
	frontier := []ledger.Batch{root}
	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		kids := make([][]ledger.Batch, len(frontier))
		grp, gctx := errgroup.WithContext(ctx)
		grp.SetLimit(b.parallelism)
		for i, bt := range frontier {
			grp.Go(func() error {
				cs, err := b.src.Children(gctx, scope, bt.ID)
				if err != nil {
					return err
				}
				sort.SliceStable(cs, func(a, c int) bool { return cs[a].BatchNumber < cs[c].BatchNumber })
				kids[i] = cs
				return nil
			})
		}
		if err := grp.Wait(); err != nil {
			return err
		}

		var next []ledger.Batch
		for i, bt := range frontier {
			children := kids[i]
			if len(children) == 0 {
				continue
			}
			from := batchNodeID(bt.ID)
			kind := EdgeFlow
			if len(children) > 1 {
				from = w.addGateway(NodeSplitGateway, bt)
				kind = EdgeSplit
				var total ledger.Quantity
				for _, c := range children {
					total += c.InitialQuantity
				}
				w.addEdge(batchNodeID(bt.ID), from, EdgeSplit, total)
			}
			for _, c := range children {
				if err := checkRefs(c); err != nil {
					return err
				}
				if w.addBatch(c, hop, false) {
					next = append(next, c)
				}
				w.addEdge(from, batchNodeID(c.ID), kind, c.InitialQuantity)
			}
		}
		frontier = next
	}
	return nil
}

type resolved struct {
	batch   ledger.Batch
	foreign bool
}

// fetch loads ids concurrently. A batch the scope cannot see comes back as a
// foreign placeholder rather than an error.
func (b *Builder) fetch(ctx context.Context, scope ledger.Scope, ids []ledger.BatchID) (map[ledger.BatchID]resolved, error) {
	results := make([]resolved, len(ids))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(b.parallelism)
	for i, id := range ids {
		grp.Go(func() error {
			bt, err := b.src.Batch(gctx, scope, id)
			switch {
			case ledger.IsNotFound(err):
				results[i] = resolved{batch: ledger.Batch{ID: id}, foreign: true}
			case err != nil:
				return fmt.Errorf("load %s: %w", id, err)
			default:
				results[i] = resolved{batch: bt}
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	out := make(map[ledger.BatchID]resolved, len(ids))
	for _, r := range results {
		out[r.batch.ID] = r
	}
	return out, nil
}

// =============================================================================
// WALK STATE
// =============================================================================

type edgeKey struct {
	from, to string
	kind     EdgeKind
}

type walk struct {
	root  ledger.BatchID
	asOf  time.Time
	nodes map[string]Node
	edges map[edgeKey]Edge
}

func newWalk(root ledger.Batch, asOf time.Time) *walk {
	w := &walk{
		root:  root.ID,
		asOf:  asOf,
		nodes: make(map[string]Node),
		edges: make(map[edgeKey]Edge),
	}
	w.addBatch(root, 0, false)
	return w
}

// addBatch reports whether the batch was new to the graph.
func (w *walk) addBatch(bt ledger.Batch, depth int, foreign bool) bool {
	id := batchNodeID(bt.ID)
	if _, ok := w.nodes[id]; ok {
		return false
	}
	n := Node{ID: id, Kind: NodeBatch, BatchID: bt.ID, Depth: depth, Foreign: foreign}
	if !foreign {
		n.BatchNumber = bt.BatchNumber
		n.VarietyID = bt.VarietyID
		n.SizeID = bt.SizeID
		n.LocationID = bt.LocationID
		n.Quantity = bt.Quantity
		n.Status = bt.Status
		n.Start = bt.CreatedAt
		n.Archived = bt.IsArchived()
		n.Restricted = bt.Restricted
		if bt.ArchivedAt != nil {
			n.End = *bt.ArchivedAt
		}
	}
	w.nodes[id] = n
	return true
}

func (w *walk) addGateway(kind NodeKind, bt ledger.Batch) string {
	id := splitGatewayID(bt.ID)
	if kind == NodeMergeGateway {
		id = mergeGatewayID(bt.ID)
	}
	if _, ok := w.nodes[id]; !ok {
		w.nodes[id] = Node{ID: id, Kind: kind, BatchID: bt.ID, Start: bt.CreatedAt}
	}
	return id
}

func (w *walk) addEdge(from, to string, kind EdgeKind, qty ledger.Quantity) {
	w.addLabelled(Edge{From: from, To: to, Kind: kind, Quantity: qty})
}

func (w *walk) addLabelled(e Edge) {
	k := edgeKey{e.From, e.To, e.Kind}
	if _, ok := w.edges[k]; !ok {
		w.edges[k] = e
	}
}

// graph returns the collected nodes and edges in a stable order.
func (w *walk) graph() Graph {
	g := Graph{Root: w.root, AsOf: w.asOf}
	for _, n := range w.nodes {
		g.Nodes = append(g.Nodes, n)
	}
	for _, e := range w.edges {
		g.Edges = append(g.Edges, e)
	}
	sort.Slice(g.Nodes, func(i, j int) bool {
		a, b := g.Nodes[i], g.Nodes[j]
		if a.Kind != b.Kind {
			return a.Kind.rank() < b.Kind.rank()
		}
		if a.Kind == NodeBatch {
			if a.Depth != b.Depth {
				return a.Depth < b.Depth
			}
			if a.BatchNumber != b.BatchNumber {
				return a.BatchNumber < b.BatchNumber
			}
			return a.ID < b.ID
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})
	sort.Slice(g.Edges, func(i, j int) bool {
		a, b := g.Edges[i], g.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Kind < b.Kind
	})
	return g
}
