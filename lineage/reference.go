package lineage

import (
	"context"

	"github.com/warp/nursery-ledger/ledger"
)

type RefKind string

const (
	RefVariety  RefKind = "variety"
	RefSize     RefKind = "size"
	RefLocation RefKind = "location"
)

// ReferenceData resolves display names for ids. It is used for node labels
// only; an unknown id leaves the label empty.
type ReferenceData interface {
	Name(ctx context.Context, org ledger.OrgID, kind RefKind, id string) (string, bool)
}

// StaticReference is a fixed lookup table shared by every org.
type StaticReference map[RefKind]map[string]string

func (s StaticReference) Name(_ context.Context, _ ledger.OrgID, kind RefKind, id string) (string, bool) {
	name, ok := s[kind][id]
	return name, ok
}

func label(ctx context.Context, ref ReferenceData, org ledger.OrgID, g *Graph) {
	if ref == nil {
		return
	}
	lookup := func(kind RefKind, id string) string {
		if id == "" {
			return ""
		}
		name, _ := ref.Name(ctx, org, kind, id)
		return name
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		switch n.Kind {
		case NodeBatch:
			n.VarietyName = lookup(RefVariety, n.VarietyID)
			n.SizeName = lookup(RefSize, n.SizeID)
			n.LocationName = lookup(RefLocation, n.LocationID)
		case NodeLocationSpan:
			n.LocationName = lookup(RefLocation, n.LocationID)
		}
	}
}
