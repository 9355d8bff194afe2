// Package penetration computes look-through equity ownership over the
// entity/ownership graph.
package penetration

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// MissingStakeRatio is the multiplier applied for an OWNS edge that carries
// no stake: an unset percentage counts as full (100%) ownership.
const MissingStakeRatio = 1.0

var tracer = otel.Tracer("kestrel-penetration")

// Item is one reachable entity with its aggregate penetration.
type Item struct {
	ID             string  `json:"id"`
	Name           string  `json:"name,omitempty"`
	Type           string  `json:"type,omitempty"`
	PenetrationPct float64 `json:"penetration_pct"`

	// Paths is only populated by PenetrateWithPaths.
	Paths []PathContribution `json:"paths,omitempty"`
}

// PathContribution is one ownership chain and its own penetration.
type PathContribution struct {
	graph.Path
	PenetrationPct float64 `json:"path_penetration_pct"`
}

// Result is the penetration report for a root entity.
type Result struct {
	Root  domain.EntityRef `json:"root"`
	Items []Item           `json:"items"`
}

// Engine computes penetration reports. It holds no mutable state and is
// safe for concurrent use.
type Engine struct {
	store domain.GraphStore
}

// NewEngine creates a penetration engine over store.
func NewEngine(store domain.GraphStore) *Engine {
	return &Engine{store: store}
}

// StakeRatio converts an edge stake percentage to a multiplier.
func StakeRatio(stake *float64) float64 {
	if stake == nil {
		return MissingStakeRatio
	}
	return *stake / 100
}

// PathRatio is the product of stake ratios along p.
func PathRatio(p graph.Path) float64 {
	ratio := 1.0
	for _, edge := range p.Edges {
		ratio *= StakeRatio(edge.Stake)
	}
	return ratio
}

// Penetrate sums, for every entity reachable from rootID within depth hops,
// the path ratios of all distinct ownership paths leading to it.
// Returns domain.ErrNotFound when the root does not exist.
func (e *Engine) Penetrate(ctx context.Context, rootID string, depth int) (*Result, error) {
	return e.run(ctx, rootID, depth, -1)
}

// PenetrateWithPaths is Penetrate plus, per item, the maxPaths contributing
// paths with the highest path penetration. Totals are identical to Penetrate.
func (e *Engine) PenetrateWithPaths(ctx context.Context, rootID string, depth, maxPaths int) (*Result, error) {
	if maxPaths < 0 {
		maxPaths = 0
	}
	return e.run(ctx, rootID, depth, maxPaths)
}

type aggregate struct {
	ref   domain.EntityRef
	ratio float64
	paths []PathContribution
}

// run computes the report; keepPaths < 0 skips path collection.
func (e *Engine) run(ctx context.Context, rootID string, depth, keepPaths int) (*Result, error) {
	depth = graph.ClampDepth(depth)

	ctx, span := tracer.Start(ctx, "penetration.run", trace.WithAttributes(
		attribute.String("root.id", rootID),
		attribute.Int("depth", depth),
		attribute.Bool("with_paths", keepPaths >= 0),
	))
	defer span.End()

	root, err := e.store.GetEntity(ctx, rootID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	byTarget := make(map[string]*aggregate)
	err = graph.EnumeratePaths(ctx, e.store, root.Ref(), depth, func(p graph.Path) {
		target := p.Target()
		agg, ok := byTarget[target.ID]
		if !ok {
			agg = &aggregate{ref: target}
			byTarget[target.ID] = agg
		}

		ratio := PathRatio(p)
		agg.ratio += ratio
		if keepPaths >= 0 {
			agg.paths = append(agg.paths, PathContribution{Path: p.Clone(), PenetrationPct: ratio * 100})
		}
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	items := make([]Item, 0, len(byTarget))
	for _, agg := range byTarget {
		item := Item{
			ID:             agg.ref.ID,
			Name:           agg.ref.Name,
			Type:           agg.ref.Type,
			PenetrationPct: agg.ratio * 100,
		}
		if keepPaths >= 0 {
			item.Paths = topPaths(agg.paths, keepPaths)
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].PenetrationPct != items[j].PenetrationPct {
			return items[i].PenetrationPct > items[j].PenetrationPct
		}
		return items[i].ID < items[j].ID
	})

	span.SetAttributes(attribute.Int("items", len(items)))
	return &Result{Root: root.Ref(), Items: items}, nil
}

// topPaths orders paths by penetration (stable on discovery order) and keeps
// at most limit of them.
func topPaths(paths []PathContribution, limit int) []PathContribution {
	sort.SliceStable(paths, func(i, j int) bool {
		return paths[i].PenetrationPct > paths[j].PenetrationPct
	})
	if len(paths) > limit {
		paths = paths[:limit]
	}
	return paths
}
