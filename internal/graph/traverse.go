// Package graph provides bounded ownership traversal over any domain.GraphStore
// and an in-memory store.
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxHops is the hard upper bound on path length. Requested depths are
// clamped to it so that cyclic ownership always terminates.
const MaxHops = 10

// Path is one directed ownership chain starting at the traversal root.
// Nodes has len(Edges)+1 entries.
type Path struct {
	Nodes []domain.EntityRef     `json:"nodes"`
	Edges []domain.OwnershipEdge `json:"rels"`
}

// Target returns the last node of the path.
func (p Path) Target() domain.EntityRef {
	return p.Nodes[len(p.Nodes)-1]
}

// Clone returns a copy that does not share backing arrays with p.
func (p Path) Clone() Path {
	return Path{
		Nodes: append([]domain.EntityRef(nil), p.Nodes...),
		Edges: append([]domain.OwnershipEdge(nil), p.Edges...),
	}
}

// ClampDepth limits depth to [0, MaxHops].
func ClampDepth(depth int) int {
	if depth < 0 {
		return 0
	}
	if depth > MaxHops {
		return MaxHops
	}
	return depth
}

// EnumeratePaths calls visit for every ownership path of length 1..depth that
// starts at root. A path never uses the same edge twice, nodes may repeat, so
// a cycle can lead back to the root. Paths are visited in a stable order.
//
// The Path handed to visit shares memory with the walker and is only valid
// for the duration of the call; use Clone to keep it.
func EnumeratePaths(ctx context.Context, store domain.GraphStore, root domain.EntityRef, depth int, visit func(Path)) error {
	depth = ClampDepth(depth)
	if depth == 0 {
		return nil
	}

	adjacency, err := fetchAdjacency(ctx, store, root.ID, depth)
	if err != nil {
		return err
	}

	w := &walker{
		adjacency: adjacency,
		depth:     depth,
		used:      make(map[string]bool),
		visit:     visit,
		path: Path{
			Nodes: make([]domain.EntityRef, 1, depth+1),
			Edges: make([]domain.OwnershipEdge, 0, depth),
		},
	}
	w.path.Nodes[0] = root
	w.walk(root.ID)
	return nil
}

// fetchAdjacency loads outgoing edges level by level, one store call per
// level, for every node that can still be extended within depth hops.
func fetchAdjacency(ctx context.Context, store domain.GraphStore, rootID string, depth int) (map[string][]domain.OwnershipLink, error) {
	adjacency := make(map[string][]domain.OwnershipLink)
	fetched := map[string]bool{rootID: true}
	frontier := []string{rootID}

	for level := 0; level < depth && len(frontier) > 0; level++ {
		links, err := store.OutgoingOwnership(ctx, frontier)
		if err != nil {
			return nil, err
		}

		var next []string
		for i, link := range links {
			if link.Edge.ID == "" {
				link.Edge.ID = fmt.Sprintf("%s->%s#%d.%d", link.Edge.From, link.Edge.To, level, i)
			}
			adjacency[link.Edge.From] = append(adjacency[link.Edge.From], link)
			if !fetched[link.Edge.To] {
				fetched[link.Edge.To] = true
				next = append(next, link.Edge.To)
			}
		}
		sort.Strings(next)
		frontier = next
	}

	for from := range adjacency {
		links := adjacency[from]
		sort.SliceStable(links, func(i, j int) bool {
			if links[i].Edge.To != links[j].Edge.To {
				return links[i].Edge.To < links[j].Edge.To
			}
			return links[i].Edge.ID < links[j].Edge.ID
		})
	}
	return adjacency, nil
}

type walker struct {
	adjacency map[string][]domain.OwnershipLink
	depth     int
	used      map[string]bool
	path      Path
	visit     func(Path)
}

func (w *walker) walk(node string) {
	if len(w.path.Edges) == w.depth {
		return
	}
	for _, link := range w.adjacency[node] {
		if w.used[link.Edge.ID] {
			continue
		}
		w.used[link.Edge.ID] = true
		w.path.Edges = append(w.path.Edges, link.Edge)
		w.path.Nodes = append(w.path.Nodes, link.Target)

		w.visit(w.path)
		w.walk(link.Edge.To)

		w.path.Edges = w.path.Edges[:len(w.path.Edges)-1]
		w.path.Nodes = w.path.Nodes[:len(w.path.Nodes)-1]
		delete(w.used, link.Edge.ID)
	}
}

// LayersResult is the root plus every path within the requested depth.
type LayersResult struct {
	Root   domain.EntityRef `json:"root"`
	Layers []Path           `json:"layers"`
}

// Layers returns the outgoing ownership paths of rootID up to depth hops.
// A missing root yields domain.ErrNotFound.
func Layers(ctx context.Context, store domain.GraphStore, rootID string, depth int) (*LayersResult, error) {
	root, err := store.GetEntity(ctx, rootID)
	if err != nil {
		return nil, err
	}

	result := &LayersResult{Root: root.Ref(), Layers: []Path{}}
	err = EnumeratePaths(ctx, store, root.Ref(), depth, func(p Path) {
		result.Layers = append(result.Layers, p.Clone())
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
