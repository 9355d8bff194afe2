package penetration

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

const epsilon = 1e-9

func newStore(ids ...string) *graph.MemoryStore {
	s := graph.NewMemoryStore()
	for _, id := range ids {
		s.PutEntity(&domain.Entity{ID: id, Name: "Entity " + id, Type: "Company"})
	}
	return s
}

func pctOf(res *Result, id string) (float64, bool) {
	for _, item := range res.Items {
		if item.ID == id {
			return item.PenetrationPct, true
		}
	}
	return 0, false
}

func triangle() *graph.MemoryStore {
	s := newStore("A", "B", "C")
	s.AddOwnership("A", "B", domain.Float64(50))
	s.AddOwnership("A", "C", domain.Float64(40))
	s.AddOwnership("B", "C", domain.Float64(30))
	return s
}

func TestPenetrate(t *testing.T) {
	ctx := context.Background()

	t.Run("SumsAllPaths", func(t *testing.T) {
		e := NewEngine(triangle())
		res, err := e.Penetrate(ctx, "A", 3)
		if err != nil {
			t.Fatalf("Penetrate failed: %v", err)
		}
		if res.Root.ID != "A" {
			t.Errorf("expected root A, got %s", res.Root.ID)
		}
		if len(res.Items) != 2 {
			t.Fatalf("expected 2 items, got %d", len(res.Items))
		}

		// C: 40 direct + 50% * 30% via B.
		if got, _ := pctOf(res, "C"); math.Abs(got-55) > epsilon {
			t.Errorf("expected C=55, got %f", got)
		}
		if got, _ := pctOf(res, "B"); math.Abs(got-50) > epsilon {
			t.Errorf("expected B=50, got %f", got)
		}
		if res.Items[0].ID != "C" {
			t.Errorf("expected C first, got %s", res.Items[0].ID)
		}
		if res.Items[0].Paths != nil {
			t.Error("expected no paths in basic form")
		}
	})

	t.Run("DepthOneExcludesIndirect", func(t *testing.T) {
		e := NewEngine(triangle())
		res, err := e.Penetrate(ctx, "A", 1)
		if err != nil {
			t.Fatalf("Penetrate failed: %v", err)
		}
		if got, _ := pctOf(res, "C"); math.Abs(got-40) > epsilon {
			t.Errorf("expected C=40, got %f", got)
		}
	})

	t.Run("DeeperNeverDecreases", func(t *testing.T) {
		s := newStore("A", "B", "C", "D")
		s.AddOwnership("A", "B", domain.Float64(80))
		s.AddOwnership("B", "C", domain.Float64(50))
		s.AddOwnership("C", "D", domain.Float64(25))
		s.AddOwnership("A", "D", domain.Float64(5))
		e := NewEngine(s)

		prev := map[string]float64{}
		for depth := 1; depth <= 4; depth++ {
			res, err := e.Penetrate(ctx, "A", depth)
			if err != nil {
				t.Fatalf("Penetrate(depth=%d) failed: %v", depth, err)
			}
			for id, before := range prev {
				got, ok := pctOf(res, id)
				if !ok || got+epsilon < before {
					t.Errorf("depth %d: expected %s >= %f, got %f", depth, id, before, got)
				}
			}
			for _, item := range res.Items {
				prev[item.ID] = item.PenetrationPct
			}
		}
	})

	t.Run("CycleTerminates", func(t *testing.T) {
		s := newStore("A", "B")
		s.AddOwnership("A", "B", domain.Float64(60))
		s.AddOwnership("B", "A", domain.Float64(20))
		e := NewEngine(s)

		res, err := e.Penetrate(ctx, "A", 50)
		if err != nil {
			t.Fatalf("Penetrate failed: %v", err)
		}
		// A is reachable from itself through the cycle: 60% * 20%.
		if got, ok := pctOf(res, "A"); !ok || math.Abs(got-12) > epsilon {
			t.Errorf("expected A=12, got %f", got)
		}
	})

	t.Run("MissingStakeCountsAsFull", func(t *testing.T) {
		s := newStore("A", "B", "C")
		s.AddOwnership("A", "B", nil)
		s.AddOwnership("B", "C", domain.Float64(25))
		e := NewEngine(s)

		res, err := e.Penetrate(ctx, "A", 2)
		if err != nil {
			t.Fatalf("Penetrate failed: %v", err)
		}
		if got, _ := pctOf(res, "B"); math.Abs(got-100) > epsilon {
			t.Errorf("expected B=100, got %f", got)
		}
		if got, _ := pctOf(res, "C"); math.Abs(got-25) > epsilon {
			t.Errorf("expected C=25, got %f", got)
		}
	})

	t.Run("LeafReturnsEmptyItems", func(t *testing.T) {
		e := NewEngine(triangle())
		res, err := e.Penetrate(ctx, "C", 3)
		if err != nil {
			t.Fatalf("Penetrate failed: %v", err)
		}
		if res.Items == nil || len(res.Items) != 0 {
			t.Errorf("expected empty non-nil items, got %v", res.Items)
		}
	})

	t.Run("DepthZero", func(t *testing.T) {
		e := NewEngine(triangle())
		res, err := e.Penetrate(ctx, "A", 0)
		if err != nil {
			t.Fatalf("Penetrate failed: %v", err)
		}
		if len(res.Items) != 0 {
			t.Errorf("expected no items, got %d", len(res.Items))
		}
	})

	t.Run("MissingRoot", func(t *testing.T) {
		e := NewEngine(triangle())
		_, err := e.Penetrate(ctx, "nope", 3)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("TiesOrderedByID", func(t *testing.T) {
		s := newStore("A", "Z", "M")
		s.AddOwnership("A", "Z", domain.Float64(30))
		s.AddOwnership("A", "M", domain.Float64(30))
		e := NewEngine(s)

		res, err := e.Penetrate(ctx, "A", 1)
		if err != nil {
			t.Fatalf("Penetrate failed: %v", err)
		}
		if res.Items[0].ID != "M" || res.Items[1].ID != "Z" {
			t.Errorf("expected M before Z, got %s, %s", res.Items[0].ID, res.Items[1].ID)
		}
	})
}

func TestPenetrateWithPaths(t *testing.T) {
	ctx := context.Background()

	t.Run("TotalsMatchBasicForm", func(t *testing.T) {
		e := NewEngine(triangle())
		basic, err := e.Penetrate(ctx, "A", 3)
		if err != nil {
			t.Fatalf("Penetrate failed: %v", err)
		}
		detailed, err := e.PenetrateWithPaths(ctx, "A", 3, 1)
		if err != nil {
			t.Fatalf("PenetrateWithPaths failed: %v", err)
		}

		for _, item := range basic.Items {
			got, ok := pctOf(detailed, item.ID)
			if !ok || got != item.PenetrationPct {
				t.Errorf("%s: expected %f, got %f", item.ID, item.PenetrationPct, got)
			}
		}
	})

	t.Run("PathsSortedAndTruncated", func(t *testing.T) {
		e := NewEngine(triangle())
		res, err := e.PenetrateWithPaths(ctx, "A", 3, 1)
		if err != nil {
			t.Fatalf("PenetrateWithPaths failed: %v", err)
		}

		var c Item
		for _, item := range res.Items {
			if item.ID == "C" {
				c = item
			}
		}
		if len(c.Paths) != 1 {
			t.Fatalf("expected 1 path for C, got %d", len(c.Paths))
		}
		top := c.Paths[0]
		if math.Abs(top.PenetrationPct-40) > epsilon {
			t.Errorf("expected strongest path 40, got %f", top.PenetrationPct)
		}
		if len(top.Nodes) != 2 || top.Nodes[0].ID != "A" || top.Nodes[1].ID != "C" {
			t.Errorf("unexpected path nodes: %+v", top.Nodes)
		}
		if len(top.Edges) != 1 || top.Edges[0].From != "A" || top.Edges[0].To != "C" {
			t.Errorf("unexpected path rels: %+v", top.Edges)
		}
	})

	t.Run("AllPathsWhenLimitIsLarge", func(t *testing.T) {
		e := NewEngine(triangle())
		res, err := e.PenetrateWithPaths(ctx, "A", 3, 100)
		if err != nil {
			t.Fatalf("PenetrateWithPaths failed: %v", err)
		}
		for _, item := range res.Items {
			if item.ID != "C" {
				continue
			}
			if len(item.Paths) != 2 {
				t.Fatalf("expected 2 paths for C, got %d", len(item.Paths))
			}
			if item.Paths[0].PenetrationPct < item.Paths[1].PenetrationPct {
				t.Error("expected paths in descending order")
			}
			if math.Abs(item.Paths[1].PenetrationPct-15) > epsilon {
				t.Errorf("expected indirect path 15, got %f", item.Paths[1].PenetrationPct)
			}
		}
	})

	t.Run("StoreFailurePropagates", func(t *testing.T) {
		e := NewEngine(brokenStore{MemoryStore: triangle()})
		_, err := e.PenetrateWithPaths(ctx, "A", 3, 3)
		if !errors.Is(err, domain.ErrDataSource) {
			t.Errorf("expected ErrDataSource, got %v", err)
		}
	})
}

// brokenStore serves entities but fails traversal.
type brokenStore struct{ *graph.MemoryStore }

func (brokenStore) OutgoingOwnership(ctx context.Context, ids []string) ([]domain.OwnershipLink, error) {
	return nil, errors.Join(domain.ErrDataSource, errors.New("graph unavailable"))
}
