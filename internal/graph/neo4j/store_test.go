package neo4j

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// fakeReader answers statements by matching a fragment of the Cypher text.
type fakeReader struct {
	answers   map[string][]Row
	err       error
	lastQuery string
	params    map[string]any
	closed    int
}

func (f *fakeReader) read(ctx context.Context, cypher string, params map[string]any) ([]Row, error) {
	f.lastQuery = cypher
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	for fragment, rows := range f.answers {
		if strings.Contains(cypher, fragment) {
			return rows, nil
		}
	}
	return nil, nil
}

func (f *fakeReader) verify(ctx context.Context) error { return f.err }

func (f *fakeReader) close(ctx context.Context) error {
	f.closed++
	return nil
}

func TestGetEntity(t *testing.T) {
	ctx := context.Background()
	db := &fakeReader{answers: map[string][]Row{
		"MATCH (e:Entity {id: $id})": {{
			"id": "P1", "name": "Zhang San", "type": "Person", "description": nil,
			"profile": `{"basic_info":{"birth_date":"1990-01-01"},"custom":{"x":1}}`,
		}},
	}}
	s := newStore(db, nil)

	e, err := s.GetEntity(ctx, "P1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if e.Name != "Zhang San" || e.Type != "Person" {
		t.Errorf("unexpected entity: %+v", e)
	}
	if e.Profile.BasicInfo == nil || e.Profile.BasicInfo.BirthDate != "1990-01-01" {
		t.Errorf("expected decoded birth date, got %+v", e.Profile.BasicInfo)
	}
	if _, ok := e.Profile.Extra["custom"]; !ok {
		t.Error("expected unknown profile key to be preserved")
	}

	t.Run("Missing", func(t *testing.T) {
		_, err := newStore(&fakeReader{}, nil).GetEntity(ctx, "nope")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DriverFailure", func(t *testing.T) {
		_, err := newStore(&fakeReader{err: errors.New("connection reset")}, nil).GetEntity(ctx, "P1")
		if !errors.Is(err, domain.ErrDataSource) {
			t.Errorf("expected ErrDataSource, got %v", err)
		}
	})
}

func TestOutgoingOwnershipFeedsPenetration(t *testing.T) {
	ctx := context.Background()
	db := &fakeReader{answers: map[string][]Row{
		"[r:OWNS]": {
			{"id": "5:r1", "from_id": "A", "to_id": "B", "stake": 50.0, "name": "B Co", "type": "Company"},
			{"id": "5:r2", "from_id": "A", "to_id": "C", "stake": int64(30), "name": "C Co", "type": "Company"},
			{"id": "5:r3", "from_id": "B", "to_id": "C", "stake": nil, "name": "C Co", "type": "Company"},
		},
	}}
	s := newStore(db, nil)

	links, err := s.OutgoingOwnership(ctx, []string{"A"})
	if err != nil {
		t.Fatalf("OutgoingOwnership failed: %v", err)
	}
	if len(links) != 3 {
		t.Fatalf("expected 3 links, got %d", len(links))
	}
	if *links[1].Edge.Stake != 30 {
		t.Errorf("expected integer stake converted to 30, got %v", *links[1].Edge.Stake)
	}
	if links[2].Edge.Stake != nil {
		t.Errorf("expected nil stake, got %v", *links[2].Edge.Stake)
	}
	if links[0].Target.Name != "B Co" {
		t.Errorf("expected target name B Co, got %s", links[0].Target.Name)
	}
	ids, ok := db.params["ids"].([]string)
	if !ok || len(ids) != 1 || ids[0] != "A" {
		t.Errorf("expected ids parameter [A], got %v", db.params["ids"])
	}

	t.Run("EmptyOwnersSkipsQuery", func(t *testing.T) {
		db.lastQuery = ""
		links, err := s.OutgoingOwnership(ctx, nil)
		if err != nil || links != nil || db.lastQuery != "" {
			t.Errorf("expected no query for empty owners, got %v %v %q", links, err, db.lastQuery)
		}
	})

	t.Run("BadStake", func(t *testing.T) {
		bad := newStore(&fakeReader{answers: map[string][]Row{
			"[r:OWNS]": {{"id": "x", "from_id": "A", "to_id": "B", "stake": true}},
		}}, nil)
		if _, err := bad.OutgoingOwnership(ctx, []string{"A"}); !errors.Is(err, domain.ErrDataSource) {
			t.Errorf("expected ErrDataSource, got %v", err)
		}
	})
}

func TestTransactionsLimit(t *testing.T) {
	ctx := context.Background()
	db := &fakeReader{answers: map[string][]Row{
		":INITIATES]": {
			{"id": "t1", "from_id": "A", "to_id": "B", "amount": 100.0, "time": "2024-02-01", "channel": "wire", "to_region": "KY"},
		},
	}}
	s := newStore(db, nil)

	txs, err := s.Transactions(ctx, "A", 100)
	if err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if len(txs) != 1 || txs[0].ToRegion != "KY" || *txs[0].Amount != 100 {
		t.Errorf("unexpected transactions: %+v", txs)
	}
	if !strings.Contains(db.lastQuery, "LIMIT $limit") || db.params["limit"] != int64(100) {
		t.Errorf("expected limit clause, got %q %v", db.lastQuery, db.params["limit"])
	}

	if _, err := s.Transactions(ctx, "A", 0); err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if strings.Contains(db.lastQuery, "LIMIT") {
		t.Errorf("expected no limit clause, got %q", db.lastQuery)
	}
}

func TestNewsDropsEmptyItems(t *testing.T) {
	db := &fakeReader{answers: map[string][]Row{
		":HAS_NEWS]": {
			{"id": "n1", "title": "Probe opened", "url": "https://x/1"},
			{"id": "n2"},
		},
	}}
	news, err := newStore(db, nil).News(context.Background(), "A")
	if err != nil {
		t.Fatalf("News failed: %v", err)
	}
	if len(news) != 1 || news[0].EntityID != "A" {
		t.Errorf("expected one news item for A, got %+v", news)
	}
}

func TestStoreSatisfiesGraphStore(t *testing.T) {
	var _ domain.GraphStore = (*Store)(nil)

	db := &fakeReader{answers: map[string][]Row{
		"MATCH (e:Entity {id: $id})": {{"id": "A", "name": "Root", "type": "Company"}},
		"[r:OWNS]": {
			{"id": "r1", "from_id": "A", "to_id": "B", "stake": 60.0, "name": "B", "type": "Company"},
		},
	}}
	res, err := graph.Layers(context.Background(), newStore(db, nil), "A", 1)
	if err != nil {
		t.Fatalf("Layers failed: %v", err)
	}
	if len(res.Layers) == 0 {
		t.Error("expected at least one layer from the neo4j store")
	}
}

func TestCloseOnce(t *testing.T) {
	db := &fakeReader{}
	s := newStore(db, nil)
	_ = s.Close()
	_ = s.Close()
	if db.closed != 1 {
		t.Errorf("expected driver closed once, got %d", db.closed)
	}
}

func TestPing(t *testing.T) {
	if err := newStore(&fakeReader{}, nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	err := newStore(&fakeReader{err: errors.New("down")}, nil).Ping(context.Background())
	if !errors.Is(err, domain.ErrDataSource) {
		t.Errorf("expected ErrDataSource, got %v", err)
	}
}
