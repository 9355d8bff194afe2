package kb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const testRules = `{
  "deterministic": [
    {"id": "sanctions_hit", "category": "sanctions", "match": {"counterparty_name_in_sanctions": true}, "effect": {"score": 100}},
    {"id": "offshore_bulk", "category": "aml.offshore", "match": {"expression": "transfer_count >= 2 && \"KY\" in regions"}, "effect": {"score": 80}},
    {"id": "", "match": {"counterparty_name_in_sanctions": true}},
    {"id": "no_condition", "effect": {"score": 10}},
    {"id": "bad_cel", "match": {"expression": "transfer_count >>> 2"}},
    {"id": "not_bool", "match": {"expression": "total_amount + 1.0"}}
  ],
  "weighted": [
    {"id": "small_sum_aggregation", "category": "aml.ssa", "weights": {"small_amount": 0.3, "multi_accounts": 0.3}, "threshold": 0.6, "hints": {"small_amount_cny_max": 50000}},
    {"id": "default_threshold", "category": "aml.freq", "weights": {"frequency": 1.0}},
    {"id": "unknown_feature", "weights": {"velocity": 1.0}},
    {"id": "negative_weight", "weights": {"frequency": -0.5}}
  ]
}`

const testLists = `{"sanctioned_parties": ["ACME Offshore Ltd"], "high_risk_regions": ["KY", "VG"]}`

func testSource() StaticSource {
	return StaticSource{
		DocRules:     []byte(testRules),
		DocLists:     []byte(testLists),
		DocTaxonomy:  []byte(`{"aml.ssa": "Small sum aggregation"}`),
		DocWatchlist: []byte(`[{"name": "Zhang San", "aliases": ["张三"], "list": "PEP"}, 42]`),
	}
}

func TestSnapshotLoad(t *testing.T) {
	svc, err := NewService(testSource(), quietLogger)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	t.Run("ValidRulesKept", func(t *testing.T) {
		if len(snap.Deterministic) != 2 {
			t.Errorf("expected 2 deterministic rules, got %d", len(snap.Deterministic))
		}
		if len(snap.Weighted) != 2 {
			t.Errorf("expected 2 weighted rules, got %d", len(snap.Weighted))
		}
	})

	t.Run("MalformedEntriesSkipped", func(t *testing.T) {
		// 4 deterministic, 2 weighted, 1 watchlist entry.
		if len(snap.Skipped) != 7 {
			t.Errorf("expected 7 skipped entries, got %d: %+v", len(snap.Skipped), snap.Skipped)
		}
	})

	t.Run("DefaultThreshold", func(t *testing.T) {
		for _, r := range snap.Weighted {
			if r.ID == "default_threshold" && r.Threshold != DefaultThreshold {
				t.Errorf("expected threshold %v, got %v", DefaultThreshold, r.Threshold)
			}
			if r.ID == "small_sum_aggregation" {
				if r.Threshold != 0.6 {
					t.Errorf("expected threshold 0.6, got %v", r.Threshold)
				}
				if r.Hints.SmallAmountCNYMax == nil || *r.Hints.SmallAmountCNYMax != 50000 {
					t.Errorf("expected small amount hint 50000, got %v", r.Hints.SmallAmountCNYMax)
				}
			}
		}
	})

	t.Run("SanctionsCaseInsensitive", func(t *testing.T) {
		if !snap.IsSanctioned("ACME OFFSHORE LTD") {
			t.Error("expected upper-case name to be sanctioned")
		}
		if !snap.IsSanctioned("acme offshore ltd") {
			t.Error("expected lower-case name to be sanctioned")
		}
		if snap.IsSanctioned("") || snap.IsSanctioned("BETA") {
			t.Error("unexpected sanctions hit")
		}
		if !snap.IsHighRiskRegion("KY") || snap.IsHighRiskRegion("CN") {
			t.Error("unexpected high-risk region result")
		}
	})

	t.Run("Watchlist", func(t *testing.T) {
		if len(snap.Watchlist) != 1 || snap.Watchlist[0].Name != "Zhang San" {
			t.Errorf("unexpected watchlist: %+v", snap.Watchlist)
		}
	})

	t.Run("CachedUntilReload", func(t *testing.T) {
		again, err := svc.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if again != snap {
			t.Error("expected the same snapshot instance")
		}
	})
}

func TestDeterministicMatches(t *testing.T) {
	svc, _ := NewService(testSource(), quietLogger)
	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	rules := map[string]*DeterministicRule{}
	for _, r := range snap.Deterministic {
		rules[r.ID] = r
	}

	cases := []struct {
		rule     string
		facts    Facts
		expected bool
	}{
		{"sanctions_hit", Facts{Sanctioned: true}, true},
		{"sanctions_hit", Facts{}, false},
		{"offshore_bulk", Facts{TransferCount: 3, Regions: []string{"KY"}}, true},
		{"offshore_bulk", Facts{TransferCount: 3, Regions: []string{"CN"}}, false},
		{"offshore_bulk", Facts{TransferCount: 1, Regions: []string{"KY"}}, false},
		{"offshore_bulk", Facts{TransferCount: 3}, false},
	}
	for _, tc := range cases {
		got, err := rules[tc.rule].Matches(tc.facts)
		if err != nil {
			t.Fatalf("%s: Matches failed: %v", tc.rule, err)
		}
		if got != tc.expected {
			t.Errorf("%s %+v: expected %v, got %v", tc.rule, tc.facts, tc.expected, got)
		}
	}
}

func TestReload(t *testing.T) {
	src := StaticSource{DocLists: []byte(`{"sanctioned_parties": ["OLD"]}`)}
	svc, _ := NewService(src, quietLogger)

	first, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	src[DocLists] = []byte(`{"sanctioned_parties": ["NEW"]}`)

	cached, _ := svc.Snapshot(context.Background())
	if !cached.IsSanctioned("OLD") {
		t.Error("expected snapshot to stay unchanged without Reload")
	}

	reloaded, err := svc.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !reloaded.IsSanctioned("NEW") || reloaded.IsSanctioned("OLD") {
		t.Error("expected reloaded lists")
	}
	if reloaded.Version == first.Version {
		t.Error("expected a new version after document change")
	}
	if !first.IsSanctioned("OLD") {
		t.Error("expected earlier snapshot to remain immutable")
	}
}

type flakySource struct {
	mu   sync.Mutex
	fail bool
}

func (f *flakySource) Document(ctx context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("connection reset")
	}
	return nil, nil
}

func TestLoadFailure(t *testing.T) {
	src := &flakySource{fail: true}
	svc, _ := NewService(src, quietLogger)

	if _, err := svc.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error from failing source")
	}

	src.mu.Lock()
	src.fail = false
	src.mu.Unlock()

	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	src.mu.Lock()
	src.fail = true
	src.mu.Unlock()

	if _, err := svc.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	current, _ := svc.Snapshot(context.Background())
	if current != snap {
		t.Error("expected previous snapshot to survive a failed reload")
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DocLists), []byte(testLists), 0o644); err != nil {
		t.Fatalf("failed to write lists: %v", err)
	}

	svc, _ := NewService(FileSource{Dir: dir}, quietLogger)
	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	// rules.json, taxonomy.json and name_watchlist.json are missing.
	if len(snap.Deterministic) != 0 || len(snap.Weighted) != 0 || len(snap.Watchlist) != 0 {
		t.Error("expected empty sections for missing documents")
	}
	if !snap.IsSanctioned("ACME OFFSHORE LTD") {
		t.Error("expected lists to load")
	}
	if string(snap.Taxonomy) != "{}" {
		t.Errorf("expected empty taxonomy, got %s", snap.Taxonomy)
	}
	if len(snap.Skipped) != 0 {
		t.Errorf("expected nothing skipped, got %+v", snap.Skipped)
	}
}

func TestInvalidDocument(t *testing.T) {
	svc, _ := NewService(StaticSource{DocRules: []byte(`{not json`)}, quietLogger)
	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("expected invalid document to be absorbed, got %v", err)
	}
	if len(snap.Skipped) != 1 || snap.Skipped[0].Document != DocRules {
		t.Errorf("expected rules.json to be skipped, got %+v", snap.Skipped)
	}
}
