package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/kb"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seed(t *testing.T, repo *SQLRepository) {
	t.Helper()

	var profile domain.Profile
	if err := json.Unmarshal([]byte(`{"basic_info":{"birth_date":"1985-03-02"},"custom":{"k":"v"}}`), &profile); err != nil {
		t.Fatalf("failed to decode profile: %v", err)
	}

	ds := &Dataset{
		Entities: []*domain.Entity{
			{ID: "A", Name: "Alpha Holdings", Type: "Company"},
			{ID: "B", Name: "Beta 100% Owned", Type: "Company", Description: "subsidiary"},
			{ID: "C", Name: "Gamma", Type: "Company"},
			{ID: "P1", Name: "Zhang San", Type: "Person", Profile: profile},
		},
		Ownerships: []domain.OwnershipEdge{
			{From: "A", To: "B", Stake: domain.Float64(50)},
			{From: "A", To: "C", Stake: domain.Float64(30)},
			{From: "B", To: "C", Stake: domain.Float64(50)},
			{From: "A", To: "ghost", Stake: domain.Float64(10)},
		},
		Transactions: []domain.TransactionEdge{
			{ID: "t1", From: "A", To: "B", Amount: domain.Float64(100), Time: "2024-01-01"},
			{ID: "t2", From: "C", To: "A", Amount: domain.Float64(200), Time: "2024-03-01", ToRegion: "KY"},
			{ID: "t3", From: "A", To: "C"},
		},
		Accounts: []domain.Account{
			{EntityID: "A", AccountNumber: "002", BankName: "Bank"},
			{EntityID: "A", AccountNumber: "001", Balance: domain.Float64(5)},
		},
		Guarantees: []domain.Guarantee{
			{GuarantorID: "A", GuaranteedID: "B", Amount: domain.Float64(10)},
			{GuarantorID: "C", GuaranteedID: "A", Amount: domain.Float64(99)},
		},
		SupplyLinks: []domain.SupplyLink{
			{SupplierID: "A", CustomerID: "C", Frequency: domain.Float64(60)},
		},
		News: []domain.NewsItem{
			{EntityID: "A", Title: "Old", PublishedAt: "2023-01-01"},
			{EntityID: "A", Title: "New", PublishedAt: "2024-01-01"},
		},
	}
	if err := repo.Import(context.Background(), ds); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
}

func TestSQLiteGraphStore(t *testing.T) {
	repo := newTestRepo(t)
	seed(t, repo)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("GetEntityWithProfile", func(t *testing.T) {
		e, err := repo.GetEntity(ctx, "P1")
		if err != nil {
			t.Fatalf("GetEntity failed: %v", err)
		}
		if e.Profile.BasicInfo == nil || e.Profile.BasicInfo.BirthDate != "1985-03-02" {
			t.Errorf("expected birth date to round-trip, got %+v", e.Profile.BasicInfo)
		}
		if _, ok := e.Profile.Extra["custom"]; !ok {
			t.Error("expected unknown profile key to be preserved")
		}
	})

	t.Run("GetEntityNotFound", func(t *testing.T) {
		if _, err := repo.GetEntity(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveEntityKeepsExistingFields", func(t *testing.T) {
		if err := repo.SaveEntity(ctx, &domain.Entity{ID: "C", Description: "late description"}); err != nil {
			t.Fatalf("SaveEntity failed: %v", err)
		}
		e, _ := repo.GetEntity(ctx, "C")
		if e.Name != "Gamma" || e.Description != "late description" {
			t.Errorf("expected merged entity, got %+v", e)
		}
	})

	t.Run("OutgoingOwnershipSkipsDangling", func(t *testing.T) {
		links, err := repo.OutgoingOwnership(ctx, []string{"A"})
		if err != nil {
			t.Fatalf("OutgoingOwnership failed: %v", err)
		}
		if len(links) != 2 {
			t.Fatalf("expected 2 links, got %d", len(links))
		}
		if links[0].Target.ID != "B" || links[0].Target.Name != "Beta 100% Owned" {
			t.Errorf("unexpected first link: %+v", links[0])
		}
	})

	t.Run("LayersOverSQL", func(t *testing.T) {
		res, err := graph.Layers(ctx, repo, "A", 2)
		if err != nil {
			t.Fatalf("Layers failed: %v", err)
		}
		// A->B, A->C, A->B->C
		if len(res.Layers) != 3 {
			t.Errorf("expected 3 paths, got %d", len(res.Layers))
		}
	})

	t.Run("SearchEscapesWildcards", func(t *testing.T) {
		hits, err := repo.SearchEntities(ctx, "100%")
		if err != nil {
			t.Fatalf("SearchEntities failed: %v", err)
		}
		if len(hits) != 1 || hits[0].ID != "B" {
			t.Errorf("expected only B, got %v", hits)
		}

		hits, _ = repo.SearchEntities(ctx, "SUBSID")
		if len(hits) != 1 || hits[0].ID != "B" {
			t.Errorf("expected description match on B, got %v", hits)
		}
	})

	t.Run("FindByNameCaseInsensitive", func(t *testing.T) {
		hits, err := repo.FindByName(ctx, "  alpha holdings ")
		if err != nil {
			t.Fatalf("FindByName failed: %v", err)
		}
		if len(hits) != 1 || hits[0].ID != "A" {
			t.Errorf("expected A, got %v", hits)
		}
	})

	t.Run("TransactionsNewestFirst", func(t *testing.T) {
		txs, err := repo.Transactions(ctx, "A", 0)
		if err != nil {
			t.Fatalf("Transactions failed: %v", err)
		}
		if len(txs) != 3 {
			t.Fatalf("expected 3 transactions, got %d", len(txs))
		}
		if txs[0].ID != "t2" || txs[1].ID != "t1" || txs[2].ID != "t3" {
			t.Errorf("unexpected order: %s %s %s", txs[0].ID, txs[1].ID, txs[2].ID)
		}
		if txs[2].Amount != nil {
			t.Errorf("expected nil amount, got %v", *txs[2].Amount)
		}

		limited, _ := repo.Transactions(ctx, "A", 1)
		if len(limited) != 1 {
			t.Errorf("expected 1 transaction, got %d", len(limited))
		}
	})

	t.Run("RelatedRecords", func(t *testing.T) {
		accounts, _ := repo.Accounts(ctx, "A")
		if len(accounts) != 2 || accounts[0].AccountNumber != "001" || accounts[1].Balance != nil {
			t.Errorf("unexpected accounts: %+v", accounts)
		}

		guarantees, _ := repo.Guarantees(ctx, "A")
		if len(guarantees) != 2 || *guarantees[0].Amount != 99 {
			t.Errorf("unexpected guarantees: %+v", guarantees)
		}

		links, _ := repo.SupplyLinks(ctx, "C")
		if len(links) != 1 || *links[0].Frequency != 60 {
			t.Errorf("unexpected supply links: %+v", links)
		}

		news, _ := repo.News(ctx, "A")
		if len(news) != 2 || news[0].Title != "New" {
			t.Errorf("unexpected news: %+v", news)
		}
	})

	t.Run("InvalidWrites", func(t *testing.T) {
		if err := repo.SaveOwnership(ctx, &domain.OwnershipEdge{From: "A", To: "B", Stake: domain.Float64(120)}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for stake 120, got %v", err)
		}
		if err := repo.SaveEntity(ctx, &domain.Entity{}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty id, got %v", err)
		}
	})

	t.Run("ImportIsAtomic", func(t *testing.T) {
		err := repo.Import(ctx, &Dataset{
			Entities:     []*domain.Entity{{ID: "Z", Name: "Zeta"}},
			Transactions: []domain.TransactionEdge{{From: "Z"}},
		})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetEntity(ctx, "Z"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected rolled back entity, got %v", err)
		}
	})
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("SaveAndGetEvaluation", func(t *testing.T) {
		eval := &domain.Evaluation{
			ID:          "eval-001",
			EntityID:    "A",
			Source:      domain.SourceSync,
			Status:      domain.StatusAlert,
			Score:       85,
			Labels:      []string{"aml.offshore"},
			Explanation: "matched offshore_burst",
			KBVersion:   "abc123",
			Timestamp:   time.Now().UTC(),
			Result:      json.RawMessage(`{"score":85}`),
			Metadata:    domain.EvaluationMetadata{TraceID: "trace-001", RulesEvaluated: 4},
		}

		if err := repo.SaveEvaluation(ctx, eval); err != nil {
			t.Fatalf("SaveEvaluation failed: %v", err)
		}

		retrieved, err := repo.GetEvaluation(ctx, eval.ID)
		if err != nil {
			t.Fatalf("GetEvaluation failed: %v", err)
		}

		if retrieved.Score != eval.Score {
			t.Errorf("expected Score %.2f, got %.2f", eval.Score, retrieved.Score)
		}
		if retrieved.Status != eval.Status {
			t.Errorf("expected Status %s, got %s", eval.Status, retrieved.Status)
		}
		if len(retrieved.Labels) != 1 || retrieved.Labels[0] != "aml.offshore" {
			t.Errorf("expected labels to round-trip, got %v", retrieved.Labels)
		}
		if string(retrieved.Result) != `{"score":85}` {
			t.Errorf("expected result to round-trip, got %s", retrieved.Result)
		}
		if retrieved.Metadata.TraceID != "trace-001" {
			t.Errorf("expected trace id trace-001, got %s", retrieved.Metadata.TraceID)
		}
	})

	t.Run("ListEvaluations", func(t *testing.T) {
		older := &domain.Evaluation{
			ID: "eval-000", EntityID: "A", Source: domain.SourceAsync, Status: domain.StatusNoAlert,
			Timestamp: time.Now().Add(-time.Hour).UTC(),
		}
		if err := repo.SaveEvaluation(ctx, older); err != nil {
			t.Fatalf("SaveEvaluation failed: %v", err)
		}

		evals, err := repo.ListEvaluations(ctx, "A", 10)
		if err != nil {
			t.Fatalf("ListEvaluations failed: %v", err)
		}
		if len(evals) != 2 || evals[0].ID != "eval-001" {
			t.Errorf("expected newest first, got %d records", len(evals))
		}
	})

	t.Run("EvaluationNotFound", func(t *testing.T) {
		if _, err := repo.GetEvaluation(ctx, "nonexistent"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("KBDocumentsFeedKBService", func(t *testing.T) {
		err := repo.SaveKBDocument(ctx, &domain.KBDocument{
			Name: kb.DocLists,
			Body: json.RawMessage(`{"sanctioned_parties":["OLD CO"]}`),
		})
		if err != nil {
			t.Fatalf("SaveKBDocument failed: %v", err)
		}
		// Upsert replaces the body.
		err = repo.SaveKBDocument(ctx, &domain.KBDocument{
			Name: kb.DocLists,
			Body: json.RawMessage(`{"sanctioned_parties":["NEW CO"],"high_risk_regions":["KY"]}`),
		})
		if err != nil {
			t.Fatalf("SaveKBDocument failed: %v", err)
		}

		svc, err := kb.NewService(kb.RepositorySource{Repo: repo}, nil)
		if err != nil {
			t.Fatalf("NewService failed: %v", err)
		}
		snap, err := svc.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if !snap.IsSanctioned("new co") || snap.IsSanctioned("old co") {
			t.Errorf("expected only NEW CO sanctioned, got %v", snap.SanctionedParties)
		}
		if len(snap.Deterministic) != 0 {
			t.Errorf("expected no rules from a missing rules document, got %d", len(snap.Deterministic))
		}
	})

	t.Run("KBDocumentRejectsInvalidJSON", func(t *testing.T) {
		err := repo.SaveKBDocument(ctx, &domain.KBDocument{Name: kb.DocRules, Body: json.RawMessage(`{`)})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`a%b_c\d`); got != `a\%b\_c\\d` {
		t.Errorf("expected escaped pattern, got %s", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	cases := []struct {
		name string
		cfg  domain.RepositoryConfig
		want string
	}{
		{
			name: "Defaults",
			cfg:  domain.RepositoryConfig{},
			want: "host=localhost port=5432 dbname=kestrel sslmode=disable",
		},
		{
			name: "QuotedPassword",
			cfg: domain.RepositoryConfig{
				PostgresHost: "db", PostgresPort: 6543, PostgresUser: "kestrel",
				PostgresPassword: "it's secret", PostgresDB: "dd", PostgresSSLMode: "require",
			},
			want: `host=db port=6543 user=kestrel password='it\'s secret' dbname=dd sslmode=require`,
		},
		{
			name: "URLWins",
			cfg:  domain.RepositoryConfig{PostgresURL: "postgres://u@h/db", PostgresHost: "ignored"},
			want: "postgres://u@h/db",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := postgresDSN(tc.cfg); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	want := "file:/tmp/k.db?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	if got := sqliteDSN("/tmp/k.db"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
