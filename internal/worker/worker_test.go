package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/kb"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/risk"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const testRules = `{
  "deterministic": [
    {"id": "sanctions_hit", "category": "sanctions", "match": {"counterparty_name_in_sanctions": true}, "effect": {"score": 100}}
  ]
}`

const testLists = `{"sanctioned_parties": ["ACME OFFSHORE LTD"]}`

// memRepo records saved evaluations.
type memRepo struct {
	mu    sync.Mutex
	evals map[string]*domain.Evaluation
}

func newMemRepo() *memRepo { return &memRepo{evals: make(map[string]*domain.Evaluation)} }

func (r *memRepo) SaveEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evals[eval.ID] = eval
	return nil
}

func (r *memRepo) GetEvaluation(ctx context.Context, id string) (*domain.Evaluation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.evals[id]; ok {
		return e, nil
	}
	return nil, domain.ErrNotFound
}

func (r *memRepo) ListEvaluations(ctx context.Context, entityID string, limit int) ([]*domain.Evaluation, error) {
	return nil, nil
}
func (r *memRepo) SaveKBDocument(ctx context.Context, doc *domain.KBDocument) error { return nil }
func (r *memRepo) GetKBDocument(ctx context.Context, name string) (*domain.KBDocument, error) {
	return nil, domain.ErrNotFound
}
func (r *memRepo) Ping(ctx context.Context) error { return nil }
func (r *memRepo) Close() error                   { return nil }

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evals)
}

func newEngine(t *testing.T) *risk.Engine {
	t.Helper()
	svc, err := kb.NewService(kb.StaticSource{
		kb.DocRules: []byte(testRules),
		kb.DocLists: []byte(testLists),
	}, quietLogger)
	if err != nil {
		t.Fatalf("failed to create KB service: %v", err)
	}
	store := graph.NewMemoryStore()
	store.PutEntity(&domain.Entity{ID: "E1", Name: "Alpha"})
	return risk.NewEngine(svc, store, quietLogger)
}

// collect subscribes to topic and returns a channel of payloads.
func collect(t *testing.T, b domain.EventBus, topic string) <-chan []byte {
	t.Helper()
	ch := make(chan []byte, 10)
	_, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, msg *domain.Message) error {
		ch <- msg.Payload
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return ch
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func publish(t *testing.T, b domain.EventBus, msg RiskMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := b.Publish(context.Background(), domain.TopicRiskRequested, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func TestWorker(t *testing.T) {
	engine := newEngine(t)

	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, nil, engine, decision.NewProcessor(70), nil, quietLogger)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicRiskRequested {
			t.Errorf("unexpected stats: %+v", stats)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
		if err := w.Start(Config{}); err == nil {
			t.Error("expected error when starting a stopped worker")
		}
	})

	t.Run("AlertingRequest", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()
		repo := newMemRepo()

		w := NewWorker(eventBus, repo, engine, decision.NewProcessor(70), metrics.New(""), quietLogger)
		w.Start(Config{})
		defer w.Stop()

		evaluated := collect(t, eventBus, domain.TopicRiskEvaluated)
		alerts := collect(t, eventBus, domain.TopicRiskAlert)

		publish(t, eventBus, RiskMessage{
			RequestID: "req-1",
			TraceID:   "trace-1",
			Request: risk.Request{
				BeneficiaryName: "acme offshore ltd",
				Transfers:       []risk.Transfer{{From: "A1", To: "B1", Amount: domain.Float64(10), Date: "2025-01-01"}},
			},
		})

		var eval domain.Evaluation
		if err := json.Unmarshal(receive(t, evaluated), &eval); err != nil {
			t.Fatalf("failed to parse evaluation: %v", err)
		}
		if eval.Score != 100 || eval.Status != domain.StatusAlert || eval.Source != domain.SourceAsync {
			t.Errorf("unexpected evaluation: %+v", eval)
		}
		if eval.Metadata.TraceID != "trace-1" {
			t.Errorf("expected traceID 'trace-1', got '%s'", eval.Metadata.TraceID)
		}

		var alert Alert
		if err := json.Unmarshal(receive(t, alerts), &alert); err != nil {
			t.Fatalf("failed to parse alert: %v", err)
		}
		if alert.RequestID != "req-1" || alert.EvaluationID != eval.ID {
			t.Errorf("unexpected alert: %+v", alert)
		}
		if len(alert.Reasons) != 1 || alert.Reasons[0] != "rule:sanctions_hit" {
			t.Errorf("unexpected reasons: %v", alert.Reasons)
		}

		if _, err := repo.GetEvaluation(context.Background(), eval.ID); err != nil {
			t.Errorf("expected evaluation to be persisted, got %v", err)
		}
		stats := w.GetStats()
		if stats.Processed != 1 || stats.Alerts != 1 {
			t.Errorf("unexpected stats: %+v", stats)
		}
	})

	t.Run("QuietRequestDoesNotAlert", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, nil, engine, decision.NewProcessor(70), nil, quietLogger)
		w.Start(Config{})
		defer w.Stop()

		evaluated := collect(t, eventBus, domain.TopicRiskEvaluated)
		alerts := collect(t, eventBus, domain.TopicRiskAlert)

		publish(t, eventBus, RiskMessage{Request: risk.Request{EntityID: "E1"}})

		var eval domain.Evaluation
		if err := json.Unmarshal(receive(t, evaluated), &eval); err != nil {
			t.Fatalf("failed to parse evaluation: %v", err)
		}
		if eval.Status != domain.StatusNoAlert || eval.EntityID != "E1" {
			t.Errorf("unexpected evaluation: %+v", eval)
		}

		select {
		case <-alerts:
			t.Error("expected no alert")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("FailedRequestsCounted", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, nil, engine, decision.NewProcessor(70), nil, quietLogger)
		w.Start(Config{})
		defer w.Stop()

		eventBus.Publish(context.Background(), domain.TopicRiskRequested, []byte("{not json"))
		publish(t, eventBus, RiskMessage{Request: risk.Request{EntityID: "missing"}})

		deadline := time.Now().Add(2 * time.Second)
		for w.GetStats().Failed < 2 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if got := w.GetStats().Failed; got != 2 {
			t.Errorf("expected 2 failures, got %d", got)
		}
	})
}

func TestRiskMessageShape(t *testing.T) {
	var msg RiskMessage
	data := []byte(`{"requestId":"r1","entity_id":"E1","beneficiary_name":"X","transfers":[{"from_id":"A","to_id":"B","amount":5}]}`)
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.RequestID != "r1" || msg.EntityID != "E1" || msg.BeneficiaryName != "X" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if len(msg.Transfers) != 1 || msg.Transfers[0].Amount == nil || *msg.Transfers[0].Amount != 5 {
		t.Errorf("unexpected transfers: %+v", msg.Transfers)
	}
}

func TestStopWaitsForInflight(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	w := NewWorker(eventBus, nil, newEngine(t), decision.NewProcessor(70), nil, quietLogger)
	if !w.begin() {
		t.Fatal("expected begin to succeed before stop")
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned with a request in flight")
	case <-time.After(30 * time.Millisecond):
	}

	w.inflight.Done()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	if w.begin() {
		t.Error("expected begin to fail after stop")
	}
}
