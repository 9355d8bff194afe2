// Package worker consumes asynchronous risk requests from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/risk"
)

// Worker evaluates risk requests published on the bus, records the
// evaluation and publishes the outcome.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	engine    *risk.Engine
	processor *decision.Processor
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	stopped       bool
	inflight      sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
	alerts    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Topic to consume; defaults to domain.TopicRiskRequested.
	Topic string
}

// NewWorker creates a new async worker. repo and m may be nil.
func NewWorker(bus domain.EventBus, repo domain.Repository, engine *risk.Engine, processor *decision.Processor, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		repo:      repo,
		engine:    engine,
		processor: processor,
		metrics:   m,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RiskMessage is the payload of a risk request.
type RiskMessage struct {
	RequestID string `json:"requestId"`
	TraceID   string `json:"traceId,omitempty"`
	risk.Request
}

// Alert is published on domain.TopicRiskAlert.
type Alert struct {
	RequestID    string   `json:"requestId"`
	EvaluationID string   `json:"evaluationId"`
	EntityID     string   `json:"entityId,omitempty"`
	Score        float64  `json:"score"`
	Threshold    float64  `json:"threshold"`
	Labels       []string `json:"labels"`
	Reasons      []string `json:"reasons"`
}

// Start subscribes to the request topic.
func (w *Worker) Start(cfg Config) error {
	topic := cfg.Topic
	if topic == "" {
		topic = domain.TopicRiskRequested
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("worker is stopped")
	}

	sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("risk worker started", "topic", topic)
	return nil
}

func (w *Worker) begin() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.inflight.Add(1)
	return true
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	if !w.begin() {
		return nil
	}
	defer w.inflight.Done()

	if err := w.process(ctx, msg); err != nil {
		w.failed.Add(1)
		return err
	}
	w.processed.Add(1)
	return nil
}

// process evaluates one request through the pipeline.
func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req RiskMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.Error("failed to parse risk message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = req.RequestID
	}

	evalStart := time.Now()
	result, err := w.engine.Evaluate(ctx, req.Request)
	evalDuration := time.Since(evalStart)
	w.metrics.ObserveEngine("risk", evalDuration)
	if err != nil {
		w.logger.Error("risk evaluation failed",
			"request_id", req.RequestID,
			"entity_id", req.EntityID,
			"error", err,
		)
		return err
	}

	evaluation, err := w.processor.Process(&decision.Input{
		Source:       domain.SourceAsync,
		TraceID:      traceID,
		Result:       result,
		StartTime:    start,
		EvalDuration: evalDuration,
	})
	if err != nil {
		return err
	}
	alert := decision.ShouldAlert(evaluation)
	w.metrics.RiskEvaluation(domain.SourceAsync, alert)

	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, evaluation); err != nil {
			w.logger.Error("failed to save evaluation",
				"request_id", req.RequestID,
				"evaluation_id", evaluation.ID,
				"error", err,
			)
		}
	}

	payload, err := json.Marshal(evaluation)
	if err != nil {
		return err
	}
	if err := w.bus.Publish(ctx, domain.TopicRiskEvaluated, payload); err != nil {
		w.logger.Error("failed to publish evaluation",
			"request_id", req.RequestID,
			"error", err,
		)
	}

	if alert {
		w.alerts.Add(1)
		alertPayload, err := json.Marshal(Alert{
			RequestID:    req.RequestID,
			EvaluationID: evaluation.ID,
			EntityID:     evaluation.EntityID,
			Score:        evaluation.Score,
			Threshold:    w.processor.AlertThreshold,
			Labels:       evaluation.Labels,
			Reasons:      decision.Reasons(result),
		})
		if err != nil {
			return err
		}
		if err := w.bus.Publish(ctx, domain.TopicRiskAlert, alertPayload); err != nil {
			w.logger.Error("failed to publish alert",
				"request_id", req.RequestID,
				"error", err,
			)
		}
	}

	w.logger.Info("risk request processed",
		"request_id", req.RequestID,
		"evaluation_id", evaluation.ID,
		"status", evaluation.Status,
		"score", evaluation.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight requests.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopped = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.inflight.Wait()
	w.cancel()

	w.logger.Info("risk worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	Alerts            int64    `json:"alerts"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		Alerts:            w.alerts.Load(),
	}
}
