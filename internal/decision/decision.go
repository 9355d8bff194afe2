// Package decision turns a risk result into the audited evaluation record
// and decides whether it alerts.
package decision

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/risk"
)

// EngineVersion is stamped on every evaluation.
const EngineVersion = "kestrel-1.0"

// DefaultAlertThreshold is used when no positive threshold is configured.
const DefaultAlertThreshold = 70.0

// Processor stamps evaluations with an alert status.
type Processor struct {
	// AlertThreshold is the score (0-100) at or above which an evaluation alerts.
	AlertThreshold float64
}

// NewProcessor creates a processor alerting at threshold.
func NewProcessor(threshold float64) *Processor {
	if threshold <= 0 {
		threshold = DefaultAlertThreshold
	}
	return &Processor{AlertThreshold: threshold}
}

// Input contains all data needed for a decision.
type Input struct {
	Source       string // domain.SourceSync or domain.SourceAsync
	TraceID      string
	Result       *risk.Result
	StartTime    time.Time
	EvalDuration time.Duration
}

// Process builds the evaluation record for input.Result.
func (p *Processor) Process(input *Input) (*domain.Evaluation, error) {
	if input == nil || input.Result == nil {
		return nil, fmt.Errorf("%w: no risk result", domain.ErrInvalidInput)
	}
	res := input.Result

	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode risk result: %w", err)
	}

	eval := &domain.Evaluation{
		ID:          uuid.New().String(),
		EntityID:    res.InputEntityID,
		Source:      input.Source,
		Status:      domain.StatusNoAlert,
		Score:       res.Score,
		Labels:      res.Labels,
		Explanation: res.Explanation,
		KBVersion:   res.KBVersion,
		Timestamp:   time.Now().UTC(),
		Result:      raw,
	}
	if res.Score >= p.AlertThreshold {
		eval.Status = domain.StatusAlert
	}

	var totalMs int64
	if !input.StartTime.IsZero() {
		totalMs = time.Since(input.StartTime).Milliseconds()
	}
	eval.Metadata = domain.EvaluationMetadata{
		TraceID:        input.TraceID,
		EvalMs:         input.EvalDuration.Milliseconds(),
		TotalMs:        totalMs,
		RulesEvaluated: res.RulesEvaluated,
		EngineVersion:  EngineVersion,
	}
	return eval, nil
}

// ShouldAlert returns true if the evaluation should trigger an alert.
func ShouldAlert(eval *domain.Evaluation) bool {
	return eval.Status == domain.StatusAlert
}

// Reasons lists the fired deterministic rules followed by the matched
// weighted features, for log lines and alert payloads.
func Reasons(res *risk.Result) []string {
	reasons := make([]string, 0, len(res.DeterministicTriggers)+len(res.MatchedFeatures))
	for _, id := range res.DeterministicTriggers {
		reasons = append(reasons, "rule:"+id)
	}
	for _, f := range res.MatchedFeatures {
		reasons = append(reasons, "feature:"+f)
	}
	return reasons
}
