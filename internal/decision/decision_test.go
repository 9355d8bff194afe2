package decision

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/risk"
)

func sampleResult(score float64) *risk.Result {
	return &risk.Result{
		Score:                 score,
		Labels:                []string{"aml.structuring"},
		DeterministicTriggers: []string{"sanctions_hit"},
		MatchedFeatures:       []string{"frequency", "small_amount"},
		WeightedDetails:       []risk.WeightedDetail{},
		Explanation:           "deterministic: sanctions_hit",
		InputEntityID:         "E1",
		InputTransferCount:    4,
		KBVersion:             "v1",
		RulesEvaluated:        3,
	}
}

func TestProcess(t *testing.T) {
	p := NewProcessor(70)

	t.Run("AlertAtThreshold", func(t *testing.T) {
		eval, err := p.Process(&Input{
			Source:       domain.SourceSync,
			TraceID:      "trace-1",
			Result:       sampleResult(70),
			StartTime:    time.Now().Add(-5 * time.Millisecond),
			EvalDuration: 2 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if eval.Status != domain.StatusAlert {
			t.Errorf("expected status %s, got %s", domain.StatusAlert, eval.Status)
		}
		if !ShouldAlert(eval) {
			t.Error("expected ShouldAlert to be true")
		}
		if eval.ID == "" || eval.EntityID != "E1" || eval.KBVersion != "v1" {
			t.Errorf("unexpected evaluation: %+v", eval)
		}
		if eval.Metadata.RulesEvaluated != 3 || eval.Metadata.EvalMs != 2 || eval.Metadata.TotalMs < 5 {
			t.Errorf("unexpected metadata: %+v", eval.Metadata)
		}
		if eval.Metadata.EngineVersion != EngineVersion || eval.Metadata.TraceID != "trace-1" {
			t.Errorf("unexpected metadata: %+v", eval.Metadata)
		}

		var decoded map[string]any
		if err := json.Unmarshal(eval.Result, &decoded); err != nil {
			t.Fatalf("result is not JSON: %v", err)
		}
		if decoded["score"] != 70.0 {
			t.Errorf("expected score 70 in result, got %v", decoded["score"])
		}
		if _, leaked := decoded["RulesEvaluated"]; leaked {
			t.Error("expected rule count to stay out of the result document")
		}
	})

	t.Run("BelowThreshold", func(t *testing.T) {
		eval, err := p.Process(&Input{Source: domain.SourceAsync, Result: sampleResult(69.99)})
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if eval.Status != domain.StatusNoAlert || ShouldAlert(eval) {
			t.Errorf("expected status %s, got %s", domain.StatusNoAlert, eval.Status)
		}
		if eval.Metadata.TotalMs != 0 {
			t.Errorf("expected zero total without a start time, got %d", eval.Metadata.TotalMs)
		}
	})

	t.Run("MissingResult", func(t *testing.T) {
		if _, err := p.Process(&Input{}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestNewProcessorDefault(t *testing.T) {
	if p := NewProcessor(0); p.AlertThreshold != DefaultAlertThreshold {
		t.Errorf("expected threshold %v, got %v", DefaultAlertThreshold, p.AlertThreshold)
	}
}

func TestReasons(t *testing.T) {
	got := strings.Join(Reasons(sampleResult(10)), ",")
	if got != "rule:sanctions_hit,feature:frequency,feature:small_amount" {
		t.Errorf("unexpected reasons: %s", got)
	}
}
