// Package risk evaluates transfer activity against the rule knowledge base.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/kb"
)

// Feature thresholds.
const (
	// TransferWindow caps the transactions derived for an entity.
	TransferWindow = 100

	multiAccountsMin   = 3
	consecutiveDaysMin = 5
	frequencyMin       = 3
	totalVolumeFactor  = 3
)

var tracer = otel.Tracer("kestrel-risk")

// Request is the evaluation payload: either explicit transfers with a
// beneficiary name, or an entity whose recorded transactions are used.
type Request struct {
	EntityID        string     `json:"entity_id,omitempty"`
	Transfers       []Transfer `json:"transfers,omitempty"`
	BeneficiaryName string     `json:"beneficiary_name,omitempty"`
}

// Result is the outcome of a KB rule evaluation.
type Result struct {
	Score                 float64          `json:"score"`
	Labels                []string         `json:"labels"`
	DeterministicTriggers []string         `json:"deterministic_triggers"`
	MatchedFeatures       []string         `json:"matched_features"`
	WeightedDetails       []WeightedDetail `json:"weighted_details"`
	Explanation           string           `json:"explanation"`
	InputEntityID         string           `json:"input_entity_id,omitempty"`
	InputTransferCount    int              `json:"input_transfer_count"`
	KBVersion             string           `json:"kb_version"`

	// RulesEvaluated counts the deterministic and weighted rules applied.
	RulesEvaluated int `json:"-"`
}

// WeightedDetail is the diagnostic record of one weighted rule.
type WeightedDetail struct {
	ID              string          `json:"id"`
	Category        string          `json:"category,omitempty"`
	MatchedFeatures []string        `json:"matched_features"`
	RawScore        float64         `json:"raw_score"`
	Threshold       float64         `json:"threshold"`
	Passed          bool            `json:"passed"`
	FeatureWeights  []FeatureWeight `json:"feature_weights"`
}

// FeatureWeight is a matched feature and the weight it contributed.
type FeatureWeight struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Engine evaluates requests against the current KB snapshot.
type Engine struct {
	kb     *kb.Service
	store  domain.GraphStore
	logger *slog.Logger
}

// NewEngine creates a risk engine. store is only used for entity requests.
func NewEngine(kbService *kb.Service, store domain.GraphStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{kb: kbService, store: store, logger: logger}
}

// Evaluate scores req. For an entity request without transfers, the
// entity's most recent transactions (both directions, at most
// TransferWindow) are used; a missing entity yields domain.ErrNotFound and a
// store failure is returned as is.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "risk.evaluate", trace.WithAttributes(
		attribute.String("entity.id", req.EntityID),
		attribute.Int("transfers", len(req.Transfers)),
	))
	defer span.End()

	snap, err := e.kb.Snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	transfers := req.Transfers
	if req.EntityID != "" && len(transfers) == 0 {
		transfers, err = e.entityTransfers(ctx, req.EntityID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	result := Evaluate(snap, transfers, req.BeneficiaryName, e.logger)
	result.InputEntityID = req.EntityID

	span.SetAttributes(
		attribute.Float64("score", result.Score),
		attribute.String("kb.version", result.KBVersion),
	)
	return result, nil
}

func (e *Engine) entityTransfers(ctx context.Context, entityID string) ([]Transfer, error) {
	if e.store == nil {
		return nil, fmt.Errorf("%w: no graph store configured", domain.ErrDataSource)
	}
	if _, err := e.store.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}

	txs, err := e.store.Transactions(ctx, entityID, TransferWindow)
	if err != nil {
		return nil, err
	}
	if len(txs) > TransferWindow {
		txs = txs[:TransferWindow]
	}

	transfers := make([]Transfer, 0, len(txs))
	for _, tx := range txs {
		transfers = append(transfers, FromTransaction(tx))
	}
	return transfers, nil
}

// features holds everything derived once from a transfer list.
type features struct {
	amounts         []float64
	maxAmount       float64
	totalAmount     float64
	regions         []string
	multiAccounts   bool
	sameBeneficiary bool
	consecutiveDays bool
	crossBorder     bool
	sameOffshore    bool
	frequency       bool
}

func deriveFeatures(snap *kb.Snapshot, transfers []Transfer) features {
	var f features
	if len(transfers) == 0 {
		return f
	}

	from := make(map[string]struct{})
	to := make(map[string]struct{})
	dates := make(map[string]struct{})
	regions := make(map[string]struct{})

	for _, t := range transfers {
		if t.Amount != nil {
			f.amounts = append(f.amounts, *t.Amount)
		}
		if t.From != "" {
			from[t.From] = struct{}{}
		}
		if t.To != "" {
			to[t.To] = struct{}{}
		}
		if t.Date != "" {
			dates[t.Date] = struct{}{}
		}
		if t.ToRegion != "" {
			regions[t.ToRegion] = struct{}{}
		}
	}

	for i, a := range f.amounts {
		if i == 0 || a > f.maxAmount {
			f.maxAmount = a
		}
		f.totalAmount += a
	}

	f.regions = make([]string, 0, len(regions))
	for r := range regions {
		f.regions = append(f.regions, r)
	}
	sort.Strings(f.regions)

	f.multiAccounts = len(from) >= multiAccountsMin
	f.sameBeneficiary = len(to) == 1
	f.frequency = len(transfers) >= frequencyMin
	f.consecutiveDays = len(dates) >= consecutiveDaysMin
	f.crossBorder = len(regions) > 1

	if len(f.regions) > 0 && f.sameBeneficiary {
		f.sameOffshore = true
		for _, r := range f.regions {
			if !snap.IsHighRiskRegion(r) {
				f.sameOffshore = false
				break
			}
		}
	}
	return f
}

// flags returns the feature values seen by rule. The amount-based features
// depend on the rule's own hints and never on another rule's.
func (f features) flags(rule *kb.WeightedRule) map[string]bool {
	flags := map[string]bool{
		kb.FeatureMultiAccounts:           f.multiAccounts,
		kb.FeatureConsecutiveDays:         f.consecutiveDays,
		kb.FeatureSameBeneficiary:         f.sameBeneficiary,
		kb.FeatureCrossBorder:             f.crossBorder,
		kb.FeatureSameOffshoreBeneficiary: f.sameOffshore,
		kb.FeatureFrequency:               f.frequency,
	}
	if limit := rule.Hints.SmallAmountCNYMax; limit != nil && len(f.amounts) > 0 {
		flags[kb.FeatureSmallAmount] = f.maxAmount <= *limit
		flags[kb.FeatureTotalVolume] = f.totalAmount >= totalVolumeFactor*(*limit)
	}
	return flags
}

// Evaluate is the pure evaluation of transfers against snap: the same
// inputs always produce the same result.
func Evaluate(snap *kb.Snapshot, transfers []Transfer, beneficiaryName string, logger *slog.Logger) *Result {
	if logger == nil {
		logger = slog.Default()
	}

	result := &Result{
		Labels:                []string{},
		DeterministicTriggers: []string{},
		MatchedFeatures:       []string{},
		WeightedDetails:       []WeightedDetail{},
		InputTransferCount:    len(transfers),
		KBVersion:             snap.Version,
		RulesEvaluated:        len(snap.Deterministic) + len(snap.Weighted),
	}

	f := deriveFeatures(snap, transfers)
	sanctioned := snap.IsSanctioned(beneficiaryName)

	var score float64

	// Deterministic phase.
	facts := kb.Facts{
		BeneficiaryName: beneficiaryName,
		Sanctioned:      sanctioned,
		TransferCount:   len(transfers),
		TotalAmount:     f.totalAmount,
		MaxAmount:       f.maxAmount,
		Regions:         f.regions,
	}
	for _, rule := range snap.Deterministic {
		matched, err := rule.Matches(facts)
		if err != nil {
			logger.Warn("deterministic rule failed", "rule_id", rule.ID, "error", err)
			continue
		}
		if !matched {
			continue
		}
		result.DeterministicTriggers = append(result.DeterministicTriggers, rule.ID)
		score = math.Max(score, rule.Effect.Score)
		result.Labels = appendUnique(result.Labels, rule.Category)
	}

	// Weighted phase.
	for _, rule := range snap.Weighted {
		flags := f.flags(rule)
		detail := WeightedDetail{
			ID:              rule.ID,
			Category:        rule.Category,
			MatchedFeatures: []string{},
			Threshold:       rule.Threshold,
			FeatureWeights:  []FeatureWeight{},
		}

		var raw float64
		for _, name := range kb.Features {
			w, weighted := rule.Weights[name]
			if !weighted || !flags[name] {
				continue
			}
			raw += w
			detail.MatchedFeatures = append(detail.MatchedFeatures, name)
			detail.FeatureWeights = append(detail.FeatureWeights, FeatureWeight{Name: name, Weight: w})
		}
		detail.RawScore = roundTo(raw, 6)
		detail.Passed = detail.RawScore >= rule.Threshold
		result.WeightedDetails = append(result.WeightedDetails, detail)

		if !detail.Passed {
			continue
		}
		result.Labels = appendUnique(result.Labels, rule.Category)
		for _, name := range detail.MatchedFeatures {
			result.MatchedFeatures = appendUnique(result.MatchedFeatures, name)
		}
		score = math.Max(score, detail.RawScore*100)
	}

	result.Score = roundTo(score, 2)
	result.Explanation = explain(result.DeterministicTriggers, result.MatchedFeatures)
	return result
}

func explain(triggers, matched []string) string {
	var parts []string
	if len(triggers) > 0 {
		parts = append(parts, "Deterministic triggers: "+strings.Join(triggers, ", "))
	}
	if len(matched) > 0 {
		parts = append(parts, "Matched features: "+strings.Join(matched, ", "))
	}
	if len(parts) == 0 {
		return "No rules matched"
	}
	return strings.Join(parts, "; ")
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// roundTo rounds v to the given number of decimal places. Weight sums are
// rounded before the threshold comparison so that 0.3+0.2+0.2+0.2+0.1
// compares equal to 1.0.
func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
