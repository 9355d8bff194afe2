package kb

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Feature names understood by weighted rules, in evaluation order.
const (
	FeatureSmallAmount             = "small_amount"
	FeatureMultiAccounts           = "multi_accounts"
	FeatureConsecutiveDays         = "consecutive_days"
	FeatureSameBeneficiary         = "same_beneficiary"
	FeatureTotalVolume             = "total_volume"
	FeatureCrossBorder             = "cross_border"
	FeatureSameOffshoreBeneficiary = "same_offshore_beneficiary"
	FeatureFrequency               = "frequency"
)

// Features lists every known feature in the order rules evaluate them.
var Features = []string{
	FeatureSmallAmount,
	FeatureMultiAccounts,
	FeatureConsecutiveDays,
	FeatureSameBeneficiary,
	FeatureTotalVolume,
	FeatureCrossBorder,
	FeatureSameOffshoreBeneficiary,
	FeatureFrequency,
}

// DefaultThreshold applies to weighted rules that do not set one.
const DefaultThreshold = 1.0

// DeterministicRule fixes a minimum score when its condition matches.
type DeterministicRule struct {
	ID       string     `json:"id"`
	Category string     `json:"category,omitempty"`
	Match    RuleMatch  `json:"match"`
	Effect   RuleEffect `json:"effect"`

	program cel.Program
}

// RuleMatch is the condition of a deterministic rule. When both fields are
// set, both must hold.
type RuleMatch struct {
	CounterpartyNameInSanctions bool   `json:"counterparty_name_in_sanctions,omitempty"`
	Expression                  string `json:"expression,omitempty"`
}

// RuleEffect is applied when a deterministic rule matches.
type RuleEffect struct {
	Score float64 `json:"score"`
}

// WeightedRule sums feature weights and passes at or above Threshold.
type WeightedRule struct {
	ID        string             `json:"id"`
	Category  string             `json:"category,omitempty"`
	Weights   map[string]float64 `json:"weights"`
	Threshold float64            `json:"threshold"`
	Hints     RuleHints          `json:"hints"`
}

// RuleHints carries per-rule parameters for amount-based features.
type RuleHints struct {
	SmallAmountCNYMax *float64 `json:"small_amount_cny_max,omitempty"`
}

// Facts are the inputs a deterministic CEL condition can reference.
type Facts struct {
	BeneficiaryName string
	Sanctioned      bool
	TransferCount   int
	TotalAmount     float64
	MaxAmount       float64
	Regions         []string
}

func (f Facts) activation() map[string]any {
	regions := f.Regions
	if regions == nil {
		regions = []string{}
	}
	return map[string]any{
		"beneficiary_name": f.BeneficiaryName,
		"sanctioned":       f.Sanctioned,
		"transfer_count":   int64(f.TransferCount),
		"total_amount":     f.TotalAmount,
		"max_amount":       f.MaxAmount,
		"regions":          regions,
	}
}

// Matches reports whether the rule condition holds for facts. A CEL runtime
// error is returned to the caller and counts as no match.
func (r *DeterministicRule) Matches(facts Facts) (bool, error) {
	if r.Match.CounterpartyNameInSanctions && !facts.Sanctioned {
		return false, nil
	}
	if r.program == nil {
		return r.Match.CounterpartyNameInSanctions, nil
	}

	out, _, err := r.program.Eval(facts.activation())
	if err != nil {
		return false, fmt.Errorf("rule %s: evaluation error: %w", r.ID, err)
	}
	b, ok := out.(types.Bool)
	return ok && bool(b), nil
}

// newConditionEnv declares the variables available to deterministic rule
// expressions.
func newConditionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("beneficiary_name", cel.StringType),
		cel.Variable("sanctioned", cel.BoolType),
		cel.Variable("transfer_count", cel.IntType),
		cel.Variable("total_amount", cel.DoubleType),
		cel.Variable("max_amount", cel.DoubleType),
		cel.Variable("regions", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compileDeterministic(env *cel.Env, raw json.RawMessage) (*DeterministicRule, error) {
	var rule DeterministicRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedRule, err)
	}
	if strings.TrimSpace(rule.ID) == "" {
		return &rule, fmt.Errorf("%w: deterministic rule without id", domain.ErrMalformedRule)
	}

	expr := strings.TrimSpace(rule.Match.Expression)
	if !rule.Match.CounterpartyNameInSanctions && expr == "" {
		return &rule, fmt.Errorf("%w: rule %s has no supported match condition", domain.ErrMalformedRule, rule.ID)
	}
	if expr == "" {
		return &rule, nil
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return &rule, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrMalformedRule, rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return &rule, fmt.Errorf("%w: rule %s: expression must return bool, got %s", domain.ErrMalformedRule, rule.ID, ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return &rule, fmt.Errorf("%w: failed to create program for rule %s: %v", domain.ErrMalformedRule, rule.ID, err)
	}
	rule.program = program
	return &rule, nil
}

func parseWeighted(raw json.RawMessage) (*WeightedRule, error) {
	var doc struct {
		WeightedRule
		Threshold *float64 `json:"threshold"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedRule, err)
	}

	rule := doc.WeightedRule
	rule.Threshold = DefaultThreshold
	if doc.Threshold != nil {
		rule.Threshold = *doc.Threshold
	}

	if strings.TrimSpace(rule.ID) == "" {
		return &rule, fmt.Errorf("%w: weighted rule without id", domain.ErrMalformedRule)
	}
	for name, w := range rule.Weights {
		if !knownFeature(name) {
			return &rule, fmt.Errorf("%w: rule %s references unknown feature %q", domain.ErrMalformedRule, rule.ID, name)
		}
		if w < 0 {
			return &rule, fmt.Errorf("%w: rule %s has negative weight for %s", domain.ErrMalformedRule, rule.ID, name)
		}
	}
	return &rule, nil
}

func knownFeature(name string) bool {
	for _, f := range Features {
		if f == name {
			return true
		}
	}
	return false
}
