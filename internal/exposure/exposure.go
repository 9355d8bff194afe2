// Package exposure flags an entity's accounts, transactions, guarantees,
// supply links and news against fixed thresholds. It is independent of the
// rule knowledge base and produces its own reasons and scores.
package exposure

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Flag weights.
const (
	weightHighValue      = 2.0
	weightMissingBank    = 0.5
	weightRiskyChannel   = 1.5
	weightMissingTime    = 0.5
	weightSelfLink       = 2.0
	weightHighFrequency  = 1.5
	weightNegativeNews   = 2.0
	weightMissingSummary = 0.3
)

// TransactionLimit bounds the transactions inspected per entity.
const TransactionLimit = 500

var tracer = otel.Tracer("kestrel-exposure")

// Thresholds are the numeric limits and keywords used for flagging.
type Thresholds struct {
	AccountHighBalance     float64  `json:"ACCOUNT_HIGH_BALANCE"`
	TransactionLargeAmount float64  `json:"TRANSACTION_LARGE_AMOUNT"`
	GuaranteeLargeAmount   float64  `json:"GUARANTEE_LARGE_AMOUNT"`
	SupplyHighFrequency    float64  `json:"SUPPLY_HIGH_FREQUENCY"`
	NegativeNewsKeywords   []string `json:"NEGATIVE_NEWS_KEYWORDS"`
	RiskyChannels          []string `json:"RISKY_CHANNELS"`
}

// DefaultThresholds returns the standard limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AccountHighBalance:     1_000_000,
		TransactionLargeAmount: 500_000,
		GuaranteeLargeAmount:   1_000_000,
		SupplyHighFrequency:    50,
		NegativeNewsKeywords: []string{
			"fraud", "scandal", "investigation", "lawsuit",
			"bankruptcy", "probe", "breach", "bribery",
		},
		RiskyChannels: []string{"cash", "crypto"},
	}
}

// Assessment is a record with the flags raised against it.
type Assessment[T any] struct {
	Record    T        `json:"record"`
	RiskFlags []string `json:"risk_flags"`
	RiskScore float64  `json:"risk_score"`
}

func (a *Assessment[T]) flag(reason string, weight float64) {
	a.RiskFlags = append(a.RiskFlags, reason)
	a.RiskScore += weight
}

// Section groups the assessed records of one kind.
type Section[T any] struct {
	Items      []Assessment[T] `json:"items"`
	Risky      []Assessment[T] `json:"risky"`
	Count      int             `json:"count"`
	RiskyCount int             `json:"risky_count"`
}

func newSection[T any](records []T, assess func(*Assessment[T])) Section[T] {
	s := Section[T]{
		Items: make([]Assessment[T], 0, len(records)),
		Risky: []Assessment[T]{},
	}
	for _, r := range records {
		a := Assessment[T]{Record: r, RiskFlags: []string{}}
		assess(&a)
		s.Items = append(s.Items, a)
		if len(a.RiskFlags) > 0 {
			s.Risky = append(s.Risky, a)
		}
	}
	s.Count = len(s.Items)
	s.RiskyCount = len(s.Risky)
	return s
}

func (s Section[T]) riskyScore() float64 {
	var total float64
	for _, a := range s.Risky {
		total += a.RiskScore
	}
	return total
}

// Summary totals every section.
type Summary struct {
	TotalItems       int     `json:"total_items"`
	TotalRiskyItems  int     `json:"total_risky_items"`
	OverallRiskScore float64 `json:"overall_risk_score"`
}

// Report is the exposure assessment of one entity.
type Report struct {
	Entity       *domain.Entity                  `json:"entity"`
	Accounts     Section[domain.Account]         `json:"accounts"`
	Transactions Section[domain.TransactionEdge] `json:"transactions"`
	Guarantees   Section[domain.Guarantee]       `json:"guarantees"`
	SupplyChain  Section[domain.SupplyLink]      `json:"supply_chain"`
	News         Section[domain.NewsItem]        `json:"news"`
	Summary      Summary                         `json:"summary"`
	Thresholds   Thresholds                      `json:"thresholds"`
}

// Analyzer builds exposure reports.
type Analyzer struct {
	store      domain.GraphStore
	thresholds Thresholds
	keywords   *regexp.Regexp
	channels   map[string]bool
}

// NewAnalyzer creates an analyzer with the given thresholds.
func NewAnalyzer(store domain.GraphStore, thresholds Thresholds) *Analyzer {
	quoted := make([]string, 0, len(thresholds.NegativeNewsKeywords))
	for _, k := range thresholds.NegativeNewsKeywords {
		quoted = append(quoted, regexp.QuoteMeta(k))
	}
	var keywords *regexp.Regexp
	if len(quoted) > 0 {
		keywords = regexp.MustCompile("(?i)" + strings.Join(quoted, "|"))
	}

	channels := make(map[string]bool, len(thresholds.RiskyChannels))
	for _, c := range thresholds.RiskyChannels {
		channels[strings.ToLower(c)] = true
	}

	return &Analyzer{store: store, thresholds: thresholds, keywords: keywords, channels: channels}
}

// Analyze fetches the entity's related records concurrently and flags them.
// A missing entity is domain.ErrNotFound; any fetch failure aborts.
func (a *Analyzer) Analyze(ctx context.Context, entityID string) (*Report, error) {
	ctx, span := tracer.Start(ctx, "exposure.analyze", trace.WithAttributes(
		attribute.String("entity.id", entityID),
	))
	defer span.End()

	entity, err := a.store.GetEntity(ctx, entityID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var (
		accounts     []domain.Account
		transactions []domain.TransactionEdge
		guarantees   []domain.Guarantee
		supply       []domain.SupplyLink
		news         []domain.NewsItem
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		accounts, err = a.store.Accounts(gctx, entityID)
		return err
	})
	g.Go(func() (err error) {
		transactions, err = a.store.Transactions(gctx, entityID, TransactionLimit)
		return err
	})
	g.Go(func() (err error) {
		guarantees, err = a.store.Guarantees(gctx, entityID)
		return err
	})
	g.Go(func() (err error) {
		supply, err = a.store.SupplyLinks(gctx, entityID)
		return err
	})
	g.Go(func() (err error) {
		news, err = a.store.News(gctx, entityID)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	report := &Report{
		Entity:       entity,
		Accounts:     newSection(accounts, a.assessAccount),
		Transactions: newSection(transactions, a.assessTransaction),
		Guarantees:   newSection(guarantees, a.assessGuarantee),
		SupplyChain:  newSection(supply, a.assessSupplyLink),
		News:         newSection(dedupeNews(news), a.assessNews),
		Thresholds:   a.thresholds,
	}

	report.Summary = Summary{
		TotalItems: report.Accounts.Count + report.Transactions.Count + report.Guarantees.Count +
			report.SupplyChain.Count + report.News.Count,
		TotalRiskyItems: report.Accounts.RiskyCount + report.Transactions.RiskyCount + report.Guarantees.RiskyCount +
			report.SupplyChain.RiskyCount + report.News.RiskyCount,
		OverallRiskScore: report.Accounts.riskyScore() + report.Transactions.riskyScore() + report.Guarantees.riskyScore() +
			report.SupplyChain.riskyScore() + report.News.riskyScore(),
	}

	span.SetAttributes(
		attribute.Int("risky_items", report.Summary.TotalRiskyItems),
		attribute.Float64("overall_risk_score", report.Summary.OverallRiskScore),
	)
	return report, nil
}

func (a *Analyzer) assessAccount(as *Assessment[domain.Account]) {
	acc := as.Record
	if acc.Balance != nil && *acc.Balance >= a.thresholds.AccountHighBalance {
		as.flag("High balance >= "+formatAmount(a.thresholds.AccountHighBalance), weightHighValue)
	}
	if strings.TrimSpace(acc.BankName) == "" {
		as.flag("Missing bank name", weightMissingBank)
	}
}

func (a *Analyzer) assessTransaction(as *Assessment[domain.TransactionEdge]) {
	tx := as.Record
	if tx.Amount != nil && *tx.Amount >= a.thresholds.TransactionLargeAmount {
		as.flag("Large amount >= "+formatAmount(a.thresholds.TransactionLargeAmount), weightHighValue)
	}
	if a.channels[strings.ToLower(tx.Channel)] {
		as.flag("High-risk channel: "+tx.Channel, weightRiskyChannel)
	}
	if tx.Time == "" {
		as.flag("Missing timestamp", weightMissingTime)
	}
	if tx.From == tx.To {
		as.flag("Self-loop transaction", weightSelfLink)
	}
}

func (a *Analyzer) assessGuarantee(as *Assessment[domain.Guarantee]) {
	g := as.Record
	if g.Amount != nil && *g.Amount >= a.thresholds.GuaranteeLargeAmount {
		as.flag("Large guarantee >= "+formatAmount(a.thresholds.GuaranteeLargeAmount), weightHighValue)
	}
	if g.GuarantorID == g.GuaranteedID {
		as.flag("Self guarantee", weightSelfLink)
	}
}

func (a *Analyzer) assessSupplyLink(as *Assessment[domain.SupplyLink]) {
	l := as.Record
	if l.Frequency != nil && *l.Frequency >= a.thresholds.SupplyHighFrequency {
		as.flag("High supply frequency >= "+formatAmount(a.thresholds.SupplyHighFrequency), weightHighFrequency)
	}
	if l.SupplierID == l.CustomerID {
		as.flag("Self supplier/customer", weightSelfLink)
	}
}

func (a *Analyzer) assessNews(as *Assessment[domain.NewsItem]) {
	n := as.Record
	text := strings.TrimSpace(n.Title + " " + n.Summary)
	if a.keywords != nil && a.keywords.MatchString(text) {
		as.flag("Negative news keyword", weightNegativeNews)
	}
	if n.Summary == "" {
		as.flag("Missing summary", weightMissingSummary)
	}
}

// dedupeNews keeps the first item per url, or per title when the url is
// empty. Items with neither are dropped.
func dedupeNews(items []domain.NewsItem) []domain.NewsItem {
	seen := make(map[string]bool, len(items))
	out := make([]domain.NewsItem, 0, len(items))
	for _, n := range items {
		key := n.URL
		if key == "" {
			key = n.Title
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
