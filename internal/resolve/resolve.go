// Package resolve ranks graph entities against a free-text description of a
// person or organisation, combining lexical tiers, optional embeddings and
// profile bonuses.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/kb"
)

// Scoring constants. Consumers rely on these values.
const (
	SemanticWeight = 0.6
	FuzzyWeight    = 0.4

	BirthDateBonus      = 0.3
	IDInfoDateBonus     = 0.15
	AddressKeywordBonus = 0.1
	AddressBonusCap     = 0.3

	// MaxComposite is the highest reachable composite score: full lexical
	// and semantic scores plus both bonus caps.
	MaxComposite = 1.6

	DefaultTopK = 5
	MaxTopK     = 50

	subgraphCandidates = 2
	subgraphDepth      = 1
)

// Degradation reasons reported on a Result.
const (
	DegradedEmbeddingUnavailable = "embedding_unavailable"
	DegradedEmbeddingFailed      = "embedding_failed"
	DegradedEmbeddingMismatch    = "embedding_length_mismatch"
	DegradedSubgraph             = "subgraph_unavailable"
)

var tracer = otel.Tracer("kestrel-resolve")

// Extra carries optional hints. Keys other than address_keywords are kept
// for the echoed query and otherwise ignored.
type Extra struct {
	AddressKeywords []string
	Other           map[string]json.RawMessage
}

// UnmarshalJSON decodes address_keywords leniently: non-string scalars are
// stringified and nulls dropped.
func (x *Extra) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*x = Extra{}
	for k, v := range raw {
		if k != "address_keywords" {
			if x.Other == nil {
				x.Other = make(map[string]json.RawMessage)
			}
			x.Other[k] = v
			continue
		}
		var items []any
		if err := json.Unmarshal(v, &items); err != nil {
			continue
		}
		for _, item := range items {
			if item == nil {
				continue
			}
			x.AddressKeywords = append(x.AddressKeywords, fmt.Sprint(item))
		}
	}
	return nil
}

// MarshalJSON writes the hints back in their original shape.
func (x Extra) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(x.Other)+1)
	for k, v := range x.Other {
		out[k] = v
	}
	if x.AddressKeywords != nil {
		out["address_keywords"] = x.AddressKeywords
	}
	return json.Marshal(out)
}

// Request is a resolution query.
type Request struct {
	Name        string `json:"name,omitempty"`
	BirthDate   string `json:"birth_date,omitempty"`
	Extra       *Extra `json:"extra,omitempty"`
	UseSemantic bool   `json:"use_semantic"`
	TopK        int    `json:"top_k,omitempty"`
}

// Query is the request as echoed back in a Result.
type Query struct {
	Name        string `json:"name"`
	BirthDate   string `json:"birth_date,omitempty"`
	Extra       *Extra `json:"extra"`
	UseSemantic bool   `json:"use_semantic"`
}

// Candidate is one ranked entity.
type Candidate struct {
	NodeID          string         `json:"node_id"`
	Labels          []string       `json:"labels"`
	Name            string         `json:"name"`
	Score           float64        `json:"score"`
	FuzzyScore      float64        `json:"fuzzy_score"`
	SemanticScore   float64        `json:"semantic_score"`
	CompositeScore  float64        `json:"composite_score"`
	NormalizedScore float64        `json:"normalized_score"`
	MatchedFields   []string       `json:"matched_fields"`
	Evidence        string         `json:"evidence"`
	Entity          *domain.Entity `json:"entity"`
}

// Result is the resolution outcome. Subgraphs holds a one-hop layer view for
// the top candidates; a nil value means that fetch failed.
type Result struct {
	Query        Query                          `json:"query"`
	Candidates   []Candidate                    `json:"candidates"`
	Subgraphs    map[string]*graph.LayersResult `json:"subgraphs"`
	SemanticUsed bool                           `json:"semantic_used"`
	Degraded     []string                       `json:"degraded"`
}

// Engine resolves queries against a graph store. embedder may be nil.
type Engine struct {
	store    domain.GraphStore
	embedder domain.Embedder
	kb       *kb.Service
	logger   *slog.Logger
}

// NewEngine creates a resolution engine. kbService supplies the screening
// watchlist and may be nil when screening is not used.
func NewEngine(store domain.GraphStore, embedder domain.Embedder, kbService *kb.Service, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, embedder: embedder, kb: kbService, logger: logger}
}

// CandidateLimit is the lexical candidate cap for a given top_k.
func CandidateLimit(topK int) int {
	if n := 3 * topK; n > 10 {
		return n
	}
	return 10
}

// Resolve ranks entities against req. Only a graph store failure is
// returned as an error; embedding and subgraph failures degrade the result.
func (e *Engine) Resolve(ctx context.Context, req Request) (*Result, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	ctx, span := tracer.Start(ctx, "resolve.resolve", trace.WithAttributes(
		attribute.Int("top_k", topK),
		attribute.Bool("use_semantic", req.UseSemantic),
	))
	defer span.End()

	result := &Result{
		Query: Query{
			Name:        req.Name,
			BirthDate:   req.BirthDate,
			Extra:       req.Extra,
			UseSemantic: req.UseSemantic,
		},
		Candidates: []Candidate{},
		Subgraphs:  map[string]*graph.LayersResult{},
		Degraded:   []string{},
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return result, nil
	}

	matches, err := e.SearchFuzzy(ctx, name, CandidateLimit(topK))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(matches) == 0 {
		return result, nil
	}

	var sims []float64
	if req.UseSemantic {
		var reason string
		sims, reason = e.semanticSimilarities(ctx, name, matches)
		if reason != "" {
			result.Degraded = append(result.Degraded, reason)
		}
	}
	result.SemanticUsed = sims != nil

	keywords := normalizeKeywords(req.Extra)
	for i, m := range matches {
		c := Candidate{
			NodeID:        m.ID,
			Labels:        labels(m.Type),
			Name:          m.Name,
			FuzzyScore:    math.Min(1, float64(m.Score)/MaxTier),
			MatchedFields: []string{},
			Evidence:      nodeText(m.entity),
			Entity:        m.entity,
		}

		var bonus float64
		if req.BirthDate != "" {
			b, field := birthDateBonus(m.entity, req.BirthDate)
			if field != "" {
				bonus += b
				c.MatchedFields = append(c.MatchedFields, field)
			}
		}
		if len(keywords) > 0 {
			b, fields := addressBonus(m.entity, keywords)
			bonus += b
			c.MatchedFields = append(c.MatchedFields, fields...)
		}

		if sims != nil {
			c.SemanticScore = (sims[i] + 1) / 2
			c.CompositeScore = SemanticWeight*c.SemanticScore + FuzzyWeight*c.FuzzyScore + bonus
		} else {
			c.CompositeScore = c.FuzzyScore + bonus
		}
		c.NormalizedScore = clamp01(c.CompositeScore / MaxComposite)
		c.Score = math.Min(1, c.CompositeScore)

		result.Candidates = append(result.Candidates, c)
	}

	sort.SliceStable(result.Candidates, func(i, j int) bool {
		a, b := result.Candidates[i], result.Candidates[j]
		if a.NormalizedScore != b.NormalizedScore {
			return a.NormalizedScore > b.NormalizedScore
		}
		return a.CompositeScore > b.CompositeScore
	})
	if len(result.Candidates) > topK {
		result.Candidates = result.Candidates[:topK]
	}

	for i := 0; i < len(result.Candidates) && i < subgraphCandidates; i++ {
		id := result.Candidates[i].NodeID
		layers, err := graph.Layers(ctx, e.store, id, subgraphDepth)
		if err != nil {
			e.logger.Warn("subgraph fetch failed", "entity_id", id, "error", err)
			result.Subgraphs[id] = nil
			result.Degraded = append(result.Degraded, DegradedSubgraph+":"+id)
			continue
		}
		result.Subgraphs[id] = layers
	}

	span.SetAttributes(
		attribute.Int("candidates", len(result.Candidates)),
		attribute.Bool("semantic_used", result.SemanticUsed),
	)
	return result, nil
}

// semanticSimilarities embeds the query and every candidate in one call and
// returns the cosine similarity per candidate. On any failure it returns nil
// and the degradation reason.
func (e *Engine) semanticSimilarities(ctx context.Context, query string, matches []Match) ([]float64, string) {
	if e.embedder == nil {
		return nil, DegradedEmbeddingUnavailable
	}

	texts := make([]string, 0, len(matches)+1)
	texts = append(texts, query)
	for _, m := range matches {
		texts = append(texts, nodeText(m.entity))
	}

	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		e.logger.Warn("embedding failed, continuing with lexical scores", "error", err)
		return nil, DegradedEmbeddingFailed
	}
	if len(vectors) != len(texts) {
		e.logger.Warn("embedding returned unexpected length, continuing with lexical scores",
			"expected", len(texts), "got", len(vectors))
		return nil, DegradedEmbeddingMismatch
	}

	sims := make([]float64, len(matches))
	for i := range matches {
		sims[i] = Cosine(vectors[0], vectors[i+1])
	}
	return sims, ""
}

// Cosine returns the cosine similarity of a and b, or 0 when either vector
// is empty or has zero norm. Vectors of different length are compared over
// their common prefix.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var na, nb, dot float64
	for _, x := range a {
		na += float64(x) * float64(x)
	}
	for _, y := range b {
		nb += float64(y) * float64(y)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// nodeText is the descriptive text embedded for a candidate and reported as
// its evidence.
func nodeText(ent *domain.Entity) string {
	var parts []string
	for _, v := range []string{ent.Name, ent.Type, ent.Description, ent.ID, ent.Profile.Text()} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " | ")
}

func labels(entityType string) []string {
	if strings.EqualFold(entityType, "person") {
		return []string{"Person"}
	}
	return []string{entityType}
}

// birthDateBonus awards BirthDateBonus for an exact basic_info.birth_date
// match, otherwise IDInfoDateBonus when an id_info value contains the date.
func birthDateBonus(ent *domain.Entity, dob string) (float64, string) {
	if bi := ent.Profile.BasicInfo; bi != nil && bi.BirthDate == dob {
		return BirthDateBonus, "birth_date"
	}

	keys := make([]string, 0, len(ent.Profile.IDInfo))
	for k := range ent.Profile.IDInfo {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(ent.Profile.IDInfo[k], dob) {
			return IDInfoDateBonus, "id_info_match"
		}
	}
	return 0, ""
}

func normalizeKeywords(extra *Extra) []string {
	if extra == nil {
		return nil
	}
	var out []string
	for _, kw := range extra.AddressKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// addressBonus adds AddressKeywordBonus per distinct keyword found in the
// residential address or, failing that, in the recent countries list,
// capped at AddressBonusCap.
func addressBonus(ent *domain.Entity, keywords []string) (float64, []string) {
	var address string
	if bi := ent.Profile.BasicInfo; bi != nil {
		address = strings.ToLower(bi.ResidentialAddress)
	}
	var countries []string
	if geo := ent.Profile.GeoProfile; geo != nil {
		for _, c := range geo.CountriesRecent6M {
			countries = append(countries, strings.ToLower(c))
		}
	}

	matched := make(map[string]string)
	for _, kw := range keywords {
		if _, seen := matched[kw]; seen {
			continue
		}
		if strings.Contains(address, kw) {
			matched[kw] = "basic_info"
			continue
		}
		for _, c := range countries {
			if strings.Contains(c, kw) {
				matched[kw] = "geo_profile"
				break
			}
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}

	kws := make([]string, 0, len(matched))
	for kw := range matched {
		kws = append(kws, kw)
	}
	sort.Strings(kws)

	fields := make([]string, 0, len(kws))
	for _, kw := range kws {
		fields = append(fields, fmt.Sprintf("address:%s (%s)", kw, matched[kw]))
	}
	return math.Min(AddressBonusCap, AddressKeywordBonus*float64(len(matched))), fields
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
