package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Lexical match tiers.
const (
	TierExact       = 4
	TierPrefix      = 3
	TierContains    = 2
	TierDescription = 1

	// MaxTier normalizes a tier into [0,1].
	MaxTier = 4
)

// Match is an entity found by lexical search.
type Match struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Score       int    `json:"score"`
	MatchBy     string `json:"match_by,omitempty"`

	entity *domain.Entity
}

// Entity returns the full entity behind the match.
func (m Match) Entity() *domain.Entity {
	return m.entity
}

// Tier scores e against the lower-cased query: exact id or name match is
// TierExact, a prefix TierPrefix, other containment in id or name
// TierContains, containment only in the description TierDescription, and 0
// when nothing matches.
func Tier(e *domain.Entity, q string) int {
	if q == "" {
		return 0
	}
	id := strings.ToLower(e.ID)
	name := strings.ToLower(e.Name)

	switch {
	case id == q || name == q:
		return TierExact
	case strings.HasPrefix(id, q) || strings.HasPrefix(name, q):
		return TierPrefix
	case strings.Contains(id, q) || strings.Contains(name, q):
		return TierContains
	case strings.Contains(strings.ToLower(e.Description), q):
		return TierDescription
	}
	return 0
}

func matchBy(tier int) string {
	switch tier {
	case TierExact:
		return "exact"
	case TierPrefix:
		return "startswith"
	case TierContains:
		return "contains"
	default:
		return "description"
	}
}

// SearchFuzzy returns at most limit entities matching query, ordered by tier
// descending, then shorter name, lower-cased name and id.
func (e *Engine) SearchFuzzy(ctx context.Context, query string, limit int) ([]Match, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []Match{}, nil
	}

	entities, err := e.store.SearchEntities(ctx, q)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(entities))
	for _, ent := range entities {
		tier := Tier(ent, q)
		if tier == 0 {
			continue
		}
		matches = append(matches, Match{
			ID:          ent.ID,
			Name:        ent.Name,
			Type:        ent.Type,
			Description: ent.Description,
			Score:       tier,
			MatchBy:     matchBy(tier),
			entity:      ent,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.Name) != len(b.Name) {
			return len(a.Name) < len(b.Name)
		}
		if la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name); la != lb {
			return la < lb
		}
		return a.ID < b.ID
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// IdentifierResult reports how an identifier was resolved.
type IdentifierResult struct {
	Resolved  *Match  `json:"resolved"`
	By        string  `json:"by"`
	Ambiguous bool    `json:"ambiguous"`
	Matches   []Match `json:"matches,omitempty"`
}

// identifierFuzzyLimit bounds the fuzzy fallback of ResolveIdentifier.
const identifierFuzzyLimit = 5

// ResolveIdentifier maps a user-supplied identifier to one entity: by id,
// then by exact case-insensitive name, then by fuzzy search. Several hits at
// one stage are reported as ambiguous. No hit at all is domain.ErrNotFound.
func (e *Engine) ResolveIdentifier(ctx context.Context, identifier string) (*IdentifierResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier is required", domain.ErrInvalidInput)
	}

	ent, err := e.store.GetEntity(ctx, identifier)
	switch {
	case err == nil:
		m := toMatch(ent, TierExact)
		return &IdentifierResult{Resolved: &m, By: "id"}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	byName, err := e.store.FindByName(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if res := pick("name", entityMatches(byName)); res != nil {
		return res, nil
	}

	fuzzy, err := e.SearchFuzzy(ctx, identifier, identifierFuzzyLimit)
	if err != nil {
		return nil, err
	}
	if res := pick("fuzzy", fuzzy); res != nil {
		return res, nil
	}
	return nil, fmt.Errorf("identifier %q: %w", identifier, domain.ErrNotFound)
}

func pick(by string, matches []Match) *IdentifierResult {
	switch len(matches) {
	case 0:
		return nil
	case 1:
		return &IdentifierResult{Resolved: &matches[0], By: by}
	default:
		return &IdentifierResult{By: by, Ambiguous: true, Matches: matches}
	}
}

func entityMatches(entities []*domain.Entity) []Match {
	out := make([]Match, 0, len(entities))
	for _, ent := range entities {
		out = append(out, toMatch(ent, TierExact))
	}
	return out
}

func toMatch(ent *domain.Entity, tier int) Match {
	return Match{
		ID:          ent.ID,
		Name:        ent.Name,
		Type:        ent.Type,
		Description: ent.Description,
		Score:       tier,
		entity:      ent,
	}
}
