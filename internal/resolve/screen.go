package resolve

import (
	"context"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/kb"
)

// Watchlist match scores.
const (
	ScreenExact    = 3
	ScreenContains = 2

	// DefaultScreenFuzzyLimit bounds the internal duplicate scan.
	DefaultScreenFuzzyLimit = 5
)

// WatchlistHit is a watchlist name or alias matching the screened name.
type WatchlistHit struct {
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	List      string `json:"list,omitempty"`
	RiskLevel string `json:"risk_level,omitempty"`
	Notes     string `json:"notes,omitempty"`
	Score     int    `json:"score"`
	MatchBy   string `json:"match_by"`
}

// ScreenResult combines internal duplicate matches and watchlist hits.
type ScreenResult struct {
	Input              string         `json:"input"`
	EntityFuzzyMatches []Match        `json:"entity_fuzzy_matches"`
	WatchlistHits      []WatchlistHit `json:"watchlist_hits"`
}

// Screen checks name against existing entities and the KB watchlist.
func (e *Engine) Screen(ctx context.Context, name string, fuzzyLimit int) (*ScreenResult, error) {
	q := strings.TrimSpace(name)
	res := &ScreenResult{
		Input:              q,
		EntityFuzzyMatches: []Match{},
		WatchlistHits:      []WatchlistHit{},
	}
	if q == "" {
		return res, nil
	}
	if fuzzyLimit <= 0 {
		fuzzyLimit = DefaultScreenFuzzyLimit
	}

	matches, err := e.SearchFuzzy(ctx, q, fuzzyLimit)
	if err != nil {
		return nil, err
	}
	res.EntityFuzzyMatches = matches

	if e.kb != nil {
		snap, err := e.kb.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		res.WatchlistHits = ScreenWatchlist(snap.Watchlist, q)
	}
	return res, nil
}

// normalizeName drops all whitespace and lower-cases.
func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

// ScreenWatchlist matches name against every entry's name and aliases.
// Equal normalized names score ScreenExact, containment either way scores
// ScreenContains. Hits are ordered by score descending, then name.
func ScreenWatchlist(entries []kb.WatchlistEntry, name string) []WatchlistHit {
	hits := []WatchlistHit{}
	q := normalizeName(name)
	if q == "" {
		return hits
	}

	for _, entry := range entries {
		main := strings.TrimSpace(entry.Name)
		type variant struct {
			value string
			alias bool
		}
		var variants []variant
		if main != "" {
			variants = append(variants, variant{value: main})
		}
		for _, a := range entry.Aliases {
			if a = strings.TrimSpace(a); a != "" && a != main {
				variants = append(variants, variant{value: a, alias: true})
			}
		}

		for _, v := range variants {
			wl := normalizeName(v.value)
			if wl == "" {
				continue
			}

			var score int
			by := "exact"
			if v.alias {
				by = "alias"
			}
			switch {
			case q == wl:
				score = ScreenExact
			case strings.Contains(wl, q) || strings.Contains(q, wl):
				score = ScreenContains
				if !v.alias {
					by = "fuzzy"
				}
			default:
				continue
			}

			hits = append(hits, WatchlistHit{
				Name:      v.value,
				Type:      entry.Type,
				List:      entry.List,
				RiskLevel: entry.RiskLevel,
				Notes:     entry.Notes,
				Score:     score,
				MatchBy:   by,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Name < hits[j].Name
	})
	return hits
}
