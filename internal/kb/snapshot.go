package kb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Document names read from a Source.
const (
	DocRules     = "rules.json"
	DocLists     = "lists.json"
	DocTaxonomy  = "taxonomy.json"
	DocWatchlist = "name_watchlist.json"
)

// Documents lists every KB document in load order.
var Documents = []string{DocRules, DocLists, DocTaxonomy, DocWatchlist}

// Snapshot is an immutable, fully compiled view of the rule knowledge base.
// Readers may share it freely across goroutines.
type Snapshot struct {
	Version  string
	LoadedAt time.Time

	Deterministic []*DeterministicRule
	Weighted      []*WeightedRule

	SanctionedParties []string
	HighRiskRegions   []string
	Taxonomy          json.RawMessage
	Watchlist         []WatchlistEntry

	// Skipped lists malformed entries left out of this snapshot.
	Skipped []SkippedEntry

	sanctioned map[string]bool
	highRisk   map[string]bool
}

// SkippedEntry records a malformed document or rule.
type SkippedEntry struct {
	Document string `json:"document"`
	ID       string `json:"id,omitempty"`
	Reason   string `json:"reason"`
}

// WatchlistEntry is one name on the local screening watchlist.
type WatchlistEntry struct {
	Name      string   `json:"name"`
	Aliases   []string `json:"aliases,omitempty"`
	Type      string   `json:"type,omitempty"`
	List      string   `json:"list,omitempty"`
	RiskLevel string   `json:"risk_level,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// IsSanctioned reports case-insensitive membership of name in the
// sanctioned parties list.
func (s *Snapshot) IsSanctioned(name string) bool {
	if name == "" {
		return false
	}
	return s.sanctioned[strings.ToUpper(name)]
}

// IsHighRiskRegion reports whether region is on the high-risk list.
func (s *Snapshot) IsHighRiskRegion(region string) bool {
	return s.highRisk[region]
}

// Summary is the JSON view of a snapshot served by the API.
type Summary struct {
	Version           string          `json:"version"`
	LoadedAt          time.Time       `json:"loadedAt"`
	DeterministicIDs  []string        `json:"deterministic"`
	WeightedIDs       []string        `json:"weighted"`
	SanctionedParties int             `json:"sanctionedParties"`
	HighRiskRegions   []string        `json:"highRiskRegions"`
	WatchlistEntries  int             `json:"watchlistEntries"`
	Taxonomy          json.RawMessage `json:"taxonomy"`
	Skipped           []SkippedEntry  `json:"skipped"`
}

// Summarize describes the snapshot without exposing compiled programs.
func (s *Snapshot) Summarize() Summary {
	sum := Summary{
		Version:           s.Version,
		LoadedAt:          s.LoadedAt,
		DeterministicIDs:  make([]string, 0, len(s.Deterministic)),
		WeightedIDs:       make([]string, 0, len(s.Weighted)),
		SanctionedParties: len(s.SanctionedParties),
		HighRiskRegions:   s.HighRiskRegions,
		WatchlistEntries:  len(s.Watchlist),
		Taxonomy:          s.Taxonomy,
		Skipped:           s.Skipped,
	}
	for _, r := range s.Deterministic {
		sum.DeterministicIDs = append(sum.DeterministicIDs, r.ID)
	}
	for _, r := range s.Weighted {
		sum.WeightedIDs = append(sum.WeightedIDs, r.ID)
	}
	if sum.HighRiskRegions == nil {
		sum.HighRiskRegions = []string{}
	}
	if sum.Skipped == nil {
		sum.Skipped = []SkippedEntry{}
	}
	return sum
}

// build compiles raw documents into a snapshot. Missing documents are nil
// and yield empty sections; malformed entries are skipped and logged.
func build(env *cel.Env, docs map[string][]byte, logger *slog.Logger) *Snapshot {
	snap := &Snapshot{
		LoadedAt:   time.Now().UTC(),
		Taxonomy:   json.RawMessage("{}"),
		sanctioned: make(map[string]bool),
		highRisk:   make(map[string]bool),
	}

	skip := func(doc, id string, err error) {
		logger.Warn("skipping malformed KB entry", "document", doc, "rule_id", id, "error", err)
		snap.Skipped = append(snap.Skipped, SkippedEntry{Document: doc, ID: id, Reason: err.Error()})
	}

	if raw := docs[DocRules]; len(raw) > 0 {
		var rules struct {
			Deterministic []json.RawMessage `json:"deterministic"`
			Weighted      []json.RawMessage `json:"weighted"`
		}
		if err := json.Unmarshal(raw, &rules); err != nil {
			skip(DocRules, "", err)
		}
		for _, entry := range rules.Deterministic {
			rule, err := compileDeterministic(env, entry)
			if err != nil {
				skip(DocRules, ruleID(rule), err)
				continue
			}
			snap.Deterministic = append(snap.Deterministic, rule)
		}
		for _, entry := range rules.Weighted {
			rule, err := parseWeighted(entry)
			if err != nil {
				var id string
				if rule != nil {
					id = rule.ID
				}
				skip(DocRules, id, err)
				continue
			}
			snap.Weighted = append(snap.Weighted, rule)
		}
	}

	if raw := docs[DocLists]; len(raw) > 0 {
		var lists struct {
			SanctionedParties []string `json:"sanctioned_parties"`
			HighRiskRegions   []string `json:"high_risk_regions"`
		}
		if err := json.Unmarshal(raw, &lists); err != nil {
			skip(DocLists, "", err)
		} else {
			snap.SanctionedParties = lists.SanctionedParties
			snap.HighRiskRegions = lists.HighRiskRegions
		}
	}
	for _, name := range snap.SanctionedParties {
		snap.sanctioned[strings.ToUpper(name)] = true
	}
	for _, region := range snap.HighRiskRegions {
		snap.highRisk[region] = true
	}

	if raw := docs[DocTaxonomy]; len(raw) > 0 {
		if json.Valid(raw) {
			snap.Taxonomy = json.RawMessage(raw)
		} else {
			skip(DocTaxonomy, "", errors.New("invalid JSON"))
		}
	}

	if raw := docs[DocWatchlist]; len(raw) > 0 {
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			skip(DocWatchlist, "", err)
		}
		for i, entry := range entries {
			var item WatchlistEntry
			if err := json.Unmarshal(entry, &item); err != nil {
				skip(DocWatchlist, fmt.Sprintf("#%d", i), err)
				continue
			}
			snap.Watchlist = append(snap.Watchlist, item)
		}
	}

	snap.Version = version(docs)
	return snap
}

func ruleID(rule *DeterministicRule) string {
	if rule == nil {
		return ""
	}
	return rule.ID
}

// version is a short content hash over every document, so two snapshots
// built from the same documents share a version.
func version(docs map[string][]byte) string {
	h := sha256.New()
	for _, name := range Documents {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(docs[name])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
