package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/resolve"
)

const (
	defaultLayersDepth = 2
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// GetEntity returns one entity with its profile.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := h.deps.Store.GetEntity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// Penetration handles GET /entities/{id}/penetration.
func (h *Handler) Penetration(w http.ResponseWriter, r *http.Request) {
	defaults := h.deps.PenetrationDefaults
	depth, err := intParam(r, "depth", defaults.DefaultDepth)
	if err != nil {
		writeError(w, r, err)
		return
	}
	withPaths, err := boolParam(r, "paths")
	if err != nil {
		writeError(w, r, err)
		return
	}
	maxPaths, err := intParam(r, "max_paths", defaults.DefaultMaxPaths)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if maxPaths < 0 {
		maxPaths = defaults.DefaultMaxPaths
	}

	id := chi.URLParam(r, "id")
	start := time.Now()
	var res any
	if withPaths {
		res, err = h.deps.Penetration.PenetrateWithPaths(r.Context(), id, depth, maxPaths)
	} else {
		res, err = h.deps.Penetration.Penetrate(r.Context(), id, depth)
	}
	h.deps.Metrics.ObserveEngine("penetration", time.Since(start))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Layers handles GET /entities/{id}/layers.
func (h *Handler) Layers(w http.ResponseWriter, r *http.Request) {
	depth, err := intParam(r, "depth", defaultLayersDepth)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := graph.Layers(r.Context(), h.deps.Store, chi.URLParam(r, "id"), depth)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Exposure handles GET /entities/{id}/exposure.
func (h *Handler) Exposure(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	report, err := h.deps.Exposure.Analyze(r.Context(), chi.URLParam(r, "id"))
	h.deps.Metrics.ObserveEngine("exposure", time.Since(start))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SearchEntities handles GET /entities/search?q=&limit=.
func (h *Handler) SearchEntities(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultSearchLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if limit <= 0 || limit > maxSearchLimit {
		writeError(w, r, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrInvalidInput, maxSearchLimit))
		return
	}

	items, err := h.deps.Resolver.SearchFuzzy(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []resolve.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(items),
		"items": items,
	})
}

// ResolveIdentifier handles GET /entities/resolve-id?identifier=.
func (h *Handler) ResolveIdentifier(w http.ResponseWriter, r *http.Request) {
	identifier := strings.TrimSpace(r.URL.Query().Get("identifier"))
	if identifier == "" {
		writeError(w, r, fmt.Errorf("%w: identifier is required", domain.ErrInvalidInput))
		return
	}
	res, err := h.deps.Resolver.ResolveIdentifier(r.Context(), identifier)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Resolve handles POST /resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolve.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TopK <= 0 {
		req.TopK = h.deps.ResolveDefaults.DefaultTopK
	}

	start := time.Now()
	res, err := h.deps.Resolver.Resolve(r.Context(), req)
	h.deps.Metrics.ObserveEngine("resolve", time.Since(start))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.deps.Metrics.ResolveDegraded(res.Degraded)
	writeJSON(w, http.StatusOK, res)
}

// ScreenRequest is the body of POST /screening.
type ScreenRequest struct {
	Name       string `json:"name"`
	FuzzyLimit int    `json:"fuzzy_limit,omitempty"`
}

// Screen handles POST /screening.
func (h *Handler) Screen(w http.ResponseWriter, r *http.Request) {
	var req ScreenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, fmt.Errorf("%w: name is required", domain.ErrInvalidInput))
		return
	}

	res, err := h.deps.Resolver.Screen(r.Context(), req.Name, req.FuzzyLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
