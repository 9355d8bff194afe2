package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// maxBodyBytes bounds request bodies; graph imports are the largest.
const maxBodyBytes = 32 << 20

// Importer bulk-loads graph data. The SQL repository implements it.
type Importer interface {
	Import(ctx context.Context, ds *repository.Dataset) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	if deps.PenetrationDefaults.DefaultDepth <= 0 {
		deps.PenetrationDefaults.DefaultDepth = 3
	}
	if deps.PenetrationDefaults.DefaultMaxPaths <= 0 {
		deps.PenetrationDefaults.DefaultMaxPaths = 3
	}
	return &Handler{deps: deps}
}

type errorBody struct {
	Error string `json:"error"`
}

// Health reports the state of every configured backend. It always answers
// 200; a failing backend turns the status to "degraded".
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]string{}
	status := "healthy"

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			components[name] = err.Error()
			status = "degraded"
			return
		}
		components[name] = "ok"
	}

	if h.deps.Store != nil {
		check("graph", h.deps.Store.Ping)
	}
	if h.deps.Repo != nil {
		check("repository", h.deps.Repo.Ping)
	}
	if h.deps.Cache != nil {
		check("cache", h.deps.Cache.Ping)
	}
	if h.deps.Bus != nil {
		check("bus", h.deps.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.deps.Version,
		"components": components,
	})
}

// Ready answers 200 once the rule knowledge base can be loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.KB != nil {
		if _, err := h.deps.KB.Snapshot(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetKB describes the current knowledge base snapshot.
func (h *Handler) GetKB(w http.ResponseWriter, r *http.Request) {
	if h.deps.KB == nil {
		writeUnavailable(w, "knowledge base")
		return
	}
	snap, err := h.deps.KB.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Summarize())
}

// ReloadKB forces a knowledge base reload. A failed reload keeps the
// previous snapshot.
func (h *Handler) ReloadKB(w http.ResponseWriter, r *http.Request) {
	if h.deps.KB == nil {
		writeUnavailable(w, "knowledge base")
		return
	}
	snap, err := h.deps.KB.Reload(r.Context())
	h.deps.Metrics.KBReload(err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Summarize())
}

// Import bulk-loads entities and edges into the SQL graph store.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	if h.deps.Importer == nil {
		writeUnavailable(w, "graph import")
		return
	}
	var ds repository.Dataset
	if err := decodeJSON(w, r, &ds); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.deps.Importer.Import(r.Context(), &ds); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{
		"entities":     len(ds.Entities),
		"ownerships":   len(ds.Ownerships),
		"transactions": len(ds.Transactions),
		"accounts":     len(ds.Accounts),
		"guarantees":   len(ds.Guarantees),
		"supply_links": len(ds.SupplyLinks),
		"news":         len(ds.News),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps an error category to a status code. Messages of
// unclassified errors are not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	if status >= http.StatusInternalServerError {
		slogError(r, "request failed", err)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDataSource):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func slogError(r *http.Request, msg string, err error) {
	slog.Error(msg,
		"path", r.URL.Path,
		"request_id", GetRequestID(r.Context()),
		"error", err,
	)
}

func writeUnavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: what + " not available"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON request body", domain.ErrInvalidInput)
	}
	return nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidInput, name)
	}
	return v, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", domain.ErrInvalidInput, name)
	}
	return v, nil
}
