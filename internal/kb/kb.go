// Package kb provides the rule knowledge base service: deterministic and
// weighted risk rules, reference lists, taxonomy and the screening watchlist.
package kb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Source supplies raw KB documents. A missing document is returned as
// (nil, nil); any other error aborts the load.
type Source interface {
	Document(ctx context.Context, name string) ([]byte, error)
}

// Service owns the current KB snapshot. The first Snapshot call loads it;
// afterwards it changes only through Reload.
type Service struct {
	source Source
	env    *cel.Env
	logger *slog.Logger

	loadMu  sync.Mutex
	mu      sync.RWMutex
	current *Snapshot
}

// NewService creates a KB service over source. Nothing is loaded until the
// first Snapshot or Reload call.
func NewService(source Source, logger *slog.Logger) (*Service, error) {
	env, err := newConditionEnv()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, env: env, logger: logger}, nil
}

// Snapshot returns the loaded snapshot, loading it on first use. A failed
// first load is not cached; the next call retries.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	snap := s.current
	s.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.mu.RLock()
	snap = s.current
	s.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}
	return s.loadLocked(ctx)
}

// Reload rebuilds the snapshot from the source. On failure the previous
// snapshot stays in place.
func (s *Service) Reload(ctx context.Context) (*Snapshot, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Service) loadLocked(ctx context.Context) (*Snapshot, error) {
	docs := make(map[string][]byte, len(Documents))
	for _, name := range Documents {
		raw, err := s.source.Document(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load KB document %s: %w", name, err)
		}
		docs[name] = raw
	}

	snap := build(s.env, docs, s.logger)

	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()

	s.logger.Info("rule knowledge base loaded",
		"version", snap.Version,
		"deterministic", len(snap.Deterministic),
		"weighted", len(snap.Weighted),
		"watchlist", len(snap.Watchlist),
		"skipped", len(snap.Skipped),
	)
	return snap, nil
}

// FileSource reads documents from a directory.
type FileSource struct {
	Dir string
}

// Document reads Dir/name.
func (f FileSource) Document(ctx context.Context, name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(f.Dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// RepositorySource reads documents from the kb_documents table.
type RepositorySource struct {
	Repo domain.Repository
}

// Document fetches name from the repository.
func (r RepositorySource) Document(ctx context.Context, name string) ([]byte, error) {
	doc, err := r.Repo.GetKBDocument(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Body, nil
}

// StaticSource serves documents from memory. Used for embedded defaults and
// tests.
type StaticSource map[string][]byte

// Document returns the named document or nil.
func (s StaticSource) Document(ctx context.Context, name string) ([]byte, error) {
	return s[name], nil
}
