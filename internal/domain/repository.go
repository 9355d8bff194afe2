// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Repository persists evaluation audit records and rule KB documents.
type Repository interface {
	// Evaluation audit trail
	SaveEvaluation(ctx context.Context, eval *Evaluation) error
	GetEvaluation(ctx context.Context, evalID string) (*Evaluation, error)
	ListEvaluations(ctx context.Context, entityID string, limit int) ([]*Evaluation, error)

	// Rule KB documents (rules, lists, taxonomy, name_watchlist)
	SaveKBDocument(ctx context.Context, doc *KBDocument) error
	GetKBDocument(ctx context.Context, name string) (*KBDocument, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// KBDocument is one named rule knowledge base document.
type KBDocument struct {
	Name      string          `json:"name"`
	Body      json.RawMessage `json:"body"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific. PostgresURL, when set, replaces the discrete fields.
	PostgresURL      string
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
