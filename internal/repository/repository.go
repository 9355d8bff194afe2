// Package repository provides the SQL-backed graph store and the audit
// repository for evaluations and rule KB documents.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.GraphStore and domain.Repository using
// database/sql. Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// New opens the configured database and runs migrations.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", domain.ErrDataSource, err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvaluation stores an evaluation audit record.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	if eval == nil || eval.ID == "" {
		return fmt.Errorf("%w: evaluation id is required", domain.ErrInvalidInput)
	}

	labels, _ := json.Marshal(nonNilStrings(eval.Labels))
	metadata, _ := json.Marshal(eval.Metadata)
	result := string(eval.Result)
	if result == "" {
		result = "{}"
	}

	query := `
		INSERT INTO risk_evaluations (
			id, entity_id, source, status, score, labels, explanation,
			kb_version, timestamp, result, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, nullString(eval.EntityID), eval.Source, eval.Status, eval.Score,
		string(labels), eval.Explanation, eval.KBVersion, eval.Timestamp.UTC(),
		result, string(metadata),
	)
	if err != nil {
		return dataSourceErr("save evaluation", err)
	}
	return nil
}

const evaluationColumns = `
	id, entity_id, source, status, score, labels, explanation,
	kb_version, timestamp, result, metadata
`

// GetEvaluation retrieves an evaluation by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (*domain.Evaluation, error) {
	query := `SELECT ` + evaluationColumns + ` FROM risk_evaluations WHERE id = ?`

	eval, err := scanEvaluation(r.db.QueryRowContext(ctx, r.rebind(query), evalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evaluation %s: %w", evalID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, dataSourceErr("get evaluation", err)
	}
	return eval, nil
}

// ListEvaluations returns the newest evaluations of an entity.
func (r *SQLRepository) ListEvaluations(ctx context.Context, entityID string, limit int) ([]*domain.Evaluation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + evaluationColumns + ` FROM risk_evaluations
		WHERE entity_id = ?
		ORDER BY timestamp DESC, id
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), entityID, limit)
	if err != nil {
		return nil, dataSourceErr("list evaluations", err)
	}
	defer rows.Close()

	var evals []*domain.Evaluation
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return nil, dataSourceErr("scan evaluation", err)
		}
		evals = append(evals, eval)
	}
	if err := rows.Err(); err != nil {
		return nil, dataSourceErr("list evaluations", err)
	}
	return evals, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row rowScanner) (*domain.Evaluation, error) {
	var (
		eval                      domain.Evaluation
		entityID, explanation, kb sql.NullString
		labels, result, metadata  string
	)

	if err := row.Scan(
		&eval.ID, &entityID, &eval.Source, &eval.Status, &eval.Score,
		&labels, &explanation, &kb, &eval.Timestamp, &result, &metadata,
	); err != nil {
		return nil, err
	}

	eval.EntityID = entityID.String
	eval.Explanation = explanation.String
	eval.KBVersion = kb.String
	eval.Result = json.RawMessage(result)
	if err := json.Unmarshal([]byte(labels), &eval.Labels); err != nil {
		return nil, fmt.Errorf("decode labels of %s: %w", eval.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &eval.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", eval.ID, err)
	}
	return &eval, nil
}

// SaveKBDocument inserts or replaces a rule KB document.
func (r *SQLRepository) SaveKBDocument(ctx context.Context, doc *domain.KBDocument) error {
	if doc == nil || doc.Name == "" {
		return fmt.Errorf("%w: document name is required", domain.ErrInvalidInput)
	}
	if !json.Valid(doc.Body) {
		return fmt.Errorf("%w: document %s is not valid JSON", domain.ErrInvalidInput, doc.Name)
	}

	updated := doc.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	query := `
		INSERT INTO kb_documents (name, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, r.rebind(query), doc.Name, string(doc.Body), updated.UTC()); err != nil {
		return dataSourceErr("save kb document", err)
	}
	return nil
}

// GetKBDocument returns a KB document or domain.ErrNotFound.
func (r *SQLRepository) GetKBDocument(ctx context.Context, name string) (*domain.KBDocument, error) {
	query := `SELECT name, body, updated_at FROM kb_documents WHERE name = ?`

	var (
		doc  domain.KBDocument
		body string
	)
	err := r.db.QueryRowContext(ctx, r.rebind(query), name).Scan(&doc.Name, &body, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("kb document %s: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, dataSourceErr("get kb document", err)
	}
	doc.Body = json.RawMessage(body)
	return &doc, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func dataSourceErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrDataSource, op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
