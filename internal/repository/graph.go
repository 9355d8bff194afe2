package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GetEntity returns the entity or domain.ErrNotFound.
func (r *SQLRepository) GetEntity(ctx context.Context, id string) (*domain.Entity, error) {
	query := `SELECT id, name, type, description, profile FROM entities WHERE id = ?`

	e, err := scanEntity(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, dataSourceErr("get entity", err)
	}
	return e, nil
}

// OutgoingOwnership returns OWNS edges leaving any of ownerIDs whose target
// is a stored entity.
func (r *SQLRepository) OutgoingOwnership(ctx context.Context, ownerIDs []string) ([]domain.OwnershipLink, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ownerIDs)), ",")
	query := `
		SELECT o.id, o.from_id, o.to_id, o.stake, e.name, e.type
		FROM ownerships o
		JOIN entities e ON e.id = o.to_id
		WHERE o.from_id IN (` + placeholders + `)
		ORDER BY o.from_id, o.to_id, o.id
	`
	args := make([]any, len(ownerIDs))
	for i, id := range ownerIDs {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, dataSourceErr("query ownership", err)
	}
	defer rows.Close()

	var links []domain.OwnershipLink
	for rows.Next() {
		var (
			link       domain.OwnershipLink
			stake      sql.NullFloat64
			name, kind sql.NullString
		)
		if err := rows.Scan(&link.Edge.ID, &link.Edge.From, &link.Edge.To, &stake, &name, &kind); err != nil {
			return nil, dataSourceErr("scan ownership", err)
		}
		link.Edge.Stake = floatPtr(stake)
		link.Target = domain.EntityRef{ID: link.Edge.To, Name: name.String, Type: kind.String}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, dataSourceErr("query ownership", err)
	}
	return links, nil
}

// SearchEntities matches text against id, name and description, ordered by id.
func (r *SQLRepository) SearchEntities(ctx context.Context, text string) ([]*domain.Entity, error) {
	q := strings.ToLower(strings.TrimSpace(text))
	if q == "" {
		return nil, nil
	}
	pattern := "%" + escapeLike(q) + "%"

	query := `
		SELECT id, name, type, description, profile FROM entities
		WHERE LOWER(id) LIKE ? ESCAPE '\'
		   OR LOWER(COALESCE(name, '')) LIKE ? ESCAPE '\'
		   OR LOWER(COALESCE(description, '')) LIKE ? ESCAPE '\'
		ORDER BY id
	`
	return r.queryEntities(ctx, "search entities", query, pattern, pattern, pattern)
}

// FindByName returns entities whose name equals name case-insensitively.
func (r *SQLRepository) FindByName(ctx context.Context, name string) ([]*domain.Entity, error) {
	q := strings.ToLower(strings.TrimSpace(name))
	if q == "" {
		return nil, nil
	}
	query := `SELECT id, name, type, description, profile FROM entities WHERE LOWER(name) = ? ORDER BY id`
	return r.queryEntities(ctx, "find by name", query, q)
}

func (r *SQLRepository) queryEntities(ctx context.Context, op, query string, args ...any) ([]*domain.Entity, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, dataSourceErr(op, err)
	}
	defer rows.Close()

	var out []*domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, dataSourceErr(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dataSourceErr(op, err)
	}
	return out, nil
}

func scanEntity(row rowScanner) (*domain.Entity, error) {
	var (
		e                         domain.Entity
		name, kind, desc, profile sql.NullString
	)
	if err := row.Scan(&e.ID, &name, &kind, &desc, &profile); err != nil {
		return nil, err
	}
	e.Name = name.String
	e.Type = kind.String
	e.Description = desc.String
	if profile.String != "" {
		if err := json.Unmarshal([]byte(profile.String), &e.Profile); err != nil {
			return nil, fmt.Errorf("decode profile of %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

// Transactions returns edges touching entityID, newest first.
func (r *SQLRepository) Transactions(ctx context.Context, entityID string, limit int) ([]domain.TransactionEdge, error) {
	query := `
		SELECT id, from_id, to_id, amount, currency, time, channel, to_region
		FROM transactions
		WHERE from_id = ? OR to_id = ?
		ORDER BY COALESCE(time, '') DESC, id
	`
	args := []any{entityID, entityID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, dataSourceErr("query transactions", err)
	}
	defer rows.Close()

	var out []domain.TransactionEdge
	for rows.Next() {
		var (
			tx                                domain.TransactionEdge
			amount                            sql.NullFloat64
			currency, when, channel, toRegion sql.NullString
		)
		if err := rows.Scan(&tx.ID, &tx.From, &tx.To, &amount, &currency, &when, &channel, &toRegion); err != nil {
			return nil, dataSourceErr("scan transaction", err)
		}
		tx.Amount = floatPtr(amount)
		tx.Currency = currency.String
		tx.Time = when.String
		tx.Channel = channel.String
		tx.ToRegion = toRegion.String
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, dataSourceErr("query transactions", err)
	}
	return out, nil
}

// Accounts returns the entity's accounts ordered by account number.
func (r *SQLRepository) Accounts(ctx context.Context, entityID string) ([]domain.Account, error) {
	query := `
		SELECT id, entity_id, bank_name, account_number, balance, currency
		FROM accounts WHERE entity_id = ?
		ORDER BY account_number, id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), entityID)
	if err != nil {
		return nil, dataSourceErr("query accounts", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var (
			a                      domain.Account
			bank, number, currency sql.NullString
			balance                sql.NullFloat64
		)
		if err := rows.Scan(&a.ID, &a.EntityID, &bank, &number, &balance, &currency); err != nil {
			return nil, dataSourceErr("scan account", err)
		}
		a.BankName = bank.String
		a.AccountNumber = number.String
		a.Balance = floatPtr(balance)
		a.Currency = currency.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, dataSourceErr("query accounts", err)
	}
	return out, nil
}

// Guarantees returns guarantees given or received, largest first.
func (r *SQLRepository) Guarantees(ctx context.Context, entityID string) ([]domain.Guarantee, error) {
	query := `
		SELECT id, guarantor_id, guaranteed_id, amount, time
		FROM guarantees WHERE guarantor_id = ? OR guaranteed_id = ?
		ORDER BY COALESCE(amount, 0) DESC, id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), entityID, entityID)
	if err != nil {
		return nil, dataSourceErr("query guarantees", err)
	}
	defer rows.Close()

	var out []domain.Guarantee
	for rows.Next() {
		var (
			g      domain.Guarantee
			amount sql.NullFloat64
			when   sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.GuarantorID, &g.GuaranteedID, &amount, &when); err != nil {
			return nil, dataSourceErr("scan guarantee", err)
		}
		g.Amount = floatPtr(amount)
		g.Time = when.String
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, dataSourceErr("query guarantees", err)
	}
	return out, nil
}

// SupplyLinks returns supplier/customer links, most frequent first.
func (r *SQLRepository) SupplyLinks(ctx context.Context, entityID string) ([]domain.SupplyLink, error) {
	query := `
		SELECT id, supplier_id, customer_id, frequency, amount
		FROM supply_links WHERE supplier_id = ? OR customer_id = ?
		ORDER BY COALESCE(frequency, 0) DESC, id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), entityID, entityID)
	if err != nil {
		return nil, dataSourceErr("query supply links", err)
	}
	defer rows.Close()

	var out []domain.SupplyLink
	for rows.Next() {
		var (
			l                 domain.SupplyLink
			frequency, amount sql.NullFloat64
		)
		if err := rows.Scan(&l.ID, &l.SupplierID, &l.CustomerID, &frequency, &amount); err != nil {
			return nil, dataSourceErr("scan supply link", err)
		}
		l.Frequency = floatPtr(frequency)
		l.Amount = floatPtr(amount)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, dataSourceErr("query supply links", err)
	}
	return out, nil
}

// News returns stored news for the entity, newest first.
func (r *SQLRepository) News(ctx context.Context, entityID string) ([]domain.NewsItem, error) {
	query := `
		SELECT id, entity_id, title, url, summary, source, published_at
		FROM news WHERE entity_id = ?
		ORDER BY COALESCE(published_at, '') DESC, id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), entityID)
	if err != nil {
		return nil, dataSourceErr("query news", err)
	}
	defer rows.Close()

	var out []domain.NewsItem
	for rows.Next() {
		var (
			n                                       domain.NewsItem
			title, url, summary, source, published sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.EntityID, &title, &url, &summary, &source, &published); err != nil {
			return nil, dataSourceErr("scan news", err)
		}
		n.Title = title.String
		n.URL = url.String
		n.Summary = summary.String
		n.Source = source.String
		n.PublishedAt = published.String
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, dataSourceErr("query news", err)
	}
	return out, nil
}

// escapeLike escapes LIKE wildcards so user text matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func newID() string {
	return uuid.New().String()
}
