package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Dataset is a bulk graph import: entities and every edge kind.
type Dataset struct {
	Entities     []*domain.Entity         `json:"entities"`
	Ownerships   []domain.OwnershipEdge   `json:"ownerships"`
	Transactions []domain.TransactionEdge `json:"transactions"`
	Accounts     []domain.Account         `json:"accounts"`
	Guarantees   []domain.Guarantee       `json:"guarantees"`
	SupplyLinks  []domain.SupplyLink      `json:"supply_links"`
	News         []domain.NewsItem        `json:"news"`
}

// Import writes a dataset in one database transaction.
func (r *SQLRepository) Import(ctx context.Context, ds *Dataset) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dataSourceErr("begin import", err)
	}
	defer tx.Rollback()

	for _, e := range ds.Entities {
		if err := r.saveEntity(ctx, tx, e); err != nil {
			return err
		}
	}
	for i := range ds.Ownerships {
		if err := r.saveOwnership(ctx, tx, &ds.Ownerships[i]); err != nil {
			return err
		}
	}
	for i := range ds.Transactions {
		if err := r.saveTransaction(ctx, tx, &ds.Transactions[i]); err != nil {
			return err
		}
	}
	for i := range ds.Accounts {
		if err := r.saveAccount(ctx, tx, &ds.Accounts[i]); err != nil {
			return err
		}
	}
	for i := range ds.Guarantees {
		if err := r.saveGuarantee(ctx, tx, &ds.Guarantees[i]); err != nil {
			return err
		}
	}
	for i := range ds.SupplyLinks {
		if err := r.saveSupplyLink(ctx, tx, &ds.SupplyLinks[i]); err != nil {
			return err
		}
	}
	for i := range ds.News {
		if err := r.saveNews(ctx, tx, &ds.News[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return dataSourceErr("commit import", err)
	}
	return nil
}

// SaveEntity inserts or updates an entity. Empty fields of an existing row
// are kept rather than cleared.
func (r *SQLRepository) SaveEntity(ctx context.Context, e *domain.Entity) error {
	return r.saveEntity(ctx, r.db, e)
}

func (r *SQLRepository) saveEntity(ctx context.Context, db execer, e *domain.Entity) error {
	if e == nil || strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: entity id is required", domain.ErrInvalidInput)
	}

	var profile sql.NullString
	raw, err := json.Marshal(e.Profile)
	if err != nil {
		return fmt.Errorf("%w: entity %s profile: %w", domain.ErrInvalidInput, e.ID, err)
	}
	if string(raw) != "{}" {
		profile = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO entities (id, name, type, description, profile) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = COALESCE(excluded.name, entities.name),
			type = COALESCE(excluded.type, entities.type),
			description = COALESCE(excluded.description, entities.description),
			profile = COALESCE(excluded.profile, entities.profile)
	`
	_, err = db.ExecContext(ctx, r.rebind(query),
		e.ID, nullString(e.Name), nullString(e.Type), nullString(e.Description), profile)
	if err != nil {
		return dataSourceErr("save entity", err)
	}
	return nil
}

// SaveOwnership records an OWNS edge, assigning an id when missing.
func (r *SQLRepository) SaveOwnership(ctx context.Context, edge *domain.OwnershipEdge) error {
	return r.saveOwnership(ctx, r.db, edge)
}

func (r *SQLRepository) saveOwnership(ctx context.Context, db execer, edge *domain.OwnershipEdge) error {
	if edge.From == "" || edge.To == "" {
		return fmt.Errorf("%w: ownership needs both ends", domain.ErrInvalidInput)
	}
	if edge.Stake != nil && (*edge.Stake < 0 || *edge.Stake > 100) {
		return fmt.Errorf("%w: stake %v outside [0,100]", domain.ErrInvalidInput, *edge.Stake)
	}
	if edge.ID == "" {
		edge.ID = newID()
	}

	query := `
		INSERT INTO ownerships (id, from_id, to_id, stake) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET stake = excluded.stake
	`
	if _, err := db.ExecContext(ctx, r.rebind(query), edge.ID, edge.From, edge.To, nullFloat(edge.Stake)); err != nil {
		return dataSourceErr("save ownership", err)
	}
	return nil
}

// SaveTransaction records a transaction edge.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.TransactionEdge) error {
	return r.saveTransaction(ctx, r.db, tx)
}

func (r *SQLRepository) saveTransaction(ctx context.Context, db execer, tx *domain.TransactionEdge) error {
	if tx.From == "" || tx.To == "" {
		return fmt.Errorf("%w: transaction needs both ends", domain.ErrInvalidInput)
	}
	if tx.ID == "" {
		tx.ID = newID()
	}

	query := `
		INSERT INTO transactions (id, from_id, to_id, amount, currency, time, channel, to_region)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.From, tx.To, nullFloat(tx.Amount), nullString(tx.Currency),
		nullString(tx.Time), nullString(tx.Channel), nullString(tx.ToRegion))
	if err != nil {
		return dataSourceErr("save transaction", err)
	}
	return nil
}

// SaveAccount records an account.
func (r *SQLRepository) SaveAccount(ctx context.Context, a *domain.Account) error {
	return r.saveAccount(ctx, r.db, a)
}

func (r *SQLRepository) saveAccount(ctx context.Context, db execer, a *domain.Account) error {
	if a.EntityID == "" {
		return fmt.Errorf("%w: account needs an owner", domain.ErrInvalidInput)
	}
	if a.ID == "" {
		a.ID = newID()
	}

	query := `
		INSERT INTO accounts (id, entity_id, bank_name, account_number, balance, currency)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, r.rebind(query),
		a.ID, a.EntityID, nullString(a.BankName), nullString(a.AccountNumber),
		nullFloat(a.Balance), nullString(a.Currency))
	if err != nil {
		return dataSourceErr("save account", err)
	}
	return nil
}

// SaveGuarantee records a guarantee.
func (r *SQLRepository) SaveGuarantee(ctx context.Context, g *domain.Guarantee) error {
	return r.saveGuarantee(ctx, r.db, g)
}

func (r *SQLRepository) saveGuarantee(ctx context.Context, db execer, g *domain.Guarantee) error {
	if g.GuarantorID == "" || g.GuaranteedID == "" {
		return fmt.Errorf("%w: guarantee needs both parties", domain.ErrInvalidInput)
	}
	if g.ID == "" {
		g.ID = newID()
	}

	query := `INSERT INTO guarantees (id, guarantor_id, guaranteed_id, amount, time) VALUES (?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, r.rebind(query),
		g.ID, g.GuarantorID, g.GuaranteedID, nullFloat(g.Amount), nullString(g.Time))
	if err != nil {
		return dataSourceErr("save guarantee", err)
	}
	return nil
}

// SaveSupplyLink records a supplier/customer link.
func (r *SQLRepository) SaveSupplyLink(ctx context.Context, l *domain.SupplyLink) error {
	return r.saveSupplyLink(ctx, r.db, l)
}

func (r *SQLRepository) saveSupplyLink(ctx context.Context, db execer, l *domain.SupplyLink) error {
	if l.SupplierID == "" || l.CustomerID == "" {
		return fmt.Errorf("%w: supply link needs both parties", domain.ErrInvalidInput)
	}
	if l.ID == "" {
		l.ID = newID()
	}

	query := `INSERT INTO supply_links (id, supplier_id, customer_id, frequency, amount) VALUES (?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, r.rebind(query),
		l.ID, l.SupplierID, l.CustomerID, nullFloat(l.Frequency), nullFloat(l.Amount))
	if err != nil {
		return dataSourceErr("save supply link", err)
	}
	return nil
}

// SaveNews attaches a news item to an entity.
func (r *SQLRepository) SaveNews(ctx context.Context, n *domain.NewsItem) error {
	return r.saveNews(ctx, r.db, n)
}

func (r *SQLRepository) saveNews(ctx context.Context, db execer, n *domain.NewsItem) error {
	if n.EntityID == "" {
		return fmt.Errorf("%w: news needs an entity", domain.ErrInvalidInput)
	}
	if n.ID == "" {
		n.ID = newID()
	}

	query := `
		INSERT INTO news (id, entity_id, title, url, summary, source, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, r.rebind(query),
		n.ID, n.EntityID, nullString(n.Title), nullString(n.URL), nullString(n.Summary),
		nullString(n.Source), nullString(n.PublishedAt))
	if err != nil {
		return dataSourceErr("save news", err)
	}
	return nil
}
