package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const entityColumns = "e.id AS id, e.name AS name, e.type AS type, e.description AS description, e.profile AS profile"

// GetEntity returns the entity or domain.ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, id string) (*domain.Entity, error) {
	rows, err := s.Query(ctx, "MATCH (e:Entity {id: $id}) RETURN "+entityColumns, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("entity %s: %w", id, domain.ErrNotFound)
	}
	return entityFromRow(rows[0])
}

// OutgoingOwnership returns OWNS edges leaving any of ownerIDs.
func (s *Store) OutgoingOwnership(ctx context.Context, ownerIDs []string) ([]domain.OwnershipLink, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}
	rows, err := s.Query(ctx,
		"MATCH (o:Entity)-[r:OWNS]->(t:Entity) WHERE o.id IN $ids "+
			"RETURN elementId(r) AS id, o.id AS from_id, t.id AS to_id, r.stake AS stake, t.name AS name, t.type AS type "+
			"ORDER BY o.id, t.id, elementId(r)",
		map[string]any{"ids": ownerIDs})
	if err != nil {
		return nil, err
	}

	links := make([]domain.OwnershipLink, 0, len(rows))
	for _, row := range rows {
		stake, err := floatPtr(row["stake"])
		if err != nil {
			return nil, fmt.Errorf("%w: ownership stake: %w", domain.ErrDataSource, err)
		}
		links = append(links, domain.OwnershipLink{
			Edge: domain.OwnershipEdge{
				ID:    str(row["id"]),
				From:  str(row["from_id"]),
				To:    str(row["to_id"]),
				Stake: stake,
			},
			Target: domain.EntityRef{ID: str(row["to_id"]), Name: str(row["name"]), Type: str(row["type"])},
		})
	}
	return links, nil
}

// SearchEntities matches text against id, name and description.
func (s *Store) SearchEntities(ctx context.Context, text string) ([]*domain.Entity, error) {
	q := strings.ToLower(strings.TrimSpace(text))
	if q == "" {
		return nil, nil
	}
	rows, err := s.Query(ctx,
		"MATCH (e:Entity) WHERE toLower(e.id) CONTAINS $q "+
			"OR toLower(coalesce(e.name, '')) CONTAINS $q "+
			"OR toLower(coalesce(e.description, '')) CONTAINS $q "+
			"RETURN "+entityColumns+" ORDER BY e.id",
		map[string]any{"q": q})
	if err != nil {
		return nil, err
	}
	return entitiesFromRows(rows)
}

// FindByName returns entities whose name equals name case-insensitively.
func (s *Store) FindByName(ctx context.Context, name string) ([]*domain.Entity, error) {
	q := strings.TrimSpace(name)
	if q == "" {
		return nil, nil
	}
	rows, err := s.Query(ctx,
		"MATCH (e:Entity) WHERE toLower(e.name) = toLower($name) RETURN "+entityColumns+" ORDER BY e.id",
		map[string]any{"name": q})
	if err != nil {
		return nil, err
	}
	return entitiesFromRows(rows)
}

// Transactions returns transactions in both directions, newest first.
func (s *Store) Transactions(ctx context.Context, entityID string, limit int) ([]domain.TransactionEdge, error) {
	cypher := "MATCH (f:Entity)-[:INITIATES]->(t:Transaction)-[:TO]->(to:Entity) " +
		"WHERE f.id = $id OR to.id = $id " +
		"RETURN elementId(t) AS id, f.id AS from_id, to.id AS to_id, t.amount AS amount, t.currency AS currency, " +
		"t.time AS time, t.channel AS channel, t.to_region AS to_region " +
		"ORDER BY coalesce(t.time, '') DESC, elementId(t)"
	params := map[string]any{"id": entityID}
	if limit > 0 {
		cypher += " LIMIT $limit"
		params["limit"] = int64(limit)
	}

	rows, err := s.Query(ctx, cypher, params)
	if err != nil {
		return nil, err
	}

	out := make([]domain.TransactionEdge, 0, len(rows))
	for _, row := range rows {
		amount, err := floatPtr(row["amount"])
		if err != nil {
			return nil, fmt.Errorf("%w: transaction amount: %w", domain.ErrDataSource, err)
		}
		out = append(out, domain.TransactionEdge{
			ID:       str(row["id"]),
			From:     str(row["from_id"]),
			To:       str(row["to_id"]),
			Amount:   amount,
			Currency: str(row["currency"]),
			Time:     str(row["time"]),
			Channel:  str(row["channel"]),
			ToRegion: str(row["to_region"]),
		})
	}
	return out, nil
}

// Accounts returns the entity's accounts ordered by account number.
func (s *Store) Accounts(ctx context.Context, entityID string) ([]domain.Account, error) {
	rows, err := s.Query(ctx,
		"MATCH (o:Entity {id: $id})-[:HAS_ACCOUNT]->(a:Account) "+
			"RETURN elementId(a) AS id, a.account_number AS account_number, a.bank_name AS bank_name, "+
			"a.balance AS balance, a.currency AS currency ORDER BY a.account_number",
		map[string]any{"id": entityID})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Account, 0, len(rows))
	for _, row := range rows {
		balance, err := floatPtr(row["balance"])
		if err != nil {
			return nil, fmt.Errorf("%w: account balance: %w", domain.ErrDataSource, err)
		}
		out = append(out, domain.Account{
			ID:            str(row["id"]),
			EntityID:      entityID,
			AccountNumber: str(row["account_number"]),
			BankName:      str(row["bank_name"]),
			Balance:       balance,
			Currency:      str(row["currency"]),
		})
	}
	return out, nil
}

// Guarantees returns guarantees given or received, largest first.
func (s *Store) Guarantees(ctx context.Context, entityID string) ([]domain.Guarantee, error) {
	rows, err := s.Query(ctx,
		"MATCH (g:Entity)-[r:GUARANTEES]->(b:Entity) WHERE g.id = $id OR b.id = $id "+
			"RETURN elementId(r) AS id, g.id AS guarantor_id, b.id AS guaranteed_id, r.amount AS amount, r.time AS time "+
			"ORDER BY coalesce(r.amount, 0) DESC",
		map[string]any{"id": entityID})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Guarantee, 0, len(rows))
	for _, row := range rows {
		amount, err := floatPtr(row["amount"])
		if err != nil {
			return nil, fmt.Errorf("%w: guarantee amount: %w", domain.ErrDataSource, err)
		}
		out = append(out, domain.Guarantee{
			ID:           str(row["id"]),
			GuarantorID:  str(row["guarantor_id"]),
			GuaranteedID: str(row["guaranteed_id"]),
			Amount:       amount,
			Time:         str(row["time"]),
		})
	}
	return out, nil
}

// SupplyLinks returns SUPPLIES_TO links in both directions, most frequent first.
func (s *Store) SupplyLinks(ctx context.Context, entityID string) ([]domain.SupplyLink, error) {
	rows, err := s.Query(ctx,
		"MATCH (sp:Entity)-[r:SUPPLIES_TO]->(c:Entity) WHERE sp.id = $id OR c.id = $id "+
			"RETURN elementId(r) AS id, sp.id AS supplier_id, c.id AS customer_id, r.frequency AS frequency, r.amount AS amount "+
			"ORDER BY coalesce(r.frequency, 0) DESC",
		map[string]any{"id": entityID})
	if err != nil {
		return nil, err
	}

	out := make([]domain.SupplyLink, 0, len(rows))
	for _, row := range rows {
		frequency, err := floatPtr(row["frequency"])
		if err != nil {
			return nil, fmt.Errorf("%w: supply frequency: %w", domain.ErrDataSource, err)
		}
		amount, err := floatPtr(row["amount"])
		if err != nil {
			return nil, fmt.Errorf("%w: supply amount: %w", domain.ErrDataSource, err)
		}
		out = append(out, domain.SupplyLink{
			ID:         str(row["id"]),
			SupplierID: str(row["supplier_id"]),
			CustomerID: str(row["customer_id"]),
			Frequency:  frequency,
			Amount:     amount,
		})
	}
	return out, nil
}

// News returns stored news linked to the entity. Items without any field are dropped.
func (s *Store) News(ctx context.Context, entityID string) ([]domain.NewsItem, error) {
	rows, err := s.Query(ctx,
		"MATCH (e:Entity {id: $id})-[:HAS_NEWS]->(n:News) "+
			"RETURN elementId(n) AS id, n.title AS title, n.url AS url, n.summary AS summary, "+
			"n.source AS source, n.published_at AS published_at ORDER BY coalesce(n.published_at, '') DESC",
		map[string]any{"id": entityID})
	if err != nil {
		return nil, err
	}

	out := make([]domain.NewsItem, 0, len(rows))
	for _, row := range rows {
		n := domain.NewsItem{
			ID:          str(row["id"]),
			EntityID:    entityID,
			Title:       str(row["title"]),
			URL:         str(row["url"]),
			Summary:     str(row["summary"]),
			Source:      str(row["source"]),
			PublishedAt: str(row["published_at"]),
		}
		if n.Title == "" && n.URL == "" && n.Summary == "" && n.Source == "" && n.PublishedAt == "" {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func entitiesFromRows(rows []Row) ([]*domain.Entity, error) {
	out := make([]*domain.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := entityFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func entityFromRow(row Row) (*domain.Entity, error) {
	e := &domain.Entity{
		ID:          str(row["id"]),
		Name:        str(row["name"]),
		Type:        str(row["type"]),
		Description: str(row["description"]),
	}

	switch p := row["profile"].(type) {
	case nil:
	case string:
		if p != "" {
			if err := json.Unmarshal([]byte(p), &e.Profile); err != nil {
				return nil, fmt.Errorf("%w: entity %s profile: %w", domain.ErrDataSource, e.ID, err)
			}
		}
	case map[string]any:
		raw, err := json.Marshal(p)
		if err == nil {
			err = json.Unmarshal(raw, &e.Profile)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: entity %s profile: %w", domain.ErrDataSource, e.ID, err)
		}
	default:
		return nil, fmt.Errorf("%w: entity %s profile: %w %T", domain.ErrDataSource, e.ID, errBadRow, p)
	}
	return e, nil
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// floatPtr converts a numeric property. Absent values are nil.
func floatPtr(v any) (*float64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return &t, nil
	case int64:
		f := float64(t)
		return &f, nil
	case int:
		f := float64(t)
		return &f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", errBadRow, t)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: %T", errBadRow, v)
	}
}
