package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryStore is a thread-safe in-memory domain.GraphStore. It backs tests,
// fixtures and small embedded deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	entities     map[string]*domain.Entity
	ownerships   []domain.OwnershipEdge
	transactions []domain.TransactionEdge
	accounts     []domain.Account
	guarantees   []domain.Guarantee
	supplyLinks  []domain.SupplyLink
	news         []domain.NewsItem
	seq          int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*domain.Entity),
	}
}

// PutEntity inserts or replaces an entity.
func (s *MemoryStore) PutEntity(e *domain.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entities[e.ID] = &cp
}

// AddOwnership adds an OWNS edge and returns its id. stake may be nil.
func (s *MemoryStore) AddOwnership(from, to string, stake *float64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID("own")
	s.ownerships = append(s.ownerships, domain.OwnershipEdge{ID: id, From: from, To: to, Stake: stake})
	return id
}

// AddTransaction records a transaction edge, assigning an id when missing.
func (s *MemoryStore) AddTransaction(tx domain.TransactionEdge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ID == "" {
		tx.ID = s.nextID("tx")
	}
	s.transactions = append(s.transactions, tx)
}

// AddAccount records an account.
func (s *MemoryStore) AddAccount(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = s.nextID("acct")
	}
	s.accounts = append(s.accounts, a)
}

// AddGuarantee records a guarantee.
func (s *MemoryStore) AddGuarantee(g domain.Guarantee) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == "" {
		g.ID = s.nextID("gtee")
	}
	s.guarantees = append(s.guarantees, g)
}

// AddSupplyLink records a supplier/customer link.
func (s *MemoryStore) AddSupplyLink(l domain.SupplyLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = s.nextID("supply")
	}
	s.supplyLinks = append(s.supplyLinks, l)
}

// AddNews attaches a news item to an entity.
func (s *MemoryStore) AddNews(n domain.NewsItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = s.nextID("news")
	}
	s.news = append(s.news, n)
}

func (s *MemoryStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%06d", prefix, s.seq)
}

// GetEntity returns a copy of the entity or domain.ErrNotFound.
func (s *MemoryStore) GetEntity(ctx context.Context, id string) (*domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, domain.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

// OutgoingOwnership returns edges owned by any of ownerIDs in insertion order.
func (s *MemoryStore) OutgoingOwnership(ctx context.Context, ownerIDs []string) ([]domain.OwnershipLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owners := make(map[string]bool, len(ownerIDs))
	for _, id := range ownerIDs {
		owners[id] = true
	}

	var links []domain.OwnershipLink
	for _, edge := range s.ownerships {
		if !owners[edge.From] {
			continue
		}
		target, ok := s.entities[edge.To]
		if !ok {
			// Dangling edge: the owned node is not a stored entity.
			continue
		}
		links = append(links, domain.OwnershipLink{Edge: edge, Target: target.Ref()})
	}
	return links, nil
}

// SearchEntities matches text against id, name and description, ordered by id.
func (s *MemoryStore) SearchEntities(ctx context.Context, text string) ([]*domain.Entity, error) {
	q := strings.ToLower(strings.TrimSpace(text))
	if q == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Entity
	for _, e := range s.entities {
		if strings.Contains(strings.ToLower(e.ID), q) ||
			strings.Contains(strings.ToLower(e.Name), q) ||
			strings.Contains(strings.ToLower(e.Description), q) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindByName returns entities whose name equals name case-insensitively.
func (s *MemoryStore) FindByName(ctx context.Context, name string) ([]*domain.Entity, error) {
	q := strings.ToLower(strings.TrimSpace(name))
	if q == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Entity
	for _, e := range s.entities {
		if strings.ToLower(e.Name) == q {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Transactions returns edges touching entityID, newest first.
func (s *MemoryStore) Transactions(ctx context.Context, entityID string, limit int) ([]domain.TransactionEdge, error) {
	s.mu.RLock()
	var out []domain.TransactionEdge
	for _, tx := range s.transactions {
		if tx.From == entityID || tx.To == entityID {
			out = append(out, tx)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time > out[j].Time
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Accounts returns the entity's accounts.
func (s *MemoryStore) Accounts(ctx context.Context, entityID string) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Account
	for _, a := range s.accounts {
		if a.EntityID == entityID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Guarantees returns guarantees given or received by the entity.
func (s *MemoryStore) Guarantees(ctx context.Context, entityID string) ([]domain.Guarantee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Guarantee
	for _, g := range s.guarantees {
		if g.GuarantorID == entityID || g.GuaranteedID == entityID {
			out = append(out, g)
		}
	}
	return out, nil
}

// SupplyLinks returns links where the entity is supplier or customer.
func (s *MemoryStore) SupplyLinks(ctx context.Context, entityID string) ([]domain.SupplyLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SupplyLink
	for _, l := range s.supplyLinks {
		if l.SupplierID == entityID || l.CustomerID == entityID {
			out = append(out, l)
		}
	}
	return out, nil
}

// News returns stored news for the entity.
func (s *MemoryStore) News(ctx context.Context, entityID string) ([]domain.NewsItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.NewsItem
	for _, n := range s.news {
		if n.EntityID == entityID {
			out = append(out, n)
		}
	}
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
