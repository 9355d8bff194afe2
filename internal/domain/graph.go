package domain

import "context"

// GraphStore is the read side of the entity/ownership graph.
// Implementations: repository.SQLRepository, neo4j.Store, graph.MemoryStore.
type GraphStore interface {
	// GetEntity returns ErrNotFound when the id does not exist.
	GetEntity(ctx context.Context, id string) (*Entity, error)

	// OutgoingOwnership returns every OWNS edge whose owner is one of ownerIDs,
	// together with the owned entity.
	OutgoingOwnership(ctx context.Context, ownerIDs []string) ([]OwnershipLink, error)

	// SearchEntities returns entities whose id, name or description contains
	// text (case-insensitive). Tiering and ranking are left to the caller.
	SearchEntities(ctx context.Context, text string) ([]*Entity, error)

	// FindByName returns entities whose name equals name (case-insensitive).
	FindByName(ctx context.Context, name string) ([]*Entity, error)

	// Transactions returns the entity's transaction edges in both directions,
	// most recent first, at most limit records when limit > 0.
	Transactions(ctx context.Context, entityID string, limit int) ([]TransactionEdge, error)

	Accounts(ctx context.Context, entityID string) ([]Account, error)
	Guarantees(ctx context.Context, entityID string) ([]Guarantee, error)
	SupplyLinks(ctx context.Context, entityID string) ([]SupplyLink, error)
	News(ctx context.Context, entityID string) ([]NewsItem, error)

	Ping(ctx context.Context) error
	Close() error
}

// GraphConfig selects the graph backend.
type GraphConfig struct {
	// Driver is "sql" (shares the repository database) or "neo4j".
	Driver string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string
	MaxPoolSize   int
}

// OwnershipEdge is a directed OWNS relationship. Stake is a percentage in
// [0,100] and may be absent.
type OwnershipEdge struct {
	ID    string   `json:"id"`
	From  string   `json:"from"`
	To    string   `json:"to"`
	Stake *float64 `json:"stake"`
}

// OwnershipLink pairs an edge with the entity it points to.
type OwnershipLink struct {
	Edge   OwnershipEdge
	Target EntityRef
}

// TransactionEdge is a recorded transfer between two entities or accounts.
type TransactionEdge struct {
	ID       string   `json:"id"`
	From     string   `json:"from_id"`
	To       string   `json:"to_id"`
	Amount   *float64 `json:"amount"`
	Currency string   `json:"currency,omitempty"`
	Time     string   `json:"time,omitempty"`
	Channel  string   `json:"channel,omitempty"`
	ToRegion string   `json:"to_region,omitempty"`
}

// Account is a bank account held by an entity.
type Account struct {
	ID            string   `json:"id"`
	EntityID      string   `json:"entity_id"`
	BankName      string   `json:"bank_name,omitempty"`
	AccountNumber string   `json:"account_number,omitempty"`
	Balance       *float64 `json:"balance"`
	Currency      string   `json:"currency,omitempty"`
}

// Guarantee is a GUARANTEES relationship between two entities.
type Guarantee struct {
	ID           string   `json:"id"`
	GuarantorID  string   `json:"guarantor_id"`
	GuaranteedID string   `json:"guaranteed_id"`
	Amount       *float64 `json:"amount"`
	Time         string   `json:"time,omitempty"`
}

// SupplyLink is a SUPPLIES relationship between two entities.
type SupplyLink struct {
	ID         string   `json:"id"`
	SupplierID string   `json:"supplier_id"`
	CustomerID string   `json:"customer_id"`
	Frequency  *float64 `json:"frequency"`
	Amount     *float64 `json:"amount"`
}

// NewsItem is a stored news article attached to an entity.
type NewsItem struct {
	ID          string `json:"id"`
	EntityID    string `json:"entity_id"`
	Title       string `json:"title,omitempty"`
	URL         string `json:"url,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Source      string `json:"source,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

// Float64 returns a pointer to v, for optional numeric fields.
func Float64(v float64) *float64 {
	return &v
}
