// Package neo4j implements domain.GraphStore over a Neo4j database.
//
// Graph shape:
//
//	(:Entity {id, name, type, description, profile})
//	(:Entity)-[:OWNS {stake}]->(:Entity)
//	(:Entity)-[:INITIATES]->(:Transaction {amount, currency, time, channel, to_region})-[:TO]->(:Entity)
//	(:Entity)-[:HAS_ACCOUNT]->(:Account {account_number, bank_name, balance, currency})
//	(:Entity)-[:GUARANTEES {amount, time}]->(:Entity)
//	(:Entity)-[:SUPPLIES_TO {frequency, amount}]->(:Entity)
//	(:Entity)-[:HAS_NEWS]->(:News {title, url, summary, source, published_at})
//
// profile is a JSON string holding the entity's profile sub-documents.
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Row is one result record keyed by column name.
type Row map[string]any

// reader runs a read-only statement and collects every record.
type reader interface {
	read(ctx context.Context, cypher string, params map[string]any) ([]Row, error)
	verify(ctx context.Context) error
	close(ctx context.Context) error
}

type driverReader struct {
	driver   neo4j.DriverWithContext
	database string
}

func (d *driverReader) read(ctx context.Context, cypher string, params map[string]any) ([]Row, error) {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: d.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]Row, 0, len(records))
		for _, record := range records {
			row := make(Row, len(record.Keys))
			for i, key := range record.Keys {
				row[key] = record.Values[i]
			}
			rows = append(rows, row)
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]Row), nil
}

func (d *driverReader) verify(ctx context.Context) error {
	return d.driver.VerifyConnectivity(ctx)
}

func (d *driverReader) close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Store is a Neo4j-backed domain.GraphStore.
type Store struct {
	db     reader
	logger *slog.Logger
	once   sync.Once
}

// New connects to Neo4j and verifies connectivity.
func New(cfg domain.GraphConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	auth := neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, "")
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, auth, func(c *neo4j.Config) {
		if cfg.MaxPoolSize > 0 {
			c.MaxConnectionPoolSize = cfg.MaxPoolSize
		} else {
			c.MaxConnectionPoolSize = 50
		}
		c.MaxConnectionLifetime = time.Hour
		c.ConnectionAcquisitionTimeout = 60 * time.Second
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create neo4j driver: %w", domain.ErrDataSource, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("%w: connect to neo4j: %w", domain.ErrDataSource, err)
	}

	database := cfg.Neo4jDatabase
	if database == "" {
		database = "neo4j"
	}
	logger.Info("connected to neo4j", "uri", cfg.Neo4jURI, "database", database)

	return newStore(&driverReader{driver: driver, database: database}, logger), nil
}

func newStore(db reader, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Query runs a read transaction and returns every record as a Row.
// Driver failures are wrapped with domain.ErrDataSource.
func (s *Store) Query(ctx context.Context, cypher string, params map[string]any) ([]Row, error) {
	rows, err := s.db.read(ctx, cypher, params)
	if err != nil {
		s.logger.Error("neo4j read failed", "error", err)
		return nil, fmt.Errorf("%w: neo4j read: %w", domain.ErrDataSource, err)
	}
	return rows, nil
}

// Ping verifies connectivity and runs a trivial statement.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.verify(ctx); err != nil {
		return fmt.Errorf("%w: neo4j connectivity: %w", domain.ErrDataSource, err)
	}
	_, err := s.Query(ctx, "RETURN 1 AS health", nil)
	return err
}

// Close releases the driver. Safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.close(context.Background())
		if err != nil {
			s.logger.Error("failed to close neo4j driver", "error", err)
		}
	})
	return err
}

var errBadRow = errors.New("unexpected column type")
