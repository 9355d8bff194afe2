// Kestrel - Due-diligence graph analytics and risk screening.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/embedding"
	"github.com/opensource-finance/kestrel/internal/exposure"
	"github.com/opensource-finance/kestrel/internal/graph/neo4j"
	"github.com/opensource-finance/kestrel/internal/kb"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/penetration"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/resolve"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
	}
	applyEnv(cfg)

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"graph", cfg.Graph.Driver,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"embedding", cfg.Embedding.Provider,
		"kb", cfg.KB.Source,
	)

	// W3C trace context crosses HTTP requests and bus messages.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Repository: audit records, KB documents and the SQL graph.
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		fatal("failed to initialize repository", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	var (
		store    domain.GraphStore = repo
		importer api.Importer      = repo
	)
	if cfg.Graph.Driver == "neo4j" {
		neoStore, err := neo4j.New(cfg.Graph, logger)
		if err != nil {
			fatal("failed to initialize graph store", err)
		}
		defer neoStore.Close()
		store = neoStore
		// The SQL importer would write to a graph nobody reads.
		importer = nil
	}
	slog.Info("graph store initialized", "driver", cfg.Graph.Driver)

	if path := os.Getenv("KESTREL_SEED_FILE"); path != "" && importer != nil {
		if err := seed(ctx, repo, path); err != nil {
			fatal("failed to import seed dataset", err)
		}
	}

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		fatal("failed to initialize cache", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	embedder, err := embedding.New(cfg.Embedding, cacheImpl, logger)
	if err != nil {
		fatal("failed to initialize embedder", err)
	}
	if embedder == nil {
		slog.Info("semantic scoring disabled")
	}

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		fatal("failed to initialize event bus", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	kbService, err := kb.NewService(kbSource(cfg.KB, repo), logger)
	if err != nil {
		fatal("failed to initialize knowledge base", err)
	}
	if _, err := kbService.Snapshot(ctx); err != nil {
		// Not fatal: /ready reports it and POST /kb/reload retries.
		slog.Warn("knowledge base not loaded", "error", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	riskEngine := risk.NewEngine(kbService, store, logger)
	processor := decision.NewProcessor(cfg.Worker.AlertThreshold)
	slog.Info("decision processor initialized", "threshold", processor.AlertThreshold)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, repo, riskEngine, processor, m, logger)
		if err := asyncWorker.Start(worker.Config{}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "topic", domain.TopicRiskRequested)
		}
	}

	deps := api.Deps{
		Store:               store,
		Repo:                repo,
		Cache:               cacheImpl,
		Bus:                 busImpl,
		Importer:            importer,
		KB:                  kbService,
		Penetration:         penetration.NewEngine(store),
		Resolver:            resolve.NewEngine(store, embedder, kbService, logger),
		Risk:                riskEngine,
		Exposure:            exposure.NewAnalyzer(store, exposure.DefaultThresholds()),
		Processor:           processor,
		Metrics:             m,
		PenetrationDefaults: cfg.Penetration,
		ResolveDefaults:     cfg.Resolve,
		Version:             Version,
	}
	srv := api.NewServer(cfg.Server, deps)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// applyEnv overlays KESTREL_* variables on the tier defaults.
func applyEnv(cfg *domain.Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("KESTREL_GRAPH_DRIVER", &cfg.Graph.Driver)
	setString("KESTREL_NEO4J_URI", &cfg.Graph.Neo4jURI)
	setString("KESTREL_NEO4J_USER", &cfg.Graph.Neo4jUser)
	setString("KESTREL_NEO4J_PASSWORD", &cfg.Graph.Neo4jPassword)
	setString("KESTREL_SQLITE_PATH", &cfg.Repository.SQLitePath)
	setString("KESTREL_DATABASE_URL", &cfg.Repository.PostgresURL)
	setString("KESTREL_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	setString("KESTREL_POSTGRES_USER", &cfg.Repository.PostgresUser)
	setString("KESTREL_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	setString("KESTREL_KB_SOURCE", &cfg.KB.Source)
	setString("KESTREL_KB_DIR", &cfg.KB.Dir)
	setString("KESTREL_EMBED_PROVIDER", &cfg.Embedding.Provider)
	setString("KESTREL_EMBED_MODEL", &cfg.Embedding.Model)
	setString("KESTREL_EMBED_URL", &cfg.Embedding.URL)
	setString("KESTREL_EMBED_KEY", &cfg.Embedding.APIKey)
	setString("KESTREL_REDIS_ADDR", &cfg.Cache.RedisAddr)
	setString("KESTREL_NATS_URL", &cfg.EventBus.NATSUrl)
	setString("KESTREL_NATS_QUEUE", &cfg.EventBus.NATSQueueGroup)
	setString("KESTREL_LOG_LEVEL", &cfg.Logging.Level)
	setString("KESTREL_LOG_FORMAT", &cfg.Logging.Format)

	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_ALERT_THRESHOLD"); v != "" {
		if threshold, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Worker.AlertThreshold = threshold
		}
	}
	if os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		cfg.Worker.Enabled = true
	}
	if os.Getenv("KESTREL_METRICS") == "false" {
		cfg.Metrics.Enabled = false
	}
}

func kbSource(cfg domain.KBConfig, repo domain.Repository) kb.Source {
	if cfg.Source == "repository" {
		return kb.RepositorySource{Repo: repo}
	}
	return kb.FileSource{Dir: cfg.Dir}
}

// seed imports a JSON dataset file into the SQL graph.
func seed(ctx context.Context, repo *repository.SQLRepository, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ds repository.Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if err := repo.Import(ctx, &ds); err != nil {
		return err
	}
	slog.Info("seed dataset imported",
		"path", path,
		"entities", len(ds.Entities),
		"ownerships", len(ds.Ownerships),
	)
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║      Due-Diligence Graph Analytics        ║")
	fmt.Println("  ║    Who owns whom, and what it risks.      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /entities/search             - Fuzzy entity search")
	fmt.Println("    GET  /entities/resolve-id         - Resolve an identifier")
	fmt.Println("    GET  /entities/{id}/penetration   - Equity penetration")
	fmt.Println("    GET  /entities/{id}/layers        - Ownership layers")
	fmt.Println("    GET  /entities/{id}/exposure      - Exposure report")
	fmt.Println("    POST /resolve                     - Hybrid entity resolution")
	fmt.Println("    POST /screening                   - Name screening")
	fmt.Println("    POST /risk/evaluate               - Evaluate risk rules")
	fmt.Println("    POST /risk/submit                 - Queue an evaluation")
	fmt.Println("    GET  /kb                          - Knowledge base summary")
	fmt.Println("    POST /kb/reload                   - Hot-reload the knowledge base")
	fmt.Println("    GET  /health                      - Health check")
	fmt.Println()
}
