// Package main implements the food recommendation API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/nezubytes/foodrec/engine/embed"
	"github.com/nezubytes/foodrec/engine/fusion"
	"github.com/nezubytes/foodrec/engine/ingest"
	"github.com/nezubytes/foodrec/engine/reclog"
	"github.com/nezubytes/foodrec/engine/semantic"
	"github.com/nezubytes/foodrec/pkg/config"
	"github.com/nezubytes/foodrec/pkg/metrics"
	"github.com/nezubytes/foodrec/pkg/natsutil"
	"github.com/nezubytes/foodrec/pkg/ollama"
	"github.com/nezubytes/foodrec/pkg/places"
	"github.com/nezubytes/foodrec/pkg/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Logging.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// --- Embeddings ---
	embedder, err := embed.FromConfig(cfg.Embed, m)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}

	// --- Connect to Qdrant ---
	collections := semantic.Collections{Food: cfg.Qdrant.FoodCollection, Restaurant: cfg.Qdrant.RestaurantCollection}
	store, err := semantic.New(cfg.Qdrant.URL, collections, embedder.Dimensions())
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()
	if err := store.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("qdrant collections: %w", err)
	}

	// --- Connect to Neo4j ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(context.Background())
	records := reclog.New(driver)
	if err := records.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("neo4j schema: %w", err)
	}

	// --- NATS (optional) ---
	var pub natsutil.Publisher
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("foodrec-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		pub = nc
	}

	// --- Fusion ---
	var placeSearcher fusion.PlaceSearcher
	if cfg.Places.APIKey != "" {
		guard := &resilience.Guard{
			Limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.Places.RatePerSec, Burst: cfg.Places.Burst}),
			Breaker: resilience.NewBreaker(resilience.BreakerOpts{
				Name: "places",
				OnStateChange: func(name string, from, to resilience.State) {
					logger.Warn("circuit breaker state change", "name", name, "from", from, "to", to)
				},
			}),
		}
		placeSearcher = places.New(cfg.Places.URL, cfg.Places.APIKey, guard)
	} else {
		logger.Warn("no place search API key, nearby restaurants disabled")
	}

	var arbiter fusion.Arbiter = fusion.RuleArbiter{}
	if cfg.Arbiter.Kind == "model" {
		arbiter = fusion.NewModelArbiter(ollama.NewChatClient(cfg.Arbiter.OllamaURL, cfg.Arbiter.Model), cfg.Arbiter.Timeout)
	}

	recorder := fusion.NewRecorder(records, pub, cfg.Fusion.PersistTimeout, logger, m)
	engine := fusion.New(embedder, store, placeSearcher, arbiter, recorder, fusion.Options{
		TopK:            cfg.Fusion.TopK,
		DefaultPlace:    cfg.Places.DefaultPlace,
		SearchTimeout:   cfg.Fusion.SearchTimeout,
		ExternalTimeout: cfg.Places.Timeout,
	}, logger, m)

	// --- Build HTTP server ---
	s := &server{
		ingest:      ingest.NewService(embedder, store, logger),
		embedder:    embedder,
		search:      store,
		engine:      engine,
		records:     records,
		collections: collections,
		logger:      logger,
		metrics:     m,
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      s.routes(cfg.Server),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port, "arbiter", cfg.Arbiter.Kind, "embed", embedder.Model())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	return shutdown(srv, recorder, cfg.Server.ShutdownTimeout, cfg.Fusion.PersistTimeout, logger)
}

type drainer interface {
	Drain(ctx context.Context) error
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops the listener, then waits for background recommendation
// writes. Each step gets its own budget.
func shutdown(srv shutdowner, rec drainer, serverTimeout, drainTimeout time.Duration, logger *slog.Logger) error {
	shutCtx, cancel := context.WithTimeout(context.Background(), serverTimeout)
	defer cancel()
	err := srv.Shutdown(shutCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if derr := rec.Drain(drainCtx); derr != nil {
		logger.Error("recorder drain incomplete", "err", derr)
	}
	return err
}
