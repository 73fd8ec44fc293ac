// Command ingest consumes catalog upserts from NATS and indexes them into
// the typed Qdrant collections.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nezubytes/foodrec/engine/embed"
	"github.com/nezubytes/foodrec/engine/ingest"
	"github.com/nezubytes/foodrec/engine/semantic"
	"github.com/nezubytes/foodrec/pkg/config"
	"github.com/nezubytes/foodrec/pkg/metrics"
)

func main() {
	metricsAddr := flag.String("metrics-addr", ":9091", "address for /metrics, empty disables")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, *metricsAddr, logger); err != nil {
		logger.Error("ingest exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, metricsAddr string, logger *slog.Logger) error {
	if cfg.NATS.URL == "" {
		return errors.New("nats url is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	embedder, err := embed.FromConfig(cfg.Embed, m)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}

	store, err := semantic.New(cfg.Qdrant.URL, semantic.Collections{
		Food:       cfg.Qdrant.FoodCollection,
		Restaurant: cfg.Qdrant.RestaurantCollection,
	}, embedder.Dimensions())
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()
	if err := store.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("qdrant collections: %w", err)
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("foodrec-ingest"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	consumer := ingest.NewConsumer(ingest.NewService(embedder, store, logger), nc, logger, m)
	subs, err := consumer.Start(nc)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	logger.Info("ingest consumer started",
		"subjects", []string{ingest.FoodSubject, ingest.RestaurantSubject},
		"subscriptions", len(subs), "embed", embedder.Model())

	var srv *http.Server
	if metricsAddr != "" {
		srv = &http.Server{Addr: metricsAddr, Handler: m.Handler(), ReadTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "err", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
	return nil
}
