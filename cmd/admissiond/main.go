// Package main is the entrypoint for admissiond, the multi-tenant
// request admission controller.
//
// admissiond sits in front of whatever backend a client is calling and
// decides, per request, whether to let it through immediately, queue it
// briefly, or reject it outright. It combines:
//   - a sliding-window-log rate limiter, per (tenant, client, action)
//   - a global concurrency gate with per-tenant fairness queues
//   - an optional Postgres-backed policy store, kept warm across
//     processes over a Redis invalidation channel
//   - best-effort Kafka publishing of admission decisions
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/saidutt46/admission-controller/internal/admission"
	"github.com/saidutt46/admission-controller/internal/config"
	"github.com/saidutt46/admission-controller/internal/configstore"
	"github.com/saidutt46/admission-controller/internal/events"
	"github.com/saidutt46/admission-controller/internal/health"
	"github.com/saidutt46/admission-controller/internal/httpapi"
	"github.com/saidutt46/admission-controller/internal/loadmanager"
	"github.com/saidutt46/admission-controller/internal/logging"
	"github.com/saidutt46/admission-controller/internal/metrics"
	"github.com/saidutt46/admission-controller/internal/ratelimit"
	"github.com/saidutt46/admission-controller/internal/sweep"
)

// Version information (set during build via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Application failed to start")
		os.Exit(1)
	}
}

// run contains the main application logic. Separating this from main()
// makes it easier to test and handle errors.
func run() error {
	printBanner()

	// Load .env file if present. Production should use actual
	// environment variables; a missing file is not an error.
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	} else {
		log.Debug().Msg("Loaded configuration from .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Str("environment", cfg.Environment).
		Msg("admissiond starting...")

	// Admission core: always present, never depends on external state.
	swl := ratelimit.New(cfg.Admission.ShardCount)
	lm := loadmanager.New(cfg.Admission.GateCapacity, cfg.Admission.QueueCapacity)
	facade := admission.New(swl, lm)

	log.Info().
		Int("gate_capacity", cfg.Admission.GateCapacity).
		Int("queue_capacity", cfg.Admission.QueueCapacity).
		Int("shard_count", cfg.Admission.ShardCount).
		Msg("admission core ready")

	idleSweeper := sweep.New(swl, cfg.Admission.SweepInterval, cfg.Admission.SweepInterval)
	idleSweeper.Start()
	defer idleSweeper.Stop()

	// Config store: optional. A deployment with no POSTGRES_DSN runs the
	// admission core with no durable policy lookup, which is a valid mode
	// since callers can always pass a policy directly on the request.
	var store *configstore.Store
	var storeDB *configstore.DB
	var watcher *configstore.Watcher

	if cfg.Store.PostgresDSN != "" {
		storeDB, err = configstore.NewDB(configstore.PostgresConfig{
			DSN:             cfg.Store.PostgresDSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
			ConnectTimeout:  cfg.Store.ConnectTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to policy database: %w", err)
		}
		defer func() {
			if err := storeDB.Close(); err != nil {
				log.Error().Err(err).Msg("error closing policy database connection")
			}
		}()

		store = configstore.NewStore(storeDB)

		redisClient, err := configstore.NewRedisClient(configstore.RedisConfig{
			URL:     cfg.Store.RedisURL,
			Channel: cfg.Store.InvalidationChannel,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to build redis client, policy cache invalidation disabled")
		} else {
			watcher = configstore.NewWatcher(redisClient, cfg.Store.InvalidationChannel, store)

			watchCtx, cancelWatch := context.WithCancel(context.Background())
			defer cancelWatch()
			go func() {
				if err := watcher.Start(watchCtx); err != nil && watchCtx.Err() == nil {
					log.Error().Err(err).Msg("policy invalidation watcher stopped")
				}
			}()

			log.Info().Msg("policy invalidation watcher started")
		}
	} else {
		log.Info().Msg("no policy database configured, running without durable tenant policy")
	}

	// Best-effort decision publishing.
	publisher := events.New(events.Config{
		Brokers:          splitBrokers(cfg.Events.KafkaBrokers),
		Topic:            cfg.Events.Topic,
		PublishRateLimit: cfg.Events.PublishRateLimit,
		Enabled:          cfg.Events.Enabled,
	})
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing event publisher")
		}
	}()

	// Metrics.
	registry := prometheus.NewRegistry()
	collectors := metrics.New(registry)

	// HTTP surface.
	apiHandler := httpapi.New(facade, cfg.Admission.QueueWaitLimit).
		WithMetrics(collectors).
		WithEvents(publisher)

	// Only attach the resolver when a policy store was actually built:
	// WithPolicyResolver(nil) interface-wraps a nil *configstore.Store,
	// which would make h.resolver != nil true but every Resolve call panic.
	if store != nil {
		apiHandler = apiHandler.WithPolicyResolver(store)
	}

	// health.NewHandler takes an interface; passing a typed nil *DB or
	// *Watcher directly would wrap a non-nil interface around a nil
	// pointer, so only hand off a Pinger when one was actually built.
	var storePinger, watcherPinger health.Pinger
	if storeDB != nil {
		storePinger = storeDB
	}
	if watcher != nil {
		watcherPinger = watcher
	}
	healthHandler := health.NewHandler(storePinger, watcherPinger)

	mux := apiHandler.Routes()
	mux.HandleFunc("/health", healthHandler.Health)
	mux.HandleFunc("/ready", healthHandler.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.ServerAddress()).Msg("HTTP server starting")
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown...")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("error during graceful shutdown, forcing shutdown")
			if err := server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		facade.Shutdown()

		log.Info().Msg("server stopped gracefully")
	}

	return nil
}

// splitBrokers turns a comma-separated broker list into a slice,
// trimming whitespace around each entry.
func splitBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func printBanner() {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║                                                           ║
║   admissiond — multi-tenant request admission controller ║
║                                                           ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Println(banner)
	fmt.Printf("Version: %s | Build: %s | Commit: %s\n\n", Version, BuildTime, GitCommit)
}
