package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hooklinehq/hookline/internal/analytics"
	"github.com/hooklinehq/hookline/internal/api"
	"github.com/hooklinehq/hookline/internal/catalog"
	"github.com/hooklinehq/hookline/internal/config"
	"github.com/hooklinehq/hookline/internal/dispatcher"
	"github.com/hooklinehq/hookline/internal/eventbus"
	"github.com/hooklinehq/hookline/internal/janitor"
	"github.com/hooklinehq/hookline/internal/metrics"
	"github.com/hooklinehq/hookline/internal/pkg/logger"
	"github.com/hooklinehq/hookline/internal/reconciler"
	"github.com/hooklinehq/hookline/internal/registry"
	"github.com/hooklinehq/hookline/internal/store/postgres"
	"github.com/hooklinehq/hookline/internal/transport/channel"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "validate":
		os.Exit(runValidate(os.Args[2:]))
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`hookline - tenant-scoped webhook event delivery

Usage:
  hookline <command> [-config path]

Commands:
  serve      Start the API server and delivery workers
  validate   Validate configuration (no connections made)
  version    Print version information

Configuration is read from the optional -config file, overlaid with
HOOKLINE_-prefixed environment variables. Nested keys map with
underscores:

  HOOKLINE_DATABASE_URL          PostgreSQL connection string (required)
  HOOKLINE_SERVER_ADDR           HTTP listen address (default: ":8080")
  HOOKLINE_DISPATCHER_WORKERS    Delivery worker count (default: "4")
  HOOKLINE_RETRY_MAX_ATTEMPTS    Attempts per delivery (default: "6")
  HOOKLINE_BREAKER_THRESHOLD     Failures before auto-deactivation; 0 disables (default: "10")
  HOOKLINE_REDIS_ENABLED         Enable Redis delivery analytics (default: "false")
  HOOKLINE_REDIS_ADDR            Redis address (default: "localhost:6379")
  HOOKLINE_METRICS_ENABLED       Serve Prometheus metrics (default: "true")
  HOOKLINE_JANITOR_SCHEDULE      Retention prune schedule (default: "0 3 * * *")
  HOOKLINE_LOGGING_LEVEL         Log level (default: "info")
  HOOKLINE_LOGGING_FORMAT        "json" or "console" (default: "json")`)
}

func parseConfigFlag(args []string) (string, error) {
	fs := flag.NewFlagSet("hookline", flag.ContinueOnError)
	path := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *path, nil
}

func runServe(args []string) int {
	path, err := parseConfigFlag(args)
	if err != nil {
		return exitInvalidConfig
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	log := logger.New(cfg.Logging)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Error().Err(err).Msg("failed to open database")
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Error().Err(err).Msg("failed to connect to database")
		return exitRuntimeError
	}
	log.Info().
		Int("max_open", cfg.Database.MaxOpenConns).
		Int("max_idle", cfg.Database.MaxIdleConns).
		Msg("database connected")

	store := postgres.New(db)

	var sink metrics.Sink = metrics.NewNoopSink()
	if cfg.Metrics.Enabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, log.With().Str("component", "metrics").Logger())
		log.Info().Str("path", cfg.Metrics.Path).Msg("metrics enabled")
	}

	queue := channel.NewQueue(cfg.Queue.BufferSize,
		channel.WithEnqueueTimeout(cfg.Queue.EnqueueTimeout),
		channel.WithMetrics(sink))

	subs := registry.New(
		registry.Config{BreakerThreshold: cfg.Breaker.Threshold},
		store,
		log.With().Str("component", "registry").Logger(),
	).WithMetrics(sink)

	bus := eventbus.New(
		eventbus.Config{MaxAttempts: cfg.Retry.MaxAttempts},
		catalog.Default(),
		subs,
		store,
		queue,
		log.With().Str("component", "eventbus").Logger(),
	).WithMetrics(sink)

	policy := dispatcher.Policy{
		BaseDelay:   cfg.Retry.BaseDelay,
		Factor:      cfg.Retry.Factor,
		MaxDelay:    cfg.Retry.MaxDelay,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}
	disp := dispatcher.New(
		dispatcher.Config{
			Workers:        cfg.Dispatcher.Workers,
			SweepInterval:  cfg.Dispatcher.SweepInterval,
			SweepBatchSize: cfg.Dispatcher.SweepBatchSize,
			DrainTimeout:   cfg.Dispatcher.DrainTimeout,
		},
		store,
		dispatcher.NewHTTPSender(cfg.Dispatcher.SendTimeout),
		policy,
		subs,
		queue,
		log.With().Str("component", "dispatcher").Logger(),
	).WithMetrics(sink)

	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		disp = disp.WithAnalytics(analytics.NewRedisSink(
			redisClient,
			analytics.Config{Window: cfg.Analytics.Window, Retention: cfg.Analytics.Retention},
			log.With().Str("component", "analytics").Logger(),
		))
		log.Info().Str("redis", cfg.Redis.Addr).Msg("analytics enabled")
	} else {
		log.Info().Msg("redis disabled; analytics disabled")
	}

	recon := reconciler.New(
		reconciler.Config{
			Interval:     cfg.Reconciler.Interval,
			ClaimTimeout: cfg.Reconciler.ClaimTimeout,
			BatchSize:    cfg.Reconciler.BatchSize,
		},
		store,
		log.With().Str("component", "reconciler").Logger(),
	).WithMetrics(sink)

	var jan *janitor.Janitor
	if cfg.Janitor.Enabled {
		jan, err = janitor.New(
			janitor.Config{Schedule: cfg.Janitor.Schedule, Retention: cfg.Janitor.Retention},
			store,
			log.With().Str("component", "janitor").Logger(),
		)
		if err != nil {
			log.Error().Err(err).Msg("invalid janitor schedule")
			return exitInvalidConfig
		}
		jan = jan.WithMetrics(sink)
	} else {
		log.Info().Msg("janitor disabled; retention pruning off")
	}

	handler := api.NewHandler(
		bus,
		subs,
		disp,
		store,
		catalog.Default(),
		log.With().Str("component", "api").Logger(),
	).WithHealthChecker(db)

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	mux.Handle("/", handler.Router())

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	// Separate contexts per background loop to enable ordered shutdown.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	backgroundCtx, cancelBackground := context.WithCancel(context.Background())

	var dispatcherWg sync.WaitGroup
	var backgroundWg sync.WaitGroup

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx)
	}()

	backgroundWg.Add(1)
	go func() {
		defer backgroundWg.Done()
		recon.Run(backgroundCtx)
	}()

	if jan != nil {
		backgroundWg.Add(1)
		go func() {
			defer backgroundWg.Done()
			jan.Run(backgroundCtx)
		}()
	}

	log.Info().
		Str("version", version).
		Int("workers", cfg.Dispatcher.Workers).
		Msg("hookline started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Info().Str("signal", received.String()).Msg("shutting down")

	// Phase 1: stop accepting HTTP traffic (no new publishes).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	log.Info().Msg("http server stopped")

	// Phase 2: stop the reconciler and janitor (no new requeues).
	cancelBackground()
	backgroundWg.Wait()
	log.Info().Msg("background loops stopped")

	// Phase 3: stop the dispatcher; it drains queued deliveries first.
	cancelDispatcher()
	dispatcherWg.Wait()
	log.Info().Msg("dispatcher stopped")

	log.Info().Msg("hookline stopped")
	return exitSuccess
}

func runValidate(args []string) int {
	path, err := parseConfigFlag(args)
	if err != nil {
		return exitInvalidConfig
	}
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}
	fmt.Println("configuration valid")
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("hookline version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
