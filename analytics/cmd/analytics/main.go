package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/nimbus-baas/nimbus-stack/analytics/internal/collector"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/config"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/handlers"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/lock"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/repository"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/scheduler"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/server"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/stats"
	"github.com/nimbus-baas/nimbus-stack/common/broker"
	"github.com/nimbus-baas/nimbus-stack/common/database"
	"github.com/nimbus-baas/nimbus-stack/common/eventbus"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/rpc"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.ForService(stats.ServiceName, cfg.Logging.Level, cfg.Logging.Format)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connString := cfg.Database.Postgres.DSN()

	logger.Info("running database migrations")
	if err := database.Migrate(cfg.Database.MigrationsPath, connString); err != nil {
		logger.Error("migrations failed", logging.Error(err))
		os.Exit(1)
	}

	repo, err := repository.NewPostgresRepository(ctx, connString)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", logging.Error(err))
		os.Exit(1)
	}
	defer repo.Close()

	transport, err := broker.New(cfg.Broker, stats.ServiceName, logger.Component("broker"))
	if err != nil {
		logger.Error("invalid broker config", logging.Error(err))
		os.Exit(1)
	}
	if err := broker.Connect(ctx, transport, logger.Component("broker")); err != nil {
		logger.Error("failed to connect to broker", logging.Error(err))
		os.Exit(1)
	}
	defer transport.Close()

	bus := eventbus.New(transport,
		eventbus.WithLogger(logger.Component("eventbus")),
		eventbus.WithSource(stats.ServiceName),
		eventbus.WithMaxAttempts(cfg.Broker.MaxAttempts),
		eventbus.WithRetryInterval(cfg.Broker.RetryInterval))
	defer bus.Close()

	rpcClient := rpc.NewClient(transport,
		rpc.WithLogger(logger.Component("rpc")),
		rpc.WithRetryInterval(cfg.Broker.RetryInterval))

	// Redis serializes runs across replicas; a single instance needs no lock.
	var locker lock.Locker = lock.Noop{}
	if cfg.Redis.Enabled {
		redisLock, client, err := lock.NewRedisFromURL(ctx, cfg.Redis.URL, "")
		if err != nil {
			logger.Error("failed to connect to Redis", logging.Error(err))
			os.Exit(1)
		}
		defer client.Close()
		locker = redisLock
	}

	coll := collector.New(bus, repo, cfg.Aggregation.Retention,
		collector.WithLogger(logger.Component("collector")))
	if err := coll.Start(ctx); err != nil {
		logger.Error("failed to start collector", logging.Error(err))
		os.Exit(1)
	}
	defer coll.Stop()

	sched := scheduler.New(repo, scheduler.Config{
		BootDelay:     cfg.Aggregation.BootDelay,
		LateArrival:   cfg.Aggregation.LateArrival,
		PurgeInterval: cfg.Aggregation.PurgeInterval,
		LockTTL:       cfg.Aggregation.LockTTL,
	}, scheduler.WithLocker(locker), scheduler.WithLogger(logger.Component("scheduler")))
	if cfg.Aggregation.Enabled {
		sched.Start(ctx)
		defer sched.Stop()
	} else {
		logger.Warn("scheduled aggregation disabled, runs only on demand")
	}

	statsSvc := stats.New(repo, rpcClient,
		stats.WithLogger(logger.Component("stats")),
		stats.WithPeers(cfg.Usage.PeerStatsKeys, cfg.Usage.Timeout))
	responder, err := statsSvc.Register(ctx)
	if err != nil {
		logger.Error("failed to register stats responder", logging.Error(err))
		os.Exit(1)
	}
	defer responder.Close()

	handler := handlers.NewHandler(repo, statsSvc, sched, transport, logger.Component("handlers"))

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.NewRouter(handler, logger.Component("http")),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("analytics service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", logging.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", logging.Error(err))
	}
	cancel()

	logger.Info("server stopped gracefully")
}
