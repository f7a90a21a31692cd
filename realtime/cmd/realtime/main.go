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

	"github.com/nimbus-baas/nimbus-stack/common/broker"
	"github.com/nimbus-baas/nimbus-stack/common/eventbus"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/mutation"
	"github.com/nimbus-baas/nimbus-stack/common/rpc"
	"github.com/nimbus-baas/nimbus-stack/realtime/internal/config"
	"github.com/nimbus-baas/nimbus-stack/realtime/internal/handlers"
	"github.com/nimbus-baas/nimbus-stack/realtime/internal/hub"
	"github.com/nimbus-baas/nimbus-stack/realtime/internal/server"
	"github.com/nimbus-baas/nimbus-stack/realtime/internal/stats"
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
		eventbus.WithSource(stats.ServiceName))
	defer bus.Close()

	rooms := hub.New(
		hub.WithBufferSize(cfg.WebSocket.SendBuffer),
		hub.WithLogger(logger.Component("hub")))
	defer rooms.Close()

	// Local writes broadcast synchronously through the hub itself.
	emitter := mutation.NewEmitter(bus, rooms, logger.Component("mutation"))

	rpcClient := rpc.NewClient(transport,
		rpc.WithLogger(logger.Component("rpc")),
		rpc.WithRetryInterval(cfg.Broker.RetryInterval))
	responder, err := stats.New(rooms, nil).Register(ctx, rpcClient)
	if err != nil {
		logger.Error("failed to register stats responder", logging.Error(err))
		os.Exit(1)
	}
	defer responder.Close()

	handler := handlers.NewHandler(rooms, emitter, transport, handlers.Options{
		Token:          cfg.Ingress.Token,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		ReadLimit:      cfg.WebSocket.ReadLimit,
		MaxBodyBytes:   cfg.Ingress.MaxBodyBytes,
	}, logger.Component("handlers"))

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.NewRouter(handler, logger.Component("http")),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("realtime service listening", "addr", srv.Addr)
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

	// Shutdown does not wait for hijacked websocket connections; closing the
	// hub ends their pumps.
	rooms.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", logging.Error(err))
	}

	logger.Info("server stopped gracefully")
}
