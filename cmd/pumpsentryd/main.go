// Command pumpsentryd is the process entrypoint: it loads configuration,
// wires the Execution Controller, the REST control surface and the
// WebSocket event bridge, and runs until SIGINT/SIGTERM.
//
// Grounded on cmd/server/main.go's flag/signal/graceful-shutdown shape and
// cmd/orders/main.go's zap.NewProduction() logger construction.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/bridge"
	"github.com/pumpsentry/core/internal/config"
	"github.com/pumpsentry/core/internal/execution"
	"github.com/pumpsentry/core/internal/restapi"
	"github.com/pumpsentry/core/internal/store"
	"github.com/pumpsentry/core/pkg/metrics"
)

const (
	appName    = "pumpsentryd"
	appVersion = "v1.0.0"
)

// shutdownGrace bounds how long main waits for the REST/WS listeners and
// any running session to stop once a shutdown signal arrives.
const shutdownGrace = 30 * time.Second

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s %s\n", appName, appVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "construct logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("pumpsentryd exited with error", zap.Error(err))
	}
}

func run(cfg config.EngineConfig, logger *zap.Logger) error {
	sink := metrics.New()

	// The store is optional: a collect-only or dry-run deployment may have
	// no DSN configured, in which case sinks fall back to their in-memory
	// overflow path (internal/persistence's degraded-store behaviour).
	var st *store.Store
	if cfg.Persistence.DSN != "" {
		var err error
		st, err = store.Open(cfg.Persistence.DSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		if err := st.AutoMigrate(); err != nil {
			return fmt.Errorf("auto-migrate store: %w", err)
		}
		defer st.Close()
	}

	hub := bridge.NewHub(logger)
	evBridge := bridge.New(hub, logger)

	controller := execution.NewController(execution.Deps{
		Logger: logger,
		Sink:   sink,
		Store:  st,
		Engine: cfg,
		// Exchange is left nil: spec.md names no concrete live-trading
		// adapter, so mode=live sessions fail validation until one is
		// wired by a deployment that has an exchange integration.
		Bridge: evBridge,
	})

	restServer := restapi.NewServer(controller, logger, sink)

	restHTTP := &http.Server{Addr: cfg.REST.Addr, Handler: restServer.Engine()}
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", evBridge.ServeWS)
	wsHTTP := &http.Server{Addr: cfg.WS.Addr, Handler: wsMux}

	errs := make(chan error, 2)
	go func() {
		logger.Info("REST control surface listening", zap.String("addr", cfg.REST.Addr))
		if err := restHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("REST server: %w", err)
		}
	}()
	go func() {
		logger.Info("WebSocket event bridge listening", zap.String("addr", cfg.WS.Addr))
		if err := wsHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("WS server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errs:
		logger.Error("listener failed, shutting down", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := controller.StopSession(shutdownCtx); err != nil && !errors.Is(err, execution.ErrNoActiveSession) {
		logger.Warn("session stop failed during shutdown", zap.Error(err))
	}
	if err := restHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Warn("REST server shutdown failed", zap.Error(err))
	}
	if err := wsHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Warn("WS server shutdown failed", zap.Error(err))
	}

	logger.Info("pumpsentryd stopped")
	return nil
}
