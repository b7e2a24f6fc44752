package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"offline0/internal/config"
	"offline0/internal/engine"
	"offline0/internal/logging"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("offline0 stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := engine.New(cfg, log)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer func() {
		if err := state.Close(); err != nil {
			log.Warn("close engine", zap.Error(err))
		}
	}()

	if err := state.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           state.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("offline0 listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.Int("generation", cfg.Cache.Generation),
			zap.String("phase", string(state.Phase())),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
