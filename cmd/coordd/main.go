// Package main is the entry point for coordd, the HTTP daemon exposing
// distributed rate limits and locks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/gourl/coord/internal/config"
	"github.com/gourl/coord/internal/coord"
	"github.com/gourl/coord/internal/server"
	"github.com/gourl/coord/internal/telemetry"
	"github.com/gourl/coord/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(os.Stdout, cfg.App.LogLevel).With("service", cfg.Telemetry.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(cfg.Telemetry, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("failed to flush traces", "error", err)
		}
	}()

	c, err := coord.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Error("failed to close coordinator", "error", err)
		}
	}()

	srv := server.New(cfg, log, c)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("coordd started", "env", cfg.App.Env, "backend", cfg.Store.Backend)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("coordd stopped")
	return nil
}
