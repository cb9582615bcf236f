package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mySupply/phoss-smp/internal/platform/config"
	"github.com/mySupply/phoss-smp/internal/platform/httpserver"
	"github.com/mySupply/phoss-smp/internal/platform/logger"
	"github.com/mySupply/phoss-smp/internal/smp"
)

// main wires the managers over the configured backend and serves the ops
// endpoints until SIGINT or SIGTERM. The SMP REST surface is mounted by the
// embedding application on top of smp.Managers.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	managers, err := smp.Build(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := managers.Close(); err != nil {
			log.Error("closing managers failed", "error", err)
		}
	}()

	srv := httpserver.New(cfg.Server.Addr, httpserver.OpsRouter(reg, managers.Health))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting ops listener", "addr", cfg.Server.Addr, "backend", string(cfg.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
