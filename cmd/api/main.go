package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/invoice-pipeline/internal/bootstrap"
	"github.com/kirillkom/invoice-pipeline/internal/config"
	"github.com/kirillkom/invoice-pipeline/internal/observability/logging"
	"github.com/kirillkom/invoice-pipeline/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	role := bootstrap.RoleAPI
	if cfg.StoreDriver == "memory" {
		role = bootstrap.RoleStandalone
	}
	app, err := bootstrap.New(ctx, cfg, role)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           app.APIHandler(metrics.NewHTTPServerMetrics("api")),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	app.StartNotifications(gCtx, g)
	app.StartWorker(gCtx, g)
	g.Go(func() error {
		logger.Info("api_listening", "addr", server.Addr, "role", role.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	app.Close()
	if err != nil {
		logger.Error("api_stopped", "error", err)
		os.Exit(1)
	}
}
