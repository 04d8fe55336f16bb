package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/perf-pipeline/api"
)

func newServeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), c)
		},
	}
}

func serve(ctx context.Context, c *cli) error {
	a, err := newApp(c.cfg, c.logger, nil)
	if err != nil {
		return err
	}

	cfg := c.cfg.Server
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.NewEcho(api.NewServer(a.engine), c.logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		c.logger.Info("server starting", slog.String("address", cfg.Addr))
		serverErrors <- server.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErrors:
		_ = a.Shutdown(context.Background())
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		c.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("server shutdown error", slog.Any("error", err))
		if err := server.Close(); err != nil {
			c.logger.Error("server close error", slog.Any("error", err))
		}
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("engine shutdown error", slog.Any("error", err))
		return err
	}
	c.logger.Info("server stopped gracefully")
	return nil
}
