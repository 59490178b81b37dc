package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/medagent/internal/http"
	"github.com/fyrsmithlabs/medagent/internal/services"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve research runs over HTTP",
		Long: `Start the HTTP API.

Endpoints:
  GET  /health
  GET  /metrics
  POST /api/v1/research   {"query": "...", "max_iterations": 2, "deadline_seconds": 120}
  GET  /api/v1/sources

The server shuts down gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	reg, err := buildServices(ctx, services.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close(context.WithoutCancel(ctx)) }()

	cfg := reg.Config()
	logger := reg.Logger().Underlying()

	srv, err := httpserver.NewServer(reg.Orchestrator(), reg.Gateway(), logger, &httpserver.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		Version:           version,
		DefaultIterations: cfg.Research.MaxIterations,
		DefaultDeadline:   cfg.Research.Deadline.Duration(),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return printError("HTTP server failed", err.Error(), nil)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
