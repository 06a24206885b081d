package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"erpy/internal/metrics"
	"erpy/internal/syncserver"
	"erpy/internal/syncstore"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSyncServerCmd(e *env) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "sync-server",
		Short: "Run the chat and character sync API",
		Long: `Run the chat and character sync API.

Requires sync.api_key (or ERPY_API_KEY); clients send it as a bearer token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				e.cfg.Sync.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSyncServer(ctx, e)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides sync.addr)")
	return cmd
}

func runSyncServer(ctx context.Context, e *env) error {
	cfg := e.cfg.Sync
	logger := e.logger

	if cfg.APIKey == "" {
		return errors.New("sync.api_key (ERPY_API_KEY) is required")
	}

	metrics.Register()

	store, err := syncstore.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           syncserver.New(store, syncserver.Config{APIKey: cfg.APIKey}, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting erpy sync server",
		zap.String("addr", srv.Addr),
		zap.String("database", cfg.Database),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
