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

	"erpy/internal/app"
	"erpy/internal/cache"
	"erpy/internal/dispatch"
	"erpy/internal/handlers"
	"erpy/internal/httpserver"
	"erpy/internal/metrics"
	"erpy/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(e *env) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host command API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				e.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, e)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

// newState wires the completion stack from config. The returned cleanup
// closes what newState opened.
func newState(ctx context.Context, e *env) (*app.State, func(), error) {
	cfg := e.cfg
	logger := e.logger

	cacheCfg := cfg.Cache.Cache()

	var redisClient *redis.Client
	if cacheCfg.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cacheCfg.RedisAddr,
		})

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			_ = redisClient.Close()
			return nil, nil, err
		}
		logger.Info("redis connection established", zap.String("addr", cacheCfg.RedisAddr))
	}

	summaries := cache.NewSummaryCache(cacheCfg, redisClient)

	state := app.New(app.Options{
		Dispatcher: dispatch.New(dispatch.Options{ModelDir: cfg.Models.Dir}, logger),
		Cache:      summaries,
		CacheTTL:   cacheCfg.TTL,
		Scanner:    models.Scanner{Home: cfg.Models.Home, Logger: logger},
		Settings:   cfg.LLM,
	}, logger)

	state.Autoload(ctx, cfg.Autoload)

	cleanup := func() {
		if err := state.Close(); err != nil {
			logger.Warn("state close failed", zap.Error(err))
		}
		if c, ok := summaries.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}
	return state, cleanup, nil
}

func runServe(ctx context.Context, e *env) error {
	cfg := e.cfg
	logger := e.logger

	metrics.Register()

	state, cleanup, err := newState(ctx, e)
	if err != nil {
		return err
	}
	defer cleanup()

	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, handlers.New(state), httpserver.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	})

	// no WriteTimeout: chat completions stream for as long as the model talks
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// open streams would otherwise hold Shutdown until its deadline
	srv.RegisterOnShutdown(state.CancelSessions)

	logger.Info("starting erpy host",
		zap.String("addr", srv.Addr),
		zap.String("cache_backend", cfg.Cache.Backend),
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
	logger.Info("shutdown signal received")

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
