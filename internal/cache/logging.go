package cache

import (
	"context"
	"time"

	"erpy/internal/metrics"
	"erpy/pkg/logging/logging"

	"go.uber.org/zap"
)

// LoggingSummaryCache wraps a SummaryCache with logging + metrics.
type LoggingSummaryCache struct {
	inner SummaryCache
}

// NewLoggingSummaryCache returns a cache that logs and records metrics.
func NewLoggingSummaryCache(inner SummaryCache) SummaryCache {
	return &LoggingSummaryCache{inner: inner}
}

func (c *LoggingSummaryCache) Get(ctx context.Context, key SummaryKey) (string, bool, error) {
	start := time.Now()
	summary, ok, err := c.inner.Get(ctx, key)

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}
	metrics.SummaryCacheTotal.WithLabelValues(result).Inc()

	fields := append(keyFields(key),
		zap.String("cache_result", result), // hit | miss | error
		zap.Float64("latency_ms", sinceMs(start)),
	)

	logger := logging.FromContext(ctx)
	if err != nil {
		logger.Error("summary_cache_get", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("summary_cache_get", fields...)
	}

	return summary, ok, err
}

func (c *LoggingSummaryCache) Set(ctx context.Context, key SummaryKey, summary string, ttl time.Duration) error {
	start := time.Now()
	err := c.inner.Set(ctx, key, summary, ttl)

	fields := append(keyFields(key),
		zap.Duration("ttl", ttl),
		zap.Int("summary_bytes", len(summary)),
		zap.Float64("latency_ms", sinceMs(start)),
	)

	logger := logging.FromContext(ctx)
	if err != nil {
		logger.Error("summary_cache_set", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("summary_cache_set", fields...)
	}

	return err
}

func (c *LoggingSummaryCache) Forget(ctx context.Context, modelID string) (int, error) {
	start := time.Now()
	n, err := c.inner.Forget(ctx, modelID)
	if err == nil {
		metrics.SummaryCacheTotal.WithLabelValues("forgotten").Add(float64(n))
	}

	fields := []zap.Field{
		zap.String("model_id", modelID),
		zap.Int("removed", n),
		zap.Float64("latency_ms", sinceMs(start)),
	}

	logger := logging.FromContext(ctx)
	if err != nil {
		logger.Error("summary_cache_forget", append(fields, zap.Error(err))...)
	} else {
		logger.Info("summary_cache_forget", fields...)
	}

	return n, err
}

func keyFields(key SummaryKey) []zap.Field {
	return []zap.Field{
		zap.String("model_id", key.ModelID),
		zap.String("hash", key.Hash),
	}
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// Close closes the wrapped cache when it has anything to release.
func (c *LoggingSummaryCache) Close() error {
	if closer, ok := c.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
