package cache

import (
	"context"
	"testing"
	"time"

	"erpy/internal/completion"
	"erpy/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

func key(model, hash string) SummaryKey {
	return SummaryKey{ModelID: model, Hash: hash}
}

func TestMemorySummaryCache_TTL(t *testing.T) {
	c := NewMemorySummaryCache(10 * time.Millisecond)
	defer c.Close()

	ctx := context.Background()
	k := key("open-ai/m", "abc")

	if err := c.Set(ctx, k, "hello", 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, hit, err := c.Get(ctx, k)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !hit {
		t.Fatalf("expected hit immediately after Set")
	}
	if got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}

	time.Sleep(30 * time.Millisecond)

	_, hit, err = c.Get(ctx, k)
	if err != nil {
		t.Fatalf("Get after TTL failed: %v", err)
	}
	if hit {
		t.Fatalf("expected miss after TTL expiry")
	}
}

func TestMemorySummaryCache_NonPositiveTTLEvicts(t *testing.T) {
	c := NewMemorySummaryCache(time.Minute)
	defer c.Close()

	ctx := context.Background()
	_ = c.Set(ctx, key("m", "k"), "v", time.Minute)
	_ = c.Set(ctx, key("m", "k"), "v", 0)

	if c.Len() != 0 {
		t.Fatalf("expected eviction, have %d entries", c.Len())
	}
}

func TestMemorySummaryCache_ForgetDropsOnlyThatModel(t *testing.T) {
	c := NewMemorySummaryCache(time.Minute)
	defer c.Close()

	ctx := context.Background()
	_ = c.Set(ctx, key("open-ai/a", "1"), "a1", time.Minute)
	_ = c.Set(ctx, key("open-ai/a", "2"), "a2", time.Minute)
	_ = c.Set(ctx, key("open-ai/b", "1"), "b1", time.Minute)

	n, err := c.Forget(ctx, "open-ai/a")
	if err != nil || n != 2 {
		t.Fatalf("Forget: n=%d err=%v", n, err)
	}
	if _, hit, _ := c.Get(ctx, key("open-ai/a", "1")); hit {
		t.Fatalf("forgotten model still served")
	}
	if v, hit, _ := c.Get(ctx, key("open-ai/b", "1")); !hit || v != "b1" {
		t.Fatalf("other model lost its entry: %q %v", v, hit)
	}

	if n, _ := c.Forget(ctx, "unknown"); n != 0 {
		t.Fatalf("forgetting an unknown model removed %d entries", n)
	}
}

func TestMemorySummaryCache_SweepRemovesExpired(t *testing.T) {
	c := NewMemorySummaryCache(time.Hour)
	defer c.Close()

	ctx := context.Background()
	_ = c.Set(ctx, key("m", "old"), "x", time.Millisecond)
	_ = c.Set(ctx, key("m", "new"), "y", time.Hour)

	c.sweep(time.Now().Add(time.Second))
	if c.Len() != 1 {
		t.Fatalf("expected 1 live entry after sweep, have %d", c.Len())
	}

	c.sweep(time.Now().Add(2 * time.Hour))
	if c.Len() != 0 || len(c.models) != 0 {
		t.Fatalf("expected empty cache, have %d entries in %d buckets", c.Len(), len(c.models))
	}
}

func TestBuildSummaryKey(t *testing.T) {
	temp := 0.2
	req := &completion.Request{
		Model:       "ignored",
		Temperature: &temp,
		Messages:    []completion.Message{{Role: completion.RoleUser, Content: "hi"}},
	}

	k1, err := BuildSummaryKey(req, " open-ai/gpt-4o ")
	if err != nil {
		t.Fatalf("BuildSummaryKey: %v", err)
	}
	if k1.ModelID != "open-ai/gpt-4o" || len(k1.Hash) != 64 {
		t.Fatalf("unexpected key %+v", k1)
	}

	other := req.Clone()
	other.Model = "something-else"
	k2, _ := BuildSummaryKey(other, "open-ai/gpt-4o")
	if k1 != k2 {
		t.Fatalf("request model must not affect the key: %v vs %v", k1, k2)
	}

	k3, _ := BuildSummaryKey(req, "open-ai/gpt-4o-mini")
	if k3.Hash != k1.Hash || k3 == k1 {
		t.Fatalf("scope must separate keys for the same request: %v vs %v", k1, k3)
	}

	other.Messages[0].Content = "hello"
	k4, _ := BuildSummaryKey(other, "open-ai/gpt-4o")
	if k4 == k1 {
		t.Fatalf("different messages must produce different keys")
	}

	if _, err := BuildSummaryKey(nil, "m"); err == nil {
		t.Fatalf("expected error for nil request")
	}
}

func TestSummaryKeyString(t *testing.T) {
	k := SummaryKey{ModelID: "open-ai/org/model:q4", Hash: "deadbeef"}
	if got := k.String(); got != "summary:open-ai/org/model:q4:deadbeef" {
		t.Fatalf("unexpected key string %q", got)
	}
}

func TestLoggingSummaryCacheCountsResults(t *testing.T) {
	inner := NewMemorySummaryCache(time.Minute)
	defer inner.Close()
	c := NewLoggingSummaryCache(inner)
	ctx := context.Background()
	k := key("m", "1")

	hits := testutil.ToFloat64(metrics.SummaryCacheTotal.WithLabelValues("hit"))
	misses := testutil.ToFloat64(metrics.SummaryCacheTotal.WithLabelValues("miss"))
	forgotten := testutil.ToFloat64(metrics.SummaryCacheTotal.WithLabelValues("forgotten"))

	if _, ok, _ := c.Get(ctx, k); ok {
		t.Fatalf("expected miss")
	}
	if err := c.Set(ctx, k, "s", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, _ := c.Get(ctx, k); !ok || v != "s" {
		t.Fatalf("expected hit, got %q %v", v, ok)
	}
	if n, err := c.Forget(ctx, "m"); err != nil || n != 1 {
		t.Fatalf("Forget: n=%d err=%v", n, err)
	}

	if got := testutil.ToFloat64(metrics.SummaryCacheTotal.WithLabelValues("hit")); got != hits+1 {
		t.Fatalf("hits: want %v got %v", hits+1, got)
	}
	if got := testutil.ToFloat64(metrics.SummaryCacheTotal.WithLabelValues("miss")); got != misses+1 {
		t.Fatalf("misses: want %v got %v", misses+1, got)
	}
	if got := testutil.ToFloat64(metrics.SummaryCacheTotal.WithLabelValues("forgotten")); got != forgotten+1 {
		t.Fatalf("forgotten: want %v got %v", forgotten+1, got)
	}
}

func TestRedisSummaryCacheReportsConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	c := NewRedisSummaryCache(client, RedisConfig{Prefix: "erpy"})
	k := key("open-ai/m", "h")
	if got := c.key(k); got != "erpy:summary:open-ai/m:h" {
		t.Fatalf("unexpected prefixed key %q", got)
	}
	if got := c.indexKey("open-ai/m"); got != "erpy:summary-index:open-ai/m" {
		t.Fatalf("unexpected index key %q", got)
	}

	_, ok, err := c.Get(context.Background(), k)
	if err == nil || ok {
		t.Fatalf("expected error from unreachable redis, got ok=%v err=%v", ok, err)
	}
	if _, err := c.Forget(context.Background(), "open-ai/m"); err == nil {
		t.Fatalf("expected error from unreachable redis")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Set(ctx, k, "v", time.Minute); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestFactory(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.Backend != "memory" || cfg.TTL != time.Hour || cfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if err := (Config{Backend: "disk"}).Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
	if NewSummaryCache(Config{Backend: "none"}, nil) != nil {
		t.Fatalf("none backend must disable caching")
	}

	c, ok := NewSummaryCache(cfg, nil).(*LoggingSummaryCache)
	if !ok {
		t.Fatalf("memory backend should be wrapped with logging")
	}
	mem, ok := c.inner.(*MemorySummaryCache)
	if !ok {
		t.Fatalf("unexpected inner cache %T", c.inner)
	}
	defer mem.Close()
	if mem.sweepInterval != DefaultSweepInterval {
		t.Fatalf("sweep interval %v must not follow the entry TTL", mem.sweepInterval)
	}
}
