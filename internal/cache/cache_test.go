package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/hula0401/marketvoice/internal/config"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	c, err := New(context.Background(), config.CacheConfig{Addr: mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type priceQuote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	want := priceQuote{Symbol: "AAPL", Price: 123.45}
	if err := c.SetToolResult(ctx, "price", "AAPL", want, time.Minute); err != nil {
		t.Fatalf("SetToolResult: %v", err)
	}

	var got priceQuote
	if !c.GetToolResult(ctx, "price", "AAPL", &got) {
		t.Fatalf("expected cache hit")
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestCache_MissOnUnknownKey(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	var got priceQuote
	if c.GetToolResult(ctx, "price", "MSFT", &got) {
		t.Fatalf("expected cache miss for unseeded key")
	}
}

func TestCache_ZeroTTLNeverCaches(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.SetToolResult(ctx, "news", "AAPL", priceQuote{Symbol: "AAPL"}, 0); err != nil {
		t.Fatalf("SetToolResult: %v", err)
	}
	var got priceQuote
	if c.GetToolResult(ctx, "news", "AAPL", &got) {
		t.Fatalf("expected non-cacheable result to not be stored")
	}
}

func TestCache_InvalidateTool(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	c.SetToolResult(ctx, "price", "AAPL", priceQuote{Symbol: "AAPL"}, time.Minute)
	c.SetToolResult(ctx, "price", "MSFT", priceQuote{Symbol: "MSFT"}, time.Minute)

	if err := c.InvalidateTool(ctx, "price"); err != nil {
		t.Fatalf("InvalidateTool: %v", err)
	}

	var got priceQuote
	if c.GetToolResult(ctx, "price", "AAPL", &got) {
		t.Fatalf("expected AAPL entry invalidated")
	}
	if c.GetToolResult(ctx, "price", "MSFT", &got) {
		t.Fatalf("expected MSFT entry invalidated")
	}
}

func TestCache_NilCacheIsSafeNoop(t *testing.T) {
	t.Parallel()
	var c *Cache
	ctx := context.Background()

	var got priceQuote
	if c.GetToolResult(ctx, "price", "AAPL", &got) {
		t.Fatalf("expected nil cache to always miss")
	}
	if err := c.SetToolResult(ctx, "price", "AAPL", priceQuote{}, time.Minute); err != nil {
		t.Fatalf("SetToolResult on nil cache: %v", err)
	}
	if err := c.InvalidateTool(ctx, "price"); err != nil {
		t.Fatalf("InvalidateTool on nil cache: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil cache: %v", err)
	}
}
