package router

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/llmhive/llmhive/core"
)

func TestMemoryModelCacheExpiry(t *testing.T) {
	cache := NewMemoryModelCache(time.Minute)
	now := time.Now()
	cache.clock = func() time.Time { return now }

	models := []core.ModelInfo{{ID: "m1", ContextLength: 8192}}
	cache.Set(context.Background(), "alpha", models)

	got, ok := cache.Get(context.Background(), "alpha")
	if !ok || len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("Get = %v, %v; want fresh entry", got, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get(context.Background(), "alpha"); ok {
		t.Error("expired entry still served")
	}
}

func TestMemoryModelCacheMiss(t *testing.T) {
	cache := NewMemoryModelCache(time.Minute)
	if _, ok := cache.Get(context.Background(), "nothing"); ok {
		t.Error("Get on empty cache reported a hit")
	}
}

func TestRedisModelCacheRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)

	cache, err := NewRedisModelCache("redis://"+srv.Addr(), time.Hour, nil)
	if err != nil {
		t.Fatalf("NewRedisModelCache failed: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	models := []core.ModelInfo{
		{ID: "m1", ContextLength: 8192, PricePer1K: 0.002},
		{ID: "m2", ContextLength: 32768, SupportsTools: true},
	}
	cache.Set(ctx, "alpha", models)

	got, ok := cache.Get(ctx, "alpha")
	if !ok {
		t.Fatal("Get reported a miss after Set")
	}
	if len(got) != 2 || got[0].ID != "m1" || got[1].SupportsTools != true {
		t.Errorf("Get = %+v, want stored models", got)
	}

	if _, ok := cache.Get(ctx, "beta"); ok {
		t.Error("Get for unknown backend reported a hit")
	}
}

func TestRedisModelCacheTTL(t *testing.T) {
	srv := miniredis.RunT(t)

	cache, err := NewRedisModelCache("redis://"+srv.Addr(), time.Minute, nil)
	if err != nil {
		t.Fatalf("NewRedisModelCache failed: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	cache.Set(ctx, "alpha", []core.ModelInfo{{ID: "m1"}})

	srv.FastForward(2 * time.Minute)
	if _, ok := cache.Get(ctx, "alpha"); ok {
		t.Error("entry survived past its TTL")
	}
}

func TestRedisModelCacheDegradesToMiss(t *testing.T) {
	srv := miniredis.RunT(t)

	cache, err := NewRedisModelCache("redis://"+srv.Addr(), time.Hour, nil)
	if err != nil {
		t.Fatalf("NewRedisModelCache failed: %v", err)
	}
	defer cache.Close()

	srv.Close()
	if _, ok := cache.Get(context.Background(), "alpha"); ok {
		t.Error("unreachable redis reported a hit")
	}
}
