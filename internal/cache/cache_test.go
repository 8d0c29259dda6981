package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
)

func TestInMemoryCache_SetAndGet(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "key1", []byte("value"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := c.Get(ctx, "key1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got) != "value" {
		t.Errorf("expected value, got %s", got)
	}

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Error("expected cache miss")
	}
}

func TestInMemoryCache_Expiration(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.nowFn = func() time.Time { return now }

	_ = c.Set(ctx, "key1", []byte("v"), time.Minute)

	now = now.Add(59 * time.Second)
	if _, ok := c.Get(ctx, "key1"); !ok {
		t.Fatal("expected cache hit before expiration")
	}

	now = now.Add(time.Second)
	if _, ok := c.Get(ctx, "key1"); ok {
		t.Error("expected cache miss after expiration")
	}

	_ = c.Set(ctx, "key2", []byte("v"), time.Minute)
	c.mu.RLock()
	_, stale := c.items["key1"]
	c.mu.RUnlock()
	if stale {
		t.Error("expired entries should be dropped on Set")
	}
}

func TestInMemoryCache_Delete(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	_ = c.Set(ctx, "key1", []byte("v"), time.Minute)
	_ = c.Delete(ctx, "key1")

	if _, ok := c.Get(ctx, "key1"); ok {
		t.Error("expected cache miss after delete")
	}
}

func TestJSONHelpers(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	models := domain.ModelsResponse{
		Object: "list",
		Data:   []domain.Model{{ID: "gpt-x", Object: "model"}},
	}
	if err := SetJSON(ctx, c, "models", models, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	got, ok := GetJSON[domain.ModelsResponse](ctx, c, "models")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(got.Data) != 1 || got.Data[0].ID != "gpt-x" {
		t.Errorf("unexpected value %+v", got)
	}

	_ = c.Set(ctx, "broken", []byte("{not json"), time.Minute)
	if _, ok := GetJSON[domain.ModelsResponse](ctx, c, "broken"); ok {
		t.Error("undecodable value should be a miss")
	}
}

func TestInMemoryCache_ConcurrentAccess(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Set(ctx, "shared", []byte("v"), time.Minute)
		}()
		go func() {
			defer wg.Done()
			c.Get(ctx, "shared")
		}()
	}
	wg.Wait()
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis cache tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	c := NewRedisCache(client)
	ctx := context.Background()
	key := "test-" + uuid.NewString()

	if err := c.Set(ctx, key, []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, ok := c.Get(ctx, key); !ok || string(got) != "v" {
		t.Errorf("Get = %q, %v", got, ok)
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, key); ok {
		t.Error("expected miss after delete")
	}
}
