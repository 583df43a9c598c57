package cache

import (
	"context"
	"testing"
	"time"

	"github.com/aminofox/zenplay/pkg/config"
	"github.com/aminofox/zenplay/pkg/logger"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(10, time.Minute)
	ctx := context.Background()

	if _, err := store.Get(ctx, "video/mp4"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Set(ctx, "video/mp4", true, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	supported, err := store.Get(ctx, "video/mp4")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !supported {
		t.Error("expected video/mp4 to be supported")
	}

	if err := store.Delete(ctx, "video/mp4"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "video/mp4"); err != ErrNotFound {
		t.Errorf("expected key to be deleted, got %v", err)
	}
}

func TestMemoryStoreExpiration(t *testing.T) {
	store := NewMemoryStore(10, time.Minute)
	now := time.Unix(0, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	store.Set(ctx, "audio/mp4", false, 0)
	now = now.Add(2 * time.Minute)

	if _, err := store.Get(ctx, "audio/mp4"); err != ErrNotFound {
		t.Errorf("expected entry to be expired, got %v", err)
	}
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store := NewMemoryStore(2, time.Hour)
	now := time.Unix(0, 0)
	store.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	ctx := context.Background()

	store.Set(ctx, "a", true, 0)
	store.Set(ctx, "b", true, 0)
	store.Get(ctx, "a")
	store.Set(ctx, "c", true, 0)

	if _, err := store.Get(ctx, "b"); err != ErrNotFound {
		t.Error("expected b to be evicted")
	}
	if _, err := store.Get(ctx, "a"); err != nil {
		t.Error("expected a to be kept")
	}

	stats, _ := store.Stats(ctx)
	if stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}
	if stats.Size != 2 {
		t.Errorf("expected size 2, got %d", stats.Size)
	}
}

func TestCodecSupportCacheMemoizes(t *testing.T) {
	c := NewCodecSupportCache(NewMemoryStore(10, time.Hour), logger.NewDiscardLogger(), nil)
	ctx := context.Background()

	calls := 0
	check := func(string) bool {
		calls++
		return true
	}

	for i := 0; i < 3; i++ {
		if !c.IsSupported(ctx, `video/mp4;codecs="avc1.640028"`, check) {
			t.Fatal("expected codec to be supported")
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 check, got %d", calls)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	c.IsSupported(ctx, `video/mp4;codecs="avc1.640028"`, check)
	if calls != 2 {
		t.Errorf("expected a new check after Clear, got %d", calls)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Cache

	c, err := New(cfg, logger.NewDiscardLogger(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := c.store.(*MemoryStore); !ok {
		t.Errorf("expected a memory store, got %T", c.store)
	}

	cfg.Kind = "redis"
	c, err = New(cfg, logger.NewDiscardLogger(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := c.store.(*RedisStore); !ok {
		t.Errorf("expected a redis store, got %T", c.store)
	}
	c.Close()

	cfg.Kind = "memcached"
	if _, err := New(cfg, logger.NewDiscardLogger(), nil); err == nil {
		t.Error("expected an error for an unknown kind")
	}
}
