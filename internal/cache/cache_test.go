package cache

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
	"github.com/google/web-prototyping-tool-sub004/internal/state"
)

func sampleSnapshot(t *testing.T) state.Snapshot {
	t.Helper()
	p := state.New("p1", nil)
	req, err := change.NewRequest("p1", "u1", change.NewMarker(time.UnixMilli(1_700_000_000_000)), []change.Payload{
		change.Set(change.KindProject, "p1", change.Document{"name": "Draft"}),
		change.Set(change.KindElement, "b1", change.Document{"type": "board", "frame": map[string]any{"w": 1440}}),
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	p.Apply(req)
	return p.Snapshot()
}

func exerciseCache(t *testing.T, c Cache) {
	ctx := context.Background()

	if _, err := c.Get(ctx, "p1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss before set, got %v", err)
	}

	want := sampleSnapshot(t)
	if err := c.Set(ctx, "p1", want); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := c.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	restored := state.New("p1", nil)
	restored.Restore(got)
	original := state.New("p1", nil)
	original.Restore(want)
	if !reflect.DeepEqual(original.Snapshot(), restored.Snapshot()) {
		t.Errorf("snapshot mismatch:\nwant %#v\ngot  %#v", original.Snapshot(), restored.Snapshot())
	}

	if err := c.Delete(ctx, "p1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "p1"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after delete, got %v", err)
	}
}

func TestRedisCache(t *testing.T) {
	s := miniredis.RunT(t)
	c, err := NewRedis("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	defer c.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	exerciseCache(t, c)
}

func TestRedisCacheExpires(t *testing.T) {
	s := miniredis.RunT(t)
	c, err := NewRedis("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "p1", sampleSnapshot(t)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	if _, err := c.Get(ctx, "p1"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after expiry, got %v", err)
	}
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	if _, err := NewRedis("not-a-url", 0); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestBoltCache(t *testing.T) {
	c, err := OpenBolt(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}
	defer c.Close()
	exerciseCache(t, c)
}

func TestBoltCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}
	if err := c.Set(context.Background(), "p1", sampleSnapshot(t)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	snap, err := reopened.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if snap.ProjectID != "p1" {
		t.Errorf("expected project p1, got %q", snap.ProjectID)
	}
}
