package validators

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestMemoryStoreLookup(t *testing.T) {
	store := NewMemory(500 * time.Millisecond)
	ctx := context.Background()

	lm := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	entry := Entry{
		ETag:         `W/"abc"`,
		LastModified: &lm,
		StoredAt:     time.Now().UTC(),
	}
	entry.ExpiresAt = entry.StoredAt.Add(500 * time.Millisecond)

	if err := store.Store(ctx, "assets:key", entry); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, ok, err := store.Lookup(ctx, "assets:key")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected store hit")
	}
	if got.ETag != `W/"abc"` || got.LastModified == nil || !got.LastModified.Equal(lm) {
		t.Fatalf("unexpected entry: %#v", got)
	}

	rv := got.Validators()
	if string(rv.ETag) != `W/"abc"` || rv.LastModified == nil {
		t.Fatalf("unexpected validator view: %#v", rv)
	}

	size, err := store.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}

	if err := store.DeletePrefix(ctx, "assets:"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	_, ok, err = store.Lookup(ctx, "assets:key")
	if err != nil {
		t.Fatalf("lookup after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected delete to remove key")
	}

	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemory(10 * time.Millisecond)
	ctx := context.Background()

	entry := Entry{ETag: `"gone"`, StoredAt: time.Now().UTC()}
	entry.ExpiresAt = entry.StoredAt.Add(10 * time.Millisecond)
	if err := store.Store(ctx, "key", entry); err != nil {
		t.Fatalf("store: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	_, ok, err := store.Lookup(ctx, "key")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	store := NewMemory(time.Minute)
	ctx := context.Background()

	lm := time.Now().UTC().Truncate(time.Second)
	entry := Entry{ETag: `"a"`, LastModified: &lm, StoredAt: time.Now().UTC()}
	entry.ExpiresAt = entry.StoredAt.Add(time.Minute)
	if err := store.Store(ctx, "key", entry); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, _, err := store.Lookup(ctx, "key")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	*got.LastModified = got.LastModified.Add(time.Hour)

	again, _, err := store.Lookup(ctx, "key")
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if !again.LastModified.Equal(lm) {
		t.Fatalf("expected stored timestamp to be unaffected by caller mutation")
	}
}

func TestMemoryStoreInvalidateOnReload(t *testing.T) {
	store := NewMemory(1 * time.Minute)
	ctx := context.Background()

	entry := Entry{ETag: `"a"`}
	entry.StoredAt = time.Now().UTC()
	entry.ExpiresAt = entry.StoredAt.Add(1 * time.Minute)
	if err := store.Store(ctx, "assets:key", entry); err != nil {
		t.Fatalf("store: %v", err)
	}

	invalidator, ok := store.(ReloadInvalidator)
	if !ok {
		t.Fatalf("expected memory store to implement ReloadInvalidator")
	}
	if err := invalidator.InvalidateOnReload(ctx, ReloadScope{Prefix: RoutePrefix("assets")}); err != nil {
		t.Fatalf("invalidate on reload: %v", err)
	}
	_, ok, err := store.Lookup(ctx, "assets:key")
	if err != nil {
		t.Fatalf("lookup after invalidate: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to be removed after invalidate")
	}
}

func TestRedisStoreLookup(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	ctx := context.Background()
	lm := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	entry := Entry{
		ETag:         `"strong"`,
		LastModified: &lm,
		StoredAt:     time.Now().UTC(),
	}
	entry.ExpiresAt = entry.StoredAt.Add(500 * time.Millisecond)

	if err := store.Store(ctx, "redis:key", entry); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, ok, err := store.Lookup(ctx, "redis:key")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected redis store hit")
	}
	if got.ETag != entry.ETag || got.LastModified == nil || !got.LastModified.Equal(lm) {
		t.Fatalf("unexpected entry: %#v", got)
	}

	server.FastForward(time.Second)
	_, ok, err = store.Lookup(ctx, "redis:key")
	if err != nil {
		t.Fatalf("lookup after ttl: %v", err)
	}
	if ok {
		t.Fatalf("expected redis entry to expire")
	}

	if size, err := store.Size(ctx); err != nil {
		t.Fatalf("size: %v", err)
	} else if size != 0 {
		t.Fatalf("expected size to reflect expired entries being gone, got %d", size)
	}

	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDescriptorKey(t *testing.T) {
	base := Descriptor{
		Route: "assets",
		Path:  "/assets/app.js",
		Query: map[string]string{"v": "2", "theme": "dark"},
		Salt:  "salt",
	}

	key := base.Key()
	if key != base.Key() {
		t.Fatalf("expected deterministic key")
	}
	if want := RoutePrefix("assets"); key[:len(want)] != want {
		t.Fatalf("expected key to start with route prefix, got %q", key)
	}

	reordered := base
	reordered.Query = map[string]string{"theme": "dark", "v": "2"}
	if reordered.Key() != key {
		t.Fatalf("expected query order not to affect the key")
	}

	differentPath := base
	differentPath.Path = "/assets/app.css"
	if differentPath.Key() == key {
		t.Fatalf("expected path to affect the key")
	}

	differentSalt := base
	differentSalt.Salt = "other"
	if differentSalt.Key() == key {
		t.Fatalf("expected salt to affect the key")
	}
}
