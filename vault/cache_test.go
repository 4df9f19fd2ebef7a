// ABOUTME: Tests for the two-tier key cache.
// ABOUTME: TTL expiry with a mock clock, persistent promotion, corrupt rows, purge.
package vault

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func cacheConfig() Config {
	cfg := DefaultConfig()
	cfg.MasterKeyTTL = 15 * time.Minute
	cfg.PassphraseTTL = 5 * time.Minute
	return cfg
}

func TestKeyCacheTTL(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	c := NewKeyCache(cacheConfig(), nil, testKey(0x11), clk)

	key := testKey(0x22)
	c.PutMasterKey(ctx, "acct", key)
	c.PutPassphrase(ctx, "acct", "secret")

	if got, ok := c.GetMasterKey(ctx, "acct"); !ok || got != key {
		t.Fatal("expected master key hit before TTL")
	}
	if pp, ok := c.GetPassphrase(ctx, "acct"); !ok || pp != "secret" {
		t.Fatal("expected passphrase hit before TTL")
	}

	// Passphrase TTL is the shorter of the two.
	clk.Add(6 * time.Minute)
	if _, ok := c.GetPassphrase(ctx, "acct"); ok {
		t.Fatal("passphrase survived its TTL")
	}
	if _, ok := c.GetMasterKey(ctx, "acct"); !ok {
		t.Fatal("master key expired early")
	}

	clk.Add(10 * time.Minute)
	if _, ok := c.GetMasterKey(ctx, "acct"); ok {
		t.Fatal("master key survived its TTL")
	}
}

func TestKeyCachePersistentTier(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	clk := clock.NewMock()
	storageKey := testKey(0x11)
	c1 := NewKeyCache(cacheConfig(), store, storageKey, clk)

	key := testKey(0x22)
	c1.PutMasterKey(ctx, "acct", key)

	// A second cache over the same store simulates a process restart:
	// empty memory tier, warm persistent tier.
	c2 := NewKeyCache(cacheConfig(), store, storageKey, clk)
	got, ok := c2.GetMasterKey(ctx, "acct")
	if !ok || got != key {
		t.Fatal("expected persistent-tier hit after restart")
	}

	// A different storage key cannot open the sealed rows; that is a
	// miss, not an error.
	c3 := NewKeyCache(cacheConfig(), store, testKey(0x99), clk)
	if _, ok := c3.GetMasterKey(ctx, "acct"); ok {
		t.Fatal("sealed row opened under wrong storage key")
	}
}

func TestKeyCacheCorruptPersistentRow(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.PutSealed(ctx, storeMasterKey, "acct", sealedRow{
		IVB64:     "!!!not base64!!!",
		CTB64:     "also garbage",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("seed corrupt row: %v", err)
	}

	c := NewKeyCache(cacheConfig(), store, testKey(0x11), clock.NewMock())
	if _, ok := c.GetMasterKey(ctx, "acct"); ok {
		t.Fatal("corrupt row returned as hit")
	}
	// The bad row is dropped so it cannot poison future lookups.
	if _, found, err := store.GetSealed(ctx, storeMasterKey, "acct"); err != nil || found {
		t.Fatalf("corrupt row not deleted (found=%v err=%v)", found, err)
	}
}

func TestKeyCachePurge(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	clk := clock.NewMock()
	c := NewKeyCache(cacheConfig(), store, testKey(0x11), clk)
	c.PutMasterKey(ctx, "acct", testKey(0x22))
	c.PutPassphrase(ctx, "acct", "secret")
	c.PutMasterKey(ctx, "other", testKey(0x33))

	c.Purge(ctx, "acct")

	if _, ok := c.GetMasterKey(ctx, "acct"); ok {
		t.Fatal("master key survived purge")
	}
	if _, ok := c.GetPassphrase(ctx, "acct"); ok {
		t.Fatal("passphrase survived purge")
	}
	if _, found, err := store.GetSealed(ctx, storeMasterKey, "acct"); err != nil || found {
		t.Fatal("persistent row survived purge")
	}
	// Other accounts are untouched.
	if _, ok := c.GetMasterKey(ctx, "other"); !ok {
		t.Fatal("purge crossed account boundary")
	}
}
