// ABOUTME: Two-tier TTL cache for derived master keys and passphrases.
// ABOUTME: Memory tier dies with the process; persistent tier is AEAD-sealed.
package vault

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	storeMasterKey  = "master_key"
	storePassphrase = "passphrase"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// KeyCache holds two independent TTL stores: derived master keys and
// passphrases. Each has a memory tier (fast, cleared on process exit)
// and an optional persistent tier sealed under a local storage key
// (survives restart). There is no cross-process locking on the
// persistent tier; an undecryptable or expired row is simply a miss.
type KeyCache struct {
	mu  sync.Mutex
	mem map[string]memEntry

	store      *Store // nil disables the persistent tier
	storageKey [KeySize]byte

	clk           clock.Clock
	masterKeyTTL  time.Duration
	passphraseTTL time.Duration
}

// NewKeyCache builds a cache from config. store may be nil for a
// memory-only cache; storageKey seals persistent rows and should be
// device-local, never the master key itself.
func NewKeyCache(cfg Config, store *Store, storageKey [KeySize]byte, clk clock.Clock) *KeyCache {
	if clk == nil {
		clk = clock.New()
	}
	return &KeyCache{
		mem:           make(map[string]memEntry),
		store:         store,
		storageKey:    storageKey,
		clk:           clk,
		masterKeyTTL:  cfg.MasterKeyTTL,
		passphraseTTL: cfg.PassphraseTTL,
	}
}

// PutMasterKey caches a derived master key for the account.
func (c *KeyCache) PutMasterKey(ctx context.Context, accountID string, key [KeySize]byte) {
	c.put(ctx, storeMasterKey, accountID, key[:], c.masterKeyTTL)
}

// GetMasterKey returns the cached master key before its TTL.
func (c *KeyCache) GetMasterKey(ctx context.Context, accountID string) ([KeySize]byte, bool) {
	var key [KeySize]byte
	v, ok := c.get(ctx, storeMasterKey, accountID)
	if !ok || len(v) != KeySize {
		return key, false
	}
	copy(key[:], v)
	zero(v)
	return key, true
}

// PutPassphrase caches the account passphrase.
func (c *KeyCache) PutPassphrase(ctx context.Context, accountID, passphrase string) {
	c.put(ctx, storePassphrase, accountID, []byte(passphrase), c.passphraseTTL)
}

// GetPassphrase returns the cached passphrase before its TTL.
func (c *KeyCache) GetPassphrase(ctx context.Context, accountID string) (string, bool) {
	v, ok := c.get(ctx, storePassphrase, accountID)
	if !ok {
		return "", false
	}
	return string(v), true
}

// Purge destroys both stores' entries for an account, in both tiers.
// Called on logout and by the resolver when a decrypt failure marks
// the cached material as possibly stale.
func (c *KeyCache) Purge(ctx context.Context, accountID string) {
	c.mu.Lock()
	for _, storeName := range []string{storeMasterKey, storePassphrase} {
		if e, ok := c.mem[storeName+"|"+accountID]; ok {
			zero(e.value)
			delete(c.mem, storeName+"|"+accountID)
		}
	}
	c.mu.Unlock()
	if c.store != nil {
		_ = c.store.PurgeAccount(ctx, accountID)
	}
}

func (c *KeyCache) put(ctx context.Context, storeName, accountID string, value []byte, ttl time.Duration) {
	exp := c.clk.Now().Add(ttl)
	buf := make([]byte, len(value))
	copy(buf, value)

	c.mu.Lock()
	c.mem[storeName+"|"+accountID] = memEntry{value: buf, expiresAt: exp}
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	// Persistent tier is best effort; the memory tier already holds
	// the value and a failed write only costs a future re-derivation.
	iv, err := NewIV(AlgXChaCha)
	if err != nil {
		return
	}
	ct, err := Seal(AlgXChaCha, c.storageKey, iv, value)
	if err != nil {
		return
	}
	_ = c.store.PutSealed(ctx, storeName, accountID, sealedRow{
		IVB64:     base64.StdEncoding.EncodeToString(iv),
		CTB64:     base64.StdEncoding.EncodeToString(ct),
		ExpiresAt: exp.Unix(),
	})
}

func (c *KeyCache) get(ctx context.Context, storeName, accountID string) ([]byte, bool) {
	now := c.clk.Now()
	k := storeName + "|" + accountID

	c.mu.Lock()
	if e, ok := c.mem[k]; ok {
		if now.Before(e.expiresAt) {
			v := make([]byte, len(e.value))
			copy(v, e.value)
			c.mu.Unlock()
			return v, true
		}
		zero(e.value)
		delete(c.mem, k)
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil, false
	}
	row, found, err := c.store.GetSealed(ctx, storeName, accountID)
	if err != nil || !found {
		return nil, false
	}
	if !now.Before(time.Unix(row.ExpiresAt, 0)) {
		_ = c.store.DeleteSealed(ctx, storeName, accountID)
		return nil, false
	}
	iv, err1 := base64.StdEncoding.DecodeString(row.IVB64)
	ct, err2 := base64.StdEncoding.DecodeString(row.CTB64)
	if err1 != nil || err2 != nil {
		_ = c.store.DeleteSealed(ctx, storeName, accountID)
		return nil, false
	}
	value, err := Open(AlgXChaCha, c.storageKey, iv, ct)
	if err != nil {
		// Undecryptable row: treat as a miss, drop the row.
		_ = c.store.DeleteSealed(ctx, storeName, accountID)
		return nil, false
	}

	// Promote to the memory tier with the remaining lifetime.
	buf := make([]byte, len(value))
	copy(buf, value)
	c.mu.Lock()
	c.mem[k] = memEntry{value: buf, expiresAt: time.Unix(row.ExpiresAt, 0)}
	c.mu.Unlock()
	return value, true
}
