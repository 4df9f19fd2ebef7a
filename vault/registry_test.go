// ABOUTME: Tests for the device registry: quota, passphrase proof,
// ABOUTME: per-device wraps, rotation, and source ownership.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// memStore is the in-memory RegistryStore used by registry tests.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]Account
	masters  map[string]MasterKeyRecord
	devices  map[string]DeviceKeyRecord
	sources  map[string]SourceCredentialRecord
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]Account),
		masters:  make(map[string]MasterKeyRecord),
		devices:  make(map[string]DeviceKeyRecord),
		sources:  make(map[string]SourceCredentialRecord),
	}
}

func devKey(accountID, deviceID string) string { return accountID + "|" + deviceID }

func (s *memStore) GetAccount(_ context.Context, accountID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return Account{}, fmt.Errorf("%w: account", ErrNotFound)
	}
	return a, nil
}

func (s *memStore) PutAccount(_ context.Context, a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.AccountID] = a
	return nil
}

func (s *memStore) GetMasterKey(_ context.Context, accountID string) (MasterKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.masters[accountID]
	if !ok {
		return MasterKeyRecord{}, fmt.Errorf("%w: master key", ErrNotFound)
	}
	return m, nil
}

func (s *memStore) PutMasterKey(_ context.Context, rec MasterKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masters[rec.AccountID] = rec
	return nil
}

func (s *memStore) GetDevice(_ context.Context, accountID, deviceID string) (DeviceKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[devKey(accountID, deviceID)]
	if !ok {
		return DeviceKeyRecord{}, fmt.Errorf("%w: device", ErrNotFound)
	}
	return d, nil
}

func (s *memStore) PutDevice(_ context.Context, rec DeviceKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[devKey(rec.AccountID, rec.DeviceID)] = rec
	return nil
}

func (s *memStore) DeleteDevice(_ context.Context, accountID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[devKey(accountID, deviceID)]; !ok {
		return fmt.Errorf("%w: device", ErrNotFound)
	}
	delete(s.devices, devKey(accountID, deviceID))
	return nil
}

func (s *memStore) ListDevices(_ context.Context, accountID string) ([]DeviceKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeviceKeyRecord
	for _, d := range s.devices {
		if d.AccountID == accountID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) CountDevices(ctx context.Context, accountID string) (int, error) {
	devices, err := s.ListDevices(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return len(devices), nil
}

func (s *memStore) GetSource(_ context.Context, sourceID string) (SourceCredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return SourceCredentialRecord{}, fmt.Errorf("%w: source", ErrNotFound)
	}
	return src, nil
}

func (s *memStore) PutSource(_ context.Context, rec SourceCredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[rec.SourceID] = rec
	return nil
}

func registryConfig() Config {
	cfg := DefaultConfig()
	cfg.Iterations = MinIterations
	cfg.DeviceIterations = map[DeviceType]int{
		DeviceIOS:     MinIterations,
		DeviceAndroid: MinIterations,
		DeviceTVOS:    MinIterations,
		DeviceWeb:     MinIterations,
	}
	return cfg
}

func testRegistry(t *testing.T) (*Registry, *memStore) {
	t.Helper()
	store := newMemStore()
	rootSecret := make([]byte, KeySize)
	for i := range rootSecret {
		rootSecret[i] = byte(0x42 + i)
	}
	reg, err := NewRegistry(store, registryConfig(), rootSecret)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg, store
}

// clientUnwrap mimics what a device does with its key data: derive from
// the passphrase at the record's parameters and peel the passphrase layer.
func clientUnwrap(t *testing.T, kd KeyData, passphrase string) [KeySize]byte {
	t.Helper()
	salt, err := b64dec(kd.Salt)
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	iv, err := b64dec(kd.IV)
	if err != nil {
		t.Fatalf("iv: %v", err)
	}
	wrapped, err := b64dec(kd.MasterKeyWrapped)
	if err != nil {
		t.Fatalf("wrapped: %v", err)
	}
	deviceKey, err := DeriveKey(context.Background(), passphrase, salt, kd.KDFIterations, nil)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	plain, err := Open(Algorithm(kd.WrapAlgorithm), deviceKey, iv, wrapped)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var key [KeySize]byte
	copy(key[:], plain)
	return key
}

func TestSlotLimitForTier(t *testing.T) {
	tests := []struct {
		tier string
		want int
	}{
		{"premium", 10},
		{"standard", 5},
		{"basic", 3},
		{"", 3},
	}
	for _, tt := range tests {
		if got := SlotLimitForTier(tt.tier); got != tt.want {
			t.Errorf("SlotLimitForTier(%q) = %d, want %d", tt.tier, got, tt.want)
		}
	}
}

func TestServerKeyForIsolation(t *testing.T) {
	secret := make([]byte, KeySize)
	k1, err := ServerKeyFor(secret, "acct1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k1again, err := ServerKeyFor(secret, "acct1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := ServerKeyFor(secret, "acct2")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if k1 != k1again {
		t.Fatal("server key not deterministic")
	}
	if k1 == k2 {
		t.Fatal("server keys not account-isolated")
	}

	if _, err := ServerKeyFor(secret[:KeySize-1], "acct1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for short root secret, got %v", err)
	}
}

func TestRegisterDeviceSharesMasterKey(t *testing.T) {
	ctx := context.Background()
	reg, _ := testRegistry(t)

	account, err := reg.CreateAccount(ctx, "standard")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if account.DeviceSlotLimit != 5 {
		t.Fatalf("slot limit = %d, want 5", account.DeviceSlotLimit)
	}
	if err := reg.SetupPassphrase(ctx, account.AccountID, "passphrase"); err != nil {
		t.Fatalf("setup passphrase: %v", err)
	}

	d1, err := reg.RegisterDevice(ctx, account.AccountID, "dev1", DeviceIOS, "Phone", "iPhone15", "passphrase")
	if err != nil {
		t.Fatalf("register dev1: %v", err)
	}
	d2, err := reg.RegisterDevice(ctx, account.AccountID, "dev2", DeviceWeb, "Browser", "", "passphrase")
	if err != nil {
		t.Fatalf("register dev2: %v", err)
	}

	// Each device's wrap opens to the same account master key.
	k1 := clientUnwrap(t, d1.KeyData(), "passphrase")
	k2 := clientUnwrap(t, d2.KeyData(), "passphrase")
	if k1 != k2 {
		t.Fatal("devices unwrapped different master keys")
	}

	// Distinct wraps and salts per device: removing one must not help
	// decrypt the other.
	if string(d1.Wrapped) == string(d2.Wrapped) || string(d1.Salt) == string(d2.Salt) {
		t.Fatal("device records share wrap material")
	}
}

func TestRegisterDeviceWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	reg, _ := testRegistry(t)

	account, _ := reg.CreateAccount(ctx, "basic")
	if err := reg.SetupPassphrase(ctx, account.AccountID, "passphrase"); err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, err := reg.RegisterDevice(ctx, account.AccountID, "dev1", DeviceIOS, "", "", "wrong")
	if !errors.Is(err, ErrInvalidPassphrase) {
		t.Fatalf("expected ErrInvalidPassphrase, got %v", err)
	}
}

func TestRegisterDeviceQuota(t *testing.T) {
	ctx := context.Background()
	reg, _ := testRegistry(t)

	account, _ := reg.CreateAccount(ctx, "basic") // 3 slots
	if err := reg.SetupPassphrase(ctx, account.AccountID, "passphrase"); err != nil {
		t.Fatalf("setup: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := reg.RegisterDevice(ctx, account.AccountID, fmt.Sprintf("dev%d", i), DeviceWeb, "", "", "passphrase"); err != nil {
			t.Fatalf("register dev%d: %v", i, err)
		}
	}
	if _, err := reg.RegisterDevice(ctx, account.AccountID, "dev3", DeviceWeb, "", "", "passphrase"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded at the limit, got %v", err)
	}

	// Re-registering an existing device rewraps in place, no new slot.
	if _, err := reg.RegisterDevice(ctx, account.AccountID, "dev0", DeviceWeb, "", "", "passphrase"); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	// Freeing a slot lets a new device in.
	if err := reg.RemoveDevice(ctx, account.AccountID, "dev1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := reg.RegisterDevice(ctx, account.AccountID, "dev3", DeviceWeb, "", "", "passphrase"); err != nil {
		t.Fatalf("register after removal: %v", err)
	}
}

func TestRemoveDeviceIndependence(t *testing.T) {
	ctx := context.Background()
	reg, _ := testRegistry(t)

	account, _ := reg.CreateAccount(ctx, "standard")
	if err := reg.SetupPassphrase(ctx, account.AccountID, "passphrase"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := reg.RegisterDevice(ctx, account.AccountID, "dev1", DeviceIOS, "", "", "passphrase"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.RegisterDevice(ctx, account.AccountID, "dev2", DeviceWeb, "", "", "passphrase"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := reg.RemoveDevice(ctx, account.AccountID, "dev1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := reg.FetchDeviceKey(ctx, account.AccountID, "dev1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for removed device, got %v", err)
	}

	kd, err := reg.FetchDeviceKey(ctx, account.AccountID, "dev2")
	if err != nil {
		t.Fatalf("surviving device fetch: %v", err)
	}
	clientUnwrap(t, kd, "passphrase") // must still open
}

func TestRotatePassphraseAtomic(t *testing.T) {
	ctx := context.Background()
	reg, _ := testRegistry(t)

	account, _ := reg.CreateAccount(ctx, "basic")
	if err := reg.SetupPassphrase(ctx, account.AccountID, "old-pass"); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Wrong current passphrase mutates nothing.
	if err := reg.RotatePassphrase(ctx, account.AccountID, "wrong", "new-pass"); !errors.Is(err, ErrInvalidPassphrase) {
		t.Fatalf("expected ErrInvalidPassphrase, got %v", err)
	}
	if _, err := reg.RegisterDevice(ctx, account.AccountID, "dev1", DeviceIOS, "", "", "old-pass"); err != nil {
		t.Fatalf("old passphrase broken after failed rotation: %v", err)
	}

	if err := reg.RotatePassphrase(ctx, account.AccountID, "old-pass", "new-pass"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := reg.RegisterDevice(ctx, account.AccountID, "dev2", DeviceIOS, "", "", "old-pass"); !errors.Is(err, ErrInvalidPassphrase) {
		t.Fatalf("old passphrase accepted after rotation: %v", err)
	}
	if _, err := reg.RegisterDevice(ctx, account.AccountID, "dev2", DeviceIOS, "", "", "new-pass"); err != nil {
		t.Fatalf("new passphrase rejected after rotation: %v", err)
	}
}

func TestSetupPassphraseRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	reg, _ := testRegistry(t)

	account, _ := reg.CreateAccount(ctx, "basic")
	if err := reg.SetupPassphrase(ctx, account.AccountID, "one"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := reg.SetupPassphrase(ctx, account.AccountID, "two"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation on second setup, got %v", err)
	}
}

func TestCheckDevice(t *testing.T) {
	ctx := context.Background()
	reg, _ := testRegistry(t)

	account, _ := reg.CreateAccount(ctx, "basic")
	if err := reg.SetupPassphrase(ctx, account.AccountID, "passphrase"); err != nil {
		t.Fatalf("setup: %v", err)
	}

	st, err := reg.CheckDevice(ctx, account.AccountID, "dev1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.IsRegistered || !st.CanAutoRegister || !st.RequiresPassphrase {
		t.Fatalf("unexpected status for unknown device: %+v", st)
	}

	if _, err := reg.RegisterDevice(ctx, account.AccountID, "dev1", DeviceIOS, "", "", "passphrase"); err != nil {
		t.Fatalf("register: %v", err)
	}
	st, err = reg.CheckDevice(ctx, account.AccountID, "dev1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !st.IsRegistered || st.CanAutoRegister {
		t.Fatalf("unexpected status for registered device: %+v", st)
	}
	if st.DeviceCount != 1 || st.MaxDevices != 3 {
		t.Fatalf("quota view wrong: %+v", st)
	}
}

func TestSourceOwnership(t *testing.T) {
	ctx := context.Background()
	reg, _ := testRegistry(t)

	a, _ := reg.CreateAccount(ctx, "basic")
	b, _ := reg.CreateAccount(ctx, "basic")

	iv := make([]byte, GCMIVSize)
	sourceID, err := reg.AddSource(ctx, a.AccountID, []byte("ciphertext"), iv, AlgAESGCM)
	if err != nil {
		t.Fatalf("add source: %v", err)
	}

	if _, err := reg.GetSource(ctx, a.AccountID, sourceID); err != nil {
		t.Fatalf("owner fetch: %v", err)
	}
	// Cross-account reads are indistinguishable from absence.
	if _, err := reg.GetSource(ctx, b.AccountID, sourceID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across accounts, got %v", err)
	}

	if _, err := reg.AddSource(ctx, a.AccountID, []byte("ct"), make([]byte, 5), AlgAESGCM); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for bad iv, got %v", err)
	}
}
