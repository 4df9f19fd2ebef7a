// ABOUTME: DeviceRegistry service: per-device wraps of the account master key,
// ABOUTME: slot quota enforcement, and passphrase setup/rotation.
package vault

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/hkdf"
)

// RegistryStore abstracts the server's persistence so the registry can
// run against PocketBase in the daemon and an in-memory store in tests.
// Implementations return ErrNotFound for missing rows.
type RegistryStore interface {
	GetAccount(ctx context.Context, accountID string) (Account, error)
	PutAccount(ctx context.Context, a Account) error

	GetMasterKey(ctx context.Context, accountID string) (MasterKeyRecord, error)
	PutMasterKey(ctx context.Context, rec MasterKeyRecord) error

	GetDevice(ctx context.Context, accountID, deviceID string) (DeviceKeyRecord, error)
	PutDevice(ctx context.Context, rec DeviceKeyRecord) error
	DeleteDevice(ctx context.Context, accountID, deviceID string) error
	ListDevices(ctx context.Context, accountID string) ([]DeviceKeyRecord, error)
	CountDevices(ctx context.Context, accountID string) (int, error)

	GetSource(ctx context.Context, sourceID string) (SourceCredentialRecord, error)
	PutSource(ctx context.Context, rec SourceCredentialRecord) error
}

// SlotLimitForTier maps subscription tiers to device slot quotas.
func SlotLimitForTier(tier string) int {
	switch tier {
	case "premium":
		return 10
	case "standard":
		return 5
	default:
		return 3
	}
}

// ServerKeyFor derives the per-account server wrap key from the root
// server secret. Only the server ever holds rootSecret, which is what
// makes the second wrap layer a real second factor: database access
// without this process recovers nothing.
func ServerKeyFor(rootSecret []byte, accountID string) ([KeySize]byte, error) {
	var key [KeySize]byte
	if len(rootSecret) < KeySize {
		return key, &ValidationError{Field: "server_key", Reason: fmt.Sprintf("root secret %d bytes, want >= %d", len(rootSecret), KeySize)}
	}
	r := hkdf.New(sha256.New, rootSecret, nil, []byte("streamvault:v1:server-wrap:"+accountID))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// Registry implements the server side of key distribution: one
// double-wrapped master key per account, plus per-device wraps of that
// same key.
type Registry struct {
	store      RegistryStore
	cfg        Config
	rootSecret []byte
}

// NewRegistry builds a registry. cfg must already be validated.
func NewRegistry(store RegistryStore, cfg Config, rootSecret []byte) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(rootSecret) < KeySize {
		return nil, &ValidationError{Field: "server_key", Reason: "root secret too short"}
	}
	return &Registry{store: store, cfg: cfg, rootSecret: rootSecret}, nil
}

// CreateAccount provisions an account with the tier's slot quota.
func (r *Registry) CreateAccount(ctx context.Context, tier string) (Account, error) {
	a := Account{
		AccountID:        ulid.Make().String(),
		SubscriptionTier: tier,
		DeviceSlotLimit:  SlotLimitForTier(tier),
	}
	if err := r.store.PutAccount(ctx, a); err != nil {
		return Account{}, err
	}
	return a, nil
}

// SetupPassphrase creates the account's single master-key record. It
// refuses to overwrite an existing record; rotation goes through
// RotatePassphrase so the current passphrase is always proven first.
func (r *Registry) SetupPassphrase(ctx context.Context, accountID, passphrase string) error {
	if _, err := r.store.GetAccount(ctx, accountID); err != nil {
		return err
	}
	if _, err := r.store.GetMasterKey(ctx, accountID); err == nil {
		return &ValidationError{Field: "passphrase", Reason: "master key already set, use rotation"}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	serverKey, err := ServerKeyFor(r.rootSecret, accountID)
	if err != nil {
		return err
	}
	masterKey, err := NewMasterKey()
	if err != nil {
		return err
	}
	rec, err := BuildMasterKeyRecord(ctx, accountID, passphrase, r.cfg.WrapAlgorithm, r.cfg.Iterations, masterKey, serverKey)
	zero(masterKey[:])
	if err != nil {
		return err
	}
	return r.store.PutMasterKey(ctx, rec)
}

// RotatePassphrase rewraps the master key under a new passphrase at
// the current canonical iteration count. A wrong current passphrase
// fails before any mutation; the stored record is replaced in a
// single write only after the full unwrap/rewrap succeeds.
func (r *Registry) RotatePassphrase(ctx context.Context, accountID, currentPassphrase, newPassphrase string) error {
	rec, err := r.store.GetMasterKey(ctx, accountID)
	if err != nil {
		return err
	}
	serverKey, err := ServerKeyFor(r.rootSecret, accountID)
	if err != nil {
		return err
	}
	next, err := ChangePassphrase(ctx, rec, currentPassphrase, newPassphrase, r.cfg.Iterations, serverKey)
	if err != nil {
		return err
	}
	return r.store.PutMasterKey(ctx, next)
}

// CheckDevice reports registration state and quota headroom. The
// passphrase/cache halves of the decision belong to the client:
// RequiresPassphrase and CanAutoRegister here reflect only what the
// server can know (registration and quota); the client ANDs in its
// own cache freshness before acting.
func (r *Registry) CheckDevice(ctx context.Context, accountID, deviceID string) (DeviceStatus, error) {
	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return DeviceStatus{}, err
	}
	count, err := r.store.CountDevices(ctx, accountID)
	if err != nil {
		return DeviceStatus{}, err
	}
	_, err = r.store.GetDevice(ctx, accountID, deviceID)
	registered := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return DeviceStatus{}, err
	}
	return DeviceStatus{
		IsRegistered:       registered,
		RequiresPassphrase: true,
		CanAutoRegister:    !registered && count < account.DeviceSlotLimit,
		DeviceCount:        count,
		MaxDevices:         account.DeviceSlotLimit,
	}, nil
}

// RegisterDevice wraps the account master key for a new device. The
// passphrase transits exactly this call: it is used to prove the
// master key unwraps and to derive the device wrap, then discarded.
// The device count is re-read here; the client's claim is never
// trusted. At the limit the call fails with ErrQuotaExceeded.
func (r *Registry) RegisterDevice(ctx context.Context, accountID, deviceID string, deviceType DeviceType, name, model, passphrase string) (DeviceKeyRecord, error) {
	if deviceID == "" {
		return DeviceKeyRecord{}, &ValidationError{Field: "device_id", Reason: "empty"}
	}
	if !ValidDeviceType(deviceType) {
		return DeviceKeyRecord{}, &ValidationError{Field: "device_type", Reason: fmt.Sprintf("unknown type %q", deviceType)}
	}

	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return DeviceKeyRecord{}, err
	}

	// Re-registering an existing device rewraps in place and does not
	// consume a slot.
	_, getErr := r.store.GetDevice(ctx, accountID, deviceID)
	isNew := errors.Is(getErr, ErrNotFound)
	if getErr != nil && !isNew {
		return DeviceKeyRecord{}, getErr
	}
	if isNew {
		count, err := r.store.CountDevices(ctx, accountID)
		if err != nil {
			return DeviceKeyRecord{}, err
		}
		if count >= account.DeviceSlotLimit {
			return DeviceKeyRecord{}, fmt.Errorf("%w: %d of %d slots used", ErrQuotaExceeded, count, account.DeviceSlotLimit)
		}
	}

	masterKey, rec, err := r.unwrapForAccount(ctx, accountID, passphrase)
	if err != nil {
		return DeviceKeyRecord{}, err
	}
	defer zero(masterKey[:])

	salt, err := NewSalt()
	if err != nil {
		return DeviceKeyRecord{}, err
	}
	iters := r.cfg.IterationsFor(deviceType)
	deviceKey, err := DeriveKey(ctx, passphrase, salt, iters, nil)
	if err != nil {
		return DeviceKeyRecord{}, err
	}
	wrapped, iv, err := WrapMasterKey(rec.WrapAlgorithm, masterKey, deviceKey)
	if err != nil {
		return DeviceKeyRecord{}, err
	}
	serverKey, err := ServerKeyFor(r.rootSecret, accountID)
	if err != nil {
		return DeviceKeyRecord{}, err
	}
	serverWrapped, serverIV, err := DoubleWrap(rec.WrapAlgorithm, wrapped, serverKey)
	if err != nil {
		return DeviceKeyRecord{}, err
	}

	device := DeviceKeyRecord{
		AccountID:     accountID,
		DeviceID:      deviceID,
		DeviceType:    deviceType,
		DeviceName:    name,
		DeviceModel:   model,
		Wrapped:       wrapped,
		Salt:          salt,
		IV:            iv,
		KDFIterations: iters,
		ServerWrapped: serverWrapped,
		ServerIV:      serverIV,
		WrapAlgorithm: rec.WrapAlgorithm,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.PutDevice(ctx, device); err != nil {
		return DeviceKeyRecord{}, err
	}
	return device, nil
}

// FetchDeviceKey returns a device's key data ready for the
// passphrase-layer unwrap on the client.
func (r *Registry) FetchDeviceKey(ctx context.Context, accountID, deviceID string) (KeyData, error) {
	rec, err := r.store.GetDevice(ctx, accountID, deviceID)
	if err != nil {
		return KeyData{}, err
	}
	return rec.KeyData(), nil
}

// RemoveDevice deletes one device's wrap. Other devices' records wrap
// the master key independently and are untouched.
func (r *Registry) RemoveDevice(ctx context.Context, accountID, deviceID string) error {
	return r.store.DeleteDevice(ctx, accountID, deviceID)
}

// ListDevices returns administrative device metadata, never key material.
func (r *Registry) ListDevices(ctx context.Context, accountID string) ([]DeviceInfo, error) {
	recs, err := r.store.ListDevices(ctx, accountID)
	if err != nil {
		return nil, err
	}
	infos := make([]DeviceInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, DeviceInfo{
			DeviceID:   rec.DeviceID,
			DeviceType: rec.DeviceType,
			Name:       rec.DeviceName,
			Model:      rec.DeviceModel,
			CreatedAt:  rec.CreatedAt.Unix(),
		})
	}
	return infos, nil
}

// AddSource persists one provider's encrypted config. The blob was
// sealed client-side under the master key; the server stores it blind.
func (r *Registry) AddSource(ctx context.Context, accountID string, encryptedConfig, configIV []byte, alg Algorithm) (string, error) {
	if len(encryptedConfig) == 0 {
		return "", &ValidationError{Field: "encrypted_config", Reason: "empty"}
	}
	if want, err := alg.IVSize(); err != nil {
		return "", err
	} else if len(configIV) != want {
		return "", &ValidationError{Field: "config_iv", Reason: fmt.Sprintf("length %d, want %d", len(configIV), want)}
	}
	rec := SourceCredentialRecord{
		SourceID:        ulid.Make().String(),
		AccountID:       accountID,
		EncryptedConfig: encryptedConfig,
		ConfigIV:        configIV,
		WrapAlgorithm:   alg,
	}
	if err := r.store.PutSource(ctx, rec); err != nil {
		return "", err
	}
	return rec.SourceID, nil
}

// GetSource fetches one source record, enforcing account ownership.
func (r *Registry) GetSource(ctx context.Context, accountID, sourceID string) (SourceCredentialRecord, error) {
	rec, err := r.store.GetSource(ctx, sourceID)
	if err != nil {
		return SourceCredentialRecord{}, err
	}
	if rec.AccountID != accountID {
		return SourceCredentialRecord{}, ErrNotFound
	}
	return rec, nil
}

// unwrapForAccount proves the passphrase against the stored master-key
// record and returns the plaintext master key. A bad auth tag on the
// passphrase layer surfaces as an UnwrapError, which callers map to
// the invalid-passphrase path.
func (r *Registry) unwrapForAccount(ctx context.Context, accountID, passphrase string) ([KeySize]byte, MasterKeyRecord, error) {
	var masterKey [KeySize]byte
	rec, err := r.store.GetMasterKey(ctx, accountID)
	if err != nil {
		return masterKey, MasterKeyRecord{}, err
	}
	passKey, err := DeriveKey(ctx, passphrase, rec.Salt, rec.KDFIterations, nil)
	if err != nil {
		return masterKey, MasterKeyRecord{}, err
	}
	serverKey, err := ServerKeyFor(r.rootSecret, accountID)
	if err != nil {
		return masterKey, MasterKeyRecord{}, err
	}
	masterKey, err = UnwrapMasterKey(rec, passKey, serverKey)
	if err != nil {
		return masterKey, MasterKeyRecord{}, err
	}
	return masterKey, rec, nil
}

// KeyData converts a stored device record to its wire form.
func (d DeviceKeyRecord) KeyData() KeyData {
	kd := KeyData{
		MasterKeyWrapped: b64(d.Wrapped),
		Salt:             b64(d.Salt),
		IV:               b64(d.IV),
		KDFIterations:    d.KDFIterations,
		WrapAlgorithm:    string(d.WrapAlgorithm),
	}
	if len(d.ServerWrapped) > 0 {
		kd.ServerWrappedKey = b64(d.ServerWrapped)
		kd.ServerIV = b64(d.ServerIV)
	}
	return kd
}
