// ABOUTME: PocketBase-backed implementation of vault.RegistryStore.
// ABOUTME: Binary fields are stored base64 in text columns.

package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pocketbase/pocketbase/core"

	"streamvault/vault"
)

// pbStore persists registry records in PocketBase collections.
type pbStore struct {
	app core.App
}

var _ vault.RegistryStore = (*pbStore)(nil)

func (s *pbStore) GetAccount(_ context.Context, accountID string) (vault.Account, error) {
	rec, err := s.findOne("accounts", "account_id = {:account_id}", map[string]any{"account_id": accountID})
	if err != nil {
		return vault.Account{}, err
	}
	return vault.Account{
		AccountID:        rec.GetString("account_id"),
		SubscriptionTier: rec.GetString("subscription_tier"),
		DeviceSlotLimit:  rec.GetInt("device_slot_limit"),
	}, nil
}

func (s *pbStore) PutAccount(_ context.Context, a vault.Account) error {
	col, err := s.app.FindCollectionByNameOrId("accounts")
	if err != nil {
		return fmt.Errorf("accounts collection: %w", err)
	}
	rec, err := s.app.FindFirstRecordByFilter(col, "account_id = {:account_id}",
		map[string]any{"account_id": a.AccountID})
	if err != nil {
		rec = core.NewRecord(col)
		rec.Set("account_id", a.AccountID)
	}
	rec.Set("subscription_tier", a.SubscriptionTier)
	rec.Set("device_slot_limit", a.DeviceSlotLimit)
	return s.app.Save(rec)
}

func (s *pbStore) GetMasterKey(_ context.Context, accountID string) (vault.MasterKeyRecord, error) {
	rec, err := s.findOne("master_keys", "account_id = {:account_id}", map[string]any{"account_id": accountID})
	if err != nil {
		return vault.MasterKeyRecord{}, err
	}
	out := vault.MasterKeyRecord{
		AccountID:     rec.GetString("account_id"),
		KDFIterations: rec.GetInt("kdf_iterations"),
		KDFAlgorithm:  rec.GetString("kdf_algorithm"),
		WrapAlgorithm: vault.Algorithm(rec.GetString("wrap_algorithm")),
	}
	fields := []struct {
		name string
		dst  *[]byte
	}{
		{"wrapped", &out.Wrapped},
		{"iv", &out.IV},
		{"server_wrapped", &out.ServerWrapped},
		{"server_iv", &out.ServerIV},
		{"salt", &out.Salt},
	}
	for _, f := range fields {
		if v := rec.GetString(f.name); v != "" {
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return vault.MasterKeyRecord{}, fmt.Errorf("%w: master_keys.%s", vault.ErrCorrupt, f.name)
			}
			*f.dst = b
		}
	}
	return out, nil
}

// PutMasterKey upserts the account's single master-key record in one
// save, which is what makes passphrase rotation atomic at this layer.
func (s *pbStore) PutMasterKey(_ context.Context, mk vault.MasterKeyRecord) error {
	col, err := s.app.FindCollectionByNameOrId("master_keys")
	if err != nil {
		return fmt.Errorf("master_keys collection: %w", err)
	}
	rec, err := s.app.FindFirstRecordByFilter(col, "account_id = {:account_id}",
		map[string]any{"account_id": mk.AccountID})
	if err != nil {
		rec = core.NewRecord(col)
		rec.Set("account_id", mk.AccountID)
	}
	rec.Set("wrapped", base64.StdEncoding.EncodeToString(mk.Wrapped))
	rec.Set("iv", base64.StdEncoding.EncodeToString(mk.IV))
	rec.Set("server_wrapped", base64.StdEncoding.EncodeToString(mk.ServerWrapped))
	rec.Set("server_iv", base64.StdEncoding.EncodeToString(mk.ServerIV))
	rec.Set("salt", base64.StdEncoding.EncodeToString(mk.Salt))
	rec.Set("kdf_iterations", mk.KDFIterations)
	rec.Set("kdf_algorithm", mk.KDFAlgorithm)
	rec.Set("wrap_algorithm", string(mk.WrapAlgorithm))
	return s.app.Save(rec)
}

func (s *pbStore) GetDevice(_ context.Context, accountID, deviceID string) (vault.DeviceKeyRecord, error) {
	rec, err := s.findOne("device_keys", "account_id = {:account_id} && device_id = {:device_id}",
		map[string]any{"account_id": accountID, "device_id": deviceID})
	if err != nil {
		return vault.DeviceKeyRecord{}, err
	}
	return s.deviceFromRecord(rec)
}

func (s *pbStore) PutDevice(_ context.Context, d vault.DeviceKeyRecord) error {
	col, err := s.app.FindCollectionByNameOrId("device_keys")
	if err != nil {
		return fmt.Errorf("device_keys collection: %w", err)
	}
	rec, err := s.app.FindFirstRecordByFilter(col, "account_id = {:account_id} && device_id = {:device_id}",
		map[string]any{"account_id": d.AccountID, "device_id": d.DeviceID})
	if err != nil {
		rec = core.NewRecord(col)
		rec.Set("account_id", d.AccountID)
		rec.Set("device_id", d.DeviceID)
	}
	rec.Set("device_type", string(d.DeviceType))
	rec.Set("device_name", d.DeviceName)
	rec.Set("device_model", d.DeviceModel)
	rec.Set("wrapped", base64.StdEncoding.EncodeToString(d.Wrapped))
	rec.Set("salt", base64.StdEncoding.EncodeToString(d.Salt))
	rec.Set("iv", base64.StdEncoding.EncodeToString(d.IV))
	rec.Set("kdf_iterations", d.KDFIterations)
	rec.Set("server_wrapped", base64.StdEncoding.EncodeToString(d.ServerWrapped))
	rec.Set("server_iv", base64.StdEncoding.EncodeToString(d.ServerIV))
	rec.Set("wrap_algorithm", string(d.WrapAlgorithm))
	rec.Set("created_ts", d.CreatedAt.Unix())
	return s.app.Save(rec)
}

func (s *pbStore) DeleteDevice(_ context.Context, accountID, deviceID string) error {
	rec, err := s.findOne("device_keys", "account_id = {:account_id} && device_id = {:device_id}",
		map[string]any{"account_id": accountID, "device_id": deviceID})
	if err != nil {
		return err
	}
	return s.app.Delete(rec)
}

func (s *pbStore) ListDevices(_ context.Context, accountID string) ([]vault.DeviceKeyRecord, error) {
	col, err := s.app.FindCollectionByNameOrId("device_keys")
	if err != nil {
		return nil, fmt.Errorf("device_keys collection: %w", err)
	}
	records, err := s.app.FindRecordsByFilter(col, "account_id = {:account_id}", "created_ts", 100, 0,
		map[string]any{"account_id": accountID})
	if err != nil {
		return nil, err
	}
	out := make([]vault.DeviceKeyRecord, 0, len(records))
	for _, rec := range records {
		d, err := s.deviceFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *pbStore) CountDevices(ctx context.Context, accountID string) (int, error) {
	devices, err := s.ListDevices(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return len(devices), nil
}

func (s *pbStore) GetSource(_ context.Context, sourceID string) (vault.SourceCredentialRecord, error) {
	rec, err := s.findOne("sources", "source_id = {:source_id}", map[string]any{"source_id": sourceID})
	if err != nil {
		return vault.SourceCredentialRecord{}, err
	}
	ct, err := base64.StdEncoding.DecodeString(rec.GetString("encrypted_config"))
	if err != nil {
		return vault.SourceCredentialRecord{}, fmt.Errorf("%w: sources.encrypted_config", vault.ErrCorrupt)
	}
	iv, err := base64.StdEncoding.DecodeString(rec.GetString("config_iv"))
	if err != nil {
		return vault.SourceCredentialRecord{}, fmt.Errorf("%w: sources.config_iv", vault.ErrCorrupt)
	}
	return vault.SourceCredentialRecord{
		SourceID:        rec.GetString("source_id"),
		AccountID:       rec.GetString("account_id"),
		EncryptedConfig: ct,
		ConfigIV:        iv,
		WrapAlgorithm:   vault.Algorithm(rec.GetString("wrap_algorithm")),
	}, nil
}

func (s *pbStore) PutSource(_ context.Context, src vault.SourceCredentialRecord) error {
	col, err := s.app.FindCollectionByNameOrId("sources")
	if err != nil {
		return fmt.Errorf("sources collection: %w", err)
	}
	rec, err := s.app.FindFirstRecordByFilter(col, "source_id = {:source_id}",
		map[string]any{"source_id": src.SourceID})
	if err != nil {
		rec = core.NewRecord(col)
		rec.Set("source_id", src.SourceID)
	}
	rec.Set("account_id", src.AccountID)
	rec.Set("encrypted_config", base64.StdEncoding.EncodeToString(src.EncryptedConfig))
	rec.Set("config_iv", base64.StdEncoding.EncodeToString(src.ConfigIV))
	rec.Set("wrap_algorithm", string(src.WrapAlgorithm))
	return s.app.Save(rec)
}

func (s *pbStore) findOne(collection, filter string, params map[string]any) (*core.Record, error) {
	col, err := s.app.FindCollectionByNameOrId(collection)
	if err != nil {
		return nil, fmt.Errorf("%s collection: %w", collection, err)
	}
	rec, err := s.app.FindFirstRecordByFilter(col, filter, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", vault.ErrNotFound, collection)
	}
	return rec, nil
}

func (s *pbStore) deviceFromRecord(rec *core.Record) (vault.DeviceKeyRecord, error) {
	out := vault.DeviceKeyRecord{
		AccountID:     rec.GetString("account_id"),
		DeviceID:      rec.GetString("device_id"),
		DeviceType:    vault.DeviceType(rec.GetString("device_type")),
		DeviceName:    rec.GetString("device_name"),
		DeviceModel:   rec.GetString("device_model"),
		KDFIterations: rec.GetInt("kdf_iterations"),
		WrapAlgorithm: vault.Algorithm(rec.GetString("wrap_algorithm")),
		CreatedAt:     time.Unix(int64(rec.GetInt("created_ts")), 0).UTC(),
	}
	var decodeErr error
	decode := func(name string) []byte {
		v := rec.GetString(name)
		if v == "" {
			return nil
		}
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil && decodeErr == nil {
			decodeErr = fmt.Errorf("%w: device_keys.%s", vault.ErrCorrupt, name)
		}
		return b
	}
	out.Wrapped = decode("wrapped")
	out.Salt = decode("salt")
	out.IV = decode("iv")
	out.ServerWrapped = decode("server_wrapped")
	out.ServerIV = decode("server_iv")
	if decodeErr != nil {
		return vault.DeviceKeyRecord{}, decodeErr
	}
	return out, nil
}
