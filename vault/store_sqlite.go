package vault

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists the client's encrypted cache tier and fetched device
// key data locally. Rows are sealed before they reach this layer; the
// store never sees plaintext key material.
type Store struct {
	db *sql.DB
}

// OpenStore opens/creates a SQLite database and runs migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS key_cache (
  store TEXT NOT NULL,
  account_id TEXT NOT NULL,
  iv_b64 TEXT NOT NULL,
  ct_b64 TEXT NOT NULL,
  expires_at INTEGER NOT NULL,
  PRIMARY KEY (store, account_id)
);

CREATE TABLE IF NOT EXISTS device_keys (
  account_id TEXT PRIMARY KEY,
  master_key_wrapped TEXT NOT NULL,
  salt TEXT NOT NULL,
  iv TEXT NOT NULL,
  kdf_iterations INTEGER NOT NULL,
  wrap_algorithm TEXT NOT NULL,
  fetched_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS client_state (
  k TEXT PRIMARY KEY,
  v TEXT NOT NULL
);
`)
	return err
}

// sealedRow is an encrypted cache row plus its expiry.
type sealedRow struct {
	IVB64     string
	CTB64     string
	ExpiresAt int64
}

// PutSealed upserts an encrypted cache row for (store, account).
func (s *Store) PutSealed(ctx context.Context, storeName, accountID string, row sealedRow) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO key_cache(store, account_id, iv_b64, ct_b64, expires_at) VALUES(?,?,?,?,?)
ON CONFLICT(store, account_id) DO UPDATE SET
  iv_b64=excluded.iv_b64, ct_b64=excluded.ct_b64, expires_at=excluded.expires_at`,
		storeName, accountID, row.IVB64, row.CTB64, row.ExpiresAt,
	)
	return err
}

// GetSealed fetches an encrypted cache row. sql.ErrNoRows maps to a
// plain miss (found=false).
func (s *Store) GetSealed(ctx context.Context, storeName, accountID string) (sealedRow, bool, error) {
	var row sealedRow
	err := s.db.QueryRowContext(ctx, `
SELECT iv_b64, ct_b64, expires_at FROM key_cache WHERE store = ? AND account_id = ?`,
		storeName, accountID,
	).Scan(&row.IVB64, &row.CTB64, &row.ExpiresAt)
	if err == sql.ErrNoRows {
		return sealedRow{}, false, nil
	}
	if err != nil {
		return sealedRow{}, false, err
	}
	return row, true, nil
}

// DeleteSealed removes one account's row from one store.
func (s *Store) DeleteSealed(ctx context.Context, storeName, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM key_cache WHERE store = ? AND account_id = ?`, storeName, accountID)
	return err
}

// PurgeAccount removes every cached row for an account across stores.
func (s *Store) PurgeAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM key_cache WHERE account_id = ?`, accountID)
	return err
}

// PutDeviceKey caches fetched device key data so the next launch can
// skip the server round-trip. The blob is the passphrase-layer wrap;
// it is useless without the passphrase.
func (s *Store) PutDeviceKey(ctx context.Context, accountID string, kd KeyData) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO device_keys(account_id, master_key_wrapped, salt, iv, kdf_iterations, wrap_algorithm, fetched_at)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(account_id) DO UPDATE SET
  master_key_wrapped=excluded.master_key_wrapped, salt=excluded.salt, iv=excluded.iv,
  kdf_iterations=excluded.kdf_iterations, wrap_algorithm=excluded.wrap_algorithm,
  fetched_at=excluded.fetched_at`,
		accountID, kd.MasterKeyWrapped, kd.Salt, kd.IV, kd.KDFIterations, kd.WrapAlgorithm, time.Now().Unix(),
	)
	return err
}

// GetDeviceKey returns locally cached device key data, if any.
func (s *Store) GetDeviceKey(ctx context.Context, accountID string) (KeyData, bool, error) {
	var kd KeyData
	err := s.db.QueryRowContext(ctx, `
SELECT master_key_wrapped, salt, iv, kdf_iterations, wrap_algorithm
FROM device_keys WHERE account_id = ?`, accountID,
	).Scan(&kd.MasterKeyWrapped, &kd.Salt, &kd.IV, &kd.KDFIterations, &kd.WrapAlgorithm)
	if err == sql.ErrNoRows {
		return KeyData{}, false, nil
	}
	if err != nil {
		return KeyData{}, false, err
	}
	return kd, true, nil
}

// DeleteDeviceKey drops the cached device key data for an account.
func (s *Store) DeleteDeviceKey(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_keys WHERE account_id = ?`, accountID)
	return err
}

// GetState fetches client metadata with default fallback.
func (s *Store) GetState(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM client_state WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	return v, err
}

// SetState updates client metadata.
func (s *Store) SetState(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO client_state(k,v) VALUES(?,?)
ON CONFLICT(k) DO UPDATE SET v=excluded.v`, key, val)
	return err
}
