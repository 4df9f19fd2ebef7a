// ABOUTME: Two-layer wrap/unwrap of the per-account master key.
// ABOUTME: Passphrase layer plus server-only layer; neither alone suffices.
package vault

import "context"

// WrapMasterKey produces the layer-1 record fields: the master key
// sealed under the passphrase-derived key with a fresh nonce.
func WrapMasterKey(alg Algorithm, masterKey, passphraseKey [KeySize]byte) (wrapped, iv []byte, err error) {
	iv, err = NewIV(alg)
	if err != nil {
		return nil, nil, err
	}
	wrapped, err = Seal(alg, passphraseKey, iv, masterKey[:])
	if err != nil {
		return nil, nil, err
	}
	return wrapped, iv, nil
}

// DoubleWrap seals the layer-1 ciphertext under the server-only key.
// After this, the stored record requires both the user's passphrase
// and the server's key to reverse; a leaked database or a stolen
// passphrase alone recovers nothing.
func DoubleWrap(alg Algorithm, layer1 []byte, serverKey [KeySize]byte) (layer2, serverIV []byte, err error) {
	serverIV, err = NewIV(alg)
	if err != nil {
		return nil, nil, err
	}
	layer2, err = Seal(alg, serverKey, serverIV, layer1)
	if err != nil {
		return nil, nil, err
	}
	return layer2, serverIV, nil
}

// UnwrapMasterKey reverses both layers of a MasterKeyRecord. The
// server layer is peeled first when present; records without it are
// the tolerated single-layer legacy mode.
func UnwrapMasterKey(rec MasterKeyRecord, passphraseKey, serverKey [KeySize]byte) ([KeySize]byte, error) {
	var masterKey [KeySize]byte

	layer1 := rec.Wrapped
	if rec.HasServerLayer() {
		inner, err := Open(rec.WrapAlgorithm, serverKey, rec.ServerIV, rec.ServerWrapped)
		if err != nil {
			return masterKey, &UnwrapError{AccountID: rec.AccountID, Layer: "server", Cause: err}
		}
		layer1 = inner
	}
	if len(layer1) == 0 {
		return masterKey, &CorruptSourceError{SourceID: rec.AccountID, Cause: ErrCorrupt}
	}

	plain, err := Open(rec.WrapAlgorithm, passphraseKey, rec.IV, layer1)
	if err != nil {
		return masterKey, &UnwrapError{AccountID: rec.AccountID, Layer: "passphrase", Cause: err}
	}
	if len(plain) != KeySize {
		zero(plain)
		return masterKey, &CorruptSourceError{SourceID: rec.AccountID, Cause: ErrCorrupt}
	}
	copy(masterKey[:], plain)
	zero(plain)
	return masterKey, nil
}

// BuildMasterKeyRecord wraps a fresh master key for storage: layer 1
// under the passphrase-derived key, layer 2 under the server key.
// Records written by this code always carry the server layer.
func BuildMasterKeyRecord(ctx context.Context, accountID, passphrase string, alg Algorithm, iterations int, masterKey, serverKey [KeySize]byte) (MasterKeyRecord, error) {
	salt, err := NewSalt()
	if err != nil {
		return MasterKeyRecord{}, err
	}
	passKey, err := DeriveKey(ctx, passphrase, salt, iterations, nil)
	if err != nil {
		return MasterKeyRecord{}, err
	}
	layer1, iv, err := WrapMasterKey(alg, masterKey, passKey)
	if err != nil {
		return MasterKeyRecord{}, err
	}
	layer2, serverIV, err := DoubleWrap(alg, layer1, serverKey)
	if err != nil {
		return MasterKeyRecord{}, err
	}
	return MasterKeyRecord{
		AccountID:     accountID,
		ServerWrapped: layer2,
		ServerIV:      serverIV,
		IV:            iv,
		Salt:          salt,
		KDFIterations: iterations,
		KDFAlgorithm:  KDFAlgorithm,
		WrapAlgorithm: alg,
	}, nil
}

// ChangePassphrase rewraps the record under a new passphrase. The
// unwrap with the current passphrase must fully succeed first; on any
// failure the input record is returned untouched so the caller
// persists nothing. The new wrap always uses canonicalIters, the
// deployment's current iteration count, so rotation never silently
// downgrades an account's hardness.
func ChangePassphrase(ctx context.Context, rec MasterKeyRecord, currentPassphrase, newPassphrase string, canonicalIters int, serverKey [KeySize]byte) (MasterKeyRecord, error) {
	currentKey, err := DeriveKey(ctx, currentPassphrase, rec.Salt, rec.KDFIterations, nil)
	if err != nil {
		return rec, err
	}
	masterKey, err := UnwrapMasterKey(rec, currentKey, serverKey)
	if err != nil {
		return rec, err
	}

	next, err := BuildMasterKeyRecord(ctx, rec.AccountID, newPassphrase, rec.WrapAlgorithm, canonicalIters, masterKey, serverKey)
	zero(masterKey[:])
	if err != nil {
		return rec, err
	}
	return next, nil
}
