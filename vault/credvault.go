package vault

import "encoding/json"

// EncryptCredentials seals the provider credential payload under the
// account master key with a fresh random IV. The IV is never reused;
// it is generated here on every call and returned for storage beside
// the ciphertext.
func EncryptCredentials(alg Algorithm, masterKey [KeySize]byte, creds Credentials) (ciphertext, iv []byte, err error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, nil, err
	}
	iv, err = NewIV(alg)
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err = Seal(alg, masterKey, iv, plain)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, iv, nil
}

// DecryptCredentials opens a source's credential blob. The master key
// reaching this point has already proven itself against the wrapped
// master-key record, so an auth failure here means the source record
// itself is damaged and is reported as such.
func DecryptCredentials(alg Algorithm, masterKey [KeySize]byte, iv, ciphertext []byte, sourceID string) (Credentials, error) {
	plain, err := Open(alg, masterKey, iv, ciphertext)
	if err != nil {
		return Credentials{}, &CorruptSourceError{SourceID: sourceID, Cause: err}
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return Credentials{}, &CorruptSourceError{SourceID: sourceID, Cause: err}
	}
	zero(plain)
	return creds, nil
}
