package vault

import (
	"encoding/base64"
	"time"
)

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func b64dec(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// DeviceType tags which platform a registered device runs on. KDF
// iteration counts are tuned per type; a TV box and a browser tab do
// not get the same latency budget.
type DeviceType string

const (
	DeviceIOS     DeviceType = "ios"
	DeviceAndroid DeviceType = "android"
	DeviceTVOS    DeviceType = "tvos"
	DeviceWeb     DeviceType = "web"
)

// ValidDeviceType reports whether t is one of the known platforms.
func ValidDeviceType(t DeviceType) bool {
	switch t {
	case DeviceIOS, DeviceAndroid, DeviceTVOS, DeviceWeb:
		return true
	}
	return false
}

// Account is the server-side account row. Exactly one MasterKeyRecord
// exists per account.
type Account struct {
	AccountID        string
	SubscriptionTier string
	DeviceSlotLimit  int
}

// MasterKeyRecord is the double-wrapped master key at rest.
//
// Layer 1 wraps the master key under the passphrase-derived key.
// Layer 2 wraps the layer-1 ciphertext under a server-only key. Only
// the outermost ciphertext is stored: when ServerWrapped is present,
// Wrapped is empty and recovering the master key requires both the
// passphrase and a live round-trip to the server. Records missing the
// server layer are a tolerated legacy mode, flagged but accepted.
type MasterKeyRecord struct {
	AccountID     string
	Wrapped       []byte // layer-1 ciphertext; only set when no server layer
	IV            []byte // layer-1 nonce
	ServerWrapped []byte // layer-2 ciphertext of the layer-1 ciphertext
	ServerIV      []byte // layer-2 nonce
	Salt          []byte
	KDFIterations int
	KDFAlgorithm  string
	WrapAlgorithm Algorithm
}

// HasServerLayer reports whether the record carries the second wrap.
func (r MasterKeyRecord) HasServerLayer() bool { return len(r.ServerWrapped) > 0 }

// DeviceKeyRecord is one device's independent wrap of the account
// master key. Every device wraps the same master key under its own
// salt and device-tuned iteration count, so revoking or compromising
// one record tells you nothing about another device's wrap.
type DeviceKeyRecord struct {
	AccountID     string
	DeviceID      string
	DeviceType    DeviceType
	DeviceName    string
	DeviceModel   string
	Wrapped       []byte // master key under the device passphrase-derived key
	Salt          []byte
	IV            []byte
	KDFIterations int
	ServerWrapped []byte // optional at-rest copy under the server key
	ServerIV      []byte
	WrapAlgorithm Algorithm
	CreatedAt     time.Time
}

// SourceCredentialRecord stores one provider's encrypted config blob.
// No key material is ever co-located with it; it decrypts only via
// the account master key.
type SourceCredentialRecord struct {
	SourceID        string
	AccountID       string
	EncryptedConfig []byte
	ConfigIV        []byte
	WrapAlgorithm   Algorithm
}

// Credentials is the decrypted provider credential payload.
type Credentials struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// KeyData is the wire form of a device's key material, returned by
// register and fetch. Binary fields are base64. The server strips its
// at-rest layer before returning MasterKeyWrapped, so the client only
// ever needs the passphrase to finish the unwrap; the server fields
// ride along for legacy callers that stored them.
type KeyData struct {
	MasterKeyWrapped string `json:"master_key_wrapped"`
	Salt             string `json:"salt"`
	IV               string `json:"iv"`
	KDFIterations    int    `json:"kdf_iterations"`
	WrapAlgorithm    string `json:"wrap_algorithm,omitempty"`
	ServerWrappedKey string `json:"server_wrapped_key,omitempty"`
	ServerIV         string `json:"server_iv,omitempty"`
}

// DeviceStatus is the check-device result.
type DeviceStatus struct {
	IsRegistered       bool `json:"isRegistered"`
	RequiresPassphrase bool `json:"requiresPassphrase"`
	CanAutoRegister    bool `json:"canAutoRegister"`
	DeviceCount        int  `json:"deviceCount"`
	MaxDevices         int  `json:"maxDevices"`
}

// DeviceInfo is the administrative listing entry.
type DeviceInfo struct {
	DeviceID   string     `json:"device_id"`
	DeviceType DeviceType `json:"device_type"`
	Name       string     `json:"name,omitempty"`
	Model      string     `json:"model,omitempty"`
	CreatedAt  int64      `json:"created_at"`
}
