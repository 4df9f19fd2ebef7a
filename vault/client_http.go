package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig controls the key-server API client.
type ClientConfig struct {
	BaseURL   string
	AccountID string
	DeviceID  string
	AuthToken string
	Timeout   time.Duration
}

// Client performs key-distribution RPCs against the streamvault server.
type Client struct {
	cfg ClientConfig
	hc  *http.Client
}

// NewClient builds a client with optional timeout override.
func NewClient(cfg ClientConfig) *Client {
	to := cfg.Timeout
	if to == 0 {
		to = 15 * time.Second
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: to},
	}
}

// SetAuthToken installs the bearer token issued at registration.
func (c *Client) SetAuthToken(token string) { c.cfg.AuthToken = token }

// AccountID returns the configured account.
func (c *Client) AccountID() string { return c.cfg.AccountID }

// DeviceID returns the configured device.
func (c *Client) DeviceID() string { return c.cfg.DeviceID }

// RegisterDeviceReq is the one call the passphrase ever transits.
type RegisterDeviceReq struct {
	AccountID   string `json:"accountId"`
	DeviceID    string `json:"deviceId"`
	DeviceType  string `json:"deviceType"`
	DeviceName  string `json:"deviceName,omitempty"`
	DeviceModel string `json:"deviceModel,omitempty"`
	Passphrase  string `json:"passphrase"`
}

// RegisterDeviceResp carries the new device's key data plus a bearer
// token for subsequent authenticated calls.
type RegisterDeviceResp struct {
	Success    bool    `json:"success"`
	DeviceID   string  `json:"deviceId"`
	Iterations int     `json:"iterations"`
	KeyData    KeyData `json:"keyData"`
	Token      string  `json:"token,omitempty"`
}

// RegisterDevice registers this device and obtains its wrapped copy of
// the master key.
func (c *Client) RegisterDevice(ctx context.Context, deviceType DeviceType, name, model, passphrase string) (RegisterDeviceResp, error) {
	req := RegisterDeviceReq{
		AccountID:   c.cfg.AccountID,
		DeviceID:    c.cfg.DeviceID,
		DeviceType:  string(deviceType),
		DeviceName:  name,
		DeviceModel: model,
		Passphrase:  passphrase,
	}
	var out RegisterDeviceResp
	if err := c.doJSON(ctx, http.MethodPost, "/v1/devices/register", req, &out); err != nil {
		return RegisterDeviceResp{}, err
	}
	if out.Token != "" {
		c.cfg.AuthToken = out.Token
	}
	return out, nil
}

// CheckDevice asks the server for registration state and quota.
func (c *Client) CheckDevice(ctx context.Context) (DeviceStatus, error) {
	q := url.Values{"accountId": {c.cfg.AccountID}, "deviceId": {c.cfg.DeviceID}}
	var out DeviceStatus
	err := c.doJSON(ctx, http.MethodGet, "/v1/devices/check?"+q.Encode(), nil, &out)
	return out, err
}

// FetchDeviceKey downloads this device's key data.
func (c *Client) FetchDeviceKey(ctx context.Context) (KeyData, error) {
	q := url.Values{"accountId": {c.cfg.AccountID}, "deviceId": {c.cfg.DeviceID}}
	var out struct {
		KeyData KeyData `json:"keyData"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/devices/key?"+q.Encode(), nil, &out); err != nil {
		return KeyData{}, err
	}
	return out.KeyData, nil
}

// ListDevices returns the account's registered devices.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	var out struct {
		Devices []DeviceInfo `json:"devices"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// RemoveDevice revokes one device's key record.
func (c *Client) RemoveDevice(ctx context.Context, deviceID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/devices/"+url.PathEscape(deviceID), nil, nil)
}

// CreateAccountResp is the server's answer to account bootstrap.
type CreateAccountResp struct {
	AccountID       string `json:"accountId"`
	Tier            string `json:"subscriptionTier"`
	DeviceSlotLimit int    `json:"deviceSlotLimit"`
}

// CreateAccount provisions a new account and adopts its id for
// subsequent calls.
func (c *Client) CreateAccount(ctx context.Context, tier string) (CreateAccountResp, error) {
	req := map[string]string{"subscriptionTier": tier}
	var out CreateAccountResp
	if err := c.doJSON(ctx, http.MethodPost, "/v1/accounts", req, &out); err != nil {
		return CreateAccountResp{}, err
	}
	if out.AccountID != "" {
		c.cfg.AccountID = out.AccountID
	}
	return out, nil
}

// SetupPassphraseReq sets or rotates the account passphrase. Rotation
// requires the current passphrase to prove the old wrap first. This
// endpoint runs before any token exists, so it carries the account id.
type SetupPassphraseReq struct {
	AccountID         string `json:"accountId"`
	Passphrase        string `json:"passphrase"`
	CurrentPassphrase string `json:"currentPassphrase,omitempty"`
}

// SetupPassphrase sets the initial passphrase or rotates it.
func (c *Client) SetupPassphrase(ctx context.Context, passphrase, currentPassphrase string) error {
	req := SetupPassphraseReq{AccountID: c.cfg.AccountID, Passphrase: passphrase, CurrentPassphrase: currentPassphrase}
	var out struct {
		Success bool `json:"success"`
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/passphrase", req, &out)
}

// SourceWire is the wire form of a stored source credential record.
// Binary fields are base64; no key material travels with it.
type SourceWire struct {
	SourceID        string `json:"source_id"`
	EncryptedConfig string `json:"encrypted_config"`
	ConfigIV        string `json:"config_iv"`
	WrapAlgorithm   string `json:"wrap_algorithm"`
}

// AddSource uploads a credential blob sealed under the master key.
func (c *Client) AddSource(ctx context.Context, encryptedConfig, configIV []byte, alg Algorithm) (string, error) {
	req := SourceWire{
		EncryptedConfig: b64(encryptedConfig),
		ConfigIV:        b64(configIV),
		WrapAlgorithm:   string(alg),
	}
	var out struct {
		SourceID string `json:"source_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sources", req, &out); err != nil {
		return "", err
	}
	return out.SourceID, nil
}

// FetchSource downloads one encrypted source record.
func (c *Client) FetchSource(ctx context.Context, sourceID string) (SourceCredentialRecord, error) {
	var out SourceWire
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sources/"+url.PathEscape(sourceID), nil, &out); err != nil {
		return SourceCredentialRecord{}, err
	}
	ct, err := b64dec(out.EncryptedConfig)
	if err != nil {
		return SourceCredentialRecord{}, fmt.Errorf("%w: bad encrypted_config encoding", ErrCorrupt)
	}
	iv, err := b64dec(out.ConfigIV)
	if err != nil {
		return SourceCredentialRecord{}, fmt.Errorf("%w: bad config_iv encoding", ErrCorrupt)
	}
	return SourceCredentialRecord{
		SourceID:        out.SourceID,
		AccountID:       c.cfg.AccountID,
		EncryptedConfig: ct,
		ConfigIV:        iv,
		WrapAlgorithm:   Algorithm(out.WrapAlgorithm),
	}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return statusErr(resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusErr(code int, path string) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s: %d", ErrUnauthorized, path, code)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, path)
	case http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", ErrOperationTimeout, path)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &ValidationError{Field: path, Reason: fmt.Sprintf("rejected with %d", code)}
	default:
		return fmt.Errorf("%w: %s: %d", ErrServerError, path, code)
	}
}
