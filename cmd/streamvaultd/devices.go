// ABOUTME: Device key distribution endpoints: register, check, fetch key,
// ABOUTME: list, and remove. Quota is enforced here, never client-side.

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"streamvault/vault"
)

type registerDeviceReq struct {
	AccountID   string `json:"accountId"`
	DeviceID    string `json:"deviceId"`
	DeviceType  string `json:"deviceType"`
	DeviceName  string `json:"deviceName,omitempty"`
	DeviceModel string `json:"deviceModel,omitempty"`
	Passphrase  string `json:"passphrase"`
}

type registerDeviceResp struct {
	Success    bool          `json:"success"`
	DeviceID   string        `json:"deviceId"`
	Iterations int           `json:"iterations"`
	KeyData    vault.KeyData `json:"keyData"`
	Token      string        `json:"token,omitempty"`
}

// handleRegisterDevice is the single endpoint the passphrase transits.
// It proves the passphrase against the wrapped master key, wraps the
// key for this device, and issues a bearer token for everything else.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req registerDeviceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.AccountID == "" || req.DeviceID == "" || req.Passphrase == "" {
		fail(w, http.StatusBadRequest, "accountId, deviceId and passphrase required")
		return
	}

	rec, err := s.registry.RegisterDevice(r.Context(), req.AccountID, req.DeviceID,
		vault.DeviceType(req.DeviceType), req.DeviceName, req.DeviceModel, req.Passphrase)
	if err != nil {
		failErr(w, statusFor(err), err)
		return
	}

	token, err := s.issueToken(req.AccountID, req.DeviceID)
	if err != nil {
		fail(w, http.StatusInternalServerError, "db error")
		return
	}

	ok(w, registerDeviceResp{
		Success:    true,
		DeviceID:   rec.DeviceID,
		Iterations: rec.KDFIterations,
		KeyData:    rec.KeyData(),
		Token:      token,
	})
}

func (s *Server) handleCheckDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID := strings.TrimSpace(r.URL.Query().Get("accountId"))
	deviceID := strings.TrimSpace(r.URL.Query().Get("deviceId"))
	if accountID == "" || deviceID == "" {
		fail(w, http.StatusBadRequest, "accountId and deviceId required")
		return
	}

	status, err := s.registry.CheckDevice(r.Context(), accountID, deviceID)
	if err != nil {
		failErr(w, statusFor(err), err)
		return
	}
	ok(w, status)
}

func (s *Server) handleFetchDeviceKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID := r.Context().Value(ctxAccountIDKey{}).(string)
	deviceID := strings.TrimSpace(r.URL.Query().Get("deviceId"))
	if deviceID == "" {
		deviceID = r.Context().Value(ctxDeviceIDKey{}).(string)
	}

	kd, err := s.registry.FetchDeviceKey(r.Context(), accountID, deviceID)
	if err != nil {
		failErr(w, statusFor(err), err)
		return
	}
	ok(w, map[string]any{"keyData": kd})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID := r.Context().Value(ctxAccountIDKey{}).(string)

	devices, err := s.registry.ListDevices(r.Context(), accountID)
	if err != nil {
		failErr(w, statusFor(err), err)
		return
	}
	ok(w, map[string]any{"devices": devices})
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID := r.Context().Value(ctxAccountIDKey{}).(string)

	// Extract device_id from path: /v1/devices/{device_id}
	path := strings.TrimPrefix(r.URL.Path, "/v1/devices/")
	deviceID := strings.TrimSpace(path)
	if deviceID == "" {
		fail(w, http.StatusBadRequest, "deviceId required")
		return
	}

	if err := s.registry.RemoveDevice(r.Context(), accountID, deviceID); err != nil {
		failErr(w, statusFor(err), err)
		return
	}
	ok(w, map[string]any{"ok": true, "removed": deviceID})
}

// statusFor maps the vault error taxonomy onto HTTP statuses. The
// client reverses this mapping, so both sides agree on sentinels.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vault.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrInvalidPassphrase), errors.Is(err, vault.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, vault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrQuotaExceeded):
		return http.StatusConflict
	case errors.Is(err, vault.ErrOperationTimeout):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
