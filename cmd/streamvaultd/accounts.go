// ABOUTME: Account bootstrap and passphrase setup/rotation endpoints.

package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"streamvault/vault"
)

type createAccountReq struct {
	SubscriptionTier string `json:"subscriptionTier"`
}

type createAccountResp struct {
	AccountID       string `json:"accountId"`
	Tier            string `json:"subscriptionTier"`
	DeviceSlotLimit int    `json:"deviceSlotLimit"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req createAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	tier := strings.TrimSpace(req.SubscriptionTier)
	if tier == "" {
		tier = "basic"
	}

	account, err := s.registry.CreateAccount(r.Context(), tier)
	if err != nil {
		failErr(w, statusFor(err), err)
		return
	}
	ok(w, createAccountResp{
		AccountID:       account.AccountID,
		Tier:            account.SubscriptionTier,
		DeviceSlotLimit: account.DeviceSlotLimit,
	})
}

type passphraseReq struct {
	AccountID         string `json:"accountId,omitempty"`
	Passphrase        string `json:"passphrase"`
	CurrentPassphrase string `json:"currentPassphrase,omitempty"`
}

// handlePassphrase sets the initial passphrase or rotates it. Rotation
// requires a successful unwrap with the current passphrase first; a
// wrong current passphrase mutates nothing. This endpoint runs before
// any token exists, so the account id comes from the body.
func (s *Server) handlePassphrase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req passphraseReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" || req.Passphrase == "" {
		fail(w, http.StatusBadRequest, "accountId and passphrase required")
		return
	}

	var err error
	if req.CurrentPassphrase != "" {
		err = s.registry.RotatePassphrase(r.Context(), accountID, req.CurrentPassphrase, req.Passphrase)
	} else {
		err = s.registry.SetupPassphrase(r.Context(), accountID, req.Passphrase)
	}
	if err != nil {
		failErr(w, statusFor(err), err)
		return
	}
	ok(w, map[string]any{"success": true})
}

type addSourceReq struct {
	EncryptedConfig string `json:"encrypted_config"`
	ConfigIV        string `json:"config_iv"`
	WrapAlgorithm   string `json:"wrap_algorithm"`
}

// handleAddSource stores a credential blob the client sealed under its
// master key. The server validates lengths and stores it blind; no key
// material is ever co-located with a source record.
func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID := r.Context().Value(ctxAccountIDKey{}).(string)

	var req addSourceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	ct, err := b64Field(req.EncryptedConfig)
	if err != nil {
		fail(w, http.StatusBadRequest, "invalid encrypted_config")
		return
	}
	iv, err := b64Field(req.ConfigIV)
	if err != nil {
		fail(w, http.StatusBadRequest, "invalid config_iv")
		return
	}

	sourceID, err := s.registry.AddSource(r.Context(), accountID, ct, iv, vault.Algorithm(req.WrapAlgorithm))
	if err != nil {
		failErr(w, statusFor(err), err)
		return
	}
	ok(w, map[string]any{"source_id": sourceID})
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID := r.Context().Value(ctxAccountIDKey{}).(string)

	sourceID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/sources/"))
	if sourceID == "" {
		fail(w, http.StatusBadRequest, "sourceId required")
		return
	}

	rec, err := s.registry.GetSource(r.Context(), accountID, sourceID)
	if err != nil {
		failErr(w, statusFor(err), err)
		return
	}
	ok(w, vault.SourceWire{
		SourceID:        rec.SourceID,
		EncryptedConfig: encodeB64(rec.EncryptedConfig),
		ConfigIV:        encodeB64(rec.ConfigIV),
		WrapAlgorithm:   string(rec.WrapAlgorithm),
	})
}
