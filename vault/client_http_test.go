// ABOUTME: Tests for the HTTP API client.
// ABOUTME: Status-to-sentinel mapping, token adoption, and wire decoding.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(ClientConfig{
		BaseURL:   srv.URL,
		AccountID: "acct",
		DeviceID:  "dev1",
	})
}

func TestClientRegisterDeviceAdoptsToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/devices/register":
			var req RegisterDeviceReq
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode: %v", err)
			}
			if req.AccountID != "acct" || req.DeviceID != "dev1" || req.Passphrase != "pass" {
				t.Errorf("unexpected request: %+v", req)
			}
			_ = json.NewEncoder(w).Encode(RegisterDeviceResp{Success: true, DeviceID: "dev1", Token: "sv_abc"})
		case "/v1/devices":
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(map[string]any{"devices": []DeviceInfo{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	ctx := context.Background()
	resp, err := c.RegisterDevice(ctx, DeviceWeb, "Browser", "", "pass")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if resp.Token != "sv_abc" {
		t.Fatalf("token = %q", resp.Token)
	}

	// The issued token is used on the next authenticated call.
	if _, err := c.ListDevices(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotAuth != "Bearer sv_abc" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestClientStatusMapping(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrQuotaExceeded},
		{http.StatusRequestTimeout, ErrOperationTimeout},
		{http.StatusBadRequest, ErrValidation},
		{http.StatusUnprocessableEntity, ErrValidation},
		{http.StatusInternalServerError, ErrServerError},
		{http.StatusTooManyRequests, ErrServerError},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.code)
		}))
		c := newTestClient(srv)
		_, err := c.FetchDeviceKey(context.Background())
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: got %v, want %v", tt.code, err, tt.want)
		}
		srv.Close()
	}
}

func TestClientNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse all connections

	c := newTestClient(srv)
	if _, err := c.CheckDevice(context.Background()); !errors.Is(err, ErrNetworkFailure) {
		t.Fatalf("expected ErrNetworkFailure, got %v", err)
	}
}

func TestClientFetchSourceDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sources/src1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(SourceWire{
			SourceID:        "src1",
			EncryptedConfig: "Y2lwaGVydGV4dA==",
			ConfigIV:        "aXY=",
			WrapAlgorithm:   string(AlgAESGCM),
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	rec, err := c.FetchSource(context.Background(), "src1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(rec.EncryptedConfig) != "ciphertext" || string(rec.ConfigIV) != "iv" {
		t.Fatalf("decoded wrong: %+v", rec)
	}
	if rec.AccountID != "acct" || rec.WrapAlgorithm != AlgAESGCM {
		t.Fatalf("metadata wrong: %+v", rec)
	}
}

func TestClientFetchSourceBadEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(SourceWire{
			SourceID:        "src1",
			EncryptedConfig: "!!!not base64!!!",
			ConfigIV:        "aXY=",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if _, err := c.FetchSource(context.Background(), "src1"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
