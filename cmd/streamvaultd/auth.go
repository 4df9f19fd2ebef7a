// ABOUTME: Bearer-token auth for streamvaultd.
// ABOUTME: Tokens are issued at device registration and stored sha256-hashed.

package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
)

const tokenTTL = 12 * time.Hour

type ctxAccountIDKey struct{}
type ctxDeviceIDKey struct{}

type authInfo struct {
	accountID string
	deviceID  string
}

// issueToken mints a bearer token bound to (account, device). Only the
// hash is stored; a database leak yields no usable tokens.
func (s *Server) issueToken(accountID, deviceID string) (string, error) {
	token := "sv_" + randHex(32)
	exp := time.Now().Add(tokenTTL).Unix()

	tokensCol, err := s.app.FindCollectionByNameOrId("api_tokens")
	if err != nil {
		return "", err
	}
	rec := core.NewRecord(tokensCol)
	rec.Set("token_hash", hashToken(token))
	rec.Set("account_id", accountID)
	rec.Set("device_id", deviceID)
	rec.Set("expires_at", exp)
	if err := s.app.Save(rec); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := s.authAccount(r)
		if err != nil {
			fail(w, http.StatusUnauthorized, err.Error())
			return
		}

		if s.limiters != nil {
			limiter := s.limiters.get(info.accountID)
			if !limiter.Allow() {
				fail(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		ctx := context.WithValue(r.Context(), ctxAccountIDKey{}, info.accountID)
		ctx = context.WithValue(ctx, ctxDeviceIDKey{}, info.deviceID)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) authAccount(r *http.Request) (authInfo, error) {
	h := r.Header.Get("Authorization")
	if h == "" || !strings.HasPrefix(h, "Bearer ") {
		return authInfo{}, errors.New("missing bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	if raw == "" {
		return authInfo{}, errors.New("missing bearer token")
	}

	tokensCol, err := s.app.FindCollectionByNameOrId("api_tokens")
	if err != nil {
		return authInfo{}, errors.New("db error")
	}
	rec, err := s.app.FindFirstRecordByFilter(tokensCol, "token_hash = {:token_hash}",
		map[string]any{"token_hash": hashToken(raw)})
	if err != nil {
		return authInfo{}, errors.New("invalid token")
	}
	if time.Now().Unix() > int64(rec.GetInt("expires_at")) {
		return authInfo{}, errors.New("token expired")
	}
	return authInfo{
		accountID: rec.GetString("account_id"),
		deviceID:  rec.GetString("device_id"),
	}, nil
}
