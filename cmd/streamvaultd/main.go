// ABOUTME: Streamvaultd is the key-distribution server: accounts, wrapped
// ABOUTME: master keys, per-device key records, and encrypted source storage.

package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"streamvault/vault"

	_ "streamvault/cmd/streamvaultd/migrations" // Import migrations
)

// Server bundles state for streamvaultd handlers.
type Server struct {
	app          core.App
	registry     *vault.Registry
	limiters     *rateLimiterStore // Per-account rate limiting for authenticated endpoints
	authLimiters *rateLimiterStore // Per-IP rate limiting for auth endpoints
}

func main() {
	app := pocketbase.New()

	rootSecret, err := loadServerKey()
	if err != nil {
		log.Fatal(err)
	}

	registry, err := vault.NewRegistry(&pbStore{app: app}, vault.DefaultConfig(), rootSecret)
	if err != nil {
		log.Fatal(err)
	}

	srv := &Server{
		app:          app,
		registry:     registry,
		limiters:     newRateLimiterStore(DefaultRateLimitConfig()),
		authLimiters: newRateLimiterStore(AuthRateLimitConfig()),
	}

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		srv.registerRoutes(se.Router)
		return se.Next()
	})

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		srv.startCleanupRoutine(context.Background())
		return se.Next()
	})

	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}

// loadServerKey reads the root server wrap secret. Without it the
// second wrap layer would be decorative, so a missing or short key is
// fatal at startup, not at first use.
func loadServerKey() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv("STREAMVAULT_SERVER_KEY"))
	if raw == "" {
		return nil, errMissingServerKey
	}
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) < vault.KeySize {
		return nil, errMissingServerKey
	}
	return b, nil
}

var errMissingServerKey = &configError{"STREAMVAULT_SERVER_KEY must be >= 64 hex chars"}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func (s *Server) registerRoutes(r *router.Router[*core.RequestEvent]) {
	r.GET("/healthz", func(e *core.RequestEvent) error {
		return e.NoContent(http.StatusOK)
	})

	// Bootstrap + registration (IP rate limited; registration is
	// gated by the passphrase, not by a token).
	r.POST("/v1/accounts", s.wrapHandler(s.withIPRateLimit(s.handleCreateAccount)))
	r.POST("/v1/devices/register", s.wrapHandler(s.withIPRateLimit(s.handleRegisterDevice)))
	r.GET("/v1/devices/check", s.wrapHandler(s.withIPRateLimit(s.handleCheckDevice)))

	// Passphrase setup precedes the first registration, so no token
	// exists yet; setup is first-write on a fresh account and rotation
	// proves itself with the current passphrase.
	r.POST("/v1/passphrase", s.wrapHandler(s.withIPRateLimit(s.handlePassphrase)))

	// Key material and administration (token protected).
	r.GET("/v1/devices/key", s.wrapHandler(s.withAuth(s.handleFetchDeviceKey)))
	r.GET("/v1/devices", s.wrapHandler(s.withAuth(s.handleListDevices)))
	r.DELETE("/v1/devices/{deviceId}", s.wrapHandler(s.withAuth(s.handleRemoveDevice)))

	// Encrypted source storage.
	r.POST("/v1/sources", s.wrapHandler(s.withAuth(s.handleAddSource)))
	r.GET("/v1/sources/{sourceId}", s.wrapHandler(s.withAuth(s.handleGetSource)))
}

// wrapHandler converts http.HandlerFunc to PocketBase RequestHandler.
func (s *Server) wrapHandler(h http.HandlerFunc) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		h(e.Response, e.Request)
		return nil
	}
}

// withIPRateLimit applies per-IP rate limiting for unauthenticated
// endpoints. Registration runs a full KDF server-side, so it is the
// cheapest brute-force oracle in the system; throttle it hard.
func (s *Server) withIPRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authLimiters != nil {
			clientIP := getClientIP(r)
			limiter := s.authLimiters.get(clientIP)
			if !limiter.Allow() {
				fail(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		next(w, r)
	}
}

// helpers

func ok(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func fail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": msg}); err != nil {
		log.Printf("write error response: %v", err)
	}
}

// failErr logs the detailed error internally and sends only the
// user-facing category outward.
func failErr(w http.ResponseWriter, code int, err error) {
	log.Printf("request failed: %v", err)
	fail(w, code, vault.UserMessage(err))
}

func b64Field(s string) ([]byte, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errEmptyField
	}
	return base64.StdEncoding.DecodeString(s)
}

var errEmptyField = &configError{"empty field"}

func encodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// getClientIP resolves the caller's address for rate limiting. Proxy
// headers are spoofable, so they are honored only when the deployment
// declares a trusted proxy in front via TRUSTED_PROXY=1.
func getClientIP(r *http.Request) string {
	if os.Getenv("TRUSTED_PROXY") == "1" {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i > 0 {
				return strings.TrimSpace(fwd[:i])
			}
			return strings.TrimSpace(fwd)
		}
		if real := r.Header.Get("X-Real-IP"); real != "" {
			return strings.TrimSpace(real)
		}
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}
