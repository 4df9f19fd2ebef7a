// ABOUTME: config.go provides configuration file management for the streamvault CLI.
// ABOUTME: Supports loading, saving, and auto-initialization with environment variable overrides.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"streamvault/vault"
)

// Config represents the streamvault CLI configuration.
type Config struct {
	Server     string `json:"server"`
	AccountID  string `json:"account_id"`
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
	DeviceName string `json:"device_name,omitempty"`
	Token      string `json:"token,omitempty"`
	VaultDB    string `json:"vault_db"`
	// StorageSecret seals the persistent key cache. Device-local,
	// generated at init, never sent anywhere.
	StorageSecret string `json:"storage_secret"`
}

// ConfigPath is a function that returns the path to the config file.
// It can be overridden in tests.
var ConfigPath = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".streamvault", "config.json")
	}
	return filepath.Join(home, ".streamvault", "config.json")
}

// ConfigDir returns the directory containing the config file.
func ConfigDir() string {
	return filepath.Dir(ConfigPath())
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	dir := ConfigDir()
	info, err := os.Stat(dir)
	if err == nil {
		if info.IsDir() {
			return nil
		}
		backup := dir + ".backup." + time.Now().Format("20060102-150405")
		if err := os.Rename(dir, backup); err != nil {
			return fmt.Errorf("config path %s is a file, failed to backup: %w", dir, err)
		}
		fmt.Fprintf(os.Stderr, "Warning: %s was a file, backed up to %s\n", dir, backup)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("check config dir: %w", err)
	}
	return os.MkdirAll(dir, 0o750)
}

// LoadConfig loads config from file and applies environment variable overrides.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	configPath := ConfigPath()
	// #nosec G304 -- configPath is derived from user's home directory, not user input
	data, err := os.ReadFile(configPath)
	if err == nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			backup := configPath + ".corrupt." + time.Now().Format("20060102-150405")
			if renameErr := os.Rename(configPath, backup); renameErr == nil {
				fmt.Fprintf(os.Stderr, "Warning: corrupted config backed up to %s\n", backup)
			}
			return nil, fmt.Errorf("config file corrupted: %w\nRun 'streamvault init' to create a new config", jsonErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.VaultDB == "" {
		cfg.VaultDB = filepath.Join(ConfigDir(), "vault.db")
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if server := os.Getenv("STREAMVAULT_SERVER"); server != "" {
		cfg.Server = server
	}
	if accountID := os.Getenv("STREAMVAULT_ACCOUNT_ID"); accountID != "" {
		cfg.AccountID = accountID
	}
	if deviceID := os.Getenv("STREAMVAULT_DEVICE_ID"); deviceID != "" {
		cfg.DeviceID = deviceID
	}
	if token := os.Getenv("STREAMVAULT_TOKEN"); token != "" {
		cfg.Token = token
	}
	if vaultDB := os.Getenv("STREAMVAULT_DB"); vaultDB != "" {
		cfg.VaultDB = expandPath(vaultDB)
	}
}

// SaveConfig writes config to file.
func SaveConfig(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(ConfigPath(), data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// InitConfig creates a new config with a device id and a fresh local
// storage secret.
func InitConfig(server, deviceType, deviceName string) (*Config, error) {
	secret, err := vault.SecureRandomBytes(vault.KeySize)
	if err != nil {
		return nil, fmt.Errorf("generate storage secret: %w", err)
	}

	cfg := &Config{
		Server:        server,
		DeviceID:      uuid.NewString(),
		DeviceType:    deviceType,
		DeviceName:    deviceName,
		VaultDB:       filepath.Join(ConfigDir(), "vault.db"),
		StorageSecret: hex.EncodeToString(secret),
	}
	if err := SaveConfig(cfg); err != nil {
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "Config created at %s\n", ConfigPath())
	fmt.Fprintf(os.Stderr, "Device ID: %s\n", cfg.DeviceID)
	return cfg, nil
}

// ConfigExists returns true if config file exists.
func ConfigExists() bool {
	_, err := os.Stat(ConfigPath())
	return err == nil
}

// storageKey derives the cache sealing key from the local storage
// secret. The derivation binds the key to its purpose; the raw secret
// never seals anything directly.
func (c *Config) storageKey() ([vault.KeySize]byte, error) {
	var key [vault.KeySize]byte
	b, err := hex.DecodeString(c.StorageSecret)
	if err != nil || len(b) != vault.KeySize {
		return key, fmt.Errorf("invalid storage secret in config, run 'streamvault init'")
	}
	r := hkdf.New(sha256.New, b, nil, []byte("streamvault:v1:local-cache"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive storage key: %w", err)
	}
	return key, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
