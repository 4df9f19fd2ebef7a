// ABOUTME: session.go wires the vault client, local store, key cache,
// ABOUTME: and resolver from the CLI configuration.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"streamvault/vault"
)

// session bundles the client-side vault stack for one invocation.
type session struct {
	cfg      *Config
	client   *vault.Client
	store    *vault.Store
	cache    *vault.KeyCache
	resolver *vault.Resolver
}

func newClient(cfg *Config) (*vault.Client, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("no server URL, use 'streamvault init -server URL' or STREAMVAULT_SERVER")
	}
	return vault.NewClient(vault.ClientConfig{
		BaseURL:   strings.TrimRight(cfg.Server, "/"),
		AccountID: cfg.AccountID,
		DeviceID:  cfg.DeviceID,
		AuthToken: cfg.Token,
	}), nil
}

// openSession builds the full resolver stack. Callers must Close it.
func openSession(cfg *Config) (*session, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("no account configured, run 'streamvault init' with -create-account")
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	storageKey, err := cfg.storageKey()
	if err != nil {
		return nil, err
	}

	store, err := vault.OpenStore(cfg.VaultDB)
	if err != nil {
		return nil, fmt.Errorf("open vault db: %w", err)
	}

	vcfg := vault.DefaultConfig()
	cache := vault.NewKeyCache(vcfg, store, storageKey, nil)
	resolver, err := vault.NewResolver(client, cache, vcfg, cfg.AccountID,
		vault.DeviceType(cfg.DeviceType), cfg.DeviceName, "", promptPassphrase,
		vault.ResolverOpts{Store: store, Progress: printProgress})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &session{cfg: cfg, client: client, store: store, cache: cache, resolver: resolver}, nil
}

func (s *session) Close() error {
	return s.store.Close()
}

// promptPassphrase reads a passphrase without echo when stdin is a
// terminal, falling back to a plain line read for piped input.
func promptPassphrase(_ context.Context) (string, error) {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	r := bufio.NewReader(os.Stdin)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// printProgress reports key derivation progress on stderr. Derivation
// at device-tuned iteration counts can take a noticeable moment.
func printProgress(done, total int) {
	if total <= 0 {
		return
	}
	pct := done * 100 / total
	fmt.Fprintf(os.Stderr, "\rDeriving key... %d%%", pct)
	if done >= total {
		fmt.Fprintln(os.Stderr)
	}
}
