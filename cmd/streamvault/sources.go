// ABOUTME: sources.go implements add-source and resolve: sealing
// ABOUTME: provider credentials under the master key and decrypting them.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"

	"streamvault/vault"
)

// cmdAddSource seals provider credentials under the account master key
// and uploads the ciphertext. The plaintext never leaves this process.
func cmdAddSource(args []string) error {
	fs := flag.NewFlagSet("add-source", flag.ExitOnError)
	server := fs.String("provider-server", "", "provider server URL")
	username := fs.String("username", "", "provider username")
	password := fs.String("password", "", "provider password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := require(*server != "", "-provider-server required"); err != nil {
		return err
	}
	if err := require(*username != "", "-username required"); err != nil {
		return err
	}

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	sess, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	ctx := context.Background()
	masterKey, err := unlockMasterKey(ctx, sess)
	if err != nil {
		return err
	}

	vcfg := vault.DefaultConfig()
	ct, iv, err := vault.EncryptCredentials(vcfg.WrapAlgorithm, masterKey, vault.Credentials{
		Server:   *server,
		Username: *username,
		Password: *password,
	})
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}

	sourceID, err := sess.client.AddSource(ctx, ct, iv, vcfg.WrapAlgorithm)
	if err != nil {
		return fmt.Errorf("upload source: %w", err)
	}
	fmt.Printf("Source added: %s\n", sourceID)
	return nil
}

// cmdResolve decrypts one source's credentials end to end.
func cmdResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	showPassword := fs.Bool("show-password", false, "print the decrypted password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: streamvault resolve [-show-password] <source-id>")
	}
	sourceID := fs.Arg(0)

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	sess, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	creds, err := sess.resolver.Resolve(context.Background(), sourceID)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", sourceID, err)
	}

	fmt.Printf("Server:   %s\n", creds.Server)
	fmt.Printf("Username: %s\n", creds.Username)
	if *showPassword {
		fmt.Printf("Password: %s\n", creds.Password)
	} else {
		fmt.Println("Password: (hidden, use -show-password)")
	}
	return nil
}

// unlockMasterKey fetches this device's key data, derives the device
// key from the passphrase, and unwraps the master key. Used by flows
// that need the key for sealing rather than resolving.
func unlockMasterKey(ctx context.Context, sess *session) ([vault.KeySize]byte, error) {
	var masterKey [vault.KeySize]byte

	kd, err := sess.client.FetchDeviceKey(ctx)
	if err != nil {
		return masterKey, fmt.Errorf("fetch device key: %w", err)
	}

	passphrase, err := promptPassphrase(ctx)
	if err != nil {
		return masterKey, err
	}

	salt, err := base64.StdEncoding.DecodeString(kd.Salt)
	if err != nil {
		return masterKey, fmt.Errorf("%w: bad salt encoding", vault.ErrCorrupt)
	}
	iv, err := base64.StdEncoding.DecodeString(kd.IV)
	if err != nil {
		return masterKey, fmt.Errorf("%w: bad iv encoding", vault.ErrCorrupt)
	}
	wrapped, err := base64.StdEncoding.DecodeString(kd.MasterKeyWrapped)
	if err != nil {
		return masterKey, fmt.Errorf("%w: bad wrapped key encoding", vault.ErrCorrupt)
	}

	deviceKey, err := vault.DeriveKey(ctx, passphrase, salt, kd.KDFIterations, printProgress)
	if err != nil {
		return masterKey, err
	}

	alg := vault.Algorithm(kd.WrapAlgorithm)
	if alg == "" {
		alg = vault.DefaultConfig().WrapAlgorithm
	}
	plain, err := vault.Open(alg, deviceKey, iv, wrapped)
	if err != nil {
		return masterKey, fmt.Errorf("%w: wrong passphrase?", vault.ErrInvalidPassphrase)
	}
	if len(plain) != vault.KeySize {
		return masterKey, fmt.Errorf("%w: wrapped key length", vault.ErrCorrupt)
	}
	copy(masterKey[:], plain)
	return masterKey, nil
}
