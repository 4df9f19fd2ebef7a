// ABOUTME: auth.go implements passphrase setup/rotation, device
// ABOUTME: registration, status, and logout commands.
package main

import (
	"context"
	"flag"
	"fmt"

	"streamvault/vault"
)

// cmdPassphrase sets the account passphrase, or rotates it with -rotate.
func cmdPassphrase(args []string) error {
	fs := flag.NewFlagSet("passphrase", flag.ExitOnError)
	rotate := fs.Bool("rotate", false, "rotate an existing passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if err := require(cfg.AccountID != "", "no account configured, run 'streamvault init' first"); err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var current string
	if *rotate {
		fmt.Println("Current passphrase:")
		if current, err = promptPassphrase(ctx); err != nil {
			return err
		}
	}

	fmt.Println("New passphrase:")
	passphrase, err := promptPassphrase(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Confirm passphrase:")
	confirm, err := promptPassphrase(ctx)
	if err != nil {
		return err
	}
	if passphrase != confirm {
		return fmt.Errorf("passphrases do not match")
	}
	if passphrase == "" {
		return fmt.Errorf("passphrase must not be empty")
	}

	if err := client.SetupPassphrase(ctx, passphrase, current); err != nil {
		return fmt.Errorf("passphrase setup: %w", err)
	}
	if *rotate {
		fmt.Println("Passphrase rotated. Other devices must re-register.")
	} else {
		fmt.Println("Passphrase set. Next: run 'streamvault register'.")
	}
	return nil
}

// cmdRegister registers this device and saves the issued bearer token.
func cmdRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	model := fs.String("model", "", "device model string")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if err := require(cfg.AccountID != "", "no account configured, run 'streamvault init' first"); err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	passphrase, err := promptPassphrase(ctx)
	if err != nil {
		return err
	}

	resp, err := client.RegisterDevice(ctx, vault.DeviceType(cfg.DeviceType), cfg.DeviceName, *model, passphrase)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}

	cfg.Token = resp.Token
	if err := SaveConfig(cfg); err != nil {
		return err
	}

	fmt.Printf("Device %s registered (%d KDF iterations).\n", resp.DeviceID, resp.Iterations)
	fmt.Printf("Token saved to %s\n", ConfigPath())
	return nil
}

// cmdStatus shows configuration plus the server's view of this device.
func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("Config path: %s\n", ConfigPath())
	fmt.Printf("Server:      %s\n", valueOrNone(cfg.Server))
	fmt.Printf("Account ID:  %s\n", valueOrNone(cfg.AccountID))
	fmt.Printf("Device ID:   %s\n", valueOrNone(cfg.DeviceID))
	fmt.Printf("Device type: %s\n", valueOrNone(cfg.DeviceType))

	if cfg.Server == "" || cfg.AccountID == "" {
		fmt.Println("\nStatus: not initialized (run 'streamvault init')")
		return nil
	}

	sess, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	st, err := sess.resolver.DeviceStatus(context.Background())
	if err != nil {
		return fmt.Errorf("check device: %w", err)
	}
	fmt.Println()
	fmt.Printf("Registered:          %v\n", st.IsRegistered)
	fmt.Printf("Requires passphrase: %v\n", st.RequiresPassphrase)
	fmt.Printf("Can auto-register:   %v\n", st.CanAutoRegister)
	fmt.Printf("Devices:             %d of %d slots used\n", st.DeviceCount, st.MaxDevices)
	return nil
}

// cmdLogout destroys cached key material and drops the bearer token.
func cmdLogout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if cfg.AccountID != "" {
		sess, err := openSession(cfg)
		if err == nil {
			sess.resolver.Logout(context.Background())
			_ = sess.Close()
		}
	}

	if cfg.Token == "" {
		fmt.Println("Not logged in")
		return nil
	}
	cfg.Token = ""
	if err := SaveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("Logged out; cached keys destroyed.")
	return nil
}

func valueOrNone(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
