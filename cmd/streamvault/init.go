// ABOUTME: init.go provides the init command: local config creation and
// ABOUTME: optional account bootstrap against the server.
package main

import (
	"context"
	"flag"
	"fmt"
)

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	server := fs.String("server", "", "streamvault server base URL")
	deviceType := fs.String("device-type", "web", "device type (ios, android, tvos, web)")
	deviceName := fs.String("device-name", "", "human-readable device name")
	createAccount := fs.Bool("create-account", false, "create a new account on the server")
	tier := fs.String("tier", "standard", "subscription tier for -create-account")
	accountID := fs.String("account", "", "existing account id to adopt")
	force := fs.Bool("force", false, "overwrite existing config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if ConfigExists() && !*force {
		return fmt.Errorf("config already exists at %s (use -force to overwrite)", ConfigPath())
	}

	cfg, err := InitConfig(*server, *deviceType, *deviceName)
	if err != nil {
		return err
	}

	if *accountID != "" {
		cfg.AccountID = *accountID
	} else if *createAccount {
		if err := require(*server != "", "-server required with -create-account"); err != nil {
			return err
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		resp, err := client.CreateAccount(context.Background(), *tier)
		if err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		cfg.AccountID = resp.AccountID
		fmt.Printf("Account ID: %s (%s, %d device slots)\n", resp.AccountID, resp.Tier, resp.DeviceSlotLimit)
	}
	if err := SaveConfig(cfg); err != nil {
		return err
	}

	fmt.Println("Configuration initialized.")
	if cfg.AccountID != "" {
		fmt.Println("Next: run 'streamvault passphrase' to set the account passphrase.")
	}
	return nil
}
