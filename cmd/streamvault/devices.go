// ABOUTME: devices.go implements device listing and removal commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"
)

func cmdDevices(args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	devices, err := client.ListDevices(context.Background())
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("no devices registered")
		return nil
	}
	for _, d := range devices {
		marker := " "
		if d.DeviceID == cfg.DeviceID {
			marker = "*"
		}
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%s %s  %-8s %s  registered %s\n", marker, d.DeviceID, d.DeviceType, name,
			time.Unix(d.CreatedAt, 0).UTC().Format(time.RFC3339))
	}
	return nil
}

func cmdRemoveDevice(args []string) error {
	fs := flag.NewFlagSet("remove-device", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: streamvault remove-device <device-id>")
	}
	deviceID := fs.Arg(0)

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	if err := client.RemoveDevice(context.Background(), deviceID); err != nil {
		return fmt.Errorf("remove device: %w", err)
	}
	fmt.Printf("Device %s removed. It must re-register to regain access.\n", deviceID)
	if deviceID == cfg.DeviceID {
		cfg.Token = ""
		if err := SaveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("That was this device; token cleared.")
	}
	return nil
}
