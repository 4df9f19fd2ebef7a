// ABOUTME: streamvault is the client CLI: account setup, device
// ABOUTME: registration, source management, and credential resolution.
package main

import (
	"fmt"
	"log"
	"os"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		return
	}
	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(os.Args[2:])
	case "passphrase":
		err = cmdPassphrase(os.Args[2:])
	case "register":
		err = cmdRegister(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "resolve":
		err = cmdResolve(os.Args[2:])
	case "add-source":
		err = cmdAddSource(os.Args[2:])
	case "devices":
		err = cmdDevices(os.Args[2:])
	case "remove-device":
		err = cmdRemoveDevice(os.Args[2:])
	case "logout":
		err = cmdLogout(os.Args[2:])
	default:
		usage()
		return
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "streamvault commands: init | passphrase | register | status | resolve | add-source | devices | remove-device | logout\n")
}

func require(cond bool, msg string) error {
	if !cond {
		return fmt.Errorf("%s", msg)
	}
	return nil
}
