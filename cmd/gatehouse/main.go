// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command gatehouse runs the captive-portal access control daemon: it
// enforces per-client network access through nftables (or a simulated
// backend), tracks MAC/IP bindings and session lifecycles, and serves
// the control API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"grimm.is/gatehouse/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	jsonLogs := flag.Bool("json", false, "Emit JSON logs")
	flag.Parse()

	args := flag.Args()
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
	}

	switch subcmd {
	case "config":
		if len(args) > 1 && args[1] == "example" {
			os.Stdout.Write(config.Example())
			return
		}
		log.Fatal("Usage: gatehouse config example")

	case "check":
		if *configPath == "" {
			log.Fatal("Usage: gatehouse -config <file> check")
		}
		if _, err := config.LoadFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("config ok")
		return

	case "run", "":
		cfg, err := loadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		if err := runDaemon(cfg, *jsonLogs); err != nil {
			log.Fatalf("Daemon failed: %v", err)
		}
		return
	}

	log.Fatalf("Unknown command: %s", subcmd)
}

// loadConfig reads the given file, or falls back to the built-in
// example configuration (simulation mode) when no file is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	log.Print("No config file given, running the example configuration in simulation mode")
	return config.Load(config.Example(), "example.hcl")
}
