// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"grimm.is/gatehouse/internal/errors"
)

// CurrentSchemaVersion is written by the example generator and checked
// on load.
const CurrentSchemaVersion = "1.0"

// LoadFile reads, decodes and validates an HCL configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInvalidInput, "cannot read config file %s", path)
	}
	return Load(data, path)
}

// Load decodes and validates HCL configuration bytes. The filename is
// used only for diagnostics.
func Load(data []byte, filename string) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidInput, "config parse failed")
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Enforcer.Mode == "" {
		cfg.Enforcer.Mode = ModeSimulation
	}
	if cfg.Network.PortalPort == 0 {
		cfg.Network.PortalPort = 8080
	}
}
