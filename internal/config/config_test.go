// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"strings"
	"testing"
	"time"

	"grimm.is/gatehouse/internal/errors"
)

const minimalHCL = `
schema_version = "1.0"

interfaces {
  client   = "br-lan"
  upstream = "eth0"
}

network {
  portal_ip   = "192.168.4.1"
  portal_port = 8080
  subnet      = "192.168.4.0/24"
  gateway_ip  = "192.168.4.1"
}

enforcer {}
session {}
reconciliation {}
audit {}
api {}
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load([]byte(minimalHCL), "test.hcl")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Enforcer.Mode != ModeSimulation {
		t.Errorf("mode should default to simulation, got %s", cfg.Enforcer.Mode)
	}
	if cfg.Enforcer.Timeout() != 5*time.Second {
		t.Errorf("enforcer timeout default = %v", cfg.Enforcer.Timeout())
	}
	if cfg.Session.DefaultDuration() != time.Hour {
		t.Errorf("session default duration = %v", cfg.Session.DefaultDuration())
	}
	if cfg.Reconciliation.Interval() != 60*time.Second {
		t.Errorf("reconcile interval default = %v", cfg.Reconciliation.Interval())
	}
	if cfg.Reconciliation.Grace() != 5*time.Second {
		t.Errorf("reconcile grace default = %v", cfg.Reconciliation.Grace())
	}
	if cfg.Audit.Buffer() != 1024 {
		t.Errorf("audit buffer default = %d", cfg.Audit.Buffer())
	}
	if cfg.API.ListenAddr() != "127.0.0.1:8089" {
		t.Errorf("api listen default = %s", cfg.API.ListenAddr())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"same interfaces", func(c *Config) { c.Interfaces.Upstream = c.Interfaces.Client }, "must differ"},
		{"bad portal ip", func(c *Config) { c.Network.PortalIP = "nope" }, "portal_ip"},
		{"bad subnet", func(c *Config) { c.Network.Subnet = "192.168.4.0" }, "subnet"},
		{"ipv6 gateway", func(c *Config) { c.Network.GatewayIP = "2001:db8::1" }, "gateway_ip"},
		{"bad gateway mac", func(c *Config) { c.Network.GatewayMAC = "zz:zz" }, "gateway_mac"},
		{"bad mode", func(c *Config) { c.Enforcer.Mode = "dry-run" }, "mode"},
		{"default exceeds max", func(c *Config) {
			c.Session.DefaultDurationSeconds = 7200
			c.Session.MaxDurationSeconds = 3600
		}, "exceeds"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load([]byte(minimalHCL), "test.hcl")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if errors.GetKind(err) != errors.KindInvalidInput {
				t.Errorf("kind = %v, want invalid_input", errors.GetKind(err))
			}
			attrs := errors.GetAttributes(err)
			if !strings.Contains(err.Error(), tc.wantMsg) && !strings.Contains(toString(attrs["field"]), tc.wantMsg) {
				t.Errorf("error %q (field %v) does not mention %q", err, attrs["field"], tc.wantMsg)
			}
		})
	}
}

func TestExampleRoundTrip(t *testing.T) {
	cfg, err := Load(Example(), "example.hcl")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Network.Subnet != "192.168.4.0/24" {
		t.Errorf("unexpected subnet %s", cfg.Network.Subnet)
	}
	if len(cfg.API.OperatorTokens) != 1 {
		t.Errorf("expected one operator token, got %d", len(cfg.API.OperatorTokens))
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
