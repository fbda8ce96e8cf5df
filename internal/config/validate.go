// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net"
	"net/netip"

	"grimm.is/gatehouse/internal/errors"
)

// Validate performs deep validation of the configuration.
// It returns the first problem found as a KindInvalidInput error with
// the offending field attached as an attribute.
func (c *Config) Validate() error {
	if c.SchemaVersion != CurrentSchemaVersion {
		return fieldErr("schema_version", "unsupported schema_version (want "+CurrentSchemaVersion+")")
	}

	if c.Interfaces.Client == "" {
		return fieldErr("interfaces.client", "client interface name is required")
	}
	if c.Interfaces.Upstream == "" {
		return fieldErr("interfaces.upstream", "upstream interface name is required")
	}
	if c.Interfaces.Client == c.Interfaces.Upstream {
		return fieldErr("interfaces", "client and upstream interfaces must differ")
	}

	if err := validateIPv4(c.Network.PortalIP); err != nil {
		return fieldErr("network.portal_ip", err.Error())
	}
	if c.Network.PortalPort < 1 || c.Network.PortalPort > 65535 {
		return fieldErr("network.portal_port", "port out of range")
	}
	if _, err := netip.ParsePrefix(c.Network.Subnet); err != nil {
		return fieldErr("network.subnet", "invalid CIDR subnet")
	}
	if err := validateIPv4(c.Network.GatewayIP); err != nil {
		return fieldErr("network.gateway_ip", err.Error())
	}
	if c.Network.GatewayMAC != "" {
		if _, err := net.ParseMAC(c.Network.GatewayMAC); err != nil {
			return fieldErr("network.gateway_mac", "invalid MAC address")
		}
	}

	switch c.Enforcer.Mode {
	case ModeSimulation, ModeActive:
	default:
		return fieldErr("enforcer.mode", "mode must be simulation or active")
	}

	if c.Session.DefaultDurationSeconds < 0 || c.Session.MaxDurationSeconds < 0 {
		return fieldErr("session", "durations must be non-negative")
	}
	if c.Session.DefaultDuration() > c.Session.MaxDuration() {
		return fieldErr("session", "default duration exceeds maximum duration")
	}

	if c.Reconciliation.IntervalSeconds < 0 {
		return fieldErr("reconciliation.interval_seconds", "interval must be non-negative")
	}

	return nil
}

func validateIPv4(s string) error {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return errors.Errorf(errors.KindInvalidInput, "invalid IP address %q", s)
	}
	if !addr.Is4() {
		return errors.Errorf(errors.KindInvalidInput, "IPv4 address required, got %q", s)
	}
	return nil
}

func fieldErr(field, msg string) error {
	return errors.Attr(errors.New(errors.KindInvalidInput, msg), "field", field)
}
