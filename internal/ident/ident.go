// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ident holds the client identity value types shared by the
// binding registry, session manager and enforcer: normalized MAC
// addresses, IPv4 addresses, and session ids.
package ident

import (
	"net"
	"net/netip"
	"strings"

	"github.com/google/uuid"
	"grimm.is/gatehouse/internal/errors"
)

// MAC is a normalized hardware address: lowercase, colon-separated hex.
type MAC string

// NormalizeMAC parses and normalizes a MAC address string.
// Accepts colon, dash, and dot notations; always returns the
// lowercase colon-hex form.
func NormalizeMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", errors.Wrapf(err, errors.KindInvalidInput, "invalid MAC address %q", s)
	}
	if len(hw) != 6 {
		return "", errors.Errorf(errors.KindInvalidInput, "unsupported MAC length %d for %q", len(hw), s)
	}
	return MAC(strings.ToLower(hw.String())), nil
}

// String returns the normalized textual form.
func (m MAC) String() string { return string(m) }

// HardwareAddr converts back to net.HardwareAddr. The value is assumed
// to have come from NormalizeMAC.
func (m MAC) HardwareAddr() net.HardwareAddr {
	hw, _ := net.ParseMAC(string(m))
	return hw
}

// IP is a validated IPv4 address in dotted form.
type IP string

// ParseIP validates an IPv4 address string.
func ParseIP(s string) (IP, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", errors.Wrapf(err, errors.KindInvalidInput, "invalid IP address %q", s)
	}
	if !addr.Is4() {
		return "", errors.Errorf(errors.KindInvalidInput, "not an IPv4 address: %q", s)
	}
	return IP(addr.String()), nil
}

// String returns the dotted textual form.
func (ip IP) String() string { return string(ip) }

// Addr converts to netip.Addr. The value is assumed to have come from
// ParseIP.
func (ip IP) Addr() netip.Addr {
	addr, _ := netip.ParseAddr(string(ip))
	return addr
}

// SessionID is an opaque session identifier.
type SessionID string

// NewSessionID generates a fresh session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// String returns the textual form.
func (id SessionID) String() string { return string(id) }

// Identity is the client identity triple the rule synthesizers operate on.
type Identity struct {
	MAC     MAC
	IP      IP
	Session SessionID
}
