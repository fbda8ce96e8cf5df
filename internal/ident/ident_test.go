// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ident

import (
	"testing"

	"grimm.is/gatehouse/internal/errors"
)

func TestNormalizeMAC(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"AA:BB:CC:DD:EE:01", "aa:bb:cc:dd:ee:01", true},
		{"aa-bb-cc-dd-ee-01", "aa:bb:cc:dd:ee:01", true},
		{"aabb.ccdd.ee01", "aa:bb:cc:dd:ee:01", true},
		{"  aa:bb:cc:dd:ee:01 ", "aa:bb:cc:dd:ee:01", true},
		{"not-a-mac", "", false},
		{"", "", false},
		{"aa:bb:cc:dd:ee:ff:00:11", "", false}, // EUI-64 not supported
	}
	for _, tc := range cases {
		got, err := NormalizeMAC(tc.in)
		if tc.ok {
			if err != nil {
				t.Errorf("NormalizeMAC(%q) unexpected error: %v", tc.in, err)
				continue
			}
			if got.String() != tc.want {
				t.Errorf("NormalizeMAC(%q) = %q, want %q", tc.in, got, tc.want)
			}
		} else {
			if err == nil {
				t.Errorf("NormalizeMAC(%q) expected error, got %q", tc.in, got)
			} else if errors.GetKind(err) != errors.KindInvalidInput {
				t.Errorf("NormalizeMAC(%q) kind = %v, want invalid_input", tc.in, errors.GetKind(err))
			}
		}
	}
}

func TestParseIP(t *testing.T) {
	if _, err := ParseIP("192.168.4.10"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseIP("2001:db8::1"); err == nil {
		t.Error("IPv6 should be rejected")
	}
	if _, err := ParseIP("999.1.1.1"); err == nil {
		t.Error("malformed address should be rejected")
	}
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if a == b {
		t.Error("session ids must be unique")
	}
	if a == "" {
		t.Error("session id must not be empty")
	}
}
