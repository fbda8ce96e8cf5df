// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"testing"

	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/ident"
)

func testParams() Params {
	return Params{
		ClientInterface:   "br-lan",
		UpstreamInterface: "eth0",
		PortalIP:          "192.168.4.1",
		PortalPort:        8080,
		GatewayIP:         "192.168.4.1",
		GatewayMAC:        "02:00:00:00:00:01",
		RedirectHTTPS:     true,
	}
}

func testIdentity() ident.Identity {
	return ident.Identity{
		MAC:     "aa:bb:cc:dd:ee:01",
		IP:      "192.168.4.10",
		Session: "s1",
	}
}

func TestKindBackend(t *testing.T) {
	l2 := []Kind{IsolateL2, ARPGuard}
	for _, k := range l2 {
		if k.Backend() != BackendL2 {
			t.Errorf("%s should be L2", k)
		}
	}
	l3 := []Kind{PortalRedirect, GrantEgress, BindGuard}
	for _, k := range l3 {
		if k.Backend() != BackendL3 {
			t.Errorf("%s should be L3", k)
		}
	}
}

func TestForGrant(t *testing.T) {
	sets, err := ForGrant(testIdentity(), testParams())
	if err != nil {
		t.Fatalf("ForGrant failed: %v", err)
	}
	if len(sets) != 4 {
		t.Fatalf("expected 4 rule sets, got %d", len(sets))
	}
	// Guards precede egress regardless of GrantKinds declaration order.
	want := []Kind{BindGuard, ARPGuard, IsolateL2, GrantEgress}
	for i, k := range want {
		if sets[i].Kind != k {
			t.Errorf("set %d kind = %s, want %s", i, sets[i].Kind, k)
		}
	}
}

func TestSynthesizeValidation(t *testing.T) {
	id := testIdentity()
	p := testParams()

	if _, err := Synthesize("bogus", id, p); errors.GetKind(err) != errors.KindInvalidInput {
		t.Error("unknown kind should be rejected")
	}

	noIP := id
	noIP.IP = ""
	if _, err := Synthesize(GrantEgress, noIP, p); err == nil {
		t.Error("grant egress without IP should be rejected")
	}
	if _, err := Synthesize(ARPGuard, noIP, p); err == nil {
		t.Error("arp guard without IP should be rejected")
	}

	noGW := p
	noGW.GatewayMAC = ""
	if _, err := Synthesize(IsolateL2, id, noGW); err == nil {
		t.Error("l2 isolation without gateway MAC should be rejected")
	}

	noPortal := p
	noPortal.PortalPort = 0
	if _, err := Synthesize(PortalRedirect, id, noPortal); err == nil {
		t.Error("portal redirect without endpoint should be rejected")
	}
}

func TestSortForApply(t *testing.T) {
	id := testIdentity()
	p := testParams()

	// Declared in the worst possible order: egress first.
	var sets []RuleSet
	for _, k := range []Kind{GrantEgress, IsolateL2, ARPGuard, BindGuard} {
		rs, err := Synthesize(k, id, p)
		if err != nil {
			t.Fatal(err)
		}
		sets = append(sets, rs)
	}

	SortForApply(sets)

	egressAt := -1
	for i, rs := range sets {
		if rs.Kind == GrantEgress {
			egressAt = i
		}
	}
	if egressAt != len(sets)-1 {
		t.Errorf("grant egress must be applied last, got position %d", egressAt)
	}
	if sets[0].Kind != BindGuard {
		t.Errorf("bind guard must be applied first, got %s", sets[0].Kind)
	}
}

func TestDescriptorStable(t *testing.T) {
	id := testIdentity()
	p := testParams()
	a, _ := Synthesize(BindGuard, id, p)
	b, _ := Synthesize(BindGuard, id, p)
	if a.Descriptor() != b.Descriptor() {
		t.Error("descriptors for identical inputs must match")
	}
	c, _ := Synthesize(GrantEgress, id, p)
	if a.Descriptor() == c.Descriptor() {
		t.Error("descriptors for different kinds must differ")
	}
}
