// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rules defines the abstract rule model through which all
// enforcement is expressed. A RuleSet is backend-agnostic; the enforcer
// translates it into nftables state (active mode) or records it
// in memory (simulation mode).
package rules

import (
	"fmt"
	"sort"

	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/ident"
)

// Kind identifies one of the five abstract rule kinds.
type Kind string

const (
	PortalRedirect Kind = "portal_redirect"
	GrantEgress    Kind = "grant_egress"
	BindGuard      Kind = "bind_guard"
	IsolateL2      Kind = "isolate_l2"
	ARPGuard       Kind = "arp_guard"
)

// Backend identifies the enforcement layer a rule kind lives in.
type Backend string

const (
	BackendL3 Backend = "l3"
	BackendL2 Backend = "l2"
)

// Backend returns the layer the kind is enforced at.
func (k Kind) Backend() Backend {
	switch k {
	case IsolateL2, ARPGuard:
		return BackendL2
	default:
		return BackendL3
	}
}

// Valid reports whether k is a known rule kind.
func (k Kind) Valid() bool {
	switch k {
	case PortalRedirect, GrantEgress, BindGuard, IsolateL2, ARPGuard:
		return true
	}
	return false
}

// applyOrder ranks kinds so that guard rules are installed before
// egress is opened.
func (k Kind) applyOrder() int {
	switch k {
	case BindGuard:
		return 0
	case ARPGuard:
		return 1
	case IsolateL2:
		return 2
	case PortalRedirect:
		return 3
	case GrantEgress:
		return 4
	default:
		return 5
	}
}

// Params carries the network context a rule set is synthesized against.
type Params struct {
	ClientInterface   string
	UpstreamInterface string
	PortalIP          ident.IP
	PortalPort        int
	GatewayIP         ident.IP
	GatewayMAC        ident.MAC
	RedirectHTTPS     bool
}

// RuleSet is a tagged bundle of client identity, rule kind and network
// parameters. It is the unit of Apply/Retract on the enforcer.
type RuleSet struct {
	Identity ident.Identity
	Kind     Kind
	Params   Params
}

// Descriptor returns the opaque rule descriptor recorded in the ledger.
// It is stable for identical inputs so that replays are idempotent.
func (rs RuleSet) Descriptor() string {
	switch rs.Kind {
	case PortalRedirect:
		return fmt.Sprintf("%s mac=%s portal=%s:%d https=%t",
			rs.Kind, rs.Identity.MAC, rs.Params.PortalIP, rs.Params.PortalPort, rs.Params.RedirectHTTPS)
	case GrantEgress, BindGuard:
		return fmt.Sprintf("%s mac=%s ip=%s", rs.Kind, rs.Identity.MAC, rs.Identity.IP)
	case IsolateL2:
		return fmt.Sprintf("%s mac=%s gw_mac=%s", rs.Kind, rs.Identity.MAC, rs.Params.GatewayMAC)
	case ARPGuard:
		return fmt.Sprintf("%s mac=%s ip=%s gw_mac=%s gw_ip=%s",
			rs.Kind, rs.Identity.MAC, rs.Identity.IP, rs.Params.GatewayMAC, rs.Params.GatewayIP)
	default:
		return string(rs.Kind)
	}
}

// Synthesize builds a single rule set, validating that the parameters
// required by the kind are present.
func Synthesize(kind Kind, id ident.Identity, p Params) (RuleSet, error) {
	if !kind.Valid() {
		return RuleSet{}, errors.Errorf(errors.KindInvalidInput, "unknown rule kind %q", kind)
	}
	if id.MAC == "" {
		return RuleSet{}, errors.New(errors.KindInvalidInput, "rule synthesis requires a MAC")
	}
	switch kind {
	case PortalRedirect:
		if p.PortalIP == "" || p.PortalPort == 0 {
			return RuleSet{}, errors.New(errors.KindInvalidInput, "portal redirect requires portal endpoint")
		}
	case GrantEgress, BindGuard:
		if id.IP == "" {
			return RuleSet{}, errors.Errorf(errors.KindInvalidInput, "%s requires a bound IP", kind)
		}
	case IsolateL2:
		if p.GatewayMAC == "" {
			return RuleSet{}, errors.New(errors.KindInvalidInput, "l2 isolation requires the gateway MAC")
		}
	case ARPGuard:
		if id.IP == "" || p.GatewayMAC == "" || p.GatewayIP == "" {
			return RuleSet{}, errors.New(errors.KindInvalidInput, "arp guard requires client IP and gateway identity")
		}
	}
	return RuleSet{Identity: id, Kind: kind, Params: p}, nil
}

// GrantKinds lists the rule kinds applied on a successful grant.
var GrantKinds = []Kind{GrantEgress, BindGuard, IsolateL2, ARPGuard}

// ForGrant synthesizes the full grant bundle for an identity, already
// ordered for application: guards first, egress last, so a grant that
// fails partway never leaves egress open without its guards.
func ForGrant(id ident.Identity, p Params) ([]RuleSet, error) {
	out := make([]RuleSet, 0, len(GrantKinds))
	for _, k := range GrantKinds {
		rs, err := Synthesize(k, id, p)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	SortForApply(out)
	return out, nil
}

// SortForApply orders rule sets so that guards are installed before
// egress, regardless of the order the caller declared them in.
// The sort is stable so equal-ranked rules keep declaration order.
func SortForApply(sets []RuleSet) {
	sort.SliceStable(sets, func(i, j int) bool {
		return sets[i].Kind.applyOrder() < sets[j].Kind.applyOrder()
	})
}
