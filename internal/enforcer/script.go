// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package enforcer

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"grimm.is/gatehouse/internal/ident"
	"grimm.is/gatehouse/internal/rules"
)

// nftables object names used by the active backend. The L3 table lives
// in the ip family, the L2 table in the bridge family.
const (
	TableL3 = "gatehouse"
	TableL2 = "gatehouse_l2"

	chainRedirect = "gh_redirect" // nat prerouting: portal steering
	chainGuard    = "gh_guard"    // filter forward, matches before egress
	chainForward  = "gh_forward"  // filter forward: egress grants
	chainIsolate  = "gh_isolate"  // bridge forward: L2 isolation
	chainARP      = "gh_arp"      // bridge forward: ARP guarding
)

// commentPrefix tags every rule the enforcer owns. The full comment is
// "gh|<handle>|<kind>|<mac>|<ip>" so Snapshot can rebuild installed
// state without a side store. Pipe separators because MACs contain
// colons.
const commentPrefix = "gh|"

// scriptBuilder assembles an nftables script for atomic application
// with `nft -f`. Objects are emitted in definition order: tables,
// chains, then rules grouped per chain.
type scriptBuilder struct {
	lines      []string
	tables     []string
	chains     []string
	rules      map[string][]string
	chainOrder []string
}

func newScriptBuilder() *scriptBuilder {
	return &scriptBuilder{rules: make(map[string][]string)}
}

func (sb *scriptBuilder) addLine(line string) {
	sb.lines = append(sb.lines, line)
}

func (sb *scriptBuilder) addTable(family, name string) {
	sb.tables = append(sb.tables, fmt.Sprintf("add table %s %s", family, name))
}

func (sb *scriptBuilder) addChain(family, table, name, spec string) {
	key := family + " " + table + " " + name
	if spec != "" {
		sb.chains = append(sb.chains, fmt.Sprintf("add chain %s %s %s { %s }", family, table, name, spec))
	} else {
		sb.chains = append(sb.chains, fmt.Sprintf("add chain %s %s %s", family, table, name))
	}
	sb.chainOrder = append(sb.chainOrder, key)
}

func (sb *scriptBuilder) addRule(family, table, chain, rule string) {
	key := family + " " + table + " " + chain
	if _, seen := sb.rules[key]; !seen {
		sb.chainOrder = append(sb.chainOrder, key)
	}
	sb.rules[key] = append(sb.rules[key], fmt.Sprintf("add rule %s %s", key, rule))
}

// build renders the script with objects in dependency order.
func (sb *scriptBuilder) build() string {
	var out strings.Builder
	for _, l := range sb.lines {
		out.WriteString(l + "\n")
	}
	for _, t := range sb.tables {
		out.WriteString(t + "\n")
	}
	for _, c := range sb.chains {
		out.WriteString(c + "\n")
	}
	seen := make(map[string]bool)
	for _, key := range sb.chainOrder {
		if seen[key] {
			continue
		}
		seen[key] = true
		for _, r := range sb.rules[key] {
			out.WriteString(r + "\n")
		}
	}
	return out.String()
}

// bootstrapScript creates the gatehouse tables, chains and baseline
// rules. The baseline is not ledgered: it is the unauthenticated
// default stance (portal steering, DNS/DHCP allowance, default drop)
// that per-client rules layer on top of.
func bootstrapScript(clientIface, upstreamIface, portalIP string, portalPort int, redirectHTTPS bool) string {
	sb := newScriptBuilder()
	sb.addLine("flush table ip " + TableL3)
	sb.addLine("flush table bridge " + TableL2)
	sb.addTable("ip", TableL3)
	sb.addTable("bridge", TableL2)

	sb.addChain("ip", TableL3, chainRedirect, "type nat hook prerouting priority dstnat; policy accept;")
	sb.addChain("ip", TableL3, chainGuard, "type filter hook forward priority -10; policy accept;")
	sb.addChain("ip", TableL3, chainForward, "type filter hook forward priority 0; policy drop;")
	sb.addChain("bridge", TableL2, chainARP, "type filter hook forward priority -300; policy accept;")
	sb.addChain("bridge", TableL2, chainIsolate, "type filter hook forward priority -200; policy accept;")

	// Baseline: unauthenticated clients reach DNS, DHCP and the portal.
	ports := "80"
	if redirectHTTPS {
		ports = "{ 80, 443 }"
	}
	sb.addRule("ip", TableL3, chainRedirect, fmt.Sprintf(
		`iifname %q tcp dport %s dnat to %s:%d comment "gh-baseline-redirect"`,
		clientIface, ports, portalIP, portalPort))
	sb.addRule("ip", TableL3, chainForward, fmt.Sprintf(
		`iifname %q udp dport 53 accept comment "gh-baseline-dns"`, clientIface))
	sb.addRule("ip", TableL3, chainForward, fmt.Sprintf(
		`iifname %q tcp dport 53 accept comment "gh-baseline-dns"`, clientIface))
	sb.addRule("ip", TableL3, chainForward, fmt.Sprintf(
		`iifname %q udp dport { 67, 68 } accept comment "gh-baseline-dhcp"`, clientIface))
	sb.addRule("ip", TableL3, chainForward, fmt.Sprintf(
		`iifname %q oifname %q ct state established,related accept comment "gh-baseline-return"`,
		upstreamIface, clientIface))

	return sb.build()
}

// concreteRule is one nft rule with its owning chain and handle tag.
type concreteRule struct {
	family string
	table  string
	chain  string
	rule   string
	handle Handle
}

func tag(h Handle, rs rules.RuleSet) string {
	return fmt.Sprintf("%s%s|%s|%s|%s", commentPrefix, h, rs.Kind, rs.Identity.MAC, rs.Identity.IP)
}

// synthesizeConcrete translates an abstract rule set into concrete nft
// rules, one freshly tagged handle each.
func synthesizeConcrete(rs rules.RuleSet) []concreteRule {
	newHandle := func() Handle { return Handle(uuid.NewString()) }
	var out []concreteRule
	add := func(family, table, chain, rule string) {
		h := newHandle()
		out = append(out, concreteRule{
			family: family, table: table, chain: chain,
			rule:   fmt.Sprintf(`%s comment %q`, rule, tag(h, rs)),
			handle: h,
		})
	}

	mac := rs.Identity.MAC.String()
	ip := rs.Identity.IP.String()
	p := rs.Params

	switch rs.Kind {
	case rules.PortalRedirect:
		ports := "80"
		if p.RedirectHTTPS {
			ports = "{ 80, 443 }"
		}
		add("ip", TableL3, chainRedirect, fmt.Sprintf(
			`iifname %q ether saddr %s tcp dport %s dnat to %s:%d`,
			p.ClientInterface, mac, ports, p.PortalIP, p.PortalPort))

	case rules.GrantEgress:
		add("ip", TableL3, chainForward, fmt.Sprintf(
			`iifname %q oifname %q ether saddr %s ip saddr %s accept`,
			p.ClientInterface, p.UpstreamInterface, mac, ip))
		add("ip", TableL3, chainForward, fmt.Sprintf(
			`iifname %q oifname %q ip daddr %s ct state established,related accept`,
			p.UpstreamInterface, p.ClientInterface, ip))

	case rules.BindGuard:
		add("ip", TableL3, chainGuard, fmt.Sprintf(
			`iifname %q ether saddr %s ip saddr != %s log prefix "gh-bindguard " drop`,
			p.ClientInterface, mac, ip))

	case rules.IsolateL2:
		add("bridge", TableL2, chainIsolate, fmt.Sprintf(
			`ether saddr %s ether daddr != %s ether daddr & 01:00:00:00:00:00 == 00:00:00:00:00:00 drop`,
			mac, p.GatewayMAC))

	case rules.ARPGuard:
		add("bridge", TableL2, chainARP, fmt.Sprintf(
			`ether saddr %s arp saddr ip %s arp saddr ether %s accept`, mac, ip, mac))
		add("bridge", TableL2, chainARP, fmt.Sprintf(
			`ether saddr %s arp saddr ip %s arp saddr ether %s accept`, mac, p.GatewayIP, p.GatewayMAC))
		add("bridge", TableL2, chainARP, fmt.Sprintf(
			`ether saddr %s arp ptype 0x0800 log prefix "gh-arpguard " drop`, mac))
	}
	return out
}

// applyScript renders the add-rule script for a batch of concrete rules.
func applyScript(crs []concreteRule) string {
	sb := newScriptBuilder()
	for _, cr := range crs {
		sb.addRule(cr.family, cr.table, cr.chain, cr.rule)
	}
	return sb.build()
}

// parseComment rebuilds an InstalledRule from a rule comment, reporting
// whether the comment is enforcer-owned.
func parseComment(comment string) (InstalledRule, bool) {
	if !strings.HasPrefix(comment, commentPrefix) {
		return InstalledRule{}, false
	}
	parts := strings.Split(strings.TrimPrefix(comment, commentPrefix), "|")
	if len(parts) != 4 {
		return InstalledRule{}, false
	}
	ir := InstalledRule{
		Handle: Handle(parts[0]),
		Kind:   rules.Kind(parts[1]),
		MAC:    ident.MAC(parts[2]),
		IP:     ident.IP(parts[3]),
	}
	if ir.Handle == "" || !ir.Kind.Valid() {
		return InstalledRule{}, false
	}
	ir.Backend = ir.Kind.Backend()
	ir.Descriptor = string(ir.Kind) + " mac=" + parts[2]
	return ir, true
}
