// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package enforcer

import (
	"net"
	"strings"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/gatehouse/internal/ident"
	"grimm.is/gatehouse/internal/rules"
)

// Verdict is the simulated fate of an injected frame.
type Verdict string

const (
	VerdictPass     Verdict = "pass"
	VerdictDrop     Verdict = "drop"
	VerdictRedirect Verdict = "redirect"
)

// EvaluateFrame runs a frame through the simulated rule state and
// returns the verdict the installed rules would produce on the client
// interface. Guard rules are evaluated before egress, matching the
// apply ordering contract.
func (s *Simulator) EvaluateFrame(pkt gopacket.Packet) Verdict {
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return VerdictDrop
	}
	srcMAC := ident.MAC(strings.ToLower(eth.SrcMAC.String()))

	s.mu.Lock()
	var (
		arpGuard, isolate, bindGuard, egress, redirect *InstalledRule
		arpParams, isoParams, rdirParams               rules.Params
	)
	for _, h := range s.order {
		ir := s.installed[h]
		if ir.MAC != srcMAC {
			continue
		}
		r := ir
		p := s.params[h]
		switch ir.Kind {
		case rules.ARPGuard:
			arpGuard, arpParams = &r, p
		case rules.IsolateL2:
			isolate, isoParams = &r, p
		case rules.BindGuard:
			bindGuard = &r
		case rules.GrantEgress:
			egress = &r
		case rules.PortalRedirect:
			redirect, rdirParams = &r, p
		}
	}
	s.mu.Unlock()

	// ARP guard: sender identity must be the gateway or the bound client.
	if arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok && arp != nil {
		if arpGuard != nil {
			senderMAC := strings.ToLower(net.HardwareAddr(arp.SourceHwAddress).String())
			senderIP := net.IP(arp.SourceProtAddress).String()
			gwOK := senderIP == arpParams.GatewayIP.String() && senderMAC == arpParams.GatewayMAC.String()
			clientOK := senderIP == arpGuard.IP.String() && senderMAC == arpGuard.MAC.String()
			if !gwOK && !clientOK {
				return VerdictDrop
			}
		}
		return VerdictPass
	}

	// L2 isolation: only the gateway and broadcast/multicast are
	// reachable destinations.
	if isolate != nil {
		dst := strings.ToLower(eth.DstMAC.String())
		if dst != isoParams.GatewayMAC.String() && eth.DstMAC[0]&1 == 0 {
			return VerdictDrop
		}
	}

	ip4, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip4 == nil {
		return VerdictPass // non-IP traffic is outside L3 rules
	}

	// Bind guard: frames whose source IP differs from the binding drop.
	if bindGuard != nil && ip4.SrcIP.String() != bindGuard.IP.String() {
		return VerdictDrop
	}

	if egress != nil && ip4.SrcIP.String() == egress.IP.String() {
		return VerdictPass
	}

	// Unauthenticated path: DNS and DHCP are allowed, web traffic is
	// steered to the portal, everything else drops.
	var dstPort int
	var udp bool
	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok && tcp != nil {
		dstPort = int(tcp.DstPort)
	} else if u, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok && u != nil {
		dstPort = int(u.DstPort)
		udp = true
	}

	switch {
	case dstPort == 53:
		return VerdictPass
	case udp && (dstPort == 67 || dstPort == 68):
		return VerdictPass
	case !udp && dstPort == 80:
		return VerdictRedirect
	case !udp && dstPort == 443:
		if redirect != nil && !rdirParams.RedirectHTTPS {
			return VerdictDrop
		}
		return VerdictRedirect
	default:
		return VerdictDrop
	}
}
