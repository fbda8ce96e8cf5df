// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package enforcer

import (
	"context"
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	"grimm.is/gatehouse/internal/rules"
)

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	hw, err := net.ParseMAC(s)
	require.NoError(t, err)
	return hw
}

func tcpFrame(t *testing.T, srcMAC, dstMAC, srcIP, dstIP string, dstPort uint16) gopacket.Packet {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       mustMAC(t, srcMAC),
		DstMAC:       mustMAC(t, dstMAC),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(dstPort), SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func arpFrame(t *testing.T, srcMAC, senderMAC, senderIP string) gopacket.Packet {
	t.Helper()
	src := mustMAC(t, srcMAC)
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       mustMAC(t, "ff:ff:ff:ff:ff:ff"),
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   mustMAC(t, senderMAC),
		SourceProtAddress: net.ParseIP(senderIP).To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    net.ParseIP("192.168.4.1").To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, arp))
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func applyAll(t *testing.T, sim *Simulator, kinds []rules.Kind) {
	t.Helper()
	for _, k := range kinds {
		rs, err := rules.Synthesize(k, simIdentity(), simParams())
		require.NoError(t, err)
		_, err = sim.Apply(context.Background(), rs)
		require.NoError(t, err)
	}
}

func TestEvaluateUnauthenticated(t *testing.T) {
	sim := NewSimulator()

	// No rules installed: web is steered, DNS passes, the rest drops.
	web := tcpFrame(t, "aa:bb:cc:dd:ee:01", "02:00:00:00:00:01", "192.168.4.10", "93.184.216.34", 80)
	if v := sim.EvaluateFrame(web); v != VerdictRedirect {
		t.Errorf("unauthenticated web = %s, want redirect", v)
	}
	dns := tcpFrame(t, "aa:bb:cc:dd:ee:01", "02:00:00:00:00:01", "192.168.4.10", "9.9.9.9", 53)
	if v := sim.EvaluateFrame(dns); v != VerdictPass {
		t.Errorf("unauthenticated dns = %s, want pass", v)
	}
	ssh := tcpFrame(t, "aa:bb:cc:dd:ee:01", "02:00:00:00:00:01", "192.168.4.10", "9.9.9.9", 22)
	if v := sim.EvaluateFrame(ssh); v != VerdictDrop {
		t.Errorf("unauthenticated ssh = %s, want drop", v)
	}
}

func TestEvaluateGranted(t *testing.T) {
	sim := NewSimulator()
	applyAll(t, sim, rules.GrantKinds)

	web := tcpFrame(t, "aa:bb:cc:dd:ee:01", "02:00:00:00:00:01", "192.168.4.10", "93.184.216.34", 443)
	if v := sim.EvaluateFrame(web); v != VerdictPass {
		t.Errorf("granted egress = %s, want pass", v)
	}
}

func TestEvaluateSpoofedSourceIP(t *testing.T) {
	sim := NewSimulator()
	applyAll(t, sim, rules.GrantKinds)

	// Bound to .10, sending as .99: the bind guard drops it before the
	// egress grant can match.
	spoof := tcpFrame(t, "aa:bb:cc:dd:ee:01", "02:00:00:00:00:01", "192.168.4.99", "93.184.216.34", 443)
	if v := sim.EvaluateFrame(spoof); v != VerdictDrop {
		t.Errorf("spoofed source = %s, want drop", v)
	}
}

func TestEvaluateL2Isolation(t *testing.T) {
	sim := NewSimulator()
	applyAll(t, sim, rules.GrantKinds)

	// Frame to another client's MAC.
	peer := tcpFrame(t, "aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02", "192.168.4.10", "192.168.4.11", 445)
	if v := sim.EvaluateFrame(peer); v != VerdictDrop {
		t.Errorf("peer-to-peer = %s, want drop", v)
	}
	// Frame to the gateway passes the isolation check.
	gw := tcpFrame(t, "aa:bb:cc:dd:ee:01", "02:00:00:00:00:01", "192.168.4.10", "93.184.216.34", 443)
	if v := sim.EvaluateFrame(gw); v != VerdictPass {
		t.Errorf("via gateway = %s, want pass", v)
	}
}

func TestEvaluateARPGuard(t *testing.T) {
	sim := NewSimulator()
	applyAll(t, sim, rules.GrantKinds)

	// Claiming the gateway IP with the client's MAC: ARP poisoning.
	poison := arpFrame(t, "aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:01", "192.168.4.1")
	if v := sim.EvaluateFrame(poison); v != VerdictDrop {
		t.Errorf("arp poison = %s, want drop", v)
	}
	// Announcing its own binding is fine.
	own := arpFrame(t, "aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:01", "192.168.4.10")
	if v := sim.EvaluateFrame(own); v != VerdictPass {
		t.Errorf("own arp = %s, want pass", v)
	}
}
