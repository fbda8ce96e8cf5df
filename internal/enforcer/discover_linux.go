// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package enforcer

import (
	"strings"

	"github.com/vishvananda/netlink"

	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/ident"
)

// DiscoverGatewayMAC resolves the gateway's MAC address from the
// kernel neighbor table on the client-facing interface. Used when the
// configuration leaves network.gateway_mac blank.
func DiscoverGatewayMAC(clientIface string, gatewayIP ident.IP) (ident.MAC, error) {
	link, err := netlink.LinkByName(clientIface)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindInvalidInput, "unknown interface %q", clientIface)
	}
	neighs, err := netlink.NeighList(link.Attrs().Index, netlink.FAMILY_V4)
	if err != nil {
		return "", errors.Wrap(err, errors.KindEnforcerTransient, "neighbor table dump failed")
	}
	want := gatewayIP.String()
	for _, n := range neighs {
		if n.IP == nil || n.HardwareAddr == nil {
			continue
		}
		if n.IP.String() == want && n.State&(netlink.NUD_REACHABLE|netlink.NUD_STALE|netlink.NUD_PERMANENT) != 0 {
			return ident.NormalizeMAC(strings.ToLower(n.HardwareAddr.String()))
		}
	}
	return "", errors.Errorf(errors.KindEnforcerTransient, "gateway %s not present in neighbor table", want)
}
