// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package enforcer

import (
	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/ident"
)

// DiscoverGatewayMAC requires the Linux neighbor table.
func DiscoverGatewayMAC(clientIface string, gatewayIP ident.IP) (ident.MAC, error) {
	return "", errors.New(errors.KindEnforcerPermanent, "gateway discovery requires linux")
}
