// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package metrics

// CountInstalledRules requires Linux netlink; other platforms report zero.
func CountInstalledRules(tablePrefix string) (int, error) {
	return 0, nil
}
