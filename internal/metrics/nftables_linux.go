// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package metrics

import (
	"strings"

	"github.com/google/nftables"
)

// CountInstalledRules counts rules across the kernel tables whose
// names carry the given prefix, via native netlink. Used to keep the
// installed-rules gauge honest against what the kernel actually holds.
func CountInstalledRules(tablePrefix string) (int, error) {
	conn, err := nftables.New()
	if err != nil {
		return 0, err
	}

	tables, err := conn.ListTables()
	if err != nil {
		return 0, err
	}
	chains, err := conn.ListChains()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, t := range tables {
		if !strings.HasPrefix(t.Name, tablePrefix) {
			continue
		}
		for _, c := range chains {
			if c.Table.Name != t.Name || c.Table.Family != t.Family {
				continue
			}
			rs, err := conn.GetRules(t, c)
			if err != nil {
				return 0, err
			}
			total += len(rs)
		}
	}
	return total, nil
}
