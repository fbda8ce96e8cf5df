// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"time"

	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/ident"
)

// Device is the per-MAC record kept across sessions: first/last
// activity, operator block state and the spoof counter that drives
// auto-blocking.
type Device struct {
	MAC         ident.MAC `json:"mac"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Blocked     bool      `json:"blocked"`
	BlockReason string    `json:"block_reason,omitempty"`
	SpoofCount  int       `json:"spoof_count"`
}

// TouchDevice upserts the device row and refreshes last_seen.
func (s *Store) TouchDevice(mac ident.MAC) error {
	now := s.now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO devices (mac, first_seen, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(mac) DO UPDATE SET last_seen = excluded.last_seen`,
		string(mac), now, now)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "device touch failed")
	}
	return nil
}

// GetDevice fetches a device, or nil when the MAC has never been seen.
func (s *Store) GetDevice(mac ident.MAC) (*Device, error) {
	row := s.db.QueryRow(`SELECT mac, first_seen, last_seen, blocked, block_reason, spoof_count
		FROM devices WHERE mac = ?`, string(mac))
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "device query failed")
	}
	return d, nil
}

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	var mac string
	var first, last int64
	var blocked int
	if err := row.Scan(&mac, &first, &last, &blocked, &d.BlockReason, &d.SpoofCount); err != nil {
		return nil, err
	}
	d.MAC = ident.MAC(mac)
	d.FirstSeen = time.Unix(first, 0).UTC()
	d.LastSeen = time.Unix(last, 0).UTC()
	d.Blocked = blocked != 0
	return &d, nil
}

// ListDevices returns all known devices ordered by last activity.
func (s *Store) ListDevices() ([]*Device, error) {
	rows, err := s.db.Query(`SELECT mac, first_seen, last_seen, blocked, block_reason, spoof_count
		FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "device list failed")
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "device scan failed")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// BlockDevice marks a MAC blocked; the row is created if absent so a
// never-seen device can be pre-blocked.
func (s *Store) BlockDevice(mac ident.MAC, reason string) error {
	now := s.now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO devices (mac, first_seen, last_seen, blocked, block_reason)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(mac) DO UPDATE SET blocked = 1, block_reason = excluded.block_reason`,
		string(mac), now, now, reason)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "device block failed")
	}
	return nil
}

// UnblockDevice clears the block flag. Unknown MACs are a no-op.
func (s *Store) UnblockDevice(mac ident.MAC) error {
	_, err := s.db.Exec(`UPDATE devices SET blocked = 0, block_reason = '' WHERE mac = ?`, string(mac))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "device unblock failed")
	}
	return nil
}

// IncrementSpoofCount bumps the spoof counter and returns the new
// value, creating the row if needed.
func (s *Store) IncrementSpoofCount(mac ident.MAC) (int, error) {
	now := s.now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO devices (mac, first_seen, last_seen, spoof_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(mac) DO UPDATE SET spoof_count = spoof_count + 1, last_seen = excluded.last_seen`,
		string(mac), now, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "spoof count failed")
	}
	var n int
	if err := s.db.QueryRow(`SELECT spoof_count FROM devices WHERE mac = ?`, string(mac)).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "spoof count read failed")
	}
	return n, nil
}
