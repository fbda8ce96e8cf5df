// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"time"

	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/ident"
)

// BindingState is the lifecycle state of a Binding.
type BindingState string

const (
	BindingActive  BindingState = "active"
	BindingRetired BindingState = "retired"
)

// Retirement reasons recorded on a binding.
const (
	RetireMACRebound  = "MAC_REBOUND"
	RetireIPConflict  = "IP_CONFLICT"
	RetireSessionEnd  = "SESSION_END"
	RetireExpired     = "EXPIRED"
	RetireManual      = "MANUAL"
)

// Binding is a live MAC-IP association asserting identity for
// filtering purposes.
type Binding struct {
	ID           string          `json:"id"`
	MAC          ident.MAC       `json:"mac"`
	IP           ident.IP        `json:"ip"`
	SessionID    ident.SessionID `json:"session_id"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	State        BindingState    `json:"state"`
	RetireReason string          `json:"retire_reason,omitempty"`
}

const bindingCols = "id, mac, ip, session_id, created_at, expires_at, state, retire_reason"

func scanBinding(row interface{ Scan(...any) error }) (*Binding, error) {
	var b Binding
	var mac, ip, sid, state string
	var created, expires int64
	if err := row.Scan(&b.ID, &mac, &ip, &sid, &created, &expires, &state, &b.RetireReason); err != nil {
		return nil, err
	}
	b.MAC = ident.MAC(mac)
	b.IP = ident.IP(ip)
	b.SessionID = ident.SessionID(sid)
	b.CreatedAt = time.Unix(created, 0).UTC()
	b.ExpiresAt = time.Unix(expires, 0).UTC()
	b.State = BindingState(state)
	return &b, nil
}

// InstallBinding retires conflicting ACTIVE bindings and inserts the
// new one in a single transaction, preserving the one-per-MAC and
// one-per-IP invariants. Retired conflicts are returned with their
// retire reason set.
func (s *Store) InstallBinding(b *Binding) ([]*Binding, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "binding tx begin failed")
	}
	defer tx.Rollback()

	var conflicts []*Binding

	collect := func(query string, reason string, args ...any) error {
		rows, err := tx.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			cb, err := scanBinding(rows)
			if err != nil {
				return err
			}
			cb.RetireReason = reason
			conflicts = append(conflicts, cb)
		}
		return rows.Err()
	}

	// Same MAC, different IP: the client moved addresses.
	if err := collect(`SELECT `+bindingCols+` FROM bindings WHERE state = ? AND mac = ? AND ip != ?`,
		RetireMACRebound, string(BindingActive), string(b.MAC), string(b.IP)); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "conflict query failed")
	}
	// Same IP, different MAC: another client claims the address.
	if err := collect(`SELECT `+bindingCols+` FROM bindings WHERE state = ? AND ip = ? AND mac != ?`,
		RetireIPConflict, string(BindingActive), string(b.IP), string(b.MAC)); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "conflict query failed")
	}
	// A stale ACTIVE binding for the exact pair is superseded silently.
	if err := collect(`SELECT `+bindingCols+` FROM bindings WHERE state = ? AND mac = ? AND ip = ?`,
		RetireSessionEnd, string(BindingActive), string(b.MAC), string(b.IP)); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "conflict query failed")
	}

	for _, cb := range conflicts {
		if _, err := tx.Exec(`UPDATE bindings SET state = ?, retire_reason = ? WHERE id = ?`,
			string(BindingRetired), cb.RetireReason, cb.ID); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "conflict retire failed")
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO bindings (id, mac, ip, session_id, created_at, expires_at, state, retire_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, '')`,
		b.ID, string(b.MAC), string(b.IP), string(b.SessionID),
		b.CreatedAt.Unix(), b.ExpiresAt.Unix(), string(BindingActive)); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "binding insert failed")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "binding tx commit failed")
	}

	// Exact-pair supersessions are bookkeeping, not conflicts.
	visible := conflicts[:0]
	for _, cb := range conflicts {
		if cb.RetireReason != RetireSessionEnd {
			visible = append(visible, cb)
		}
	}
	return visible, nil
}

// ActiveBindingByMAC returns the ACTIVE binding for a MAC, or nil.
func (s *Store) ActiveBindingByMAC(mac ident.MAC) (*Binding, error) {
	row := s.db.QueryRow(`SELECT `+bindingCols+` FROM bindings WHERE state = ? AND mac = ?`,
		string(BindingActive), string(mac))
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "binding query failed")
	}
	return b, nil
}

// ActiveBindingByIP returns the ACTIVE binding for an IP, or nil.
func (s *Store) ActiveBindingByIP(ip ident.IP) (*Binding, error) {
	row := s.db.QueryRow(`SELECT `+bindingCols+` FROM bindings WHERE state = ? AND ip = ?`,
		string(BindingActive), string(ip))
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "binding query failed")
	}
	return b, nil
}

// RetireBindingsByMAC retires all ACTIVE bindings for a MAC. Idempotent.
func (s *Store) RetireBindingsByMAC(mac ident.MAC, reason string) error {
	_, err := s.db.Exec(`UPDATE bindings SET state = ?, retire_reason = ? WHERE state = ? AND mac = ?`,
		string(BindingRetired), reason, string(BindingActive), string(mac))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "binding retire failed")
	}
	return nil
}

// RetireBindingsBySession retires all ACTIVE bindings owned by a
// session. Idempotent.
func (s *Store) RetireBindingsBySession(id ident.SessionID, reason string) error {
	_, err := s.db.Exec(`UPDATE bindings SET state = ?, retire_reason = ? WHERE state = ? AND session_id = ?`,
		string(BindingRetired), reason, string(BindingActive), string(id))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "binding retire failed")
	}
	return nil
}

// ListBindings returns bindings; activeOnly restricts to ACTIVE state.
func (s *Store) ListBindings(activeOnly bool) ([]*Binding, error) {
	query := `SELECT ` + bindingCols + ` FROM bindings`
	args := []any{}
	if activeOnly {
		query += ` WHERE state = ?`
		args = append(args, string(BindingActive))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "binding list failed")
	}
	defer rows.Close()

	var out []*Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "binding scan failed")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ExpiredActiveBindings lists ACTIVE bindings past their expiry.
func (s *Store) ExpiredActiveBindings(now time.Time) ([]*Binding, error) {
	rows, err := s.db.Query(`SELECT `+bindingCols+` FROM bindings WHERE state = ? AND expires_at < ?`,
		string(BindingActive), now.Unix())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "expired binding query failed")
	}
	defer rows.Close()

	var out []*Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "binding scan failed")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBindingExpiry extends the ACTIVE binding owned by a session.
func (s *Store) UpdateBindingExpiry(id ident.SessionID, expiresAt time.Time) error {
	_, err := s.db.Exec(`UPDATE bindings SET expires_at = ? WHERE state = ? AND session_id = ?`,
		expiresAt.Unix(), string(BindingActive), string(id))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "binding expiry update failed")
	}
	return nil
}

// BindingCountSince counts bindings created for a MAC after the given
// instant, active or not. Feeds the rapid-rebind anomaly check.
func (s *Store) BindingCountSince(mac ident.MAC, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM bindings WHERE mac = ? AND created_at >= ?`,
		string(mac), since.Unix()).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "binding count failed")
	}
	return n, nil
}

// RecentlyBoundMACs lists distinct MACs that created bindings after
// the given instant.
func (s *Store) RecentlyBoundMACs(since time.Time) ([]ident.MAC, error) {
	rows, err := s.db.Query(`SELECT DISTINCT mac FROM bindings WHERE created_at >= ?`, since.Unix())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "recent MAC query failed")
	}
	defer rows.Close()

	var out []ident.MAC
	for rows.Next() {
		var mac string
		if err := rows.Scan(&mac); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "MAC scan failed")
		}
		out = append(out, ident.MAC(mac))
	}
	return out, rows.Err()
}

// DuplicateActiveIPs returns IPs that currently hold more than one
// ACTIVE binding. Impossible under the install invariants; a non-empty
// result indicates a bug and is reported as an anomaly.
func (s *Store) DuplicateActiveIPs() ([]ident.IP, error) {
	rows, err := s.db.Query(`SELECT ip FROM bindings WHERE state = ? GROUP BY ip HAVING COUNT(*) > 1`,
		string(BindingActive))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "duplicate IP query failed")
	}
	defer rows.Close()

	var out []ident.IP
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "IP scan failed")
		}
		out = append(out, ident.IP(ip))
	}
	return out, rows.Err()
}
