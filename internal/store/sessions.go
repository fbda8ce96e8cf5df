// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"time"

	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/ident"
)

// SessionState is the lifecycle state of a Session.
// TERMINATED is absorbing.
type SessionState string

const (
	SessionPending    SessionState = "pending"
	SessionActive     SessionState = "active"
	SessionRevoking   SessionState = "revoking"
	SessionTerminated SessionState = "terminated"
)

// Session is the authenticated right of a MAC to egress for a bounded
// duration.
type Session struct {
	ID         ident.SessionID `json:"id"`
	MAC        ident.MAC       `json:"mac"`
	IP         ident.IP        `json:"ip"`
	AuthMethod string          `json:"auth_method"`
	StartedAt  time.Time       `json:"started_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	State      SessionState    `json:"state"`
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(sess *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, mac, ip, auth_method, started_at, expires_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(sess.ID), string(sess.MAC), string(sess.IP), sess.AuthMethod,
		sess.StartedAt.Unix(), sess.ExpiresAt.Unix(), string(sess.State))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "session insert failed")
	}
	return nil
}

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var id, mac, ip string
	var started, expires int64
	var state string
	if err := row.Scan(&id, &mac, &ip, &sess.AuthMethod, &started, &expires, &state); err != nil {
		return nil, err
	}
	sess.ID = ident.SessionID(id)
	sess.MAC = ident.MAC(mac)
	sess.IP = ident.IP(ip)
	sess.StartedAt = time.Unix(started, 0).UTC()
	sess.ExpiresAt = time.Unix(expires, 0).UTC()
	sess.State = SessionState(state)
	return &sess, nil
}

const sessionCols = "id, mac, ip, auth_method, started_at, expires_at, state"

// GetSession fetches a session by id.
func (s *Store) GetSession(id ident.SessionID) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, string(id))
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf(errors.KindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "session query failed")
	}
	return sess, nil
}

// ActiveSessionByMAC returns the ACTIVE session for a MAC, or nil.
// Invariant: at most one exists.
func (s *Store) ActiveSessionByMAC(mac ident.MAC) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE mac = ? AND state = ?`,
		string(mac), string(SessionActive))
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "session query failed")
	}
	return sess, nil
}

// ListSessions returns sessions, optionally filtered by state.
func (s *Store) ListSessions(state SessionState) ([]*Session, error) {
	query := `SELECT ` + sessionCols + ` FROM sessions`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY started_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "session list failed")
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "session scan failed")
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TransitionSession moves a session from any of the given states to
// the target state. Returns false when the session was not in an
// eligible state, which callers use for idempotent short-circuits.
func (s *Store) TransitionSession(id ident.SessionID, from []SessionState, to SessionState) (bool, error) {
	if len(from) == 0 {
		return false, errors.New(errors.KindInternal, "transition requires source states")
	}
	query := `UPDATE sessions SET state = ? WHERE id = ? AND state IN (?`
	args := []any{string(to), string(id), string(from[0])}
	for _, st := range from[1:] {
		query += `, ?`
		args = append(args, string(st))
	}
	query += `)`

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, errors.Wrap(err, errors.KindInternal, "session transition failed")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateSessionExpiry sets a new expiry instant.
func (s *Store) UpdateSessionExpiry(id ident.SessionID, expiresAt time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET expires_at = ? WHERE id = ?`,
		expiresAt.Unix(), string(id))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "expiry update failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf(errors.KindNotFound, "session %s not found", id)
	}
	return nil
}

// ExpiredActiveSessions lists ACTIVE sessions whose expiry lies before
// the cutoff.
func (s *Store) ExpiredActiveSessions(cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionCols+` FROM sessions WHERE state = ? AND expires_at < ?`,
		string(SessionActive), cutoff.Unix())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "expired session query failed")
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "session scan failed")
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// StaleNonTerminalSessions lists PENDING or REVOKING sessions older
// than the cutoff; these indicate a crash between write-ahead and
// outcome recording.
func (s *Store) StaleNonTerminalSessions(cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionCols+` FROM sessions WHERE state IN (?, ?) AND started_at < ?`,
		string(SessionPending), string(SessionRevoking), cutoff.Unix())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "stale session query failed")
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "session scan failed")
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
