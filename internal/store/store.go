// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store provides the durable state of the access controller:
// sessions, bindings, the rule ledger, devices and the audit trail,
// backed by SQLite. It is the only shared mutable resource; all
// mutations run in transactions, and callers serialize per MAC and
// per IP through the keyed locks exposed here.
package store

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/gatehouse/internal/clock"
	"grimm.is/gatehouse/internal/errors"
)

// Options configures a Store.
type Options struct {
	// Path is the database file, or ":memory:" for tests and
	// simulation mode.
	Path  string
	Clock clock.Clock
}

// DefaultOptions returns store options for the given path with the
// system clock.
func DefaultOptions(path string) Options {
	return Options{Path: path, Clock: clock.SystemClock{}}
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db    *sql.DB
	clock clock.Clock

	macLocks *keyedMutex
	ipLocks  *keyedMutex
}

// Open opens or creates the database and applies the schema.
func Open(opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	db, err := sql.Open("sqlite", opts.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to open state db")
	}
	// SQLite allows one writer; funneling through a single conn avoids
	// SQLITE_BUSY churn under concurrent grants.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:       db,
		clock:    opts.Clock,
		macLocks: newKeyedMutex(),
		ipLocks:  newKeyedMutex(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LockMAC serializes callers on a MAC key. The returned function
// releases the lock.
func (s *Store) LockMAC(mac string) func() {
	return s.macLocks.lock(mac)
}

// LockIP serializes callers on an IP key.
func (s *Store) LockIP(ip string) func() {
	return s.ipLocks.lock(ip)
}

func (s *Store) now() time.Time {
	return s.clock.Now()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		mac         TEXT NOT NULL,
		ip          TEXT NOT NULL,
		auth_method TEXT NOT NULL DEFAULT '',
		started_at  INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL,
		state       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_mac    ON sessions(mac);
	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_state  ON sessions(state);

	CREATE TABLE IF NOT EXISTS bindings (
		id            TEXT PRIMARY KEY,
		mac           TEXT NOT NULL,
		ip            TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL,
		state         TEXT NOT NULL,
		retire_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_bindings_mac     ON bindings(mac);
	CREATE INDEX IF NOT EXISTS idx_bindings_ip      ON bindings(ip);
	CREATE INDEX IF NOT EXISTS idx_bindings_session ON bindings(session_id);

	CREATE TABLE IF NOT EXISTS ledger (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		backend     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		op          TEXT NOT NULL,
		descriptor  TEXT NOT NULL,
		handles     TEXT NOT NULL DEFAULT '[]',
		state       TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		diagnostics TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		retracted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_session ON ledger(session_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_state   ON ledger(state);

	CREATE TABLE IF NOT EXISTS devices (
		mac          TEXT PRIMARY KEY,
		first_seen   INTEGER NOT NULL,
		last_seen    INTEGER NOT NULL,
		blocked      INTEGER NOT NULL DEFAULT 0,
		block_reason TEXT NOT NULL DEFAULT '',
		spoof_count  INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS audit (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		ts         INTEGER NOT NULL,
		category   TEXT NOT NULL,
		severity   TEXT NOT NULL,
		mac        TEXT NOT NULL DEFAULT '',
		ip         TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		event      TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit(ts);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "schema init failed")
	}
	return nil
}
