// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/ident"
	"grimm.is/gatehouse/internal/rules"
)

// LedgerState is the outcome state of a ledger entry.
type LedgerState string

const (
	// LedgerPending is written before the backend is touched, so a
	// crash mid-apply leaves evidence for the reconciler.
	LedgerPending   LedgerState = "pending"
	LedgerApplied   LedgerState = "applied"
	LedgerFailed    LedgerState = "failed"
	LedgerRetracted LedgerState = "retracted"
	// LedgerDead marks a failed entry whose retry budget is exhausted.
	LedgerDead LedgerState = "dead"
)

// Ledger operations.
const (
	LedgerOpApply   = "apply"
	LedgerOpRetract = "retract"
)

// LedgerEntry records one intended or completed enforcement action.
// The ledger is the source of truth for what the controller believes
// is installed in the backend.
type LedgerEntry struct {
	ID          string          `json:"id"`
	SessionID   ident.SessionID `json:"session_id"`
	Backend     rules.Backend   `json:"backend"`
	Kind        rules.Kind      `json:"kind"`
	Op          string          `json:"op"`
	Descriptor  string          `json:"descriptor"`
	Handles     []string        `json:"handles"`
	State       LedgerState     `json:"state"`
	Attempts    int             `json:"attempts"`
	Diagnostics string          `json:"diagnostics,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	RetractedAt *time.Time      `json:"retracted_at,omitempty"`
}

const ledgerCols = "id, session_id, backend, kind, op, descriptor, handles, state, attempts, diagnostics, created_at, updated_at, retracted_at"

func scanLedger(row interface{ Scan(...any) error }) (*LedgerEntry, error) {
	var e LedgerEntry
	var sid, backend, kind, state, handles string
	var created, updated int64
	var retracted sql.NullInt64
	if err := row.Scan(&e.ID, &sid, &backend, &kind, &e.Op, &e.Descriptor,
		&handles, &state, &e.Attempts, &e.Diagnostics, &created, &updated, &retracted); err != nil {
		return nil, err
	}
	e.SessionID = ident.SessionID(sid)
	e.Backend = rules.Backend(backend)
	e.Kind = rules.Kind(kind)
	e.State = LedgerState(state)
	e.CreatedAt = time.Unix(created, 0).UTC()
	e.UpdatedAt = time.Unix(updated, 0).UTC()
	if retracted.Valid {
		t := time.Unix(retracted.Int64, 0).UTC()
		e.RetractedAt = &t
	}
	if err := json.Unmarshal([]byte(handles), &e.Handles); err != nil {
		return nil, err
	}
	return &e, nil
}

// AppendLedger writes a new entry. Callers record intent with state
// PENDING before touching the backend.
func (s *Store) AppendLedger(e *LedgerEntry) error {
	handles, err := json.Marshal(e.Handles)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "handle encode failed")
	}
	now := s.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	_, err = s.db.Exec(`
		INSERT INTO ledger (id, session_id, backend, kind, op, descriptor, handles, state, attempts, diagnostics, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.SessionID), string(e.Backend), string(e.Kind), e.Op,
		e.Descriptor, string(handles), string(e.State), e.Attempts, e.Diagnostics,
		now.Unix(), now.Unix())
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "ledger append failed")
	}
	return nil
}

// UpdateLedgerOutcome records the outcome of an attempt: new state,
// backend handles and diagnostics. Attempts is incremented.
func (s *Store) UpdateLedgerOutcome(id string, state LedgerState, handles []string, diagnostics string) error {
	encoded, err := json.Marshal(handles)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "handle encode failed")
	}
	if handles == nil {
		encoded = []byte("[]")
	}
	now := s.now()

	var retracted any
	if state == LedgerRetracted {
		retracted = now.Unix()
	}

	res, err := s.db.Exec(`
		UPDATE ledger SET state = ?, handles = ?, diagnostics = ?, attempts = attempts + 1,
			updated_at = ?, retracted_at = COALESCE(?, retracted_at)
		WHERE id = ?`,
		string(state), string(encoded), diagnostics, now.Unix(), retracted, id)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "ledger update failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf(errors.KindNotFound, "ledger entry %s not found", id)
	}
	return nil
}

// FailLedgerForRetract records a failed retraction: state FAILED, the
// operation flipped to retract and the attempt counted. The handles
// are installed but should not be, so the reconciler's job for this
// row is removal, never re-application.
func (s *Store) FailLedgerForRetract(id string, handles []string, diagnostics string) error {
	encoded, err := json.Marshal(handles)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "handle encode failed")
	}
	if handles == nil {
		encoded = []byte("[]")
	}
	res, err := s.db.Exec(`
		UPDATE ledger SET state = ?, op = ?, handles = ?, diagnostics = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ?`,
		string(LedgerFailed), LedgerOpRetract, string(encoded), diagnostics, s.now().Unix(), id)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "ledger update failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf(errors.KindNotFound, "ledger entry %s not found", id)
	}
	return nil
}

// MarkLedgerState sets the state without counting an attempt. Used for
// PENDING to APPLIED style bookkeeping and for DEAD demotion.
func (s *Store) MarkLedgerState(id string, state LedgerState) error {
	res, err := s.db.Exec(`UPDATE ledger SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), s.now().Unix(), id)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "ledger update failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf(errors.KindNotFound, "ledger entry %s not found", id)
	}
	return nil
}

// LedgerBySession returns all entries for a session, oldest first.
func (s *Store) LedgerBySession(id ident.SessionID) ([]*LedgerEntry, error) {
	return s.queryLedger(`SELECT `+ledgerCols+` FROM ledger WHERE session_id = ? ORDER BY created_at, id`, string(id))
}

// LedgerByState returns all entries in the given state, oldest first.
func (s *Store) LedgerByState(state LedgerState) ([]*LedgerEntry, error) {
	return s.queryLedger(`SELECT `+ledgerCols+` FROM ledger WHERE state = ? ORDER BY created_at, id`, string(state))
}

// AppliedLedgerEntries returns every APPLIED entry; the reconciler
// diffs these against a backend snapshot to detect drift.
func (s *Store) AppliedLedgerEntries() ([]*LedgerEntry, error) {
	return s.LedgerByState(LedgerApplied)
}

func (s *Store) queryLedger(query string, args ...any) ([]*LedgerEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "ledger query failed")
	}
	defer rows.Close()

	var out []*LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "ledger scan failed")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
