// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"time"

	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/ident"
)

// AuditRecord is a persisted audit event row.
type AuditRecord struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"ts"`
	Category  string          `json:"category"`
	Severity  string          `json:"severity"`
	MAC       ident.MAC       `json:"mac,omitempty"`
	IP        ident.IP        `json:"ip,omitempty"`
	SessionID ident.SessionID `json:"session_id,omitempty"`
	Event     string          `json:"event"`
	Detail    string          `json:"detail,omitempty"`
}

// InsertAuditRecord appends one audit row.
func (s *Store) InsertAuditRecord(r *AuditRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO audit (ts, category, severity, mac, ip, session_id, event, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.Unix(), r.Category, r.Severity,
		string(r.MAC), string(r.IP), string(r.SessionID), r.Event, r.Detail)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "audit insert failed")
	}
	return nil
}

// ListAuditRecords returns the newest records first, up to limit.
// A zero or negative limit returns everything.
func (s *Store) ListAuditRecords(limit int) ([]*AuditRecord, error) {
	query := `SELECT id, ts, category, severity, mac, ip, session_id, event, detail
		FROM audit ORDER BY ts DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "audit query failed")
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var r AuditRecord
		var ts int64
		var mac, ip, sid string
		if err := rows.Scan(&r.ID, &ts, &r.Category, &r.Severity, &mac, &ip, &sid, &r.Event, &r.Detail); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "audit scan failed")
		}
		r.Timestamp = time.Unix(ts, 0).UTC()
		r.MAC = ident.MAC(mac)
		r.IP = ident.IP(ip)
		r.SessionID = ident.SessionID(sid)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PruneAudit deletes records older than the cutoff and returns the
// number removed.
func (s *Store) PruneAudit(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM audit WHERE ts < ?`, cutoff.Unix())
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "audit prune failed")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
