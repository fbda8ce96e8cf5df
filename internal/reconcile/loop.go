// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reconcile closes the gap between intent (the rule ledger)
// and reality (the enforcer's installed rules). One singleton worker
// runs the pass on a fixed cadence; it is the only component allowed
// to retry enforcer operations on its own initiative.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"grimm.is/gatehouse/internal/audit"
	"grimm.is/gatehouse/internal/binding"
	"grimm.is/gatehouse/internal/clock"
	"grimm.is/gatehouse/internal/enforcer"
	"grimm.is/gatehouse/internal/ident"
	"grimm.is/gatehouse/internal/logging"
	"grimm.is/gatehouse/internal/metrics"
	"grimm.is/gatehouse/internal/rules"
	"grimm.is/gatehouse/internal/session"
	"grimm.is/gatehouse/internal/store"
)

// Report summarizes one reconciliation pass.
type Report struct {
	ExpiredSessions  int   `json:"expired_sessions"`
	StaleRepaired    int   `json:"stale_repaired"`
	RetiredBindings  int   `json:"retired_bindings"`
	RetriedRows      int   `json:"retried_rows"`
	DeadRows         int   `json:"dead_rows"`
	OrphansRetracted int   `json:"orphans_retracted"`
	GhostsReapplied  int   `json:"ghosts_reapplied"`
	Anomalies        int   `json:"anomalies"`
	AuditPruned      int64 `json:"audit_pruned"`
}

// Loop is the reconciliation worker.
type Loop struct {
	store    *store.Store
	registry *binding.Registry
	manager  *session.Manager
	enf      enforcer.Enforcer
	sink     *audit.Sink
	metrics  *metrics.Metrics
	logger   *logging.Logger
	clock    clock.Clock

	params     rules.Params
	interval   time.Duration
	grace      time.Duration
	budget     int
	retention  time.Duration
	enfTimeout time.Duration

	// mu makes passes single-flight: a manual trigger overlapping the
	// scheduled pass waits instead of interleaving.
	mu sync.Mutex
}

// Options configures a Loop.
type Options struct {
	Store    *store.Store
	Registry *binding.Registry
	Manager  *session.Manager
	Enforcer enforcer.Enforcer
	Sink     *audit.Sink
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
	Clock    clock.Clock

	Params          rules.Params
	Interval        time.Duration // default 60s
	Grace           time.Duration // default 5s
	RetryBudget     int           // default 3
	AuditRetention  time.Duration // default 7 days
	EnforcerTimeout time.Duration // default 5s
}

// NewLoop creates a reconciliation worker.
func NewLoop(opts Options) *Loop {
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 3
	}
	if opts.AuditRetention <= 0 {
		opts.AuditRetention = 7 * 24 * time.Hour
	}
	if opts.EnforcerTimeout <= 0 {
		opts.EnforcerTimeout = 5 * time.Second
	}
	return &Loop{
		store:      opts.Store,
		registry:   opts.Registry,
		manager:    opts.Manager,
		enf:        opts.Enforcer,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		logger:     opts.Logger.WithComponent("reconcile"),
		clock:      opts.Clock,
		params:     opts.Params,
		interval:   opts.Interval,
		grace:      opts.Grace,
		budget:     opts.RetryBudget,
		retention:  opts.AuditRetention,
		enfTimeout: opts.EnforcerTimeout,
	}
}

// Run executes passes on the configured cadence until ctx is done. An
// initial pass runs immediately so a restart resynchronizes without
// waiting a full interval.
func (l *Loop) Run(ctx context.Context) {
	if _, err := l.RunOnce(ctx); err != nil {
		l.logger.Error("startup reconciliation failed", "error", err)
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil {
				l.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single pass. Safe to call concurrently with the
// scheduled loop; passes never interleave.
func (l *Loop) RunOnce(ctx context.Context) (*Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	started := time.Now()
	rep := &Report{}

	if err := l.expireSessions(ctx, rep); err != nil {
		return rep, err
	}
	if err := l.repairStale(ctx, rep); err != nil {
		return rep, err
	}
	if err := l.retireExpiredBindings(rep); err != nil {
		return rep, err
	}
	if err := l.failStalePending(rep); err != nil {
		return rep, err
	}
	if err := l.retryFailed(ctx, rep); err != nil {
		return rep, err
	}
	if err := l.checkDrift(ctx, rep); err != nil {
		return rep, err
	}
	anomalies, err := l.registry.ScanAnomalies()
	if err != nil {
		return rep, err
	}
	rep.Anomalies = len(anomalies)

	pruned, err := l.store.PruneAudit(l.clock.Now().Add(-l.retention))
	if err != nil {
		return rep, err
	}
	rep.AuditPruned = pruned

	if l.metrics != nil {
		l.metrics.ReconcileRuns.Inc()
		l.metrics.ReconcileSeconds.Observe(time.Since(started).Seconds())
	}
	l.logger.Debug("reconciliation pass complete",
		"expired", rep.ExpiredSessions, "retried", rep.RetriedRows,
		"dead", rep.DeadRows, "orphans", rep.OrphansRetracted,
		"ghosts", rep.GhostsReapplied, "anomalies", rep.Anomalies)
	return rep, nil
}

// expireSessions revokes every ACTIVE session past expiry plus grace.
func (l *Loop) expireSessions(ctx context.Context, rep *Report) error {
	expired, err := l.store.ExpiredActiveSessions(l.clock.Now().Add(-l.grace))
	if err != nil {
		return err
	}
	for _, sess := range expired {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := l.manager.RevokeAccess(ctx, sess.ID, session.ReasonExpired); err != nil {
			l.logger.Error("expiry revoke failed", "session", string(sess.ID), "error", err)
			continue
		}
		l.emit(audit.Event{
			Category:  audit.CategorySession,
			Event:     audit.EventSessionExpired,
			MAC:       sess.MAC,
			IP:        sess.IP,
			SessionID: sess.ID,
		})
		rep.ExpiredSessions++
	}
	return nil
}

// repairStale finishes sessions stranded in PENDING or REVOKING by a
// crash between write-ahead and outcome recording.
func (l *Loop) repairStale(ctx context.Context, rep *Report) error {
	stale, err := l.store.StaleNonTerminalSessions(l.clock.Now().Add(-l.interval))
	if err != nil {
		return err
	}
	for _, sess := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var rerr error
		switch sess.State {
		case store.SessionPending:
			_, rerr = l.manager.RevokeAccess(ctx, sess.ID, session.ReasonApplyFail)
		case store.SessionRevoking:
			_, rerr = l.manager.CompleteRevocation(ctx, sess.ID, session.ReasonApplyFail)
		}
		if rerr != nil {
			l.logger.Error("stale session repair failed", "session", string(sess.ID), "error", rerr)
			continue
		}
		rep.StaleRepaired++
	}
	return nil
}

// retireExpiredBindings retires ACTIVE bindings past expiry whose
// owning session is TERMINATED or gone. Live sessions keep theirs;
// expireSessions handles those first.
func (l *Loop) retireExpiredBindings(rep *Report) error {
	expired, err := l.store.ExpiredActiveBindings(l.clock.Now())
	if err != nil {
		return err
	}
	for _, b := range expired {
		owner, err := l.store.GetSession(b.SessionID)
		if err == nil && owner.State != store.SessionTerminated {
			continue
		}
		if err := l.registry.RetireBySession(b.SessionID, store.RetireExpired); err != nil {
			return err
		}
		rep.RetiredBindings++
	}
	return nil
}

// failStalePending moves ledger rows stranded in PENDING (a crash
// between write-ahead and outcome recording) to FAILED so retryFailed
// drives them to their goal state. Any rule the backend did install
// without a recorded handle shows up as an orphan in the drift check
// and is retracted there.
func (l *Loop) failStalePending(rep *Report) error {
	pending, err := l.store.LedgerByState(store.LedgerPending)
	if err != nil {
		return err
	}
	cutoff := l.clock.Now().Add(-l.interval)
	for _, row := range pending {
		if row.CreatedAt.After(cutoff) {
			continue
		}
		err := l.store.UpdateLedgerOutcome(row.ID, store.LedgerFailed, nil,
			"outcome never recorded; presumed crash mid-apply")
		if err != nil {
			return err
		}
		l.logger.Warn("stale write-ahead row failed over",
			"ledger", row.ID, "session", string(row.SessionID), "kind", string(row.Kind))
		rep.RetriedRows++
	}
	return nil
}

// retryFailed re-drives FAILED ledger rows toward their goal state.
// A row whose operation is retract holds handles that should be gone,
// so it is only ever retracted again; portal-redirect apply rows are
// re-applied when the MAC has no active session; everything else is
// retracted. Rows that exhaust the budget are promoted to DEAD and
// alerted.
func (l *Loop) retryFailed(ctx context.Context, rep *Report) error {
	failed, err := l.store.LedgerByState(store.LedgerFailed)
	if err != nil {
		return err
	}
	for _, row := range failed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if row.Attempts >= l.budget {
			if err := l.store.MarkLedgerState(row.ID, store.LedgerDead); err != nil {
				return err
			}
			if l.metrics != nil {
				l.metrics.LedgerDead.Inc()
			}
			l.emit(audit.Event{
				Category:  audit.CategoryRule,
				Severity:  audit.SeverityCritical,
				Event:     audit.EventLedgerDead,
				SessionID: row.SessionID,
				Detail:    row.Descriptor,
			})
			l.logger.Error("ledger entry dead after retry budget",
				"entry", row.ID, "descriptor", row.Descriptor, "attempts", row.Attempts)
			rep.DeadRows++
			continue
		}

		if row.Op != store.LedgerOpRetract {
			if mac, ok := portalMAC(row.SessionID); ok {
				l.retryPortalRow(ctx, row, mac, rep)
				continue
			}
		}
		l.retryRetractRow(ctx, row, rep)
	}
	return nil
}

func (l *Loop) retryPortalRow(ctx context.Context, row *store.LedgerEntry, mac ident.MAC, rep *Report) {
	active, err := l.store.ActiveSessionByMAC(mac)
	if err != nil {
		l.logger.Error("portal row session lookup failed", "entry", row.ID, "error", err)
		return
	}
	if active != nil {
		// The MAC re-authenticated since the failure; the redirect is
		// no longer wanted.
		if err := l.store.MarkLedgerState(row.ID, store.LedgerRetracted); err != nil {
			l.logger.Error("portal row close failed", "entry", row.ID, "error", err)
		}
		return
	}
	rs, err := rules.Synthesize(rules.PortalRedirect, ident.Identity{MAC: mac}, l.params)
	if err != nil {
		l.logger.Error("portal rule synthesis failed", "mac", string(mac), "error", err)
		return
	}
	octx, cancel := context.WithTimeout(ctx, l.enfTimeout)
	outcome, applyErr := l.enf.Apply(octx, rs)
	cancel()
	handles := toStrings(outcome.Handles)
	if applyErr != nil || outcome.Result != enforcer.ResultOK {
		diag := outcome.Diagnostics
		if diag == "" && applyErr != nil {
			diag = applyErr.Error()
		}
		l.store.UpdateLedgerOutcome(row.ID, store.LedgerFailed, handles, diag)
		rep.RetriedRows++
		return
	}
	if err := l.store.UpdateLedgerOutcome(row.ID, store.LedgerApplied, handles, ""); err != nil {
		l.logger.Error("portal row update failed", "entry", row.ID, "error", err)
		return
	}
	rep.RetriedRows++
}

func (l *Loop) retryRetractRow(ctx context.Context, row *store.LedgerEntry, rep *Report) {
	octx, cancel := context.WithTimeout(ctx, l.enfTimeout)
	outcome, err := l.enf.Retract(octx, toHandles(row.Handles))
	cancel()
	if err != nil || len(outcome.StillPresent) > 0 {
		diag := "handles still present"
		if err != nil {
			diag = err.Error()
		}
		l.store.FailLedgerForRetract(row.ID, row.Handles, diag)
		rep.RetriedRows++
		return
	}
	if err := l.store.UpdateLedgerOutcome(row.ID, store.LedgerRetracted, row.Handles, ""); err != nil {
		l.logger.Error("ledger retract update failed", "entry", row.ID, "error", err)
		return
	}
	rep.RetriedRows++
}

// checkDrift diffs the enforcer snapshot against APPLIED ledger rows.
// Orphan handles are retracted; ghost rows are re-applied when their
// owner is still entitled, otherwise marked FAILED for the retry path.
func (l *Loop) checkDrift(ctx context.Context, rep *Report) error {
	sctx, cancel := context.WithTimeout(ctx, l.enfTimeout)
	snap, err := l.enf.Snapshot(sctx)
	cancel()
	if err != nil {
		return err
	}
	applied, err := l.store.AppliedLedgerEntries()
	if err != nil {
		return err
	}

	ledgered := map[string]bool{}
	for _, row := range applied {
		for _, h := range row.Handles {
			ledgered[h] = true
		}
	}
	installed := map[enforcer.Handle]bool{}
	var orphans []enforcer.Handle
	for _, r := range snap {
		installed[r.Handle] = true
		if !ledgered[string(r.Handle)] {
			orphans = append(orphans, r.Handle)
		}
	}

	if len(orphans) > 0 {
		l.emit(audit.Event{
			Category: audit.CategoryRule,
			Severity: audit.SeverityWarn,
			Event:    audit.EventReconcileDrift,
			Detail:   "orphan handles retracted",
		})
		octx, cancel := context.WithTimeout(ctx, l.enfTimeout)
		outcome, err := l.enf.Retract(octx, orphans)
		cancel()
		if err != nil {
			return err
		}
		rep.OrphansRetracted += len(outcome.Retracted) + len(outcome.Missing)
	}

	for _, row := range applied {
		missing := false
		for _, h := range row.Handles {
			if !installed[enforcer.Handle(h)] {
				missing = true
				break
			}
		}
		if !missing {
			continue
		}
		if l.reapplyGhost(ctx, row) {
			rep.GhostsReapplied++
		}
	}
	return nil
}

// reapplyGhost restores an APPLIED row whose rules vanished from the
// backend. Returns true when the row was re-applied.
func (l *Loop) reapplyGhost(ctx context.Context, row *store.LedgerEntry) bool {
	var id ident.Identity
	entitled := false
	if mac, ok := portalMAC(row.SessionID); ok {
		active, err := l.store.ActiveSessionByMAC(mac)
		if err != nil {
			return false
		}
		id = ident.Identity{MAC: mac}
		entitled = active == nil
	} else {
		sess, err := l.store.GetSession(row.SessionID)
		if err == nil && sess.State == store.SessionActive {
			id = ident.Identity{MAC: sess.MAC, IP: sess.IP, Session: sess.ID}
			entitled = true
		}
	}
	if !entitled {
		l.store.UpdateLedgerOutcome(row.ID, store.LedgerFailed, nil, "rules missing from backend")
		return false
	}

	rs, err := rules.Synthesize(row.Kind, id, l.params)
	if err != nil {
		l.logger.Error("ghost rule synthesis failed", "entry", row.ID, "error", err)
		return false
	}
	octx, cancel := context.WithTimeout(ctx, l.enfTimeout)
	outcome, applyErr := l.enf.Apply(octx, rs)
	cancel()
	if applyErr != nil || outcome.Result != enforcer.ResultOK {
		l.store.UpdateLedgerOutcome(row.ID, store.LedgerFailed, toStrings(outcome.Handles), "ghost re-apply failed")
		return false
	}
	if err := l.store.UpdateLedgerOutcome(row.ID, store.LedgerApplied, toStrings(outcome.Handles), ""); err != nil {
		return false
	}
	l.emit(audit.Event{
		Category:  audit.CategoryRule,
		Event:     audit.EventReconcileRepair,
		SessionID: row.SessionID,
		Detail:    row.Descriptor,
	})
	return true
}

func (l *Loop) emit(ev audit.Event) {
	if l.sink != nil {
		l.sink.Emit(ev)
	}
}

// portalMAC extracts the MAC from a portal-redirect ledger owner key.
func portalMAC(id ident.SessionID) (ident.MAC, bool) {
	s := string(id)
	if !strings.HasPrefix(s, "portal:") {
		return "", false
	}
	return ident.MAC(strings.TrimPrefix(s, "portal:")), true
}

func toStrings(hs []enforcer.Handle) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = string(h)
	}
	return out
}

func toHandles(ss []string) []enforcer.Handle {
	out := make([]enforcer.Handle, len(ss))
	for i, s := range ss {
		out[i] = enforcer.Handle(s)
	}
	return out
}
