// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package session implements the session lifecycle: PENDING -> ACTIVE
// -> REVOKING -> TERMINATED, with PENDING allowed to fall straight to
// TERMINATED when the enforcer rejects the grant. Every enforcement
// step is written ahead to the ledger before the backend is touched;
// a crash between intent and outcome is repaired by reconciliation.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"grimm.is/gatehouse/internal/audit"
	"grimm.is/gatehouse/internal/binding"
	"grimm.is/gatehouse/internal/clock"
	"grimm.is/gatehouse/internal/enforcer"
	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/ident"
	"grimm.is/gatehouse/internal/logging"
	"grimm.is/gatehouse/internal/metrics"
	"grimm.is/gatehouse/internal/rules"
	"grimm.is/gatehouse/internal/store"
)

// Revocation reasons.
const (
	ReasonUserLogout = "USER_LOGOUT"
	ReasonExpired    = "EXPIRED"
	ReasonAdmin      = "ADMIN"
	ReasonConflict   = "CONFLICT"
	ReasonReplaced   = "REPLACED"
	ReasonApplyFail  = "APPLY_FAILED"
	ReasonAutoBlock  = "AUTO_BLOCK"
)

// portalOwner is the ledger owner key for portal-redirect entries;
// they outlive any one session, so they are keyed by MAC instead.
func portalOwner(mac ident.MAC) ident.SessionID {
	return ident.SessionID("portal:" + string(mac))
}

// GrantRequest is the input to GrantAccess. MAC and IP are raw caller
// strings; the manager normalizes and validates them.
type GrantRequest struct {
	MAC        string
	IP         string
	Duration   time.Duration
	AuthMethod string
}

// GrantResult reports a successful grant.
type GrantResult struct {
	SessionID ident.SessionID `json:"session_id"`
	ExpiresAt time.Time       `json:"expires_at"`
	// RuleSummary lists the descriptors of the applied rule sets.
	RuleSummary []string `json:"rule_summary"`
	// Idempotent is set when an identical ACTIVE session already
	// existed and was returned unchanged.
	Idempotent bool `json:"idempotent,omitempty"`
	// Conflicts lists bindings retired to make room for this grant.
	Conflicts []*store.Binding `json:"conflicts,omitempty"`
}

// RevokeResult reports a revocation.
type RevokeResult struct {
	Retracted []enforcer.Handle `json:"retracted"`
	// Residual lists handles the backend still holds; reconciliation
	// retries them.
	Residual []enforcer.Handle `json:"residual,omitempty"`
	// AlreadyTerminated is set when the session was REVOKING or
	// TERMINATED before the call.
	AlreadyTerminated bool `json:"already_terminated,omitempty"`
}

// Manager owns all Session and Binding mutation.
type Manager struct {
	store    *store.Store
	registry *binding.Registry
	enf      enforcer.Enforcer
	sink     *audit.Sink
	metrics  *metrics.Metrics
	logger   *logging.Logger
	clock    clock.Clock

	params          rules.Params
	enfTimeout      time.Duration
	defaultDuration time.Duration
	maxDuration     time.Duration
	autoBlockCount  int
}

// Options configures a Manager.
type Options struct {
	Store    *store.Store
	Registry *binding.Registry
	Enforcer enforcer.Enforcer
	Sink     *audit.Sink
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
	Clock    clock.Clock

	// Params is the network context every rule set is synthesized
	// against.
	Params rules.Params
	// EnforcerTimeout bounds each backend call (default 5s).
	EnforcerTimeout time.Duration
	// DefaultDuration is used when a grant carries none (default 1h).
	DefaultDuration time.Duration
	// MaxDuration bounds a single grant or extension (default 24h).
	MaxDuration time.Duration
	// AutoBlockSpoofCount blocks a device after this many binding
	// mismatch anomalies; zero disables auto-blocking.
	AutoBlockSpoofCount int
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.EnforcerTimeout <= 0 {
		opts.EnforcerTimeout = 5 * time.Second
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = time.Hour
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 24 * time.Hour
	}
	return &Manager{
		store:           opts.Store,
		registry:        opts.Registry,
		enf:             opts.Enforcer,
		sink:            opts.Sink,
		metrics:         opts.Metrics,
		logger:          opts.Logger.WithComponent("session"),
		clock:           opts.Clock,
		params:          opts.Params,
		enfTimeout:      opts.EnforcerTimeout,
		defaultDuration: opts.DefaultDuration,
		maxDuration:     opts.MaxDuration,
		autoBlockCount:  opts.AutoBlockSpoofCount,
	}
}

// GrantAccess authenticates a client onto the network: session row,
// binding, and the ordered enforcement bundle. Concurrent grants
// serialize on the MAC key, then the IP key.
func (m *Manager) GrantAccess(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	mac, err := ident.NormalizeMAC(req.MAC)
	if err != nil {
		return nil, err
	}
	ip, err := ident.ParseIP(req.IP)
	if err != nil {
		return nil, err
	}
	duration := req.Duration
	if duration <= 0 {
		duration = m.defaultDuration
	}
	if duration > m.maxDuration {
		return nil, errors.Errorf(errors.KindInvalidInput,
			"duration %s exceeds maximum %s", duration, m.maxDuration)
	}

	unlockMAC := m.store.LockMAC(string(mac))
	defer unlockMAC()
	unlockIP := m.store.LockIP(string(ip))
	defer unlockIP()

	if err := m.store.TouchDevice(mac); err != nil {
		return nil, err
	}
	dev, err := m.store.GetDevice(mac)
	if err != nil {
		return nil, err
	}
	if dev != nil && dev.Blocked {
		m.emit(audit.Event{
			Category: audit.CategoryAuth,
			Severity: audit.SeverityWarn,
			Event:    audit.EventSessionDenied,
			MAC:      mac, IP: ip,
			Detail: "BLOCKED_DEVICE reason=" + dev.BlockReason,
		})
		m.countGrant("denied")
		return nil, errors.Errorf(errors.KindPolicyDenied, "device %s is blocked", mac)
	}

	now := m.clock.Now()

	// Re-grant handling: identical inputs return the existing session,
	// anything else replaces it. Duration and auth method are inputs
	// too: a re-grant with a different lifetime or credential path gets
	// a fresh session, not the stale expiry.
	if existing, err := m.store.ActiveSessionByMAC(mac); err != nil {
		return nil, err
	} else if existing != nil {
		sameInputs := existing.IP == ip &&
			existing.AuthMethod == req.AuthMethod &&
			existing.ExpiresAt.Sub(existing.StartedAt) == duration
		if sameInputs && existing.ExpiresAt.After(now) {
			m.countGrant("idempotent")
			return &GrantResult{
				SessionID:  existing.ID,
				ExpiresAt:  existing.ExpiresAt,
				Idempotent: true,
			}, nil
		}
		if _, err := m.revokeLocked(ctx, existing, ReasonReplaced); err != nil {
			return nil, err
		}
	}

	// An ACTIVE session behind another MAC's claim on this IP loses it.
	// The anomaly is raised here because the revocation retires the
	// binding before the registry could observe the collision.
	if other, err := m.store.ActiveBindingByIP(ip); err != nil {
		return nil, err
	} else if other != nil && other.MAC != mac {
		if m.metrics != nil {
			m.metrics.AnomaliesTotal.WithLabelValues(audit.AnomalyIPConflict).Inc()
		}
		m.emit(audit.Event{
			Category: audit.CategoryAnomaly,
			Severity: audit.SeverityWarn,
			Event:    audit.AnomalyIPConflict,
			MAC:      other.MAC,
			IP:       ip,
			Detail:   fmt.Sprintf("ip reclaimed by mac %s", mac),
		})
		if sess, err := m.store.ActiveSessionByMAC(other.MAC); err != nil {
			return nil, err
		} else if sess != nil {
			if _, err := m.revokeLocked(ctx, sess, ReasonConflict); err != nil {
				return nil, err
			}
		}
	}

	expiresAt := now.Add(duration)
	sess := &store.Session{
		ID:         ident.SessionID(uuid.NewString()),
		MAC:        mac,
		IP:         ip,
		AuthMethod: req.AuthMethod,
		StartedAt:  now,
		ExpiresAt:  expiresAt,
		State:      store.SessionPending,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}

	_, conflicts, err := m.registry.Create(mac, ip, sess.ID, expiresAt)
	if err != nil {
		m.store.TransitionSession(sess.ID, []store.SessionState{store.SessionPending}, store.SessionTerminated)
		return nil, err
	}

	summary, applyErr := m.applyGrantRules(ctx, sess)
	if applyErr != nil {
		m.countGrant("failed")
		if err := m.compensate(ctx, sess); err != nil {
			m.logger.Error("compensating revoke failed", "session", string(sess.ID), "error", err)
		}
		m.emit(audit.Event{
			Category: audit.CategoryRule,
			Severity: audit.SeverityError,
			Event:    audit.EventEnforceFailed,
			MAC:      mac, IP: ip, SessionID: sess.ID,
			Detail: applyErr.Error(),
		})
		return nil, applyErr
	}

	ok, err := m.store.TransitionSession(sess.ID,
		[]store.SessionState{store.SessionPending}, store.SessionActive)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf(errors.KindInconsistent,
			"session %s left PENDING during grant", sess.ID)
	}

	m.countGrant("ok")
	m.refreshGauges()
	m.emit(audit.Event{
		Category: audit.CategorySession,
		Event:    audit.EventSessionGranted,
		MAC:      mac, IP: ip, SessionID: sess.ID,
		Detail: fmt.Sprintf("auth=%s expires=%s", req.AuthMethod, expiresAt.Format(time.RFC3339)),
	})
	m.logger.Info("session granted",
		"session", string(sess.ID), "mac", string(mac), "ip", string(ip),
		"expires", expiresAt.Format(time.RFC3339))

	return &GrantResult{
		SessionID:   sess.ID,
		ExpiresAt:   expiresAt,
		RuleSummary: summary,
		Conflicts:   conflicts,
	}, nil
}

// applyGrantRules executes the ordered enforcement bundle for a
// pending session: retract the MAC's portal redirect, then apply the
// four grant rule sets. Each step is ledgered before the backend call.
func (m *Manager) applyGrantRules(ctx context.Context, sess *store.Session) ([]string, error) {
	id := ident.Identity{MAC: sess.MAC, IP: sess.IP, Session: sess.ID}

	if err := m.retractPortalRedirect(ctx, sess.MAC); err != nil {
		return nil, err
	}

	sets, err := rules.ForGrant(id, m.params)
	if err != nil {
		return nil, err
	}

	var summary []string
	for _, rs := range sets {
		entry := &store.LedgerEntry{
			ID:         uuid.NewString(),
			SessionID:  sess.ID,
			Backend:    rs.Kind.Backend(),
			Kind:       rs.Kind,
			Op:         store.LedgerOpApply,
			Descriptor: rs.Descriptor(),
			State:      store.LedgerPending,
		}
		if err := m.store.AppendLedger(entry); err != nil {
			return nil, err
		}

		outcome, applyErr := m.apply(ctx, rs)
		handles := handleStrings(outcome.Handles)
		if applyErr != nil || outcome.Result != enforcer.ResultOK {
			diag := outcome.Diagnostics
			if diag == "" && applyErr != nil {
				diag = applyErr.Error()
			}
			// Landed handles of a partial apply are ours to clean up
			// right now; only a failed retract leaves the row for the
			// reconciler, flagged as a retraction so it never gets
			// re-applied.
			retractFailed := false
			if len(outcome.Handles) > 0 {
				rout, rerr := m.retract(ctx, outcome.Handles)
				retractFailed = rerr != nil || len(rout.StillPresent) > 0
			}
			var ledgerErr error
			if retractFailed {
				ledgerErr = m.store.FailLedgerForRetract(entry.ID, handles,
					diag+"; partial handles not retracted")
			} else if len(outcome.Handles) > 0 {
				ledgerErr = m.store.UpdateLedgerOutcome(entry.ID, store.LedgerRetracted, handles, diag)
			} else {
				ledgerErr = m.store.UpdateLedgerOutcome(entry.ID, store.LedgerFailed, handles, diag)
			}
			if ledgerErr != nil {
				return nil, ledgerErr
			}
			if m.metrics != nil {
				m.metrics.EnforcerFailures.WithLabelValues(string(rs.Kind), failureClass(applyErr)).Inc()
			}
			if applyErr != nil {
				return nil, applyErr
			}
			return nil, errors.Errorf(errors.KindEnforcerTransient,
				"%s apply returned %s: %s", rs.Kind, outcome.Result, diag)
		}
		if err := m.store.UpdateLedgerOutcome(entry.ID, store.LedgerApplied, handles, ""); err != nil {
			return nil, err
		}
		summary = append(summary, entry.Descriptor)
	}
	return summary, nil
}

// retractPortalRedirect removes the per-MAC redirect installed by a
// previous revocation, transitioning its ledger rows to RETRACTED.
// Absence of a redirect is normal for a first-time client.
func (m *Manager) retractPortalRedirect(ctx context.Context, mac ident.MAC) error {
	rows, err := m.store.LedgerBySession(portalOwner(mac))
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.State != store.LedgerApplied {
			continue
		}
		outcome, err := m.retract(ctx, handlesOf(row.Handles))
		if err != nil {
			m.store.FailLedgerForRetract(row.ID, row.Handles, err.Error())
			return err
		}
		if len(outcome.StillPresent) > 0 {
			// One immediate retry; reconciliation owns anything beyond.
			outcome, err = m.retract(ctx, outcome.StillPresent)
			if err != nil || len(outcome.StillPresent) > 0 {
				m.store.FailLedgerForRetract(row.ID, row.Handles, "handles still present")
				return errors.Errorf(errors.KindEnforcerTransient,
					"portal redirect for %s not fully retracted", mac)
			}
		}
		if err := m.store.UpdateLedgerOutcome(row.ID, store.LedgerRetracted, row.Handles, ""); err != nil {
			return err
		}
	}
	return nil
}

// RevokeAccess tears a session down: retract ledgered rules, retire
// the binding, restore the portal redirect, terminate. Idempotent.
func (m *Manager) RevokeAccess(ctx context.Context, id ident.SessionID, reason string) (*RevokeResult, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	return m.revokeLocked(ctx, sess, reason)
}

// revokeLocked performs the revocation steps. It takes no keyed locks;
// the REVOKING transition is the mutual exclusion point, so it is safe
// to call both directly and from inside a locked grant.
func (m *Manager) revokeLocked(ctx context.Context, sess *store.Session, reason string) (*RevokeResult, error) {
	ok, err := m.store.TransitionSession(sess.ID,
		[]store.SessionState{store.SessionActive, store.SessionPending}, store.SessionRevoking)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &RevokeResult{AlreadyTerminated: true}, nil
	}
	return m.finishRevocation(ctx, sess, reason)
}

// CompleteRevocation finishes a session stranded in REVOKING by a
// crash between the state transition and the outcome recording. Only
// the reconciler calls it; live revocations never observe REVOKING
// without an owner.
func (m *Manager) CompleteRevocation(ctx context.Context, id ident.SessionID, reason string) (*RevokeResult, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.State != store.SessionRevoking {
		return &RevokeResult{AlreadyTerminated: true}, nil
	}
	return m.finishRevocation(ctx, sess, reason)
}

func (m *Manager) finishRevocation(ctx context.Context, sess *store.Session, reason string) (*RevokeResult, error) {
	res := &RevokeResult{}
	rows, err := m.store.LedgerBySession(sess.ID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.State != store.LedgerApplied || row.Op != store.LedgerOpApply {
			continue
		}
		outcome, err := m.retract(ctx, handlesOf(row.Handles))
		if err != nil {
			m.store.FailLedgerForRetract(row.ID, row.Handles, err.Error())
			res.Residual = append(res.Residual, handlesOf(row.Handles)...)
			m.emitRetractFailure(sess, row, err.Error())
			continue
		}
		if len(outcome.StillPresent) > 0 {
			outcome2, err2 := m.retract(ctx, outcome.StillPresent)
			if err2 != nil || len(outcome2.StillPresent) > 0 {
				m.store.FailLedgerForRetract(row.ID, row.Handles, "handles still present")
				res.Residual = append(res.Residual, outcome.StillPresent...)
				m.emitRetractFailure(sess, row, "handles still present after retry")
				continue
			}
		}
		if err := m.store.UpdateLedgerOutcome(row.ID, store.LedgerRetracted, row.Handles, ""); err != nil {
			return nil, err
		}
		res.Retracted = append(res.Retracted, handlesOf(row.Handles)...)
	}

	if err := m.registry.RetireBySession(sess.ID, retireReason(reason)); err != nil {
		return nil, err
	}

	if err := m.installPortalRedirect(ctx, sess.MAC); err != nil {
		// The session still terminates; reconciliation retries the
		// redirect from its FAILED ledger row.
		m.logger.Warn("portal redirect re-apply failed",
			"mac", string(sess.MAC), "error", err)
	}

	if _, err := m.store.TransitionSession(sess.ID,
		[]store.SessionState{store.SessionRevoking}, store.SessionTerminated); err != nil {
		return nil, err
	}

	m.countRevoke(reason)
	m.refreshGauges()
	category := audit.CategorySession
	if reason == ReasonAdmin {
		category = audit.CategoryAdmin
	}
	m.emit(audit.Event{
		Category: category,
		Event:    audit.EventSessionRevoked,
		MAC:      sess.MAC, IP: sess.IP, SessionID: sess.ID,
		Detail: "reason=" + reason,
	})
	m.logger.Info("session revoked",
		"session", string(sess.ID), "mac", string(sess.MAC), "reason", reason)
	return res, nil
}

// installPortalRedirect applies a fresh per-MAC redirect, ledgered
// under the MAC's portal owner key.
func (m *Manager) installPortalRedirect(ctx context.Context, mac ident.MAC) error {
	rs, err := rules.Synthesize(rules.PortalRedirect, ident.Identity{MAC: mac}, m.params)
	if err != nil {
		return err
	}
	entry := &store.LedgerEntry{
		ID:         uuid.NewString(),
		SessionID:  portalOwner(mac),
		Backend:    rs.Kind.Backend(),
		Kind:       rs.Kind,
		Op:         store.LedgerOpApply,
		Descriptor: rs.Descriptor(),
		State:      store.LedgerPending,
	}
	if err := m.store.AppendLedger(entry); err != nil {
		return err
	}
	outcome, applyErr := m.apply(ctx, rs)
	handles := handleStrings(outcome.Handles)
	if applyErr != nil || outcome.Result != enforcer.ResultOK {
		diag := outcome.Diagnostics
		if diag == "" && applyErr != nil {
			diag = applyErr.Error()
		}
		m.store.UpdateLedgerOutcome(entry.ID, store.LedgerFailed, handles, diag)
		if applyErr != nil {
			return applyErr
		}
		return errors.Errorf(errors.KindEnforcerTransient, "portal redirect apply returned %s", outcome.Result)
	}
	return m.store.UpdateLedgerOutcome(entry.ID, store.LedgerApplied, handles, "")
}

// compensate unwinds a failed grant: PENDING falls straight to
// TERMINATED after retracting whatever landed.
func (m *Manager) compensate(ctx context.Context, sess *store.Session) error {
	_, err := m.revokeLocked(ctx, sess, ReasonApplyFail)
	return err
}

// ForceDisconnect is an operator-initiated revocation.
func (m *Manager) ForceDisconnect(ctx context.Context, id ident.SessionID, operatorID, reason string) (*RevokeResult, error) {
	res, err := m.RevokeAccess(ctx, id, ReasonAdmin)
	if err != nil {
		return nil, err
	}
	if !res.AlreadyTerminated {
		m.emit(audit.Event{
			Category:  audit.CategoryAdmin,
			Event:     audit.EventSessionRevoked,
			SessionID: id,
			Detail:    fmt.Sprintf("operator=%s reason=%s", operatorID, reason),
		})
	}
	return res, nil
}

// Extend pushes a session's expiry out. No enforcer call is needed;
// the rules are not time-scoped.
func (m *Manager) Extend(ctx context.Context, id ident.SessionID, additional time.Duration) (time.Time, error) {
	if additional <= 0 {
		return time.Time{}, errors.New(errors.KindInvalidInput, "extension must be positive")
	}
	sess, err := m.store.GetSession(id)
	if err != nil {
		return time.Time{}, err
	}
	if sess.State != store.SessionActive {
		return time.Time{}, errors.Errorf(errors.KindConflict, "session %s is %s", id, sess.State)
	}
	now := m.clock.Now()
	if !sess.ExpiresAt.After(now) {
		return time.Time{}, errors.Errorf(errors.KindConflict, "session %s has expired", id)
	}
	newExpiry := sess.ExpiresAt.Add(additional)
	if newExpiry.Sub(sess.StartedAt) > m.maxDuration {
		return time.Time{}, errors.Errorf(errors.KindPolicyDenied,
			"extension exceeds maximum session duration %s", m.maxDuration)
	}

	unlock := m.store.LockMAC(string(sess.MAC))
	defer unlock()
	if err := m.store.UpdateSessionExpiry(id, newExpiry); err != nil {
		return time.Time{}, err
	}
	if err := m.registry.Extend(id, newExpiry); err != nil {
		return time.Time{}, err
	}
	m.emit(audit.Event{
		Category:  audit.CategorySession,
		Event:     audit.EventSessionExtended,
		MAC:       sess.MAC, IP: sess.IP, SessionID: id,
		Detail:    "expires=" + newExpiry.Format(time.RFC3339),
	})
	return newExpiry, nil
}

// HasActiveSession is the portal's fast-path predicate.
func (m *Manager) HasActiveSession(mac ident.MAC) (bool, error) {
	sess, err := m.store.ActiveSessionByMAC(mac)
	if err != nil {
		return false, err
	}
	return sess != nil && sess.ExpiresAt.After(m.clock.Now()), nil
}

// ListSessions exposes session rows for the API.
func (m *Manager) ListSessions(state store.SessionState) ([]*store.Session, error) {
	return m.store.ListSessions(state)
}

// GetSession exposes a single session for the API.
func (m *Manager) GetSession(id ident.SessionID) (*store.Session, error) {
	return m.store.GetSession(id)
}

// RunAutoBlock consumes binding-mismatch anomalies from the audit sink
// and blocks devices that cross the spoof threshold, revoking any
// active session they hold. Blocks until ctx is done.
func (m *Manager) RunAutoBlock(ctx context.Context) {
	if m.autoBlockCount <= 0 || m.sink == nil {
		<-ctx.Done()
		return
	}
	events, cancel := m.sink.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Event != audit.AnomalyBindingMismatch || ev.MAC == "" {
				continue
			}
			n, err := m.store.IncrementSpoofCount(ev.MAC)
			if err != nil {
				m.logger.Error("spoof count failed", "mac", string(ev.MAC), "error", err)
				continue
			}
			if n < m.autoBlockCount {
				continue
			}
			m.blockForSpoofing(ctx, ev.MAC, n)
		}
	}
}

func (m *Manager) blockForSpoofing(ctx context.Context, mac ident.MAC, count int) {
	if err := m.store.BlockDevice(mac, ReasonAutoBlock); err != nil {
		m.logger.Error("auto-block failed", "mac", string(mac), "error", err)
		return
	}
	m.logger.Warn("device auto-blocked for spoofing", "mac", string(mac), "mismatches", count)
	m.emit(audit.Event{
		Category: audit.CategoryAnomaly,
		Severity: audit.SeverityError,
		Event:    audit.EventDeviceBlocked,
		MAC:      mac,
		Detail:   fmt.Sprintf("binding mismatches=%d", count),
	})
	if sess, err := m.store.ActiveSessionByMAC(mac); err == nil && sess != nil {
		if _, err := m.revokeLocked(ctx, sess, ReasonAutoBlock); err != nil {
			m.logger.Error("auto-block revoke failed", "session", string(sess.ID), "error", err)
		}
	}
}

func (m *Manager) apply(ctx context.Context, rs rules.RuleSet) (enforcer.ApplyOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, m.enfTimeout)
	defer cancel()
	return m.enf.Apply(ctx, rs)
}

func (m *Manager) retract(ctx context.Context, handles []enforcer.Handle) (enforcer.RetractOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, m.enfTimeout)
	defer cancel()
	return m.enf.Retract(ctx, handles)
}

func (m *Manager) emit(ev audit.Event) {
	if m.sink != nil {
		m.sink.Emit(ev)
	}
}

func (m *Manager) emitRetractFailure(sess *store.Session, row *store.LedgerEntry, detail string) {
	m.emit(audit.Event{
		Category:  audit.CategoryRule,
		Severity:  audit.SeverityError,
		Event:     audit.EventRetractFailed,
		MAC:       sess.MAC, SessionID: sess.ID,
		Detail:    row.Descriptor + ": " + detail,
	})
}

func (m *Manager) countGrant(result string) {
	if m.metrics != nil {
		m.metrics.GrantsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) countRevoke(trigger string) {
	if m.metrics != nil {
		m.metrics.RevokesTotal.WithLabelValues(trigger).Inc()
	}
}

func (m *Manager) refreshGauges() {
	if m.metrics == nil {
		return
	}
	if active, err := m.store.ListSessions(store.SessionActive); err == nil {
		m.metrics.ActiveSessions.Set(float64(len(active)))
	}
	m.registry.RefreshGauges()
}

func retireReason(revokeReason string) string {
	switch revokeReason {
	case ReasonExpired:
		return store.RetireExpired
	case ReasonAdmin:
		return store.RetireManual
	default:
		return store.RetireSessionEnd
	}
}

func failureClass(err error) string {
	switch errors.GetKind(err) {
	case errors.KindEnforcerPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

func handleStrings(hs []enforcer.Handle) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = string(h)
	}
	return out
}

func handlesOf(ss []string) []enforcer.Handle {
	out := make([]enforcer.Handle, len(ss))
	for i, s := range ss {
		out[i] = enforcer.Handle(s)
	}
	return out
}
