// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"grimm.is/gatehouse/internal/audit"
	"grimm.is/gatehouse/internal/binding"
	"grimm.is/gatehouse/internal/clock"
	"grimm.is/gatehouse/internal/enforcer"
	"grimm.is/gatehouse/internal/ident"
	"grimm.is/gatehouse/internal/rules"
	"grimm.is/gatehouse/internal/session"
	"grimm.is/gatehouse/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testMAC = "aa:bb:cc:dd:ee:01"
	testIP  = "192.168.4.10"
)

type fixture struct {
	loop     *Loop
	manager  *session.Manager
	registry *binding.Registry
	sim      *enforcer.Simulator
	store    *store.Store
	sink     *audit.Sink
	clock    *clock.MockClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.Open(store.Options{Path: ":memory:", Clock: mc})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := audit.NewSink(audit.Options{Store: st, Clock: mc})
	t.Cleanup(sink.Close)

	reg := binding.NewRegistry(binding.Options{Store: st, Sink: sink, Clock: mc})
	sim := enforcer.NewSimulator()

	params := rules.Params{
		ClientInterface:   "br-lan",
		UpstreamInterface: "eth0",
		PortalIP:          "192.168.4.1",
		PortalPort:        8080,
		GatewayIP:         "192.168.4.1",
		GatewayMAC:        "02:00:00:00:00:01",
		RedirectHTTPS:     true,
	}
	mgr := session.NewManager(session.Options{
		Store: st, Registry: reg, Enforcer: sim, Sink: sink, Clock: mc,
		Params: params,
	})
	loop := NewLoop(Options{
		Store: st, Registry: reg, Manager: mgr, Enforcer: sim, Sink: sink, Clock: mc,
		Params:         params,
		Interval:       time.Minute,
		Grace:          5 * time.Second,
		RetryBudget:    3,
		AuditRetention: 24 * time.Hour,
	})
	return &fixture{loop: loop, manager: mgr, registry: reg, sim: sim, store: st, sink: sink, clock: mc}
}

func (f *fixture) grant(t *testing.T, duration time.Duration) *session.GrantResult {
	t.Helper()
	res, err := f.manager.GrantAccess(context.Background(), session.GrantRequest{
		MAC: testMAC, IP: testIP, Duration: duration, AuthMethod: "voucher",
	})
	require.NoError(t, err)
	return res
}

func TestExpiryAndCleanup(t *testing.T) {
	f := newFixture(t)

	res := f.grant(t, time.Second)

	// Inside the grace window nothing happens.
	f.clock.Advance(2 * time.Second)
	rep, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.ExpiredSessions)

	f.clock.Advance(10 * time.Second)
	rep, err = f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ExpiredSessions)

	sess, err := f.manager.GetSession(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionTerminated, sess.State)

	v, err := f.registry.Validate(testMAC, testIP)
	require.NoError(t, err)
	assert.Equal(t, binding.ReasonNoBinding, v.Reason)

	// The portal redirect is back for the MAC.
	snap, err := f.sim.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, rules.PortalRedirect, snap[0].Kind)
}

func TestFixedPointOnQuiescentSystem(t *testing.T) {
	f := newFixture(t)

	f.grant(t, time.Hour)
	f.sink.Flush()

	applied, err := f.store.AppliedLedgerEntries()
	require.NoError(t, err)

	f.sim.ResetCalls()
	rep, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)

	applies, retracts := f.sim.Calls()
	assert.Zero(t, applies, "quiescent pass must not call Apply")
	assert.Zero(t, retracts, "quiescent pass must not call Retract")
	assert.Zero(t, rep.ExpiredSessions)
	assert.Zero(t, rep.RetriedRows)
	assert.Zero(t, rep.OrphansRetracted)
	assert.Zero(t, rep.GhostsReapplied)

	after, err := f.store.AppliedLedgerEntries()
	require.NoError(t, err)
	require.Len(t, after, len(applied))
	for i := range after {
		assert.Equal(t, applied[i].State, after[i].State)
		assert.Equal(t, applied[i].Attempts, after[i].Attempts)
	}
}

func TestFailedRowRetryToDead(t *testing.T) {
	f := newFixture(t)

	res := f.grant(t, time.Hour)
	snap, err := f.sim.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, snap)

	// The handle survives every retraction attempt.
	f.sim.StickHandle(snap[0].Handle, 100)

	_, err = f.manager.RevokeAccess(context.Background(), res.SessionID, session.ReasonUserLogout)
	require.NoError(t, err)

	failed, err := f.store.LedgerByState(store.LedgerFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// Attempts: 1 from apply, 1 from the failed revoke. The retry
	// brings it to the budget of 3; the pass after that promotes DEAD.
	rep, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RetriedRows)

	rep, err = f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.DeadRows)

	dead, err := f.store.LedgerByState(store.LedgerDead)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	f.sink.Flush()
	recs, err := f.store.ListAuditRecords(0)
	require.NoError(t, err)
	found := false
	for _, r := range recs {
		if r.Event == audit.EventLedgerDead {
			found = true
			assert.Equal(t, audit.SeverityCritical, r.Severity)
		}
	}
	assert.True(t, found, "DEAD promotion must raise a critical audit event")
}

func TestOrphanHandlesRetracted(t *testing.T) {
	f := newFixture(t)

	f.grant(t, time.Hour)

	// Install a rule behind the ledger's back.
	rs, err := rules.Synthesize(rules.GrantEgress,
		ident.Identity{MAC: "aa:bb:cc:dd:ee:99", IP: "192.168.4.99", Session: "rogue"},
		rules.Params{PortalIP: "192.168.4.1", PortalPort: 8080})
	require.NoError(t, err)
	outcome, err := f.sim.Apply(context.Background(), rs)
	require.NoError(t, err)
	require.Len(t, outcome.Handles, 1)

	rep, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrphansRetracted)

	snap, err := f.sim.Snapshot(context.Background())
	require.NoError(t, err)
	for _, r := range snap {
		assert.NotEqual(t, outcome.Handles[0], r.Handle, "orphan must be gone")
	}
	assert.Len(t, snap, 4, "the session's own rules survive")
}

func TestGhostRowsReapplied(t *testing.T) {
	f := newFixture(t)

	res := f.grant(t, time.Hour)

	// Remove one installed rule behind the ledger's back.
	snap, err := f.sim.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap, 4)
	_, err = f.sim.Retract(context.Background(), []enforcer.Handle{snap[0].Handle})
	require.NoError(t, err)

	rep, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.GhostsReapplied)

	snap, err = f.sim.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 4, "ghost rule restored")

	// The restored handle is ledgered; a second pass is a fixed point.
	f.sim.ResetCalls()
	rep, err = f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.GhostsReapplied)
	applies, retracts := f.sim.Calls()
	assert.Zero(t, applies+retracts)

	sess, err := f.manager.GetSession(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, sess.State)
}

func TestGhostForTerminatedSessionMarkedFailed(t *testing.T) {
	f := newFixture(t)

	res := f.grant(t, time.Hour)

	// Terminate the session without touching the backend, then clear
	// the backend entirely: APPLIED rows now point at nothing and the
	// owner is gone.
	ok, err := f.store.TransitionSession(res.SessionID,
		[]store.SessionState{store.SessionActive}, store.SessionTerminated)
	require.NoError(t, err)
	require.True(t, ok)

	snap, err := f.sim.Snapshot(context.Background())
	require.NoError(t, err)
	var handles []enforcer.Handle
	for _, r := range snap {
		handles = append(handles, r.Handle)
	}
	_, err = f.sim.Retract(context.Background(), handles)
	require.NoError(t, err)

	rep, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.GhostsReapplied)

	failed, err := f.store.LedgerByState(store.LedgerFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 4, "ghost rows of a dead session go to FAILED")
}

func TestStaleSessionRepair(t *testing.T) {
	f := newFixture(t)

	// A PENDING session whose owner crashed mid-grant.
	sess := &store.Session{
		ID:        ident.SessionID(uuid.NewString()),
		MAC:       testMAC,
		IP:        testIP,
		StartedAt: f.clock.Now(),
		ExpiresAt: f.clock.Now().Add(time.Hour),
		State:     store.SessionPending,
	}
	require.NoError(t, f.store.CreateSession(sess))

	// Too fresh to touch.
	rep, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.StaleRepaired)

	f.clock.Advance(2 * time.Minute)
	rep, err = f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.StaleRepaired)

	got, err := f.manager.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionTerminated, got.State)
}

func TestCrashBetweenWriteAheadAndOutcome(t *testing.T) {
	f := newFixture(t)

	// Reconstruct the moment of death: a PENDING session, a write-ahead
	// row with no recorded outcome, and the rule already in the backend
	// without its handle ledgered.
	sid := ident.SessionID(uuid.NewString())
	require.NoError(t, f.store.CreateSession(&store.Session{
		ID:        sid,
		MAC:       testMAC,
		IP:        testIP,
		StartedAt: f.clock.Now(),
		ExpiresAt: f.clock.Now().Add(time.Hour),
		State:     store.SessionPending,
	}))

	rs, err := rules.Synthesize(rules.GrantEgress,
		ident.Identity{MAC: testMAC, IP: testIP, Session: sid},
		rules.Params{PortalIP: "192.168.4.1", PortalPort: 8080})
	require.NoError(t, err)
	outcome, err := f.sim.Apply(context.Background(), rs)
	require.NoError(t, err)
	require.NotEmpty(t, outcome.Handles)

	require.NoError(t, f.store.AppendLedger(&store.LedgerEntry{
		ID:         uuid.NewString(),
		SessionID:  sid,
		Backend:    rules.GrantEgress.Backend(),
		Kind:       rules.GrantEgress,
		Op:         store.LedgerOpApply,
		Descriptor: rs.Descriptor(),
		State:      store.LedgerPending,
	}))

	f.clock.Advance(2 * time.Minute)
	rep, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.StaleRepaired)
	assert.Equal(t, 1, rep.OrphansRetracted, "the unledgered install is swept as drift")

	sess, err := f.manager.GetSession(sid)
	require.NoError(t, err)
	assert.Equal(t, store.SessionTerminated, sess.State)

	// Never a mixed state: only the restored portal redirect remains,
	// and no row for the session is still APPLIED.
	snap, err := f.sim.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, rules.PortalRedirect, snap[0].Kind)

	rows, err := f.store.LedgerBySession(sid)
	require.NoError(t, err)
	for _, row := range rows {
		assert.NotEqual(t, store.LedgerApplied, row.State)
		assert.NotEqual(t, store.LedgerPending, row.State)
	}
}

func TestRetractGoalRowNeverReapplied(t *testing.T) {
	f := newFixture(t)

	// A revocation that could not remove the redirect leaves a FAILED
	// row whose operation is retract. The MAC has no active session,
	// which is exactly when a redirect apply row would be re-applied;
	// a retract row must still only ever lose its handles.
	rs, err := rules.Synthesize(rules.PortalRedirect,
		ident.Identity{MAC: testMAC},
		rules.Params{PortalIP: "192.168.4.1", PortalPort: 8080})
	require.NoError(t, err)
	outcome, err := f.sim.Apply(context.Background(), rs)
	require.NoError(t, err)
	require.NotEmpty(t, outcome.Handles)

	owner := ident.SessionID("portal:" + testMAC)
	require.NoError(t, f.store.AppendLedger(&store.LedgerEntry{
		ID:         uuid.NewString(),
		SessionID:  owner,
		Backend:    rules.PortalRedirect.Backend(),
		Kind:       rules.PortalRedirect,
		Op:         store.LedgerOpRetract,
		Descriptor: rs.Descriptor(),
		Handles:    toStrings(outcome.Handles),
		State:      store.LedgerFailed,
	}))

	_, err = f.loop.RunOnce(context.Background())
	require.NoError(t, err)

	rows, err := f.store.LedgerBySession(owner)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.LedgerRetracted, rows[0].State)

	snap, err := f.sim.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap, "the stuck handle was removed, not re-applied")
}

func TestAuditPruning(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.InsertAuditRecord(&store.AuditRecord{
		Timestamp: f.clock.Now(), Category: audit.CategorySession,
		Severity: audit.SeverityInfo, Event: audit.EventSessionGranted,
	}))

	f.clock.Advance(48 * time.Hour)
	rep, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.AuditPruned)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.loop.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
}
