// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package enforcer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/ident"
	"grimm.is/gatehouse/internal/rules"
)

func simParams() rules.Params {
	return rules.Params{
		ClientInterface:   "br-lan",
		UpstreamInterface: "eth0",
		PortalIP:          "192.168.4.1",
		PortalPort:        8080,
		GatewayIP:         "192.168.4.1",
		GatewayMAC:        "02:00:00:00:00:01",
		RedirectHTTPS:     true,
	}
}

func simIdentity() ident.Identity {
	return ident.Identity{MAC: "aa:bb:cc:dd:ee:01", IP: "192.168.4.10", Session: "s1"}
}

func TestSimulatorApplyRetract(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()

	rs, err := rules.Synthesize(rules.GrantEgress, simIdentity(), simParams())
	require.NoError(t, err)

	out, err := sim.Apply(ctx, rs)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, out.Result)
	require.Len(t, out.Handles, 1)

	snap, err := sim.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, rules.GrantEgress, snap[0].Kind)
	assert.Equal(t, rules.BackendL3, snap[0].Backend)

	ret, err := sim.Retract(ctx, out.Handles)
	require.NoError(t, err)
	assert.Len(t, ret.Retracted, 1)
	assert.Empty(t, ret.StillPresent)

	// Retraction is idempotent: a second retract reports missing.
	ret, err = sim.Retract(ctx, out.Handles)
	require.NoError(t, err)
	assert.Len(t, ret.Missing, 1)
	assert.Empty(t, ret.Retracted)

	snap, err = sim.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestSimulatorFaultInjection(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()

	rs, err := rules.Synthesize(rules.IsolateL2, simIdentity(), simParams())
	require.NoError(t, err)

	sim.FaultNextApply(rules.IsolateL2, 1)

	out, err := sim.Apply(ctx, rs)
	require.Error(t, err)
	assert.Equal(t, ResultFailed, out.Result)
	assert.Equal(t, errors.KindEnforcerTransient, errors.GetKind(err))
	assert.Empty(t, out.Handles)

	// The fault was one-shot.
	out, err = sim.Apply(ctx, rs)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, out.Result)
}

func TestSimulatorPartial(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()

	rs, err := rules.Synthesize(rules.BindGuard, simIdentity(), simParams())
	require.NoError(t, err)

	sim.PartialNextApply(rules.BindGuard, 1)
	out, err := sim.Apply(ctx, rs)
	require.NoError(t, err)
	assert.Equal(t, ResultPartial, out.Result)
	// On PARTIAL, installed handles are returned for caller cleanup.
	require.Len(t, out.Handles, 1)

	snap, _ := sim.Snapshot(ctx)
	assert.Len(t, snap, 1)
}

func TestSimulatorStickyHandle(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()

	rs, _ := rules.Synthesize(rules.ARPGuard, simIdentity(), simParams())
	out, err := sim.Apply(ctx, rs)
	require.NoError(t, err)

	h := out.Handles[0]
	sim.StickHandle(h, 1)

	ret, err := sim.Retract(ctx, []Handle{h})
	require.NoError(t, err)
	assert.Contains(t, ret.StillPresent, h)

	// Retry succeeds once the stickiness is consumed.
	ret, err = sim.Retract(ctx, []Handle{h})
	require.NoError(t, err)
	assert.Contains(t, ret.Retracted, h)
}

func TestSimulatorDeadline(t *testing.T) {
	sim := NewSimulator()
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	rs, _ := rules.Synthesize(rules.PortalRedirect, simIdentity(), simParams())
	out, err := sim.Apply(ctx, rs)
	require.Error(t, err)
	assert.Equal(t, errors.KindEnforcerTransient, errors.GetKind(err))
	assert.Equal(t, DiagTimeout, out.Diagnostics)
}
