// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package enforcer provides the capability that installs and removes
// packet-filter rules. Two backends implement it: the active backend
// mutates the host's nftables state, the simulator records intent in
// memory. Callers never branch on which backend they hold.
package enforcer

import (
	"context"

	"grimm.is/gatehouse/internal/ident"
	"grimm.is/gatehouse/internal/rules"
)

// Handle is an opaque reference to one installed concrete rule.
type Handle string

// Result classifies the outcome of an Apply call.
type Result string

const (
	ResultOK      Result = "ok"
	ResultPartial Result = "partial"
	ResultFailed  Result = "failed"
)

// DiagTimeout is the diagnostics tag for a backend deadline expiry.
const DiagTimeout = "RULE_BACKEND_TIMEOUT"

// ApplyOutcome reports an Apply call. On PARTIAL, Handles lists the
// rules that actually landed; the caller owns their retraction.
type ApplyOutcome struct {
	Handles     []Handle
	Result      Result
	Diagnostics string
}

// RetractOutcome reports a Retract call. Missing handles are not an
// error; retraction is idempotent.
type RetractOutcome struct {
	Retracted    []Handle
	StillPresent []Handle
	Missing      []Handle
}

// InstalledRule is one entry of a Snapshot.
type InstalledRule struct {
	Handle     Handle        `json:"handle"`
	Kind       rules.Kind    `json:"kind"`
	Backend    rules.Backend `json:"backend"`
	MAC        ident.MAC     `json:"mac"`
	IP         ident.IP      `json:"ip,omitempty"`
	Descriptor string        `json:"descriptor"`
}

// Enforcer is the enforcement-plane capability. Implementations hold no
// cross-call state beyond installed rule handles. Every operation
// honors the context deadline; on expiry the operation fails with
// KindEnforcerTransient and DiagTimeout diagnostics.
type Enforcer interface {
	// Apply installs the concrete rules for one rule set and returns a
	// handle per installed rule.
	Apply(ctx context.Context, rs rules.RuleSet) (ApplyOutcome, error)

	// Retract removes the rules behind the given handles.
	Retract(ctx context.Context, handles []Handle) (RetractOutcome, error)

	// Snapshot lists the rules currently installed. It is consistent
	// within one call; used only by reconciliation and inspection.
	Snapshot(ctx context.Context) ([]InstalledRule, error)
}
