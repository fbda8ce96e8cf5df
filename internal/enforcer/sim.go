// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package enforcer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/rules"
)

// Simulator is the in-memory enforcement backend. It records intent,
// signals success, and supports explicit fault injection for tests.
// All operations are safe for concurrent use.
type Simulator struct {
	mu sync.Mutex

	installed map[Handle]InstalledRule
	params    map[Handle]rules.Params // retained for frame evaluation
	order     []Handle                // snapshot ordering, oldest first

	// Fault injection. Counts decrement per matching call.
	failNext    map[rules.Kind]int
	partialNext map[rules.Kind]int
	sticky      map[Handle]int // retracts that report stillPresent

	applyCalls   int
	retractCalls int
}

// NewSimulator creates an empty simulator backend.
func NewSimulator() *Simulator {
	return &Simulator{
		installed:   make(map[Handle]InstalledRule),
		params:      make(map[Handle]rules.Params),
		failNext:    make(map[rules.Kind]int),
		partialNext: make(map[rules.Kind]int),
		sticky:      make(map[Handle]int),
	}
}

// FaultNextApply makes the next n Apply calls for the given kind fail
// without installing anything.
func (s *Simulator) FaultNextApply(kind rules.Kind, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[kind] += n
}

// PartialNextApply makes the next n Apply calls for the given kind
// install their rule but report PARTIAL, leaving retraction to the
// caller.
func (s *Simulator) PartialNextApply(kind rules.Kind, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partialNext[kind] += n
}

// StickHandle makes the next n Retract calls for the handle report it
// as still present.
func (s *Simulator) StickHandle(h Handle, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sticky[h] += n
}

// Apply implements Enforcer.
func (s *Simulator) Apply(ctx context.Context, rs rules.RuleSet) (ApplyOutcome, error) {
	if err := ctx.Err(); err != nil {
		return ApplyOutcome{Result: ResultFailed, Diagnostics: DiagTimeout},
			errors.Wrap(err, errors.KindEnforcerTransient, DiagTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCalls++

	if s.failNext[rs.Kind] > 0 {
		s.failNext[rs.Kind]--
		return ApplyOutcome{Result: ResultFailed, Diagnostics: "injected fault"},
			errors.Errorf(errors.KindEnforcerTransient, "simulated %s failure", rs.Kind)
	}

	h := Handle(uuid.NewString())
	s.installed[h] = InstalledRule{
		Handle:     h,
		Kind:       rs.Kind,
		Backend:    rs.Kind.Backend(),
		MAC:        rs.Identity.MAC,
		IP:         rs.Identity.IP,
		Descriptor: rs.Descriptor(),
	}
	s.params[h] = rs.Params
	s.order = append(s.order, h)

	if s.partialNext[rs.Kind] > 0 {
		s.partialNext[rs.Kind]--
		return ApplyOutcome{Handles: []Handle{h}, Result: ResultPartial, Diagnostics: "injected partial"}, nil
	}
	return ApplyOutcome{Handles: []Handle{h}, Result: ResultOK}, nil
}

// Retract implements Enforcer. Missing handles are reported, not failed.
func (s *Simulator) Retract(ctx context.Context, handles []Handle) (RetractOutcome, error) {
	if err := ctx.Err(); err != nil {
		return RetractOutcome{}, errors.Wrap(err, errors.KindEnforcerTransient, DiagTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.retractCalls++

	var out RetractOutcome
	for _, h := range handles {
		if _, ok := s.installed[h]; !ok {
			out.Missing = append(out.Missing, h)
			continue
		}
		if s.sticky[h] > 0 {
			s.sticky[h]--
			out.StillPresent = append(out.StillPresent, h)
			continue
		}
		delete(s.installed, h)
		delete(s.params, h)
		out.Retracted = append(out.Retracted, h)
	}
	if len(out.Retracted) > 0 {
		kept := s.order[:0]
		for _, h := range s.order {
			if _, ok := s.installed[h]; ok {
				kept = append(kept, h)
			}
		}
		s.order = kept
	}
	return out, nil
}

// Snapshot implements Enforcer.
func (s *Simulator) Snapshot(ctx context.Context) ([]InstalledRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindEnforcerTransient, DiagTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InstalledRule, 0, len(s.order))
	for _, h := range s.order {
		out = append(out, s.installed[h])
	}
	return out, nil
}

// Calls returns the apply and retract call counts since the last reset.
// Used by tests to assert reconciliation quiescence.
func (s *Simulator) Calls() (applies, retracts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyCalls, s.retractCalls
}

// ResetCalls zeroes the call counters.
func (s *Simulator) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCalls, s.retractCalls = 0, 0
}
