// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides a time source abstraction so that session expiry
// and reconciliation can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source interface. Production code uses the system
// clock; tests inject a MockClock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

var (
	defaultMu    sync.RWMutex
	defaultClock Clock = SystemClock{}
)

// Now returns the current time from the default clock.
func Now() time.Time {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultClock.Now()
}

// Default returns the process-wide default clock.
func Default() Clock {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultClock
}

// SetDefault replaces the process-wide default clock.
// Intended for simulation and tests only.
func SetDefault(c Clock) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultClock = c
}
