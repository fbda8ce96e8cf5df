// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config provides HCL configuration handling for gatehouse.
// The Config object is immutable after load; components receive it at
// construction and never mutate it.
package config

import (
	"time"
)

// EnforcerMode selects the enforcement backend at deployment time.
type EnforcerMode string

const (
	ModeSimulation EnforcerMode = "simulation"
	ModeActive     EnforcerMode = "active"
)

// Config is the root configuration object.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional"`
	LogLevel      string `hcl:"log_level,optional"`
	StateDir      string `hcl:"state_dir,optional"`

	Interfaces     InterfacesConfig     `hcl:"interfaces,block"`
	Network        NetworkConfig        `hcl:"network,block"`
	Enforcer       EnforcerConfig       `hcl:"enforcer,block"`
	Session        SessionConfig        `hcl:"session,block"`
	Reconciliation ReconciliationConfig `hcl:"reconciliation,block"`
	Audit          AuditConfig          `hcl:"audit,block"`
	RateLimit      *RateLimitConfig     `hcl:"rate_limit,block"`
	API            APIConfig            `hcl:"api,block"`
}

// InterfacesConfig names the client-facing and upstream interfaces.
// The names are opaque to the core; only the enforcer interprets them.
type InterfacesConfig struct {
	Client   string `hcl:"client"`
	Upstream string `hcl:"upstream"`
}

// NetworkConfig describes the captive segment's addressing.
type NetworkConfig struct {
	PortalIP   string `hcl:"portal_ip"`
	PortalPort int    `hcl:"portal_port"`
	Subnet     string `hcl:"subnet"`
	GatewayIP  string `hcl:"gateway_ip"`
	// GatewayMAC may be left blank; the active enforcer discovers it
	// from the neighbor table.
	GatewayMAC    string `hcl:"gateway_mac,optional"`
	RedirectHTTPS bool   `hcl:"redirect_https,optional"`
}

// EnforcerConfig selects and tunes the enforcement backend.
type EnforcerConfig struct {
	Mode           EnforcerMode `hcl:"mode,optional"`
	TimeoutSeconds int          `hcl:"timeout_seconds,optional"`
}

// Timeout returns the per-operation enforcer deadline.
func (e EnforcerConfig) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// SessionConfig tunes session lifetimes.
type SessionConfig struct {
	DefaultDurationSeconds int `hcl:"default_duration_seconds,optional"`
	MaxDurationSeconds     int `hcl:"max_duration_seconds,optional"`
	// AutoBlockSpoofCount blocks a device after this many binding
	// mismatch anomalies. Zero disables auto-blocking.
	AutoBlockSpoofCount int `hcl:"auto_block_spoof_count,optional"`
}

// DefaultDuration returns the session duration used when a grant does
// not specify one.
func (s SessionConfig) DefaultDuration() time.Duration {
	if s.DefaultDurationSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(s.DefaultDurationSeconds) * time.Second
}

// MaxDuration returns the upper bound on a single grant.
func (s SessionConfig) MaxDuration() time.Duration {
	if s.MaxDurationSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.MaxDurationSeconds) * time.Second
}

// ReconciliationConfig tunes the cleanup loop.
type ReconciliationConfig struct {
	IntervalSeconds    int `hcl:"interval_seconds,optional"`
	GraceSeconds       int `hcl:"grace_seconds,optional"`
	RetryBudget        int `hcl:"retry_budget,optional"`
	RapidRebindPerHour int `hcl:"rapid_rebind_per_hour,optional"`
}

// Interval returns the loop cadence (default 60s).
func (r ReconciliationConfig) Interval() time.Duration {
	if r.IntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Grace returns the expiry grace period (default 5s).
func (r ReconciliationConfig) Grace() time.Duration {
	if r.GraceSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.GraceSeconds) * time.Second
}

// Budget returns the FAILED-row retry budget (default 3).
func (r ReconciliationConfig) Budget() int {
	if r.RetryBudget <= 0 {
		return 3
	}
	return r.RetryBudget
}

// RebindThreshold returns the RAPID_REBIND per-hour threshold (default 6).
func (r ReconciliationConfig) RebindThreshold() int {
	if r.RapidRebindPerHour <= 0 {
		return 6
	}
	return r.RapidRebindPerHour
}

// AuditConfig tunes the audit sink.
type AuditConfig struct {
	RetentionHours int    `hcl:"retention_hours,optional"`
	BufferSize     int    `hcl:"buffer_size,optional"`
	SyslogHost     string `hcl:"syslog_host,optional"`
	SyslogPort     int    `hcl:"syslog_port,optional"`
}

// Retention returns how long audit rows are kept (default 7 days).
func (a AuditConfig) Retention() time.Duration {
	if a.RetentionHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(a.RetentionHours) * time.Hour
}

// Buffer returns the sink channel capacity (default 1024).
func (a AuditConfig) Buffer() int {
	if a.BufferSize <= 0 {
		return 1024
	}
	return a.BufferSize
}

// RateLimitConfig is honored by the portal façade; the core only records
// the resulting device blocks.
type RateLimitConfig struct {
	MaxAttempts   int `hcl:"max_attempts,optional"`
	WindowSeconds int `hcl:"window_seconds,optional"`
}

// APIConfig configures the control API listener.
type APIConfig struct {
	Listen string `hcl:"listen,optional"`
	// OperatorTokens authorize write operations. An empty list makes
	// the API read-only.
	OperatorTokens []string `hcl:"operator_tokens,optional"`
	// OpenReads allows unauthenticated read endpoints (deployment choice).
	OpenReads bool `hcl:"open_reads,optional"`
}

// ListenAddr returns the API listen address (default localhost only).
func (a APIConfig) ListenAddr() string {
	if a.Listen == "" {
		return "127.0.0.1:8089"
	}
	return a.Listen
}
