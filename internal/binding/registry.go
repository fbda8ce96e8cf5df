// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package binding implements the authoritative MAC-IP registry with
// conflict retirement and spoof analytics. The registry never talks
// to the session layer directly; anomalies travel through the audit
// sink and are acted on by whoever subscribes.
package binding

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"grimm.is/gatehouse/internal/audit"
	"grimm.is/gatehouse/internal/clock"
	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/ident"
	"grimm.is/gatehouse/internal/logging"
	"grimm.is/gatehouse/internal/metrics"
	"grimm.is/gatehouse/internal/store"
)

// Validation failure reasons.
const (
	ReasonNoBinding  = "NO_BINDING"
	ReasonIPMismatch = "IP_MISMATCH"
	ReasonExpired    = "EXPIRED"
)

// ValidateResult is the outcome of a MAC-IP identity check.
type ValidateResult struct {
	OK         bool     `json:"ok"`
	Reason     string   `json:"reason,omitempty"`
	ExpectedIP ident.IP `json:"expected_ip,omitempty"`
}

// Anomaly is a derived observation about binding state. It is surfaced
// through the audit sink, never stored authoritatively.
type Anomaly struct {
	Kind       string      `json:"kind"`
	MACs       []ident.MAC `json:"macs,omitempty"`
	IP         ident.IP    `json:"ip,omitempty"`
	ObservedAt time.Time   `json:"observed_at"`
	Detail     string      `json:"detail,omitempty"`
}

// Registry owns MAC-IP binding state.
type Registry struct {
	store   *store.Store
	sink    *audit.Sink
	metrics *metrics.Metrics
	logger  *logging.Logger
	clock   clock.Clock

	rebindThreshold int
	rebindWindow    time.Duration
}

// Options configures a Registry.
type Options struct {
	Store   *store.Store
	Sink    *audit.Sink
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	Clock   clock.Clock
	// RebindThreshold is the binding count within RebindWindow that
	// flags a MAC as RAPID_REBIND. <= 0 uses 6.
	RebindThreshold int
	RebindWindow    time.Duration
}

// NewRegistry creates a Registry.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.RebindThreshold <= 0 {
		opts.RebindThreshold = 6
	}
	if opts.RebindWindow <= 0 {
		opts.RebindWindow = time.Hour
	}
	return &Registry{
		store:           opts.Store,
		sink:            opts.Sink,
		metrics:         opts.Metrics,
		logger:          opts.Logger.WithComponent("binding"),
		clock:           opts.Clock,
		rebindThreshold: opts.RebindThreshold,
		rebindWindow:    opts.RebindWindow,
	}
}

// Create installs a new ACTIVE binding for the identity, retiring any
// conflicting bindings. Conflicts are returned and emitted as
// anomalies; they are warnings, not failures.
func (r *Registry) Create(mac ident.MAC, ip ident.IP, sessionID ident.SessionID, expiresAt time.Time) (*store.Binding, []*store.Binding, error) {
	now := r.clock.Now()
	b := &store.Binding{
		ID:        uuid.NewString(),
		MAC:       mac,
		IP:        ip,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		State:     store.BindingActive,
	}
	conflicts, err := r.store.InstallBinding(b)
	if err != nil {
		return nil, nil, err
	}

	r.emit(audit.Event{
		Category:  audit.CategoryBinding,
		Event:     audit.EventBindingCreated,
		MAC:       mac,
		IP:        ip,
		SessionID: sessionID,
	})

	for _, c := range conflicts {
		kind := audit.AnomalyMACRebound
		detail := fmt.Sprintf("previous ip %s retired", c.IP)
		if c.RetireReason == store.RetireIPConflict {
			kind = audit.AnomalyIPConflict
			detail = fmt.Sprintf("ip %s reclaimed from mac %s", c.IP, c.MAC)
		}
		r.logger.Warn("binding conflict resolved",
			"kind", kind, "mac", string(mac), "ip", string(ip),
			"loser_mac", string(c.MAC), "loser_session", string(c.SessionID))
		if r.metrics != nil {
			r.metrics.AnomaliesTotal.WithLabelValues(kind).Inc()
		}
		r.emit(audit.Event{
			Category:  audit.CategoryAnomaly,
			Severity:  audit.SeverityWarn,
			Event:     kind,
			MAC:       c.MAC,
			IP:        c.IP,
			SessionID: c.SessionID,
			Detail:    detail,
		})
	}
	return b, conflicts, nil
}

// Validate checks whether the MAC-IP pair matches the registry. Pure
// read apart from the mismatch audit event.
func (r *Registry) Validate(mac ident.MAC, ip ident.IP) (ValidateResult, error) {
	b, err := r.store.ActiveBindingByMAC(mac)
	if err != nil {
		return ValidateResult{}, err
	}
	if b == nil {
		return ValidateResult{Reason: ReasonNoBinding}, nil
	}
	if b.IP != ip {
		r.emit(audit.Event{
			Category: audit.CategoryBinding,
			Severity: audit.SeverityWarn,
			Event:    audit.AnomalyBindingMismatch,
			MAC:      mac,
			IP:       ip,
			Detail:   fmt.Sprintf("expected ip %s", b.IP),
		})
		return ValidateResult{Reason: ReasonIPMismatch, ExpectedIP: b.IP}, nil
	}
	if !r.clock.Now().Before(b.ExpiresAt) {
		return ValidateResult{Reason: ReasonExpired, ExpectedIP: b.IP}, nil
	}
	return ValidateResult{OK: true}, nil
}

// RetireByMAC retires all ACTIVE bindings for a MAC. Idempotent.
func (r *Registry) RetireByMAC(mac ident.MAC, reason string) error {
	if err := r.store.RetireBindingsByMAC(mac, reason); err != nil {
		return err
	}
	r.emit(audit.Event{
		Category: audit.CategoryBinding,
		Event:    audit.EventBindingRetired,
		MAC:      mac,
		Detail:   "reason=" + reason,
	})
	return nil
}

// RetireBySession retires all ACTIVE bindings owned by a session.
// Idempotent.
func (r *Registry) RetireBySession(id ident.SessionID, reason string) error {
	if err := r.store.RetireBindingsBySession(id, reason); err != nil {
		return err
	}
	r.emit(audit.Event{
		Category:  audit.CategoryBinding,
		Event:     audit.EventBindingRetired,
		SessionID: id,
		Detail:    "reason=" + reason,
	})
	return nil
}

// ActiveByMAC returns the ACTIVE binding for a MAC, or nil.
func (r *Registry) ActiveByMAC(mac ident.MAC) (*store.Binding, error) {
	return r.store.ActiveBindingByMAC(mac)
}

// ActiveByIP returns the ACTIVE binding for an IP, or nil.
func (r *Registry) ActiveByIP(ip ident.IP) (*store.Binding, error) {
	return r.store.ActiveBindingByIP(ip)
}

// List returns bindings; activeOnly restricts to ACTIVE.
func (r *Registry) List(activeOnly bool) ([]*store.Binding, error) {
	return r.store.ListBindings(activeOnly)
}

// Extend moves the expiry of the session's ACTIVE binding.
func (r *Registry) Extend(id ident.SessionID, expiresAt time.Time) error {
	return r.store.UpdateBindingExpiry(id, expiresAt)
}

// ScanAnomalies analyzes binding history: IPs holding multiple ACTIVE
// bindings (impossible under the install invariants, so a finding is
// a bug report) and MACs rebinding faster than the threshold. Each
// anomaly is also emitted on the audit sink.
func (r *Registry) ScanAnomalies() ([]Anomaly, error) {
	now := r.clock.Now()
	var out []Anomaly

	dups, err := r.store.DuplicateActiveIPs()
	if err != nil {
		return nil, err
	}
	for _, ip := range dups {
		a := Anomaly{
			Kind:       audit.AnomalyIPConflict,
			IP:         ip,
			ObservedAt: now,
			Detail:     "multiple ACTIVE bindings share this ip",
		}
		out = append(out, a)
		r.report(a)
	}

	macs, err := r.store.RecentlyBoundMACs(now.Add(-r.rebindWindow))
	if err != nil {
		return nil, err
	}
	for _, mac := range macs {
		n, err := r.store.BindingCountSince(mac, now.Add(-r.rebindWindow))
		if err != nil {
			return nil, err
		}
		if n >= r.rebindThreshold {
			a := Anomaly{
				Kind:       audit.AnomalyRapidRebind,
				MACs:       []ident.MAC{mac},
				ObservedAt: now,
				Detail:     fmt.Sprintf("%d bindings in %s", n, r.rebindWindow),
			}
			out = append(out, a)
			r.report(a)
		}
	}
	return out, nil
}

func (r *Registry) report(a Anomaly) {
	var mac ident.MAC
	if len(a.MACs) > 0 {
		mac = a.MACs[0]
	}
	if r.metrics != nil {
		r.metrics.AnomaliesTotal.WithLabelValues(a.Kind).Inc()
	}
	r.emit(audit.Event{
		Category: audit.CategoryAnomaly,
		Severity: audit.SeverityWarn,
		Event:    a.Kind,
		MAC:      mac,
		IP:       a.IP,
		Detail:   a.Detail,
	})
}

func (r *Registry) emit(ev audit.Event) {
	if r.sink != nil {
		r.sink.Emit(ev)
	}
}

// countActive refreshes the active-binding gauge; callers invoke it
// after mutations when metrics are wired.
func (r *Registry) countActive() error {
	if r.metrics == nil {
		return nil
	}
	bs, err := r.store.ListBindings(true)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "binding count failed")
	}
	r.metrics.ActiveBindings.Set(float64(len(bs)))
	return nil
}

// RefreshGauges recomputes metric gauges from the store.
func (r *Registry) RefreshGauges() error {
	return r.countActive()
}
