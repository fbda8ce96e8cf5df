// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the controller's Prometheus collectors.
// All collectors live on a dedicated registry so tests can create
// isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the controller publishes.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	ActiveBindings   prometheus.Gauge
	GrantsTotal      *prometheus.CounterVec
	RevokesTotal     *prometheus.CounterVec
	EnforcerFailures *prometheus.CounterVec
	AnomaliesTotal   *prometheus.CounterVec
	AuditDropped     prometheus.Counter
	ReconcileRuns    prometheus.Counter
	ReconcileSeconds prometheus.Histogram
	LedgerDead       prometheus.Counter
	InstalledRules   prometheus.Gauge
}

// New creates a Metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gatehouse_active_sessions",
			Help: "Number of sessions currently in the ACTIVE state.",
		}),
		ActiveBindings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gatehouse_active_bindings",
			Help: "Number of MAC-IP bindings currently ACTIVE.",
		}),
		GrantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_grants_total",
			Help: "Access grant attempts by result.",
		}, []string{"result"}),
		RevokesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_revokes_total",
			Help: "Access revocations by trigger.",
		}, []string{"trigger"}),
		EnforcerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_enforcer_failures_total",
			Help: "Enforcement backend failures by rule kind and class.",
		}, []string{"kind", "class"}),
		AnomaliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_anomalies_total",
			Help: "Binding anomalies detected, by type.",
		}, []string{"type"}),
		AuditDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_audit_dropped_total",
			Help: "Audit events dropped because the sink buffer was full.",
		}),
		ReconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_reconcile_runs_total",
			Help: "Completed reconciliation passes.",
		}),
		ReconcileSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatehouse_reconcile_duration_seconds",
			Help:    "Wall time of a reconciliation pass.",
			Buckets: prometheus.DefBuckets,
		}),
		LedgerDead: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_ledger_dead_total",
			Help: "Ledger entries abandoned after exhausting their retry budget.",
		}),
		InstalledRules: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gatehouse_installed_rules",
			Help: "Rules currently installed in the kernel enforcement tables.",
		}),
	}
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
