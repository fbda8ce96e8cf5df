// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package audit implements the append-only audit sink. Producers emit
// events without blocking; a single worker persists them, forwards
// them to syslog when configured, and fans them out to subscribers
// such as the auto-block watcher. When the buffer fills the oldest
// queued event is dropped and counted, never the producer blocked.
package audit

import (
	"sync"
	"time"

	"grimm.is/gatehouse/internal/clock"
	"grimm.is/gatehouse/internal/ident"
	"grimm.is/gatehouse/internal/logging"
	"grimm.is/gatehouse/internal/metrics"
	"grimm.is/gatehouse/internal/store"
)

// Event categories.
const (
	CategoryAuth    = "AUTH"
	CategorySession = "SESSION"
	CategoryBinding = "BINDING"
	CategoryRule    = "RULE"
	CategoryAnomaly = "ANOMALY"
	CategoryAdmin   = "ADMIN"
	CategorySystem  = "SYSTEM"
)

// Severities.
const (
	SeverityDebug    = "DEBUG"
	SeverityInfo     = "INFO"
	SeverityWarn     = "WARN"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Event names.
const (
	EventSessionGranted   = "SESSION_GRANTED"
	EventSessionDenied    = "SESSION_DENIED"
	EventSessionRevoked   = "SESSION_REVOKED"
	EventSessionExtended  = "SESSION_EXTENDED"
	EventSessionExpired   = "SESSION_EXPIRED"
	EventEnforceFailed    = "ENFORCEMENT_FAILED"
	EventRetractFailed    = "RETRACTION_FAILED"
	EventLedgerDead       = "LEDGER_ENTRY_DEAD"
	EventBindingCreated   = "BINDING_CREATED"
	EventBindingRetired   = "BINDING_RETIRED"
	EventDeviceBlocked    = "DEVICE_BLOCKED"
	EventDeviceUnblocked  = "DEVICE_UNBLOCKED"
	EventReconcileDrift   = "RULE_DRIFT"
	EventReconcileRepair  = "DRIFT_REPAIRED"
	EventDaemonStarted    = "DAEMON_STARTED"
	EventDaemonStopped    = "DAEMON_STOPPED"
)

// Anomaly types carried in the Event field with CategoryAnomaly.
const (
	AnomalyMACRebound      = "MAC_REBOUND"
	AnomalyIPConflict      = "IP_CONFLICT"
	AnomalyRapidRebind     = "RAPID_REBIND"
	AnomalyBindingMismatch = "BINDING_MISMATCH"
)

// Event is one audit record in flight.
type Event struct {
	Timestamp time.Time
	Category  string
	Severity  string
	MAC       ident.MAC
	IP        ident.IP
	SessionID ident.SessionID
	Event     string
	Detail    string
}

// Sink receives, persists and distributes audit events.
type Sink struct {
	store   *store.Store
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics
	syslog  *logging.SyslogWriter

	queue chan Event
	flush chan chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	subs    map[int]chan Event
	nextSub int
	dropped uint64
	closed  bool
}

// Options configures a Sink.
type Options struct {
	Store   *store.Store
	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// Syslog, when non-nil, receives a copy of every event.
	Syslog *logging.SyslogWriter
	// Buffer is the queue depth; <= 0 uses 1024.
	Buffer int
}

// NewSink creates and starts the sink worker.
func NewSink(opts Options) *Sink {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	s := &Sink{
		store:   opts.Store,
		clock:   opts.Clock,
		logger:  opts.Logger.WithComponent("audit"),
		metrics: opts.Metrics,
		syslog:  opts.Syslog,
		queue:   make(chan Event, opts.Buffer),
		flush:   make(chan chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[int]chan Event),
	}
	go s.run()
	return s
}

// Emit queues an event. Never blocks: when the queue is full the
// oldest queued event is discarded to make room.
func (s *Sink) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}

	// The mutex covers the enqueue as well: Close closes the queue
	// under the same lock, so a concurrent Emit can never send on a
	// closed channel. Nothing here blocks while it is held.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.queue <- ev:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped++
			if s.metrics != nil {
				s.metrics.AuditDropped.Inc()
			}
		default:
		}
	}
}

// Subscribe registers a consumer of all events. Slow consumers lose
// events rather than stalling the sink. The returned function
// unsubscribes.
func (s *Sink) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.mu.Unlock()
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Flush blocks until every event queued before the call is processed.
func (s *Sink) Flush() {
	ack := make(chan struct{})
	select {
	case s.flush <- ack:
		<-ack
	case <-s.done:
	}
}

// Close drains the queue and stops the worker.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.queue:
			if !ok {
				return
			}
			s.process(ev)
		case ack := <-s.flush:
		drain:
			for {
				select {
				case ev, ok := <-s.queue:
					if !ok {
						close(ack)
						return
					}
					s.process(ev)
				default:
					break drain
				}
			}
			close(ack)
		}
	}
}

func (s *Sink) process(ev Event) {
	if s.store != nil {
		err := s.store.InsertAuditRecord(&store.AuditRecord{
			Timestamp: ev.Timestamp,
			Category:  ev.Category,
			Severity:  ev.Severity,
			MAC:       ev.MAC,
			IP:        ev.IP,
			SessionID: ev.SessionID,
			Event:     ev.Event,
			Detail:    ev.Detail,
		})
		if err != nil {
			s.logger.Error("audit persist failed", "event", ev.Event, "error", err)
		}
	}

	if s.syslog != nil {
		sev := 6 // informational
		switch ev.Severity {
		case SeverityDebug:
			sev = 7
		case SeverityWarn:
			sev = 4
		case SeverityError:
			sev = 3
		case SeverityCritical:
			sev = 2
		}
		line := ev.Category + " " + ev.Event
		if ev.MAC != "" {
			line += " mac=" + string(ev.MAC)
		}
		if ev.IP != "" {
			line += " ip=" + string(ev.IP)
		}
		if ev.Detail != "" {
			line += " " + ev.Detail
		}
		if err := s.syslog.WriteSeverity(sev, line); err != nil {
			s.logger.Debug("syslog forward failed", "error", err)
		}
	}

	s.mu.Lock()
	for _, sub := range s.subs {
		select {
		case sub <- ev:
		default:
		}
	}
	s.mu.Unlock()
}
