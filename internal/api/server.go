// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api exposes the control and inspection surface over HTTP.
// Every endpoint maps one-to-one onto a controller operation; write
// operations require an operator bearer token.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/gatehouse/internal/audit"
	"grimm.is/gatehouse/internal/binding"
	"grimm.is/gatehouse/internal/config"
	"grimm.is/gatehouse/internal/enforcer"
	"grimm.is/gatehouse/internal/logging"
	"grimm.is/gatehouse/internal/metrics"
	"grimm.is/gatehouse/internal/reconcile"
	"grimm.is/gatehouse/internal/session"
	"grimm.is/gatehouse/internal/store"
)

// ServerConfig holds HTTP server hardening limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
}

// DefaultServerConfig returns the default limits.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      1 << 20,
	}
}

// Server handles control API requests.
type Server struct {
	cfg      config.APIConfig
	srvCfg   *ServerConfig
	manager  *session.Manager
	registry *binding.Registry
	enf      enforcer.Enforcer
	loop     *reconcile.Loop
	store    *store.Store
	sink     *audit.Sink
	metrics  *metrics.Metrics
	logger   *logging.Logger

	router *mux.Router
	srv    *http.Server
}

// ServerOptions holds the server's dependencies.
type ServerOptions struct {
	Config   config.APIConfig
	Server   *ServerConfig
	Manager  *session.Manager
	Registry *binding.Registry
	Enforcer enforcer.Enforcer
	Loop     *reconcile.Loop
	Store    *store.Store
	Sink     *audit.Sink
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// NewServer creates the API server and registers its routes.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Server == nil {
		opts.Server = DefaultServerConfig()
	}
	s := &Server{
		cfg:      opts.Config,
		srvCfg:   opts.Server,
		manager:  opts.Manager,
		registry: opts.Registry,
		enf:      opts.Enforcer,
		loop:     opts.Loop,
		store:    opts.Store,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		logger:   opts.Logger.WithComponent("api"),
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.logRequests)

	// Session lifecycle.
	r.Handle("/api/sessions", s.write(s.handleGrant)).Methods(http.MethodPost)
	r.Handle("/api/sessions", s.read(s.handleListSessions)).Methods(http.MethodGet)
	r.Handle("/api/sessions/{id}", s.read(s.handleGetSession)).Methods(http.MethodGet)
	r.Handle("/api/sessions/{id}", s.write(s.handleRevoke)).Methods(http.MethodDelete)
	r.Handle("/api/sessions/{id}/extend", s.write(s.handleExtend)).Methods(http.MethodPost)
	r.Handle("/api/sessions/{id}/disconnect", s.write(s.handleForceDisconnect)).Methods(http.MethodPost)

	// Bindings.
	r.Handle("/api/bindings", s.read(s.handleListBindings)).Methods(http.MethodGet)
	r.Handle("/api/bindings", s.write(s.handleManualBind)).Methods(http.MethodPost)
	r.Handle("/api/bindings/{mac}", s.write(s.handleManualUnbind)).Methods(http.MethodDelete)
	r.Handle("/api/validate", s.read(s.handleValidate)).Methods(http.MethodGet)

	// Rules and reconciliation.
	r.Handle("/api/rules/snapshot", s.read(s.handleSnapshotRules)).Methods(http.MethodGet)
	r.Handle("/api/reconcile", s.write(s.handleTriggerCleanup)).Methods(http.MethodPost)

	// Devices.
	r.Handle("/api/devices", s.read(s.handleListDevices)).Methods(http.MethodGet)
	r.Handle("/api/devices/{mac}/block", s.write(s.handleBlockDevice)).Methods(http.MethodPost)
	r.Handle("/api/devices/{mac}/block", s.write(s.handleUnblockDevice)).Methods(http.MethodDelete)

	// Audit trail.
	r.Handle("/api/audit", s.read(s.handleListAudit)).Methods(http.MethodGet)

	// Portal façade helpers.
	r.Handle("/api/portal/active/{mac}", s.read(s.handleHasActiveSession)).Methods(http.MethodGet)
	r.Handle("/api/portal/probe", s.read(s.handleClassifyProbe)).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the root handler; used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           http.MaxBytesHandler(s.router, s.srvCfg.MaxBodyBytes),
		ReadHeaderTimeout: s.srvCfg.ReadHeaderTimeout,
		ReadTimeout:       s.srvCfg.ReadTimeout,
		WriteTimeout:      s.srvCfg.WriteTimeout,
		IdleTimeout:       s.srvCfg.IdleTimeout,
		MaxHeaderBytes:    s.srvCfg.MaxHeaderBytes,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("control api listening", "addr", s.srv.Addr)
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(sctx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(started).String())
	})
}
