// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"grimm.is/gatehouse/internal/api"
	"grimm.is/gatehouse/internal/audit"
	"grimm.is/gatehouse/internal/binding"
	"grimm.is/gatehouse/internal/config"
	"grimm.is/gatehouse/internal/enforcer"
	"grimm.is/gatehouse/internal/ident"
	"grimm.is/gatehouse/internal/logging"
	"grimm.is/gatehouse/internal/metrics"
	"grimm.is/gatehouse/internal/reconcile"
	"grimm.is/gatehouse/internal/rules"
	"grimm.is/gatehouse/internal/services"
	"grimm.is/gatehouse/internal/session"
	"grimm.is/gatehouse/internal/store"
)

// runDaemon wires the full stack and serves until SIGINT/SIGTERM.
func runDaemon(cfg *config.Config, jsonLogs bool) error {
	logger := logging.New(logging.Config{
		Level: logging.ParseLevel(cfg.LogLevel),
		JSON:  jsonLogs,
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var syslogWriter *logging.SyslogWriter
	if cfg.Audit.SyslogHost != "" {
		syslogWriter, err = logging.NewSyslogWriter(logging.SyslogConfig{
			Host: cfg.Audit.SyslogHost,
			Port: cfg.Audit.SyslogPort,
		})
		if err != nil {
			return fmt.Errorf("syslog setup: %w", err)
		}
		defer syslogWriter.Close()
	}

	sink := audit.NewSink(audit.Options{
		Store:   st,
		Logger:  logger,
		Metrics: m,
		Syslog:  syslogWriter,
		Buffer:  cfg.Audit.Buffer(),
	})
	defer sink.Close()

	registry := binding.NewRegistry(binding.Options{
		Store:           st,
		Sink:            sink,
		Metrics:         m,
		Logger:          logger,
		RebindThreshold: cfg.Reconciliation.RebindThreshold(),
	})

	enf, params, err := buildEnforcer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	manager := session.NewManager(session.Options{
		Store:               st,
		Registry:            registry,
		Enforcer:            enf,
		Sink:                sink,
		Metrics:             m,
		Logger:              logger,
		Params:              params,
		EnforcerTimeout:     cfg.Enforcer.Timeout(),
		DefaultDuration:     cfg.Session.DefaultDuration(),
		MaxDuration:         cfg.Session.MaxDuration(),
		AutoBlockSpoofCount: cfg.Session.AutoBlockSpoofCount,
	})

	loop := reconcile.NewLoop(reconcile.Options{
		Store:           st,
		Registry:        registry,
		Manager:         manager,
		Enforcer:        enf,
		Sink:            sink,
		Metrics:         m,
		Logger:          logger,
		Params:          params,
		Interval:        cfg.Reconciliation.Interval(),
		Grace:           cfg.Reconciliation.Grace(),
		RetryBudget:     cfg.Reconciliation.Budget(),
		AuditRetention:  cfg.Audit.Retention(),
		EnforcerTimeout: cfg.Enforcer.Timeout(),
	})

	server := api.NewServer(api.ServerOptions{
		Config:   cfg.API,
		Manager:  manager,
		Registry: registry,
		Enforcer: enf,
		Loop:     loop,
		Store:    st,
		Sink:     sink,
		Metrics:  m,
		Logger:   logger,
	})

	sink.Emit(audit.Event{
		Category: audit.CategorySystem,
		Event:    audit.EventDaemonStarted,
		Detail:   "mode=" + string(cfg.Enforcer.Mode),
	})
	logger.Info("gatehouse starting",
		"mode", string(cfg.Enforcer.Mode),
		"api", cfg.API.ListenAddr())

	group := services.NewGroup(logger)
	group.Add(services.Func("reconcile", func(ctx context.Context) error {
		loop.Run(ctx)
		return nil
	}))
	group.Add(services.Func("autoblock", func(ctx context.Context) error {
		manager.RunAutoBlock(ctx)
		return nil
	}))
	group.Add(services.Func("rule-poller", func(ctx context.Context) error {
		pollInstalledRules(ctx, cfg, enf, m, logger)
		return nil
	}))
	group.Add(services.Func("api", server.Start))

	err = group.Run(ctx)

	sink.Emit(audit.Event{
		Category: audit.CategorySystem,
		Event:    audit.EventDaemonStopped,
	})
	sink.Flush()
	logger.Info("gatehouse stopped")
	return err
}

// openStore opens the sqlite database under state_dir. In simulation
// mode an unwritable state dir degrades to an in-memory database so
// the daemon stays usable for evaluation runs.
func openStore(cfg *config.Config, logger *logging.Logger) (*store.Store, error) {
	dir := cfg.StateDir
	if dir == "" {
		dir = "/var/lib/gatehouse"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		if cfg.Enforcer.Mode != config.ModeSimulation {
			return nil, fmt.Errorf("state dir: %w", err)
		}
		logger.Warn("state dir unavailable, using in-memory database", "dir", dir, "error", err)
		return store.Open(store.Options{Path: ":memory:"})
	}
	return store.Open(store.DefaultOptions(filepath.Join(dir, "gatehouse.db")))
}

// pollInstalledRules keeps the installed-rules gauge current. Active
// mode reads the kernel tables directly; simulation mode counts the
// simulator's snapshot.
func pollInstalledRules(ctx context.Context, cfg *config.Config, enf enforcer.Enforcer, m *metrics.Metrics, logger *logging.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if cfg.Enforcer.Mode == config.ModeActive {
			n, err := metrics.CountInstalledRules("gatehouse")
			if err != nil {
				logger.Debug("rule count poll failed", "error", err)
				continue
			}
			m.InstalledRules.Set(float64(n))
			continue
		}
		snap, err := enf.Snapshot(ctx)
		if err != nil {
			continue
		}
		m.InstalledRules.Set(float64(len(snap)))
	}
}

// buildEnforcer selects the backend and resolves the network
// parameters every rule set is synthesized against.
func buildEnforcer(ctx context.Context, cfg *config.Config, logger *logging.Logger) (enforcer.Enforcer, rules.Params, error) {
	params := rules.Params{
		ClientInterface:   cfg.Interfaces.Client,
		UpstreamInterface: cfg.Interfaces.Upstream,
		PortalIP:          ident.IP(cfg.Network.PortalIP),
		PortalPort:        cfg.Network.PortalPort,
		GatewayIP:         ident.IP(cfg.Network.GatewayIP),
		GatewayMAC:        ident.MAC(cfg.Network.GatewayMAC),
		RedirectHTTPS:     cfg.Network.RedirectHTTPS,
	}

	if cfg.Enforcer.Mode == config.ModeSimulation {
		if params.GatewayMAC == "" {
			params.GatewayMAC = "02:00:00:00:00:01"
		}
		return enforcer.NewSimulator(), params, nil
	}

	if params.GatewayMAC == "" {
		mac, err := enforcer.DiscoverGatewayMAC(cfg.Interfaces.Client, params.GatewayIP)
		if err != nil {
			return nil, rules.Params{}, fmt.Errorf("gateway MAC discovery: %w", err)
		}
		logger.Info("discovered gateway MAC", "mac", string(mac))
		params.GatewayMAC = mac
	}

	active, err := enforcer.NewActive(ctx,
		cfg.Interfaces.Client, cfg.Interfaces.Upstream,
		cfg.Network.PortalIP, cfg.Network.PortalPort,
		cfg.Network.RedirectHTTPS, logger)
	if err != nil {
		return nil, rules.Params{}, fmt.Errorf("enforcer bootstrap: %w", err)
	}
	return active, params, nil
}
