// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package services runs the daemon's long-lived workers under one
// lifecycle: start together, stop together on context cancellation.
package services

import (
	"context"
	"sync"

	"grimm.is/gatehouse/internal/logging"
)

// Service is a long-running worker. Run blocks until ctx is cancelled
// or the service fails.
type Service interface {
	Name() string
	Run(ctx context.Context) error
}

// Func adapts a bare function into a Service.
func Func(name string, run func(ctx context.Context) error) Service {
	return funcService{name: name, run: run}
}

type funcService struct {
	name string
	run  func(ctx context.Context) error
}

func (f funcService) Name() string                  { return f.name }
func (f funcService) Run(ctx context.Context) error { return f.run(ctx) }

// Group supervises a set of services. The first failure cancels the
// rest; context cancellation is a clean stop, not a failure.
type Group struct {
	logger   *logging.Logger
	services []Service
}

// NewGroup creates an empty group.
func NewGroup(logger *logging.Logger) *Group {
	if logger == nil {
		logger = logging.Default()
	}
	return &Group{logger: logger.WithComponent("services")}
}

// Add registers a service. Not safe to call after Run.
func (g *Group) Add(s Service) {
	g.services = append(g.services, s)
}

// Run starts every service and blocks until all have returned. It
// returns the first failure, or nil when the group stopped cleanly.
func (g *Group) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, s := range g.services {
		wg.Add(1)
		go func(s Service) {
			defer wg.Done()
			g.logger.Debug("service starting", "service", s.Name())
			err := s.Run(ctx)
			if err != nil && ctx.Err() == nil {
				g.logger.Error("service failed", "service", s.Name(), "error", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				cancel()
				return
			}
			g.logger.Debug("service stopped", "service", s.Name())
		}(s)
	}
	wg.Wait()
	return firstErr
}
