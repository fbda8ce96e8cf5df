// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package enforcer

import (
	"context"

	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/logging"
	"grimm.is/gatehouse/internal/rules"
)

// Active is unavailable off Linux; deployments there run in
// simulation mode.
type Active struct{}

// NewActive always fails on this platform.
func NewActive(ctx context.Context, clientIface, upstreamIface, portalIP string, portalPort int, redirectHTTPS bool, logger *logging.Logger) (*Active, error) {
	return nil, errors.New(errors.KindEnforcerPermanent, "active enforcement requires Linux (nftables)")
}

func (a *Active) Apply(ctx context.Context, rs rules.RuleSet) (ApplyOutcome, error) {
	return ApplyOutcome{Result: ResultFailed},
		errors.New(errors.KindEnforcerPermanent, "active enforcement requires Linux")
}

func (a *Active) Retract(ctx context.Context, handles []Handle) (RetractOutcome, error) {
	return RetractOutcome{}, errors.New(errors.KindEnforcerPermanent, "active enforcement requires Linux")
}

func (a *Active) Snapshot(ctx context.Context) ([]InstalledRule, error) {
	return nil, errors.New(errors.KindEnforcerPermanent, "active enforcement requires Linux")
}
