// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package enforcer

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/nftables"

	"grimm.is/gatehouse/internal/errors"
	"grimm.is/gatehouse/internal/logging"
	"grimm.is/gatehouse/internal/rules"
)

// NFTConn is the subset of the nftables connection the active backend
// uses for inspection and retraction. Injected for tests.
type NFTConn interface {
	ListTables() ([]*nftables.Table, error)
	ListChains() ([]*nftables.Chain, error)
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	DelRule(r *nftables.Rule) error
	Flush() error
}

// Active is the enforcement backend that mutates the host. Rule sets
// are applied atomically as `nft -f` scripts (definition order keeps
// guards ahead of egress); retraction and snapshot walk the gatehouse
// tables through the nftables netlink connection, matching rules by
// their owner comment.
//
// The host nft tooling is single-writer: all operations serialize on
// an internal mutex.
type Active struct {
	mu     sync.Mutex
	conn   NFTConn
	nftBin string
	logger *logging.Logger
}

// NewActive creates the active backend and installs the bootstrap
// baseline (tables, chains, unauthenticated default stance).
func NewActive(ctx context.Context, clientIface, upstreamIface, portalIP string, portalPort int, redirectHTTPS bool, logger *logging.Logger) (*Active, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindEnforcerPermanent, "cannot open nftables connection")
	}
	a := &Active{
		conn:   realConn{conn},
		nftBin: "nft",
		logger: logger.WithComponent("enforcer"),
	}
	script := bootstrapScript(clientIface, upstreamIface, portalIP, portalPort, redirectHTTPS)
	if err := a.runScript(ctx, script); err != nil {
		return nil, err
	}
	a.logger.Info("baseline installed", "client", clientIface, "upstream", upstreamIface)
	return a, nil
}

// realConn adapts *nftables.Conn to NFTConn.
type realConn struct{ c *nftables.Conn }

func (r realConn) ListTables() ([]*nftables.Table, error) { return r.c.ListTables() }
func (r realConn) ListChains() ([]*nftables.Chain, error) { return r.c.ListChains() }
func (r realConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	return r.c.GetRules(t, c)
}
func (r realConn) DelRule(rule *nftables.Rule) error { return r.c.DelRule(rule) }
func (r realConn) Flush() error                      { return r.c.Flush() }

// runScript feeds a script to `nft -f -` under the caller's deadline.
func (a *Active) runScript(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, a.nftBin, "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), errors.KindEnforcerTransient, DiagTimeout)
	}
	msg := strings.TrimSpace(stderr.String())
	// A syntax rejection will never succeed on retry.
	if strings.Contains(msg, "syntax error") || strings.Contains(msg, "Error: ") {
		return errors.Errorf(errors.KindEnforcerPermanent, "nft rejected ruleset: %s", msg)
	}
	return errors.Wrapf(err, errors.KindEnforcerTransient, "nft apply failed: %s", msg)
}

// Apply implements Enforcer.
func (a *Active) Apply(ctx context.Context, rs rules.RuleSet) (ApplyOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	crs := synthesizeConcrete(rs)
	if len(crs) == 0 {
		return ApplyOutcome{Result: ResultFailed, Diagnostics: "no concrete rules for kind " + string(rs.Kind)},
			errors.Errorf(errors.KindEnforcerPermanent, "unsupported rule kind %q", rs.Kind)
	}

	if err := a.runScript(ctx, applyScript(crs)); err != nil {
		diag := "apply failed"
		if errors.GetKind(err) == errors.KindEnforcerTransient && ctx.Err() != nil {
			diag = DiagTimeout
		}
		// nft -f is atomic: either all rules landed or none did.
		return ApplyOutcome{Result: ResultFailed, Diagnostics: diag}, err
	}

	handles := make([]Handle, len(crs))
	for i, cr := range crs {
		handles[i] = cr.handle
	}
	return ApplyOutcome{Handles: handles, Result: ResultOK}, nil
}

// Retract implements Enforcer. Handles not found in the tables are
// reported missing, which is not an error.
func (a *Active) Retract(ctx context.Context, handles []Handle) (RetractOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	want := make(map[Handle]bool, len(handles))
	for _, h := range handles {
		want[h] = true
	}

	found := make(map[Handle]*nftables.Rule)
	if err := a.walkRules(ctx, func(ir InstalledRule, raw *nftables.Rule) {
		if want[ir.Handle] {
			found[ir.Handle] = raw
		}
	}); err != nil {
		return RetractOutcome{}, err
	}

	var out RetractOutcome
	for _, h := range handles {
		if _, ok := found[h]; !ok {
			out.Missing = append(out.Missing, h)
		}
	}
	if len(found) == 0 {
		return out, nil
	}

	for _, raw := range found {
		if err := a.conn.DelRule(raw); err != nil {
			return out, errors.Wrap(err, errors.KindEnforcerTransient, "rule delete staging failed")
		}
	}
	if err := a.conn.Flush(); err != nil {
		// The batch did not commit; everything we staged is still live.
		for h := range found {
			out.StillPresent = append(out.StillPresent, h)
		}
		return out, errors.Wrap(err, errors.KindEnforcerTransient, "rule delete commit failed")
	}
	for h := range found {
		out.Retracted = append(out.Retracted, h)
	}
	return out, nil
}

// Snapshot implements Enforcer.
func (a *Active) Snapshot(ctx context.Context) ([]InstalledRule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []InstalledRule
	err := a.walkRules(ctx, func(ir InstalledRule, _ *nftables.Rule) {
		out = append(out, ir)
	})
	return out, err
}

// walkRules visits every enforcer-owned rule in the gatehouse tables.
func (a *Active) walkRules(ctx context.Context, visit func(InstalledRule, *nftables.Rule)) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.KindEnforcerTransient, DiagTimeout)
	}

	tables, err := a.conn.ListTables()
	if err != nil {
		return errors.Wrap(err, errors.KindEnforcerTransient, "cannot list tables")
	}
	ours := make(map[string]*nftables.Table)
	for _, t := range tables {
		if t.Name == TableL3 || t.Name == TableL2 {
			ours[t.Name] = t
		}
	}
	if len(ours) == 0 {
		return nil
	}

	chains, err := a.conn.ListChains()
	if err != nil {
		return errors.Wrap(err, errors.KindEnforcerTransient, "cannot list chains")
	}
	for _, ch := range chains {
		t, ok := ours[ch.Table.Name]
		if !ok {
			continue
		}
		rs, err := a.conn.GetRules(t, ch)
		if err != nil {
			return errors.Wrap(err, errors.KindEnforcerTransient, "cannot list rules")
		}
		for _, r := range rs {
			comment, ok := ruleComment(r.UserData)
			if !ok {
				continue
			}
			ir, ok := parseComment(comment)
			if !ok {
				continue
			}
			visit(ir, r)
		}
	}
	return nil
}

// ruleComment extracts the comment TLV from nftables rule userdata.
func ruleComment(udata []byte) (string, bool) {
	// Userdata is a sequence of (type, length, value) entries; the
	// comment is type 0, NUL-terminated.
	for len(udata) >= 2 {
		typ, ln := udata[0], int(udata[1])
		if len(udata) < 2+ln {
			return "", false
		}
		if typ == 0 {
			return string(bytes.TrimRight(udata[2:2+ln], "\x00")), true
		}
		udata = udata[2+ln:]
	}
	return "", false
}
