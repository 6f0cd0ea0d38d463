package vpn

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eleven-am/burrow/internal/domain"
)

const (
	tunInterface    = "tun0"
	tunWaitTimeout  = 20 * time.Second
	tunPollInterval = time.Second
)

var tunAddrRe = regexp.MustCompile(`inet (\d+\.\d+\.\d+\.\d+)/`)

// waitForInterface polls until the VPN's tun device exists. The daemon brings
// it up only after the second handshake is accepted, so this doubles as the
// "connected" signal.
func waitForInterface(ctx context.Context, runner domain.CommandRunner, clock clockwork.Clock) error {
	deadline := clock.Now().Add(tunWaitTimeout)
	for {
		if _, err := runner.Run(ctx, "ip", "link", "show", tunInterface); err == nil {
			return nil
		}
		if clock.Now().After(deadline) {
			return domain.ErrReconnectTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(tunPollInterval):
		}
	}
}

// applySplitDNS scopes the corporate resolver to the tunnel: queries for the
// private domain go through tun0, everything else keeps the system default.
func applySplitDNS(ctx context.Context, runner domain.CommandRunner, server, searchDomain string) error {
	if _, err := runner.Run(ctx, "resolvectl", "dns", tunInterface, server); err != nil {
		return &domain.VpnError{Step: "dns", Err: err}
	}
	if searchDomain != "" {
		routeDomain := searchDomain
		if !strings.HasPrefix(routeDomain, "~") {
			routeDomain = "~" + routeDomain
		}
		if _, err := runner.Run(ctx, "resolvectl", "domain", tunInterface, routeDomain); err != nil {
			return &domain.VpnError{Step: "dns", Err: err}
		}
	}
	if _, err := runner.Run(ctx, "resolvectl", "default-route", tunInterface, "false"); err != nil {
		return &domain.VpnError{Step: "dns", Err: err}
	}
	return nil
}

// clearSplitDNS undoes applySplitDNS. The interface is usually already gone
// by the time this runs, which resolvectl reports as an error; that is fine.
func clearSplitDNS(ctx context.Context, runner domain.CommandRunner) {
	_, _ = runner.Run(ctx, "resolvectl", "revert", tunInterface)
}

// tunnelIP reads the address assigned to the tun device, empty when none.
func tunnelIP(ctx context.Context, runner domain.CommandRunner) string {
	out, err := runner.Run(ctx, "ip", "-4", "addr", "show", tunInterface)
	if err != nil {
		return ""
	}
	m := tunAddrRe.FindSubmatch(out)
	if m == nil {
		return ""
	}
	return string(m[1])
}
