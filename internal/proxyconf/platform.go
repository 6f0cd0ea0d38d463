package proxyconf

import (
	"context"
	"os"
	"runtime"

	"github.com/eleven-am/burrow/internal/domain"
)

// Platform is the OS-specific capability surface of the reconciler: where
// site configs and the hosts file live, and how to reload the proxy daemon
// and flush the resolver cache. Selected once at startup; nothing else in
// the package branches on OS identity.
type Platform interface {
	Name() string
	SiteDir() string
	HostsPath() string
	ReloadProxy(ctx context.Context, run domain.CommandRunner) error
	FlushDNS(ctx context.Context, run domain.CommandRunner) error
}

// DetectPlatform picks the variant for the current host: Homebrew nginx on
// macOS, Debian or Arch nginx layouts on Linux (distinguished by the
// package manager's marker file).
func DetectPlatform() Platform {
	if runtime.GOOS == "darwin" {
		return darwinPlatform{}
	}
	if _, err := os.Stat("/etc/arch-release"); err == nil {
		return archPlatform{}
	}
	return debianPlatform{}
}

type debianPlatform struct{}

func (debianPlatform) Name() string      { return "debian" }
func (debianPlatform) SiteDir() string   { return "/etc/nginx/sites-enabled" }
func (debianPlatform) HostsPath() string { return "/etc/hosts" }

func (debianPlatform) ReloadProxy(ctx context.Context, run domain.CommandRunner) error {
	_, err := run.Run(ctx, "systemctl", "reload", "nginx")
	return err
}

func (debianPlatform) FlushDNS(ctx context.Context, run domain.CommandRunner) error {
	_, err := run.Run(ctx, "resolvectl", "flush-caches")
	return err
}

type archPlatform struct{}

func (archPlatform) Name() string      { return "arch" }
func (archPlatform) SiteDir() string   { return "/etc/nginx/conf.d" }
func (archPlatform) HostsPath() string { return "/etc/hosts" }

func (archPlatform) ReloadProxy(ctx context.Context, run domain.CommandRunner) error {
	_, err := run.Run(ctx, "systemctl", "reload", "nginx")
	return err
}

func (archPlatform) FlushDNS(ctx context.Context, run domain.CommandRunner) error {
	_, err := run.Run(ctx, "resolvectl", "flush-caches")
	return err
}

type darwinPlatform struct{}

func (darwinPlatform) Name() string      { return "darwin" }
func (darwinPlatform) SiteDir() string   { return "/opt/homebrew/etc/nginx/servers" }
func (darwinPlatform) HostsPath() string { return "/etc/hosts" }

func (darwinPlatform) ReloadProxy(ctx context.Context, run domain.CommandRunner) error {
	_, err := run.Run(ctx, "nginx", "-s", "reload")
	return err
}

func (darwinPlatform) FlushDNS(ctx context.Context, run domain.CommandRunner) error {
	if _, err := run.Run(ctx, "dscacheutil", "-flushcache"); err != nil {
		return err
	}
	_, err := run.Run(ctx, "killall", "-HUP", "mDNSResponder")
	return err
}
