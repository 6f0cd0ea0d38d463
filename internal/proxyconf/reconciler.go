// Package proxyconf reconciles local reverse-proxy state: one nginx site
// plus one hosts-file entry per forwarded hostname, so a tunneled service
// answers on its original URL.
package proxyconf

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/eleven-am/burrow/internal/domain"
)

const sitePrefix = "burrow-"

type Reconciler struct {
	platform Platform
	runner   domain.CommandRunner
	log      *slog.Logger

	mu    sync.Mutex
	sites map[string]domain.ProxySite // by hostname
}

func NewReconciler(platform Platform, runner domain.CommandRunner, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		platform: platform,
		runner:   runner,
		log:      logger.With("component", "proxy", "platform", platform.Name()),
		sites:    make(map[string]domain.ProxySite),
	}
}

// Enable writes the site config and hosts entry, reloads the proxy daemon
// and flushes the DNS cache. All four steps are required. A reload failure
// leaves the config and hosts changes in place: a stale-but-present config
// is safer than reverting a possibly shared hosts entry.
func (r *Reconciler) Enable(ctx context.Context, hostname string, localPort, tunnelPort int) (domain.ProxySite, error) {
	sitePath := r.sitePath(hostname)

	if err := os.MkdirAll(r.platform.SiteDir(), 0o755); err != nil {
		return domain.ProxySite{}, &domain.ProxyError{Step: "config-write", Host: hostname, Err: err}
	}
	if err := renameio.WriteFile(sitePath, []byte(siteConfig(hostname, localPort)), 0o644); err != nil {
		return domain.ProxySite{}, &domain.ProxyError{Step: "config-write", Host: hostname, Err: err}
	}
	if err := upsertHostsEntry(r.platform.HostsPath(), hostname); err != nil {
		return domain.ProxySite{}, &domain.ProxyError{Step: "hosts-file", Host: hostname, Err: err}
	}
	if err := r.platform.ReloadProxy(ctx, r.runner); err != nil {
		return domain.ProxySite{}, &domain.ProxyError{Step: "reload", Host: hostname, Err: err}
	}
	if err := r.platform.FlushDNS(ctx, r.runner); err != nil {
		return domain.ProxySite{}, &domain.ProxyError{Step: "dns-flush", Host: hostname, Err: err}
	}

	site := domain.ProxySite{
		Hostname:   hostname,
		LocalPort:  localPort,
		TunnelPort: tunnelPort,
		ConfigPath: sitePath,
		Enabled:    true,
	}
	r.mu.Lock()
	r.sites[hostname] = site
	r.mu.Unlock()

	r.log.Info("proxy site enabled", "host", hostname, "local_port", localPort)
	return site, nil
}

// Disable is the exact inverse of Enable and succeeds even when some
// artifacts are already gone. The daemon reload and DNS flush still run so
// a half-removed site never keeps serving.
func (r *Reconciler) Disable(ctx context.Context, hostname string) error {
	if err := os.Remove(r.sitePath(hostname)); err != nil && !os.IsNotExist(err) {
		return &domain.ProxyError{Step: "config-write", Host: hostname, Err: err}
	}
	if err := removeHostsEntry(r.platform.HostsPath(), hostname); err != nil {
		return &domain.ProxyError{Step: "hosts-file", Host: hostname, Err: err}
	}
	if err := r.platform.ReloadProxy(ctx, r.runner); err != nil {
		return &domain.ProxyError{Step: "reload", Host: hostname, Err: err}
	}
	if err := r.platform.FlushDNS(ctx, r.runner); err != nil {
		return &domain.ProxyError{Step: "dns-flush", Host: hostname, Err: err}
	}

	r.mu.Lock()
	delete(r.sites, hostname)
	r.mu.Unlock()

	r.log.Info("proxy site disabled", "host", hostname)
	return nil
}

// DisableAll removes every managed site, including ones found on disk from
// a previous run. Each removal reports independently.
func (r *Reconciler) DisableAll(ctx context.Context) []error {
	hosts := map[string]bool{}
	r.mu.Lock()
	for host := range r.sites {
		hosts[host] = true
	}
	r.mu.Unlock()
	for _, host := range r.discoverSites() {
		hosts[host] = true
	}

	var errs []error
	for host := range hosts {
		if err := r.Disable(ctx, host); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// SiteForTunnel finds the site owned by a tunnel's local port.
func (r *Reconciler) SiteForTunnel(tunnelPort int) (domain.ProxySite, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, site := range r.sites {
		if site.TunnelPort == tunnelPort {
			return site, true
		}
	}
	return domain.ProxySite{}, false
}

// Active reports whether any managed site exists, in memory or on disk.
func (r *Reconciler) Active() bool {
	r.mu.Lock()
	n := len(r.sites)
	r.mu.Unlock()
	return n > 0 || len(r.discoverSites()) > 0
}

func (r *Reconciler) discoverSites() []string {
	entries, err := os.ReadDir(r.platform.SiteDir())
	if err != nil {
		return nil
	}
	var hosts []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, sitePrefix) && strings.HasSuffix(name, ".conf") {
			hosts = append(hosts, strings.TrimSuffix(strings.TrimPrefix(name, sitePrefix), ".conf"))
		}
	}
	return hosts
}

func (r *Reconciler) sitePath(hostname string) string {
	return filepath.Join(r.platform.SiteDir(), sitePrefix+hostname+".conf")
}

// siteConfig routes plain HTTP on the original hostname to the tunnel's
// local port.
func siteConfig(hostname string, localPort int) string {
	return fmt.Sprintf(`server {
    listen 80;
    server_name %s;

    location / {
        proxy_pass http://127.0.0.1:%d;
        proxy_set_header Host %s;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    }
}
`, hostname, localPort, hostname)
}
