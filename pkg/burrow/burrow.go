// Package burrow is the public face of the tunnel orchestration engine. It
// wires the inventory client, path resolver, tunnel supervisor, proxy
// reconciler and VPN orchestrator together and exposes the operations a
// front-end consumes, each a synchronous blocking call meant to be driven
// through the dispatcher.
package burrow

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/eleven-am/burrow/internal/aws"
	"github.com/eleven-am/burrow/internal/dispatch"
	"github.com/eleven-am/burrow/internal/domain"
	"github.com/eleven-am/burrow/internal/proxyconf"
	"github.com/eleven-am/burrow/internal/resolver"
	"github.com/eleven-am/burrow/internal/tunnel"
	"github.com/eleven-am/burrow/internal/vpn"
)

// Re-exported domain types so consumers import one package.
type (
	Instance      = domain.Instance
	TunnelProcess = domain.TunnelProcess
	TunnelStatus  = domain.TunnelStatus
	ProxySite     = domain.ProxySite
	VpnConfig     = domain.VpnConfig
	VpnSession    = domain.VpnSession
	Route         = domain.Route
	StopResult    = tunnel.StopResult
	Task          = dispatch.Task
	TaskResult    = dispatch.Result
)

// Options configures a new Engine. Zero values mean "ambient": the default
// credential chain, the default region, slog's default logger.
type Options struct {
	Profile string
	Region  string
	Logger  *slog.Logger
	// Headful shows the SAML browser window instead of running it headless,
	// useful when the identity provider wants a captcha or device touch.
	Headful bool
}

// Engine owns every component. One Engine per credential context.
type Engine struct {
	log        *slog.Logger
	inventory  *aws.Client
	resolver   *resolver.Resolver
	tunnels    *tunnel.Supervisor
	proxy      *proxyconf.Reconciler
	vpn        *vpn.Orchestrator
	dispatcher *dispatch.Dispatcher
}

func New(ctx context.Context, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := aws.LoadConfig(ctx, opts.Profile, opts.Region)
	if err != nil {
		return nil, err
	}
	inventory := aws.NewClient(cfg)

	clock := clockwork.NewRealClock()
	runner := execRunner{}
	lister := tunnel.GopsutilLister{}

	return &Engine{
		log:       logger,
		inventory: inventory,
		resolver:  resolver.New(inventory, resolver.NewSystemResolver(), logger),
		tunnels: tunnel.NewSupervisor(
			tunnel.NewCLILauncher(opts.Profile), lister, tunnel.NewProber(clock), clock, logger),
		proxy: proxyconf.NewReconciler(proxyconf.DetectPlatform(), runner, logger),
		vpn: vpn.NewOrchestrator(
			vpn.NewConfigStore(), runner, &vpn.ChromeBrowser{Headless: !opts.Headful}, lister, logger),
		dispatcher: dispatch.New(logger),
	}, nil
}

// ResolveAndTunnel resolves a URL target through the full chain (DNS, load
// balancer, target group, security groups, bastion fallback) and starts a
// forward on localPort to the first hop that comes up. With withProxy the
// original hostname is also mapped to the tunnel through a local
// reverse-proxy site.
func (e *Engine) ResolveAndTunnel(ctx context.Context, target string, localPort int, withProxy bool) (TunnelProcess, error) {
	route, err := e.resolver.ResolveURL(ctx, target, 0)
	if err != nil {
		return TunnelProcess{}, err
	}
	tp, err := e.tunnels.StartRoute(ctx, domain.TunnelURL, route, localPort)
	if err != nil {
		return TunnelProcess{}, err
	}
	if withProxy {
		host := resolver.StripURLToHost(target)
		if _, err := e.proxy.Enable(ctx, host, tp.LocalPort, tp.LocalPort); err != nil {
			return tp, err
		}
		e.tunnels.SetProxyHost(tp.LocalPort, host)
		tp.ProxyHost = host
	}
	return tp, nil
}

// TunnelDNS resolves a private hostname to an instance by address match, or
// forwards through a bastion to the resolved address when no instance owns it.
func (e *Engine) TunnelDNS(ctx context.Context, target string, localPort, remotePort int) (TunnelProcess, error) {
	route, err := e.resolver.ResolveDNS(ctx, target, remotePort)
	if err != nil {
		return TunnelProcess{}, err
	}
	return e.tunnels.StartRoute(ctx, domain.TunnelDNS, route, localPort)
}

// TunnelDirect forwards localPort straight to remotePort on the single
// instance whose name matches the pattern. Ambiguous patterns fail.
func (e *Engine) TunnelDirect(ctx context.Context, namePattern string, localPort, remotePort int) (TunnelProcess, error) {
	inst, err := e.resolver.FindByPattern(ctx, namePattern)
	if err != nil {
		return TunnelProcess{}, err
	}
	hop := domain.Hop{Instance: inst, RemotePort: remotePort}
	return e.tunnels.Start(ctx, domain.TunnelDirect, hop, localPort)
}

// TunnelRemote forwards localPort to targetHost:remotePort through the
// bastion whose name matches the pattern.
func (e *Engine) TunnelRemote(ctx context.Context, bastionPattern, targetHost string, localPort, remotePort int) (TunnelProcess, error) {
	bastion, err := e.resolver.FindByPattern(ctx, bastionPattern)
	if err != nil {
		return TunnelProcess{}, err
	}
	hop := domain.Hop{Instance: bastion, RemoteHost: targetHost, RemotePort: remotePort}
	return e.tunnels.Start(ctx, domain.TunnelRemote, hop, localPort)
}

// ListTunnels reconciles the registry against the live process table and
// returns every tracked forward, detached survivors included.
func (e *Engine) ListTunnels(ctx context.Context) ([]TunnelProcess, error) {
	return e.tunnels.List(ctx)
}

// ProbeTunnel health-checks the forward on localPort end to end.
func (e *Engine) ProbeTunnel(ctx context.Context, localPort int) (TunnelStatus, error) {
	return e.tunnels.Probe(ctx, localPort)
}

// StopTunnel terminates the forward on localPort. A proxy site owned by the
// tunnel is deregistered with it, never left dangling.
func (e *Engine) StopTunnel(ctx context.Context, localPort int) error {
	tp, err := e.tunnels.Stop(ctx, localPort)
	if tp.ProxyHost != "" {
		if derr := e.proxy.Disable(ctx, tp.ProxyHost); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// StopAllTunnels stops every tracked forward and removes every managed proxy
// site, reporting each teardown independently.
func (e *Engine) StopAllTunnels(ctx context.Context) []StopResult {
	results := e.tunnels.StopAll(ctx)
	if e.proxy.Active() {
		for _, err := range e.proxy.DisableAll(ctx) {
			results = append(results, StopResult{Err: err})
		}
	}
	return results
}

// ResolveReport traces how a hostname resolves, locally and from a bastion,
// without starting anything.
func (e *Engine) ResolveReport(ctx context.Context, target string) (string, error) {
	return e.resolver.Report(ctx, target)
}

// VpnSetup validates and persists the VPN profile and SSO credentials.
func (e *Engine) VpnSetup(cfg VpnConfig) error {
	return e.vpn.Setup(cfg)
}

// VpnConnect runs the SAML handshake and brings the VPN up. The MFA code is
// forwarded to the identity provider's login form.
func (e *Engine) VpnConnect(ctx context.Context, mfaCode string) (VpnSession, error) {
	return e.vpn.Connect(ctx, mfaCode)
}

// VpnDisconnect tears the VPN down from whatever state it is in.
func (e *Engine) VpnDisconnect(ctx context.Context) error {
	return e.vpn.Disconnect(ctx)
}

// VpnStatus reconciles the tracked session against the live system.
func (e *Engine) VpnStatus(ctx context.Context) VpnSession {
	return e.vpn.Status(ctx)
}

// Instances lists the fleet with agent status merged in.
func (e *Engine) Instances(ctx context.Context) ([]Instance, error) {
	return e.inventory.ListInstances(ctx)
}

// StartInstance powers on a stopped instance.
func (e *Engine) StartInstance(ctx context.Context, instanceID string) error {
	return e.inventory.StartInstance(ctx, instanceID)
}

// StopInstance powers an instance off, forcibly when asked.
func (e *Engine) StopInstance(ctx context.Context, instanceID string, force bool) error {
	return e.inventory.StopInstance(ctx, instanceID, force)
}

// ResizeInstance changes an instance's type; the instance must be stopped.
func (e *Engine) ResizeInstance(ctx context.Context, instanceID, instanceType string) error {
	return e.inventory.ResizeInstance(ctx, instanceID, instanceType)
}

// Submit queues a background task on the dispatcher. Tasks sharing a key run
// in submission order.
func (e *Engine) Submit(key string, task Task) (uint64, error) {
	return e.dispatcher.Submit(key, task)
}

// Results is the dispatcher's single-consumer completion stream.
func (e *Engine) Results() <-chan TaskResult {
	return e.dispatcher.Results()
}

// Shutdown drains the dispatcher. Tunnels and the VPN deliberately survive:
// they are detached by design and rediscovered on the next run.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.dispatcher.Shutdown(ctx)
}
