package vpn

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/burrow/internal/domain"
)

const samlCaptureTimeout = 2 * time.Minute

// Orchestrator owns the single process-wide VPN connection and walks it
// through the SAML handshake:
//
//	disconnected -> challenge-requested -> browser-authenticating
//	             -> saml-captured -> reconnecting -> connected
//
// Disconnect is total: it tears down from any state and always lands on
// disconnected.
type Orchestrator struct {
	store   *ConfigStore
	runner  domain.CommandRunner
	browser domain.Browser
	procs   domain.ProcessLister
	clock   clockwork.Clock
	log     *slog.Logger

	lookPath      func(string) (string, error)
	startDetached func(name string, args ...string) (int, error)
	listenAddr    string
	captureWindow time.Duration
	tempDir       string // "" means the system default

	mu            sync.Mutex
	session       domain.VpnSession
	gen           uint64
	cancelConnect context.CancelFunc
}

func NewOrchestrator(store *ConfigStore, runner domain.CommandRunner, browser domain.Browser, procs domain.ProcessLister, logger *slog.Logger) *Orchestrator {
	return newOrchestrator(store, runner, browser, procs, logger, clockwork.NewRealClock())
}

func newOrchestrator(store *ConfigStore, runner domain.CommandRunner, browser domain.Browser, procs domain.ProcessLister, logger *slog.Logger, clock clockwork.Clock) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:         store,
		runner:        runner,
		browser:       browser,
		procs:         procs,
		clock:         clock,
		log:           logger.With("component", "vpn"),
		lookPath:      exec.LookPath,
		startDetached: startDetached,
		listenAddr:    samlListenAddr,
		captureWindow: samlCaptureTimeout,
		session:       domain.VpnSession{State: domain.VpnDisconnected},
	}
}

// Setup validates and persists the VPN profile and credentials.
func (o *Orchestrator) Setup(cfg domain.VpnConfig) error {
	if cfg.Username == "" {
		return &domain.VpnError{Step: "config", Err: fmt.Errorf("sso_username is required")}
	}
	if cfg.OvpnPath == "" {
		return &domain.VpnError{Step: "config", Err: fmt.Errorf("ovpn_path is required")}
	}
	if _, err := os.Stat(cfg.OvpnPath); err != nil {
		return &domain.VpnError{Step: "config", Err: fmt.Errorf("ovpn profile: %w", err)}
	}
	return o.store.Save(cfg)
}

// Connect runs the full handshake. Connecting while already connected is a
// no-op returning the live session. An explicit Disconnect during the
// handshake cancels it; the handshake then fails with ErrConnectAborted and
// never commits a session.
func (o *Orchestrator) Connect(ctx context.Context, mfaCode string) (domain.VpnSession, error) {
	o.mu.Lock()
	if o.session.State == domain.VpnConnected {
		s := o.session
		o.mu.Unlock()
		return s, nil
	}
	o.gen++
	gen := o.gen
	ctx, cancel := context.WithCancel(ctx)
	o.cancelConnect = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		if o.gen == gen {
			o.cancelConnect = nil
		}
		o.mu.Unlock()
	}()

	cfg, err := o.store.Load()
	if err != nil {
		return o.fail(gen, err)
	}
	if cfg.OvpnPath == "" || cfg.Username == "" {
		return o.fail(gen, &domain.VpnError{Step: "config", Err: fmt.Errorf("vpn not configured, run setup first")})
	}

	binary, err := openvpnBinary(o.lookPath)
	if err != nil {
		return o.fail(gen, err)
	}

	workDir, err := os.MkdirTemp(o.tempDir, "burrow-vpn-")
	if err != nil {
		return o.fail(gen, &domain.VpnError{Step: "challenge", Err: err})
	}
	// The daemon reads the config and credential files once at startup;
	// nothing in here needs to outlive the handshake, and session.txt holds
	// the captured assertion.
	defer os.RemoveAll(workDir)

	configPath, err := prepareConfig(cfg.OvpnPath, workDir)
	if err != nil {
		return o.fail(gen, err)
	}

	o.setState(gen, domain.VpnChallengeRequested)
	challengeCreds, err := writeCredentials(workDir, "challenge.txt", fmt.Sprintf("ACS::%d", samlListenPort))
	if err != nil {
		return o.fail(gen, err)
	}
	ch, err := fetchChallenge(ctx, o.runner, binary, configPath, challengeCreds)
	if err != nil {
		return o.fail(gen, err)
	}
	o.log.Info("saml challenge received", "login_url", ch.URL)

	o.setState(gen, domain.VpnBrowserAuth)
	saml, err := o.captureAssertion(ctx, gen, ch.URL, cfg, mfaCode)
	if err != nil {
		return o.fail(gen, err)
	}
	o.setState(gen, domain.VpnSamlCaptured)

	// The daemon expects the assertion re-encoded inside the challenge
	// response password.
	sessionCreds, err := writeCredentials(workDir, "session.txt",
		fmt.Sprintf("CRV1::%s::%s", ch.SID, url.QueryEscape(saml)))
	if err != nil {
		return o.fail(gen, err)
	}

	o.setState(gen, domain.VpnReconnecting)
	pid, err := o.startDetached(binary, "--config", configPath, "--verb", "3", "--auth-user-pass", sessionCreds)
	if err != nil {
		return o.fail(gen, &domain.VpnError{Step: "reconnect", Err: err})
	}
	o.log.Info("vpn daemon started", "pid", pid)

	if err := waitForInterface(ctx, o.runner, o.clock); err != nil {
		_ = o.procs.Terminate(ctx, pid)
		return o.fail(gen, &domain.VpnError{Step: "reconnect", Err: err})
	}

	if cfg.DNSServer != "" {
		if err := applySplitDNS(ctx, o.runner, cfg.DNSServer, cfg.DNSDomain); err != nil {
			_ = o.procs.Terminate(ctx, pid)
			return o.fail(gen, err)
		}
	}

	session := domain.VpnSession{
		State:    domain.VpnConnected,
		PID:      pid,
		TunnelIP: tunnelIP(ctx, o.runner),
	}
	o.mu.Lock()
	if gen != o.gen {
		// Disconnect landed between capture and commit. The user tore the
		// connection down; never resurrect it.
		o.mu.Unlock()
		_ = o.procs.Terminate(context.Background(), pid)
		clearSplitDNS(context.Background(), o.runner)
		return domain.VpnSession{State: domain.VpnDisconnected},
			&domain.VpnError{Step: "reconnect", Err: domain.ErrConnectAborted}
	}
	o.session = session
	o.mu.Unlock()
	o.log.Info("vpn connected", "pid", pid, "tunnel_ip", session.TunnelIP)
	return session, nil
}

// captureAssertion races the browser login against the callback listener.
// Whichever the provider does first wins; the listener's capture cancels the
// browser, a browser failure cancels the listener.
func (o *Orchestrator) captureAssertion(ctx context.Context, gen uint64, loginURL string, cfg domain.VpnConfig, mfaCode string) (string, error) {
	captureCtx, cancel := context.WithTimeout(ctx, o.captureWindow)
	defer cancel()

	var (
		mu   sync.Mutex
		saml string
	)
	g, gctx := errgroup.WithContext(captureCtx)
	g.Go(func() error {
		s, err := waitForAssertion(gctx, o.listenAddr)
		if err != nil {
			return err
		}
		mu.Lock()
		saml = s
		mu.Unlock()
		cancel()
		return nil
	})
	g.Go(func() error {
		err := o.browser.CompleteLogin(gctx, loginURL, cfg.Username, cfg.Password, mfaCode)
		if err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	err := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	if saml != "" {
		return saml, nil
	}
	if captureCtx.Err() == context.Canceled && o.superseded(gen) {
		return "", &domain.VpnError{Step: "saml-capture", Err: domain.ErrConnectAborted}
	}
	if captureCtx.Err() == context.DeadlineExceeded {
		return "", &domain.VpnError{Step: "saml-capture", Err: domain.ErrSamlCaptureTimeout}
	}
	if err != nil {
		return "", err
	}
	return "", &domain.VpnError{Step: "saml-capture", Err: domain.ErrSamlCaptureTimeout}
}

// Disconnect tears the connection down from whatever state it is in: cancel
// an in-flight handshake, kill the daemon if one runs, revert the resolver,
// land on disconnected. Safe to call when already disconnected.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.mu.Lock()
	o.gen++
	if o.cancelConnect != nil {
		o.cancelConnect()
		o.cancelConnect = nil
	}
	pid := o.session.PID
	o.mu.Unlock()

	if pid == 0 || !o.procs.Alive(ctx, pid) {
		pid = o.findDaemon(ctx)
	}
	if pid != 0 {
		if err := o.procs.Terminate(ctx, pid); err != nil {
			o.log.Warn("vpn daemon terminate failed", "pid", pid, "error", err)
		}
	}
	clearSplitDNS(ctx, o.runner)

	o.mu.Lock()
	o.session = domain.VpnSession{State: domain.VpnDisconnected}
	o.mu.Unlock()
	o.log.Info("vpn disconnected")
	return nil
}

// Status reconciles the tracked session against the live system: a tun
// device plus a daemon process means connected, whatever we last recorded.
func (o *Orchestrator) Status(ctx context.Context) domain.VpnSession {
	ip := tunnelIP(ctx, o.runner)
	if ip == "" {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.session.State == domain.VpnConnected {
			o.session = domain.VpnSession{State: domain.VpnDisconnected}
		}
		return o.session
	}

	pid := o.findDaemon(ctx)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session.State == domain.VpnConnected && o.procs.Alive(ctx, o.session.PID) {
		o.session.TunnelIP = ip
		return o.session
	}
	o.session = domain.VpnSession{State: domain.VpnConnected, PID: pid, TunnelIP: ip}
	return o.session
}

// findDaemon locates a running openvpn started by us or by a previous run.
func (o *Orchestrator) findDaemon(ctx context.Context) int {
	procs, err := o.procs.List(ctx)
	if err != nil {
		return 0
	}
	for _, p := range procs {
		if len(p.Args) == 0 {
			continue
		}
		if filepath.Base(p.Args[0]) != "openvpn" {
			continue
		}
		for _, arg := range p.Args[1:] {
			if strings.HasSuffix(arg, ".ovpn") {
				return p.PID
			}
		}
	}
	return 0
}

// setState records handshake progress unless a disconnect superseded the
// handshake, in which case disconnected stands.
func (o *Orchestrator) setState(gen uint64, state domain.VpnState) {
	o.mu.Lock()
	if gen == o.gen {
		o.session.State = state
	}
	o.mu.Unlock()
	o.log.Debug("vpn state", "state", string(state))
}

// superseded reports whether an explicit disconnect happened after the
// handshake identified by gen began.
func (o *Orchestrator) superseded(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen != o.gen
}

// fail resets to disconnected so a later Connect starts clean. A handshake
// superseded by a disconnect leaves the session alone; disconnected already
// stands.
func (o *Orchestrator) fail(gen uint64, err error) (domain.VpnSession, error) {
	o.mu.Lock()
	if gen == o.gen {
		o.session = domain.VpnSession{State: domain.VpnDisconnected}
	}
	o.mu.Unlock()
	return domain.VpnSession{State: domain.VpnDisconnected}, err
}

// startDetached launches the daemon released from our process group so it
// outlives the orchestrator.
func startDetached(name string, args ...string) (int, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}
