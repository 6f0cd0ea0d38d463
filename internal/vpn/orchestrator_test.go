package vpn

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eleven-am/burrow/internal/domain"
)

const testListenAddr = "127.0.0.1:45301"

type fakeRunner struct {
	mu           sync.Mutex
	calls        [][]string
	tunUp        bool
	sessionCreds []byte // snapshot of the reconnect credentials file
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	tunUp := r.tunUp
	r.mu.Unlock()

	switch {
	case strings.HasSuffix(name, "openvpn"):
		return []byte(challengeOutput), nil
	case name == "ip" && len(args) > 0 && args[0] == "link":
		if tunUp {
			return []byte("5: tun0: <POINTOPOINT,MULTICAST,NOARP,UP,LOWER_UP>"), nil
		}
		return nil, errors.New(`Device "tun0" does not exist`)
	case name == "ip" && len(args) > 0 && args[0] == "-4":
		if tunUp {
			return []byte("    inet 10.8.0.2/24 scope global tun0"), nil
		}
		return nil, errors.New(`Device "tun0" does not exist`)
	}
	return nil, nil
}

func (r *fakeRunner) sawCommand(prefix ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, call := range r.calls {
		if len(call) < len(prefix) {
			continue
		}
		match := true
		for i, p := range prefix {
			if call[i] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// fakeBrowser posts the assertion to the callback listener the way the
// identity provider's redirect would.
type fakeBrowser struct {
	mu       sync.Mutex
	loginURL string
	saml     string
	addr     string        // callback address, testListenAddr when empty
	silent   bool          // never deliver, forcing the capture timeout
	started  chan struct{} // closed once the login page is reached
	release  chan struct{} // when set, delivery waits for this
}

func (b *fakeBrowser) CompleteLogin(ctx context.Context, loginURL, username, password, mfaCode string) error {
	b.mu.Lock()
	b.loginURL = loginURL
	started := b.started
	release := b.release
	b.mu.Unlock()
	if started != nil {
		close(started)
	}
	if b.silent {
		<-ctx.Done()
		return nil
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	addr := b.addr
	if addr == "" {
		addr = testListenAddr
	}
	// The listener may not be bound yet; retry like a browser reloading.
	go func() {
		for i := 0; i < 100; i++ {
			resp, err := http.PostForm("http://"+addr, url.Values{"SAMLResponse": {b.saml}})
			if err == nil {
				resp.Body.Close()
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	<-ctx.Done()
	return nil
}

type fakeProcs struct {
	mu         sync.Mutex
	alive      map[int]bool
	terminated []int
	procs      []domain.ProcessInfo
}

func (p *fakeProcs) List(ctx context.Context) ([]domain.ProcessInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.procs, nil
}

func (p *fakeProcs) Terminate(ctx context.Context, pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, pid)
	if !p.alive[pid] {
		return domain.ErrProcessNotFound
	}
	p.alive[pid] = false
	return nil
}

func (p *fakeProcs) Alive(ctx context.Context, pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func writeTestProfile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corp.ovpn")
	if err := os.WriteFile(path, []byte("client\nremote vpn.example.com 443\nauth-federate\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestOrchestrator(t *testing.T, browser domain.Browser, runner *fakeRunner, procs *fakeProcs) *Orchestrator {
	t.Helper()
	store := NewConfigStoreAt(t.TempDir())
	err := store.Save(domain.VpnConfig{
		Username:  "user@example.com",
		Password:  "hunter2",
		OvpnPath:  writeTestProfile(t),
		DNSServer: "10.0.0.2",
		DNSDomain: "internal.example.com",
	})
	if err != nil {
		t.Fatal(err)
	}

	o := newOrchestrator(store, runner, browser, procs, nil, clockwork.NewFakeClock())
	o.listenAddr = testListenAddr
	o.lookPath = func(string) (string, error) { return "/usr/bin/openvpn", nil }
	o.startDetached = func(name string, args ...string) (int, error) {
		procs.mu.Lock()
		procs.alive[777] = true
		procs.mu.Unlock()
		runner.mu.Lock()
		runner.tunUp = true
		runner.calls = append(runner.calls, append([]string{name}, args...))
		// Read the credentials now, the way the daemon does at startup;
		// the work dir is gone once the handshake returns.
		for i, arg := range args {
			if arg == "--auth-user-pass" && i+1 < len(args) && strings.HasSuffix(args[i+1], "session.txt") {
				runner.sessionCreds, _ = os.ReadFile(args[i+1])
			}
		}
		runner.mu.Unlock()
		return 777, nil
	}
	return o
}

func TestConnect_FullHandshake(t *testing.T) {
	runner := &fakeRunner{}
	browser := &fakeBrowser{saml: "PHNhbWw+assertion</saml>"}
	procs := &fakeProcs{alive: make(map[int]bool)}
	o := newTestOrchestrator(t, browser, runner, procs)

	session, err := o.Connect(context.Background(), "123456")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if session.State != domain.VpnConnected {
		t.Errorf("expected connected, got %s", session.State)
	}
	if session.PID != 777 {
		t.Errorf("expected pid 777, got %d", session.PID)
	}
	if session.TunnelIP != "10.8.0.2" {
		t.Errorf("expected tunnel ip 10.8.0.2, got %s", session.TunnelIP)
	}

	browser.mu.Lock()
	loginURL := browser.loginURL
	browser.mu.Unlock()
	if !strings.HasPrefix(loginURL, "https://portal.sso.") {
		t.Errorf("browser should be driven to the challenge URL, got %s", loginURL)
	}

	runner.mu.Lock()
	data := runner.sessionCreds
	runner.mu.Unlock()
	if len(data) == 0 {
		t.Fatal("reconnect was not started with a session credentials file")
	}
	want := "N/A\nCRV1::instance-1/5156104766/00000000-0000-0000-0000-000000000000::"
	if !strings.HasPrefix(string(data), want) {
		t.Errorf("session credentials must echo the challenge id:\n%q", data)
	}
	if !strings.Contains(string(data), url.QueryEscape(browser.saml)) {
		t.Errorf("session credentials must carry the re-encoded assertion:\n%q", data)
	}

	if !runner.sawCommand("resolvectl", "dns", "tun0", "10.0.0.2") {
		t.Error("split DNS server was not applied")
	}
	if !runner.sawCommand("resolvectl", "domain", "tun0", "~internal.example.com") {
		t.Error("split DNS routing domain was not applied")
	}
	if !runner.sawCommand("resolvectl", "default-route", "tun0", "false") {
		t.Error("tunnel must not become the default DNS route")
	}
}

func TestConnect_CaptureTimeout(t *testing.T) {
	runner := &fakeRunner{}
	browser := &fakeBrowser{silent: true}
	procs := &fakeProcs{alive: make(map[int]bool)}
	o := newTestOrchestrator(t, browser, runner, procs)
	o.captureWindow = 50 * time.Millisecond

	_, err := o.Connect(context.Background(), "")
	if !errors.Is(err, domain.ErrSamlCaptureTimeout) {
		t.Fatalf("expected saml capture timeout, got %v", err)
	}
	if o.Status(context.Background()).State == domain.VpnConnected {
		t.Error("a failed handshake must never report connected")
	}
}

func TestConnect_BadChallengeFailsBeforeBrowser(t *testing.T) {
	runner := &fakeRunner{}
	browser := &fakeBrowser{saml: "assertion"}
	procs := &fakeProcs{alive: make(map[int]bool)}
	o := newTestOrchestrator(t, browser, runner, procs)
	o.lookPath = func(string) (string, error) { return "/usr/bin/true", nil }

	_, err := o.Connect(context.Background(), "")
	var verr *domain.VpnError
	if !errors.As(err, &verr) || verr.Step != "challenge" {
		t.Fatalf("expected a challenge-step failure, got %v", err)
	}
	browser.mu.Lock()
	defer browser.mu.Unlock()
	if browser.loginURL != "" {
		t.Error("browser must not be driven when the challenge fails")
	}
}

func TestDisconnect_Total(t *testing.T) {
	runner := &fakeRunner{}
	browser := &fakeBrowser{saml: "assertion"}
	procs := &fakeProcs{alive: make(map[int]bool)}
	o := newTestOrchestrator(t, browser, runner, procs)

	if _, err := o.Connect(context.Background(), ""); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := o.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	procs.mu.Lock()
	terminated := len(procs.terminated) > 0 && procs.terminated[0] == 777
	procs.mu.Unlock()
	if !terminated {
		t.Error("disconnect must terminate the daemon")
	}
	if !runner.sawCommand("resolvectl", "revert", "tun0") {
		t.Error("disconnect must revert the resolver")
	}

	runner.mu.Lock()
	runner.tunUp = false
	runner.mu.Unlock()
	if state := o.Status(context.Background()).State; state != domain.VpnDisconnected {
		t.Errorf("expected disconnected, got %s", state)
	}
}

func TestDisconnect_WhenAlreadyDisconnected(t *testing.T) {
	runner := &fakeRunner{}
	procs := &fakeProcs{alive: make(map[int]bool)}
	o := newTestOrchestrator(t, &fakeBrowser{}, runner, procs)

	if err := o.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect from disconnected must succeed: %v", err)
	}
	if state := o.Status(context.Background()).State; state != domain.VpnDisconnected {
		t.Errorf("expected disconnected, got %s", state)
	}
}

func TestDisconnect_CancelsInFlightConnect(t *testing.T) {
	runner := &fakeRunner{}
	browser := &fakeBrowser{
		saml:    "assertion",
		addr:    "127.0.0.1:45304",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	procs := &fakeProcs{alive: make(map[int]bool)}
	o := newTestOrchestrator(t, browser, runner, procs)
	o.listenAddr = browser.addr

	type outcome struct {
		session domain.VpnSession
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := o.Connect(context.Background(), "")
		done <- outcome{s, err}
	}()

	<-browser.started
	if err := o.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	// The provider's redirect lands only after the user already tore the
	// connection down.
	close(browser.release)

	got := <-done
	if !errors.Is(got.err, domain.ErrConnectAborted) {
		t.Fatalf("expected the handshake aborted, got %v", got.err)
	}
	if got.session.State == domain.VpnConnected {
		t.Error("an aborted handshake must not produce a session")
	}
	if state := o.Status(context.Background()).State; state != domain.VpnDisconnected {
		t.Errorf("expected disconnected after explicit disconnect, got %s", state)
	}
	procs.mu.Lock()
	defer procs.mu.Unlock()
	if procs.alive[777] {
		t.Error("no daemon may survive an explicit disconnect")
	}
}

func TestConnect_RemovesCredentialWorkDir(t *testing.T) {
	runner := &fakeRunner{}
	browser := &fakeBrowser{saml: "assertion"}
	procs := &fakeProcs{alive: make(map[int]bool)}
	o := newTestOrchestrator(t, browser, runner, procs)
	o.tempDir = t.TempDir()

	if _, err := o.Connect(context.Background(), ""); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	entries, err := os.ReadDir(o.tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("credential files must not outlive the handshake: %v", entries)
	}
}

func TestStatus_DiscoversExternalDaemon(t *testing.T) {
	runner := &fakeRunner{tunUp: true}
	procs := &fakeProcs{
		alive: map[int]bool{9001: true},
		procs: []domain.ProcessInfo{
			{PID: 9001, Args: []string{"/usr/sbin/openvpn", "--config", "/etc/vpn/corp.ovpn"}},
		},
	}
	o := newTestOrchestrator(t, &fakeBrowser{}, runner, procs)

	session := o.Status(context.Background())
	if session.State != domain.VpnConnected {
		t.Fatalf("expected connected, got %s", session.State)
	}
	if session.PID != 9001 {
		t.Errorf("expected discovered pid 9001, got %d", session.PID)
	}
	if session.TunnelIP != "10.8.0.2" {
		t.Errorf("expected tunnel ip, got %s", session.TunnelIP)
	}
}

func TestSetup_Validation(t *testing.T) {
	store := NewConfigStoreAt(t.TempDir())
	o := newOrchestrator(store, &fakeRunner{}, &fakeBrowser{}, &fakeProcs{alive: map[int]bool{}}, nil, clockwork.NewFakeClock())

	if err := o.Setup(domain.VpnConfig{OvpnPath: "/tmp/x.ovpn"}); err == nil {
		t.Error("setup without a username must fail")
	}
	if err := o.Setup(domain.VpnConfig{Username: "u"}); err == nil {
		t.Error("setup without a profile path must fail")
	}
	if err := o.Setup(domain.VpnConfig{Username: "u", OvpnPath: "/does/not/exist.ovpn"}); err == nil {
		t.Error("setup with a missing profile must fail")
	}

	profile := writeTestProfile(t)
	if err := o.Setup(domain.VpnConfig{Username: "u", OvpnPath: profile}); err != nil {
		t.Errorf("valid setup failed: %v", err)
	}
}
