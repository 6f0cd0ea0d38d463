// Package tunnel supervises port-forward processes: it starts forwarding
// agents, rediscovers detached ones after a restart, probes their health,
// and tears them down. The registry is keyed by local port and every
// operation on one port is serialized; distinct ports proceed concurrently.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eleven-am/burrow/internal/domain"
)

const (
	startTimeout     = 20 * time.Second
	portPollInterval = 500 * time.Millisecond
	retryDelay       = 2 * time.Second
)

type prober interface {
	PortOpen(ctx context.Context, port int) bool
	Probe(ctx context.Context, port int) (time.Duration, bool)
}

type entry struct {
	mu     sync.Mutex
	tp     domain.TunnelProcess
	ctx    context.Context
	cancel context.CancelFunc
}

type Supervisor struct {
	launcher domain.AgentLauncher
	procs    domain.ProcessLister
	prober   prober
	clock    clockwork.Clock
	log      *slog.Logger

	mu      sync.Mutex
	entries map[int]*entry
}

func NewSupervisor(launcher domain.AgentLauncher, procs domain.ProcessLister, p prober, clock clockwork.Clock, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		launcher: launcher,
		procs:    procs,
		prober:   p,
		clock:    clock,
		log:      logger.With("component", "tunnel"),
		entries:  make(map[int]*entry),
	}
}

// StopResult is one item of a stop-all report; partial failures are
// collected, never short-circuited.
type StopResult struct {
	LocalPort int
	Err       error
}

// Start launches a forward through the hop and registers it once the local
// port is bound and the remote end answered a probe. A local port owned by
// a live entry, or bound by a foreign process, is a conflict, never an
// overwrite.
func (s *Supervisor) Start(ctx context.Context, kind domain.TunnelKind, hop domain.Hop, localPort int) (domain.TunnelProcess, error) {
	e, err := s.claim(ctx, kind, hop, localPort)
	if err != nil {
		return domain.TunnelProcess{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.prober.PortOpen(ctx, localPort) {
		s.release(localPort)
		return domain.TunnelProcess{}, &domain.TunnelError{
			Op: "start", LocalPort: localPort,
			Err: fmt.Errorf("%w by a foreign process", domain.ErrPortConflict),
		}
	}

	var pid int
	if hop.RemoteHost == "" {
		pid, err = s.launcher.StartForward(ctx, hop.Instance.ID, localPort, hop.RemotePort)
	} else {
		pid, err = s.launcher.StartRemoteForward(ctx, hop.Instance.ID, hop.RemoteHost, localPort, hop.RemotePort)
	}
	if err != nil {
		s.release(localPort)
		return domain.TunnelProcess{}, &domain.TunnelError{Op: "start", LocalPort: localPort, Err: err}
	}

	e.tp.PID = pid
	s.log.Info("forwarding agent started",
		"pid", pid, "hop", hop.Instance.Name, "local_port", localPort,
		"remote_host", hop.RemoteHost, "remote_port", hop.RemotePort)

	if err := s.waitForPort(e.ctx, localPort); err != nil {
		s.procs.Terminate(ctx, pid)
		s.release(localPort)
		return domain.TunnelProcess{}, &domain.TunnelError{Op: "start", LocalPort: localPort, Err: err}
	}

	latency, reachable := s.prober.Probe(e.ctx, localPort)
	if !reachable {
		s.procs.Terminate(ctx, pid)
		s.release(localPort)
		return domain.TunnelProcess{}, &domain.TunnelError{
			Op: "start", LocalPort: localPort,
			Err: fmt.Errorf("remote %s:%d gave no response through the forward", hop.RemoteHost, hop.RemotePort),
		}
	}

	e.tp.Status = domain.TunnelStatus{State: domain.TunnelOpen, Latency: latency}
	return e.tp, nil
}

// StartRoute tries the route's hops in order until one forward comes up.
// Retry-on-next-candidate lives here, not in the resolver.
func (s *Supervisor) StartRoute(ctx context.Context, kind domain.TunnelKind, route domain.Route, localPort int) (domain.TunnelProcess, error) {
	var lastErr error
	for i, hop := range route.Hops {
		tp, err := s.Start(ctx, kind, hop, localPort)
		if err == nil {
			return tp, nil
		}
		lastErr = err
		// A conflicting port will conflict for every hop; bail out early.
		if errors.Is(err, domain.ErrPortConflict) {
			return domain.TunnelProcess{}, err
		}
		s.log.Warn("hop failed, trying next candidate",
			"hop", hop.Instance.Name, "remaining", len(route.Hops)-i-1, "error", err)
		if i < len(route.Hops)-1 {
			if err := s.sleep(ctx, retryDelay); err != nil {
				return domain.TunnelProcess{}, err
			}
		}
	}
	if lastErr == nil {
		lastErr = domain.ErrNoRoute
	}
	return domain.TunnelProcess{}, &domain.TunnelError{
		Op: "start", LocalPort: localPort,
		Err: fmt.Errorf("all %d hops unreachable: %w", len(route.Hops), lastErr),
	}
}

// Reconcile rebuilds registry entries from the running-process list. Entries
// recovered this way carry OriginRecovered and behave identically otherwise;
// native entries whose agent has exited are dropped.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	infos, err := s.procs.List(ctx)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	running := map[int]domain.TunnelProcess{}
	for _, info := range infos {
		if tp, ok := parseAgentProcess(info); ok {
			running[tp.LocalPort] = tp
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for port, e := range s.entries {
		if _, ok := running[port]; ok {
			continue
		}
		if !s.procs.Alive(ctx, e.tp.PID) {
			e.cancel()
			delete(s.entries, port)
			s.log.Info("agent exited, dropping registry entry", "local_port", port, "pid", e.tp.PID)
		}
	}

	for port, tp := range running {
		if _, ok := s.entries[port]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.entries[port] = &entry{tp: tp, ctx: ctx, cancel: cancel}
		s.log.Info("recovered detached forwarding agent", "local_port", port, "pid", tp.PID)
	}
	return nil
}

// List reconciles against the process table and returns a snapshot ordered
// by local port.
func (s *Supervisor) List(ctx context.Context) ([]domain.TunnelProcess, error) {
	if err := s.Reconcile(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tps := make([]domain.TunnelProcess, 0, len(s.entries))
	for _, e := range s.entries {
		tps = append(tps, e.tp)
	}
	sort.Slice(tps, func(i, j int) bool { return tps[i].LocalPort < tps[j].LocalPort })
	return tps, nil
}

// Probe health-checks one tunnel. A stop racing this probe wins: the probe
// observes cancellation and reports Stopped instead of overwriting state.
func (s *Supervisor) Probe(ctx context.Context, localPort int) (domain.TunnelStatus, error) {
	e := s.get(localPort)
	if e == nil {
		return domain.TunnelStatus{}, &domain.TunnelError{Op: "probe", LocalPort: localPort, Err: domain.ErrProcessNotFound}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx.Err() != nil {
		return domain.TunnelStatus{State: domain.TunnelStopped}, nil
	}
	e.tp.Status.State = domain.TunnelProbing

	latency, reachable := s.prober.Probe(e.ctx, localPort)
	if e.ctx.Err() != nil {
		return domain.TunnelStatus{State: domain.TunnelStopped}, nil
	}
	if reachable {
		e.tp.Status = domain.TunnelStatus{State: domain.TunnelOK, Latency: latency}
	} else {
		e.tp.Status = domain.TunnelStatus{State: domain.TunnelDown}
	}
	return e.tp.Status, nil
}

// Stop terminates one tunnel's agent and removes the entry. The entry is
// removed even when the process is already gone; that condition is reported
// but the registry never keeps a dead entry. The returned TunnelProcess
// carries the linked proxy host so the caller can deregister the site.
func (s *Supervisor) Stop(ctx context.Context, localPort int) (domain.TunnelProcess, error) {
	s.mu.Lock()
	e, ok := s.entries[localPort]
	s.mu.Unlock()
	if !ok {
		return domain.TunnelProcess{}, &domain.TunnelError{Op: "stop", LocalPort: localPort, Err: domain.ErrProcessNotFound}
	}

	// Supersede any in-flight probe before taking the per-port lock.
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()

	err := s.procs.Terminate(ctx, e.tp.PID)
	e.tp.Status = domain.TunnelStatus{State: domain.TunnelStopped}

	s.mu.Lock()
	delete(s.entries, localPort)
	s.mu.Unlock()

	if err != nil {
		return e.tp, &domain.TunnelError{Op: "stop", LocalPort: localPort, Err: err}
	}
	s.log.Info("tunnel stopped", "local_port", localPort, "pid", e.tp.PID)
	return e.tp, nil
}

// StopAll reconciles first so detached agents are included, then stops every
// entry independently. Idempotent: a second call with nothing started in
// between returns an empty report.
func (s *Supervisor) StopAll(ctx context.Context) []StopResult {
	if err := s.Reconcile(ctx); err != nil {
		s.log.Warn("reconcile before stop-all failed", "error", err)
	}

	s.mu.Lock()
	ports := make([]int, 0, len(s.entries))
	for port := range s.entries {
		ports = append(ports, port)
	}
	s.mu.Unlock()
	sort.Ints(ports)

	results := make([]StopResult, 0, len(ports))
	for _, port := range ports {
		_, err := s.Stop(ctx, port)
		results = append(results, StopResult{LocalPort: port, Err: err})
	}
	return results
}

// SetProxyHost links a tunnel to the proxy site created for it.
func (s *Supervisor) SetProxyHost(localPort int, host string) {
	if e := s.get(localPort); e != nil {
		e.mu.Lock()
		e.tp.ProxyHost = host
		e.mu.Unlock()
	}
}

// Get returns the registry entry for a port, if any.
func (s *Supervisor) Get(localPort int) (domain.TunnelProcess, bool) {
	e := s.get(localPort)
	if e == nil {
		return domain.TunnelProcess{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tp, true
}

// claim reserves the local port in the registry under the Starting state.
func (s *Supervisor) claim(ctx context.Context, kind domain.TunnelKind, hop domain.Hop, localPort int) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[localPort]; ok {
		return nil, &domain.TunnelError{Op: "start", LocalPort: localPort, Err: domain.ErrPortConflict}
	}
	entryCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		tp: domain.TunnelProcess{
			Kind:       kind,
			Origin:     domain.OriginNative,
			InstanceID: hop.Instance.ID,
			Instance:   hop.Instance.Name,
			LocalPort:  localPort,
			RemoteHost: hop.RemoteHost,
			RemotePort: hop.RemotePort,
			Status:     domain.TunnelStatus{State: domain.TunnelStarting},
		},
		ctx:    entryCtx,
		cancel: cancel,
	}
	s.entries[localPort] = e
	return e, nil
}

func (s *Supervisor) release(localPort int) {
	s.mu.Lock()
	if e, ok := s.entries[localPort]; ok {
		e.cancel()
		delete(s.entries, localPort)
	}
	s.mu.Unlock()
}

func (s *Supervisor) get(localPort int) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[localPort]
}

func (s *Supervisor) waitForPort(ctx context.Context, port int) error {
	start := s.clock.Now()
	for s.clock.Since(start) < startTimeout {
		if s.prober.PortOpen(ctx, port) {
			return nil
		}
		if err := s.sleep(ctx, portPollInterval); err != nil {
			return err
		}
	}
	return domain.ErrStartTimeout
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}
