package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/eleven-am/burrow/internal/domain"
)

// fakeEnv simulates the process-level world the supervisor manipulates:
// launched agents, listening local ports and pid liveness, shared by the
// fake launcher, lister and prober.
type fakeEnv struct {
	mu        sync.Mutex
	nextPID   int
	listening map[int]bool // by local port
	reachable map[int]bool // by local port
	alive     map[int]bool // by pid
	portByPID map[int]int
	procs     []domain.ProcessInfo
	launchErr map[string]error // by instance id

	probeFn func(ctx context.Context, port int) (time.Duration, bool)
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		nextPID:   100,
		listening: make(map[int]bool),
		reachable: make(map[int]bool),
		alive:     make(map[int]bool),
		portByPID: make(map[int]int),
		launchErr: make(map[string]error),
	}
}

func (f *fakeEnv) launch(instanceID string, localPort int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.launchErr[instanceID]; err != nil {
		return 0, err
	}
	f.nextPID++
	pid := f.nextPID
	f.listening[localPort] = true
	if _, ok := f.reachable[localPort]; !ok {
		f.reachable[localPort] = true
	}
	f.alive[pid] = true
	f.portByPID[pid] = localPort
	return pid, nil
}

type fakeLauncher struct{ env *fakeEnv }

func (l fakeLauncher) StartForward(ctx context.Context, instanceID string, localPort, remotePort int) (int, error) {
	return l.env.launch(instanceID, localPort)
}

func (l fakeLauncher) StartRemoteForward(ctx context.Context, instanceID, host string, localPort, remotePort int) (int, error) {
	return l.env.launch(instanceID, localPort)
}

type fakeLister struct{ env *fakeEnv }

func (l fakeLister) List(ctx context.Context) ([]domain.ProcessInfo, error) {
	l.env.mu.Lock()
	defer l.env.mu.Unlock()
	return append([]domain.ProcessInfo(nil), l.env.procs...), nil
}

func (l fakeLister) Terminate(ctx context.Context, pid int) error {
	l.env.mu.Lock()
	defer l.env.mu.Unlock()
	if !l.env.alive[pid] {
		return domain.ErrProcessNotFound
	}
	l.env.alive[pid] = false
	if port, ok := l.env.portByPID[pid]; ok {
		delete(l.env.listening, port)
	}
	return nil
}

func (l fakeLister) Alive(ctx context.Context, pid int) bool {
	l.env.mu.Lock()
	defer l.env.mu.Unlock()
	return l.env.alive[pid]
}

type fakeProber struct{ env *fakeEnv }

func (p fakeProber) PortOpen(ctx context.Context, port int) bool {
	p.env.mu.Lock()
	defer p.env.mu.Unlock()
	return p.env.listening[port]
}

func (p fakeProber) Probe(ctx context.Context, port int) (time.Duration, bool) {
	p.env.mu.Lock()
	fn := p.env.probeFn
	p.env.mu.Unlock()
	if fn != nil {
		return fn(ctx, port)
	}
	p.env.mu.Lock()
	defer p.env.mu.Unlock()
	if p.env.listening[port] && p.env.reachable[port] {
		return 5 * time.Millisecond, true
	}
	return 0, false
}
