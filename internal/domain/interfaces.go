package domain

import (
	"context"
	"net"
)

// Inventory is the read-only view of the compute fleet. All methods are pure
// queries against the provider; implementations may cache behind a TTL but
// hold no other state.
type Inventory interface {
	ListInstances(ctx context.Context) ([]Instance, error)
	ListLoadBalancers(ctx context.Context) ([]LoadBalancer, error)
	// Targets returns all registered backends of the LB's target groups,
	// healthy or not, in provider listing order.
	Targets(ctx context.Context, lb LoadBalancer) ([]AlbTarget, error)
	// TargetSecurityGroups resolves the SG ids attached to a backend, which
	// may be an instance id or a private IP (ENI lookup).
	TargetSecurityGroups(ctx context.Context, targetID string) ([]string, error)
	InboundRules(ctx context.Context, sgIDs []string) ([]SecurityGroupRule, error)
	// ResolveViaBastion runs a DNS query on the hop itself, for names only
	// the private zone can answer.
	ResolveViaBastion(ctx context.Context, bastionID, host string) ([]net.IP, error)
}

// HostResolver separates the local resolver path (which sees /etc/hosts
// overrides) from a pinned external one (which must not).
type HostResolver interface {
	LookupLocal(ctx context.Context, host string) ([]net.IP, error)
	LookupExternal(ctx context.Context, host string) ([]net.IP, error)
}

type ProcessInfo struct {
	PID  int
	Args []string
}

// ProcessLister enumerates running processes with their invocation arguments.
// The supervisor uses it to reconcile detached forwarding agents that
// survived an orchestrator restart.
type ProcessLister interface {
	List(ctx context.Context) ([]ProcessInfo, error)
	Terminate(ctx context.Context, pid int) error
	Alive(ctx context.Context, pid int) bool
}

// AgentLauncher spawns the external forwarding agent as a detached process
// and returns its pid. The agent owns the actual encrypted session.
type AgentLauncher interface {
	StartForward(ctx context.Context, instanceID string, localPort, remotePort int) (int, error)
	StartRemoteForward(ctx context.Context, instanceID, host string, localPort, remotePort int) (int, error)
}

// CommandRunner is the seam for every OS-level command the core shells out
// to (proxy reload, DNS flush, resolvectl, ip link). Tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Browser drives the SAML login form: navigate, fill username, password and
// MFA code, submit. It returns once the identity provider has redirected the
// assertion to the callback listener (or errors).
type Browser interface {
	CompleteLogin(ctx context.Context, url, username, password, mfaCode string) error
}
