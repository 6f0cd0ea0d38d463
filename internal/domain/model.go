package domain

import "time"

type InstanceState string

const (
	StateRunning  InstanceState = "running"
	StateStopped  InstanceState = "stopped"
	StatePending  InstanceState = "pending"
	StateStopping InstanceState = "stopping"
)

type AgentStatus string

const (
	AgentOnline  AgentStatus = "Online"
	AgentOffline AgentStatus = "Offline"
	AgentUnknown AgentStatus = "-"
)

// Instance is an immutable snapshot of a compute instance merged with its
// forwarding-agent status. Re-fetched on demand, never cached beyond the
// inventory client's TTL.
type Instance struct {
	ID               string
	Name             string
	Type             string
	State            InstanceState
	PrivateIP        string
	PublicIP         string
	Agent            AgentStatus
	SecurityGroupIDs []string
}

func (i Instance) AgentOnline() bool {
	return i.Agent == AgentOnline && i.State == StateRunning
}

type LoadBalancerKind string

const (
	LBApplication LoadBalancerKind = "application"
	LBClassic     LoadBalancerKind = "classic"
)

// LoadBalancer is the slice of a provider LB the resolver cares about:
// identity, public DNS name, and the hostnames its listener rules route.
type LoadBalancer struct {
	ARN       string // name for classic LBs
	Name      string
	DNSName   string
	Kind      LoadBalancerKind
	RuleHosts []string // host-header patterns across all listeners, provider order
}

// AlbTarget is one registered backend of a matched target group. Derived
// transiently during resolution, never persisted.
type AlbTarget struct {
	TargetGroupARN string
	ID             string // instance id or private IP
	Port           int
	Healthy        bool
}

type SecurityGroupRule struct {
	Protocol       string // "-1" means all
	FromPort       int
	ToPort         int
	SourceCIDRs    []string
	SourceGroupIDs []string
}

func (r SecurityGroupRule) PermitsPort(port int) bool {
	if r.Protocol == "-1" {
		return true
	}
	return r.FromPort <= port && port <= r.ToPort
}

type TunnelKind string

const (
	TunnelDirect TunnelKind = "direct"
	TunnelURL    TunnelKind = "url"
	TunnelDNS    TunnelKind = "dns"
	TunnelRemote TunnelKind = "remote"
)

type TunnelOrigin string

const (
	OriginNative    TunnelOrigin = "native"
	OriginRecovered TunnelOrigin = "recovered"
)

type TunnelState string

const (
	TunnelStarting TunnelState = "starting"
	TunnelOpen     TunnelState = "open"
	TunnelProbing  TunnelState = "probing"
	TunnelOK       TunnelState = "ok"
	TunnelDown     TunnelState = "down"
	TunnelStopped  TunnelState = "stopped"
)

type TunnelStatus struct {
	State   TunnelState
	Latency time.Duration // valid only for TunnelOK
}

// TunnelProcess is one supervised port-forward. The local port is the natural
// key: at most one live registry entry may own a given local port. Mutated
// only by the supervisor.
type TunnelProcess struct {
	Kind       TunnelKind
	Origin     TunnelOrigin
	InstanceID string
	Instance   string // name tag of the hop, or remote host for recovered entries
	LocalPort  int
	RemoteHost string // empty for direct forwards and unparseable recovered entries
	RemotePort int
	PID        int
	Status     TunnelStatus
	ProxyHost  string // hostname of the linked ProxySite, empty if none
}

// ProxySite is a reverse-proxy site definition plus hosts-file entry, owned
// by the tunnel on TunnelPort.
type ProxySite struct {
	Hostname   string
	LocalPort  int
	TunnelPort int
	ConfigPath string
	Enabled    bool
}

// VpnConfig is persisted outside process memory with 0600 permissions; the
// password is a secret and must never be logged.
type VpnConfig struct {
	Username  string `json:"sso_username"`
	Password  string `json:"sso_password"`
	OvpnPath  string `json:"ovpn_path"`
	DNSServer string `json:"dns_server"`
	DNSDomain string `json:"dns_domain"`
}

type VpnState string

const (
	VpnDisconnected       VpnState = "disconnected"
	VpnChallengeRequested VpnState = "challenge-requested"
	VpnBrowserAuth        VpnState = "browser-authenticating"
	VpnSamlCaptured       VpnState = "saml-captured"
	VpnReconnecting       VpnState = "reconnecting"
	VpnConnected          VpnState = "connected"
)

// VpnSession tracks the single process-wide VPN connection.
type VpnSession struct {
	State    VpnState
	PID      int
	TunnelIP string
}

// RouteReason records which stage of the resolution chain produced the
// candidate set. The two fallback reasons are distinct on purpose: "no load
// balancer matched" and "a load balancer matched but no viable hop survived
// filtering" are separately testable triggers.
type RouteReason string

const (
	RouteALB            RouteReason = "alb"
	RouteDirectIP       RouteReason = "direct-ip"
	RouteNamePattern    RouteReason = "name-pattern"
	FallbackNoMatch     RouteReason = "fallback-no-lb-match"
	FallbackNoViable    RouteReason = "fallback-no-viable-backend"
)

// Hop is one candidate path: tunnel through Instance to RemoteHost:RemotePort.
// An empty RemoteHost means a direct forward to the instance itself.
type Hop struct {
	Instance   Instance
	RemoteHost string
	RemotePort int
}

// Route is an ordered, never-empty candidate list. The first hop is primary;
// callers decide whether to retry with the rest.
type Route struct {
	Hops   []Hop
	Reason RouteReason
}
