package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoRoute            = errors.New("no route found")
	ErrDNSResolution      = errors.New("dns resolution failed")
	ErrNoBastions         = errors.New("no online bastions")
	ErrStartTimeout       = errors.New("tunnel start timeout")
	ErrPortConflict       = errors.New("local port already bound")
	ErrProcessNotFound    = errors.New("process not found")
	ErrSamlCaptureTimeout = errors.New("saml capture timeout")
	ErrReconnectTimeout   = errors.New("vpn reconnect timeout")
	ErrConnectAborted     = errors.New("connect aborted by disconnect")
)

// ResolutionError reports which step of the resolution chain failed and for
// which target. Intermediate "not found" conditions are absorbed by the
// fallback chain; only terminal failures surface as this type.
type ResolutionError struct {
	Step   string // "dns", "load-balancer", "target-group", "security-group", "no-route"
	Target string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %s: %v", e.Target, e.Step, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// AmbiguousMatchError surfaces a >1 name-pattern match instead of guessing.
type AmbiguousMatchError struct {
	Pattern string
	Matches int
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("pattern %q matches %d instances, refusing to guess", e.Pattern, e.Matches)
}

// NoInstanceError is a zero-result name-pattern match.
type NoInstanceError struct {
	Pattern string
}

func (e *NoInstanceError) Error() string {
	return fmt.Sprintf("no instance matches %q", e.Pattern)
}

type TunnelError struct {
	Op        string // "start", "probe", "stop"
	LocalPort int
	Err       error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel port %d: %s: %v", e.LocalPort, e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error { return e.Err }

// ProxyError distinguishes which of the four reconciliation steps failed.
type ProxyError struct {
	Step string // "config-write", "hosts-file", "reload", "dns-flush"
	Host string
	Err  error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy %s: %s: %v", e.Host, e.Step, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }

type VpnError struct {
	Step string // "config", "challenge", "credentials", "browser", "callback", "saml-capture", "reconnect", "dns"
	Err  error
}

func (e *VpnError) Error() string {
	return fmt.Sprintf("vpn %s: %v", e.Step, e.Err)
}

func (e *VpnError) Unwrap() error { return e.Err }

// ExternalToolError reports a required external program missing from PATH.
type ExternalToolError struct {
	Tool string
}

func (e *ExternalToolError) Error() string {
	return fmt.Sprintf("required external tool %q not found", e.Tool)
}
