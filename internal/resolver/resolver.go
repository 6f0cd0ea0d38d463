// Package resolver turns a target - URL, name pattern, or explicit
// bastion+host - into an ordered list of candidate hops. The URL chain is
// hostname -> DNS -> load balancer -> healthy target group backends ->
// security-group filter -> SSM-online hop, with a fall-through to all online
// bastions whenever a stage yields nothing viable.
package resolver

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/eleven-am/burrow/internal/domain"
)

type Resolver struct {
	inv domain.Inventory
	dns domain.HostResolver
	log *slog.Logger
}

func New(inv domain.Inventory, dns domain.HostResolver, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{inv: inv, dns: dns, log: logger.With("component", "resolver")}
}

// ResolveURL runs the full chain for a URL target. remotePort == 0 means
// "infer from scheme, let a matched target group override". The returned
// route is never empty; if even the bastion fallback is empty the call fails
// with a terminal no-route error.
func (r *Resolver) ResolveURL(ctx context.Context, rawURL string, remotePort int) (domain.Route, error) {
	host := StripURLToHost(rawURL)
	inferred := InferRemotePort(rawURL)
	if remotePort == 0 {
		remotePort = inferred
	}

	ips, err := r.resolveHost(ctx, host)
	if err != nil || len(ips) == 0 {
		return domain.Route{}, &domain.ResolutionError{
			Step:   "dns",
			Target: host,
			Err:    domain.ErrDNSResolution,
		}
	}

	lb, matched := r.matchLoadBalancer(ctx, host, ips)
	if !matched {
		r.log.Debug("no load balancer matched, falling back to bastions", "host", host)
		return r.bastionFallback(ctx, host, remotePort, domain.FallbackNoMatch)
	}

	hops := r.viableBackendHops(ctx, lb, remotePort)
	if len(hops) == 0 {
		r.log.Debug("load balancer matched but no viable backend hop", "host", host, "lb", lb.Name)
		return r.bastionFallback(ctx, host, remotePort, domain.FallbackNoViable)
	}
	return domain.Route{Hops: hops, Reason: domain.RouteALB}, nil
}

// ResolveDNS maps a URL straight to an instance by private-IP match, or to
// a bastion-forwarded hop when the name only resolves inside the VPC.
func (r *Resolver) ResolveDNS(ctx context.Context, rawURL string, remotePort int) (domain.Route, error) {
	host := StripURLToHost(rawURL)
	if remotePort == 0 {
		remotePort = InferRemotePort(rawURL)
	}

	ips, _ := r.resolveHost(ctx, host)

	instances, err := r.inv.ListInstances(ctx)
	if err != nil {
		return domain.Route{}, &domain.ResolutionError{Step: "dns", Target: host, Err: err}
	}

	for _, ip := range ips {
		for _, inst := range instances {
			if inst.PrivateIP == ip.String() && inst.AgentOnline() {
				return domain.Route{
					Hops:   []domain.Hop{{Instance: inst, RemotePort: remotePort}},
					Reason: domain.RouteDirectIP,
				}, nil
			}
		}
	}

	// No direct match: forward through a bastion, preferring the resolved
	// address so the hop needs no DNS of its own.
	target := host
	if len(ips) > 0 {
		target = ips[0].String()
	}
	return r.bastionFallback(ctx, target, remotePort, domain.FallbackNoMatch)
}

// FindByPattern matches instance names by case-insensitive substring,
// restricted to instances with an online agent. Ambiguity is an error, not
// a guess.
func (r *Resolver) FindByPattern(ctx context.Context, pattern string) (domain.Instance, error) {
	instances, err := r.inv.ListInstances(ctx)
	if err != nil {
		return domain.Instance{}, err
	}

	pat := strings.ToLower(pattern)
	var matches []domain.Instance
	for _, inst := range instances {
		if strings.Contains(strings.ToLower(inst.Name), pat) && inst.AgentOnline() {
			matches = append(matches, inst)
		}
	}

	switch len(matches) {
	case 0:
		return domain.Instance{}, &domain.NoInstanceError{Pattern: pattern}
	case 1:
		return matches[0], nil
	default:
		return domain.Instance{}, &domain.AmbiguousMatchError{Pattern: pattern, Matches: len(matches)}
	}
}

// Bastions returns every instance with an online forwarding agent, in
// provider listing order.
func (r *Resolver) Bastions(ctx context.Context) ([]domain.Instance, error) {
	instances, err := r.inv.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	var bastions []domain.Instance
	for _, inst := range instances {
		if inst.AgentOnline() {
			bastions = append(bastions, inst)
		}
	}
	return bastions, nil
}

// resolveHost prefers the local resolver but re-resolves externally when the
// local answer is only loopback (a hosts-file override from --proxy).
func (r *Resolver) resolveHost(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := r.dns.LookupLocal(ctx, host)
	if err != nil {
		return nil, err
	}
	if allLoopback(ips) {
		if external, err := r.dns.LookupExternal(ctx, host); err == nil && len(external) > 0 {
			return external, nil
		}
	}
	return ips, nil
}

// matchLoadBalancer finds an LB whose listener rules route the hostname, or
// whose own DNS name resolves to the same addresses. Provider errors inside
// this stage collapse to "no match" so the bastion fallback still runs.
func (r *Resolver) matchLoadBalancer(ctx context.Context, host string, hostIPs []net.IP) (domain.LoadBalancer, bool) {
	lbs, err := r.inv.ListLoadBalancers(ctx)
	if err != nil {
		r.log.Warn("load balancer listing failed, treating as no match", "error", err)
		return domain.LoadBalancer{}, false
	}

	target := ipSet(hostIPs)
	for _, lb := range lbs {
		for _, pattern := range lb.RuleHosts {
			if matchHostPattern(pattern, host) {
				return lb, true
			}
		}
		if lb.DNSName == "" {
			continue
		}
		lbIPs, err := r.dns.LookupLocal(ctx, lb.DNSName)
		if err != nil {
			continue
		}
		for _, ip := range lbIPs {
			if target[ip.String()] {
				return lb, true
			}
		}
	}
	return domain.LoadBalancer{}, false
}

// viableBackendHops keeps healthy backends whose security groups admit an
// online hop instance on the backend port. Backends without a matching rule
// are excluded, never fatal.
func (r *Resolver) viableBackendHops(ctx context.Context, lb domain.LoadBalancer, fallbackPort int) []domain.Hop {
	targets, err := r.inv.Targets(ctx, lb)
	if err != nil {
		r.log.Warn("target listing failed, treating as no viable backend", "lb", lb.Name, "error", err)
		return nil
	}

	instances, err := r.inv.ListInstances(ctx)
	if err != nil {
		return nil
	}
	byID := make(map[string]domain.Instance, len(instances))
	for _, inst := range instances {
		byID[inst.ID] = inst
	}

	var hops []domain.Hop
	for _, target := range targets {
		if !target.Healthy {
			continue
		}
		port := target.Port
		if port == 0 {
			port = fallbackPort
		}

		sgIDs, err := r.inv.TargetSecurityGroups(ctx, target.ID)
		if err != nil || len(sgIDs) == 0 {
			continue
		}
		rules, err := r.inv.InboundRules(ctx, sgIDs)
		if err != nil {
			continue
		}
		allowed := allowedSourceGroups(rules, port)
		if len(allowed) == 0 {
			continue
		}

		hop, ok := hopForGroups(instances, allowed)
		if !ok {
			continue
		}

		remoteHost := target.ID
		if inst, isInstance := byID[target.ID]; isInstance {
			remoteHost = inst.PrivateIP
		}
		if remoteHost == "" {
			continue
		}
		hops = append(hops, domain.Hop{Instance: hop, RemoteHost: remoteHost, RemotePort: port})
	}
	return hops
}

func (r *Resolver) bastionFallback(ctx context.Context, host string, remotePort int, reason domain.RouteReason) (domain.Route, error) {
	bastions, err := r.Bastions(ctx)
	if err != nil {
		return domain.Route{}, &domain.ResolutionError{Step: "no-route", Target: host, Err: err}
	}
	if len(bastions) == 0 {
		return domain.Route{}, &domain.ResolutionError{
			Step:   "no-route",
			Target: host,
			Err:    domain.ErrNoBastions,
		}
	}

	hops := make([]domain.Hop, 0, len(bastions))
	for _, b := range bastions {
		hops = append(hops, domain.Hop{Instance: b, RemoteHost: host, RemotePort: remotePort})
	}
	return domain.Route{Hops: hops, Reason: reason}, nil
}

// allowedSourceGroups collects source security groups permitted inbound on
// the given port across all rules.
func allowedSourceGroups(rules []domain.SecurityGroupRule, port int) map[string]bool {
	allowed := map[string]bool{}
	for _, rule := range rules {
		if !rule.PermitsPort(port) {
			continue
		}
		for _, gid := range rule.SourceGroupIDs {
			allowed[gid] = true
		}
	}
	return allowed
}

// hopForGroups picks the first online instance belonging to an allowed
// source group, preserving provider order.
func hopForGroups(instances []domain.Instance, allowed map[string]bool) (domain.Instance, bool) {
	for _, inst := range instances {
		if !inst.AgentOnline() {
			continue
		}
		for _, sg := range inst.SecurityGroupIDs {
			if allowed[sg] {
				return inst, true
			}
		}
	}
	return domain.Instance{}, false
}

// matchHostPattern compares a listener rule's host-header pattern against a
// hostname. Only the leading-label wildcard form is supported, matching the
// provider's rule semantics.
func matchHostPattern(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)
	if pattern == host {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return false
}

func ipSet(ips []net.IP) map[string]bool {
	set := make(map[string]bool, len(ips))
	for _, ip := range ips {
		if !ip.IsLoopback() {
			set[ip.String()] = true
		}
	}
	return set
}
