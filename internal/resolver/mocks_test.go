package resolver

import (
	"context"
	"fmt"
	"net"

	"github.com/eleven-am/burrow/internal/domain"
)

type mockInventory struct {
	instances     []domain.Instance
	loadBalancers []domain.LoadBalancer
	targets       map[string][]domain.AlbTarget // by LB ARN
	targetSGs     map[string][]string           // by target id
	inboundRules  map[string][]domain.SecurityGroupRule
	bastionDNS    map[string][]net.IP // by host

	listInstancesErr error
	listLBsErr       error
	targetsErr       error
}

func newMockInventory() *mockInventory {
	return &mockInventory{
		targets:      make(map[string][]domain.AlbTarget),
		targetSGs:    make(map[string][]string),
		inboundRules: make(map[string][]domain.SecurityGroupRule),
		bastionDNS:   make(map[string][]net.IP),
	}
}

func (m *mockInventory) ListInstances(ctx context.Context) ([]domain.Instance, error) {
	return m.instances, m.listInstancesErr
}

func (m *mockInventory) ListLoadBalancers(ctx context.Context) ([]domain.LoadBalancer, error) {
	return m.loadBalancers, m.listLBsErr
}

func (m *mockInventory) Targets(ctx context.Context, lb domain.LoadBalancer) ([]domain.AlbTarget, error) {
	if m.targetsErr != nil {
		return nil, m.targetsErr
	}
	return m.targets[lb.ARN], nil
}

func (m *mockInventory) TargetSecurityGroups(ctx context.Context, targetID string) ([]string, error) {
	sgs, ok := m.targetSGs[targetID]
	if !ok {
		return nil, fmt.Errorf("no security groups for %s", targetID)
	}
	return sgs, nil
}

func (m *mockInventory) InboundRules(ctx context.Context, sgIDs []string) ([]domain.SecurityGroupRule, error) {
	var rules []domain.SecurityGroupRule
	for _, id := range sgIDs {
		rules = append(rules, m.inboundRules[id]...)
	}
	return rules, nil
}

func (m *mockInventory) ResolveViaBastion(ctx context.Context, bastionID, host string) ([]net.IP, error) {
	ips, ok := m.bastionDNS[host]
	if !ok {
		return nil, nil
	}
	return ips, nil
}

type mockHostResolver struct {
	local    map[string][]net.IP
	external map[string][]net.IP
}

func newMockHostResolver() *mockHostResolver {
	return &mockHostResolver{
		local:    make(map[string][]net.IP),
		external: make(map[string][]net.IP),
	}
}

func (m *mockHostResolver) LookupLocal(ctx context.Context, host string) ([]net.IP, error) {
	ips, ok := m.local[host]
	if !ok {
		return nil, fmt.Errorf("no such host %s", host)
	}
	return ips, nil
}

func (m *mockHostResolver) LookupExternal(ctx context.Context, host string) ([]net.IP, error) {
	ips, ok := m.external[host]
	if !ok {
		return nil, fmt.Errorf("no such host %s", host)
	}
	return ips, nil
}

func onlineInstance(id, name, privateIP string, sgs ...string) domain.Instance {
	return domain.Instance{
		ID:               id,
		Name:             name,
		State:            domain.StateRunning,
		PrivateIP:        privateIP,
		Agent:            domain.AgentOnline,
		SecurityGroupIDs: sgs,
	}
}
