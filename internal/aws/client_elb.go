package aws

import (
	"context"
	"fmt"

	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/eleven-am/burrow/internal/domain"
)

// ListLoadBalancers returns application LBs (with the host patterns of their
// listener rules) followed by classic LBs, both in provider listing order.
func (c *Client) ListLoadBalancers(ctx context.Context) ([]domain.LoadBalancer, error) {
	key := c.cacheKey("load-balancers", c.region)
	if v, ok := c.cache.get(key); ok {
		return v.([]domain.LoadBalancer), nil
	}

	albs, err := c.listALBs(ctx)
	if err != nil {
		return nil, err
	}
	classics, err := c.listClassicLBs(ctx)
	if err != nil {
		return nil, err
	}

	lbs := append(albs, classics...)
	c.cache.set(key, lbs)
	return lbs, nil
}

func (c *Client) listALBs(ctx context.Context) ([]domain.LoadBalancer, error) {
	paginator := elbv2.NewDescribeLoadBalancersPaginator(c.elbv2Client, &elbv2.DescribeLoadBalancersInput{})
	raw, err := collectPages(
		ctx,
		paginator.HasMorePages,
		func(ctx context.Context) (*elbv2.DescribeLoadBalancersOutput, error) {
			return paginator.NextPage(ctx)
		},
		func(out *elbv2.DescribeLoadBalancersOutput) []elbv2types.LoadBalancer {
			return out.LoadBalancers
		},
	)
	if err != nil {
		return nil, fmt.Errorf("describe load balancers: %w", err)
	}

	var lbs []domain.LoadBalancer
	for i := range raw {
		lb := &raw[i]
		if lb.Type != elbv2types.LoadBalancerTypeEnumApplication {
			continue
		}
		hosts, err := c.listenerRuleHosts(ctx, derefString(lb.LoadBalancerArn))
		if err != nil {
			return nil, err
		}
		lbs = append(lbs, domain.LoadBalancer{
			ARN:       derefString(lb.LoadBalancerArn),
			Name:      derefString(lb.LoadBalancerName),
			DNSName:   derefString(lb.DNSName),
			Kind:      domain.LBApplication,
			RuleHosts: hosts,
		})
	}
	return lbs, nil
}

func (c *Client) listenerRuleHosts(ctx context.Context, lbARN string) ([]string, error) {
	listeners, err := c.elbv2Client.DescribeListeners(ctx, &elbv2.DescribeListenersInput{
		LoadBalancerArn: &lbARN,
	})
	if err != nil {
		return nil, fmt.Errorf("describe listeners for %s: %w", lbARN, err)
	}

	var hosts []string
	for _, l := range listeners.Listeners {
		rules, err := c.elbv2Client.DescribeRules(ctx, &elbv2.DescribeRulesInput{
			ListenerArn: l.ListenerArn,
		})
		if err != nil {
			return nil, fmt.Errorf("describe rules for listener %s: %w", derefString(l.ListenerArn), err)
		}
		for _, r := range rules.Rules {
			for _, cond := range r.Conditions {
				if derefString(cond.Field) != "host-header" {
					continue
				}
				if cond.HostHeaderConfig != nil {
					hosts = append(hosts, cond.HostHeaderConfig.Values...)
				} else {
					hosts = append(hosts, cond.Values...)
				}
			}
		}
	}
	return hosts, nil
}

func (c *Client) listClassicLBs(ctx context.Context) ([]domain.LoadBalancer, error) {
	paginator := elb.NewDescribeLoadBalancersPaginator(c.elbClient, &elb.DescribeLoadBalancersInput{})
	raw, err := collectPages(
		ctx,
		paginator.HasMorePages,
		func(ctx context.Context) (*elb.DescribeLoadBalancersOutput, error) {
			return paginator.NextPage(ctx)
		},
		func(out *elb.DescribeLoadBalancersOutput) []elbtypes.LoadBalancerDescription {
			return out.LoadBalancerDescriptions
		},
	)
	if err != nil {
		return nil, fmt.Errorf("describe classic load balancers: %w", err)
	}

	var lbs []domain.LoadBalancer
	for i := range raw {
		lb := &raw[i]
		lbs = append(lbs, domain.LoadBalancer{
			ARN:     derefString(lb.LoadBalancerName),
			Name:    derefString(lb.LoadBalancerName),
			DNSName: derefString(lb.DNSName),
			Kind:    domain.LBClassic,
		})
	}
	return lbs, nil
}

// Targets lists every registered backend of the LB with its health state,
// preserving provider order. Callers filter on Healthy; ties are broken by
// listing order, never re-sorted.
func (c *Client) Targets(ctx context.Context, lb domain.LoadBalancer) ([]domain.AlbTarget, error) {
	if lb.Kind == domain.LBClassic {
		return c.classicTargets(ctx, lb)
	}

	tgOut, err := c.elbv2Client.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{
		LoadBalancerArn: &lb.ARN,
	})
	if err != nil {
		return nil, fmt.Errorf("describe target groups for %s: %w", lb.Name, err)
	}

	var targets []domain.AlbTarget
	for _, tg := range tgOut.TargetGroups {
		tgARN := derefString(tg.TargetGroupArn)
		tgPort := int(derefInt32(tg.Port))

		health, err := c.elbv2Client.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
			TargetGroupArn: tg.TargetGroupArn,
		})
		if err != nil {
			return nil, fmt.Errorf("describe target health for %s: %w", tgARN, err)
		}
		for _, desc := range health.TargetHealthDescriptions {
			if desc.Target == nil {
				continue
			}
			port := int(derefInt32(desc.Target.Port))
			if port == 0 {
				port = tgPort
			}
			healthy := desc.TargetHealth != nil &&
				desc.TargetHealth.State == elbv2types.TargetHealthStateEnumHealthy
			targets = append(targets, domain.AlbTarget{
				TargetGroupARN: tgARN,
				ID:             derefString(desc.Target.Id),
				Port:           port,
				Healthy:        healthy,
			})
		}
	}
	return targets, nil
}

func (c *Client) classicTargets(ctx context.Context, lb domain.LoadBalancer) ([]domain.AlbTarget, error) {
	out, err := c.elbClient.DescribeInstanceHealth(ctx, &elb.DescribeInstanceHealthInput{
		LoadBalancerName: &lb.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("describe instance health for %s: %w", lb.Name, err)
	}

	var targets []domain.AlbTarget
	for _, st := range out.InstanceStates {
		// Classic LBs carry no per-target port; the resolver falls back to
		// the port inferred from the URL scheme.
		targets = append(targets, domain.AlbTarget{
			ID:      derefString(st.InstanceId),
			Healthy: derefString(st.State) == "InService",
		})
	}
	return targets, nil
}
