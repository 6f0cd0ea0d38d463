package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/eleven-am/burrow/internal/domain"
)

// ListInstances returns every instance in the region merged with its agent
// status, in provider listing order. Cached briefly so one resolution pass
// does not re-describe the fleet at every step.
func (c *Client) ListInstances(ctx context.Context) ([]domain.Instance, error) {
	key := c.cacheKey("instances", c.region)
	if v, ok := c.cache.get(key); ok {
		return v.([]domain.Instance), nil
	}

	paginator := ec2.NewDescribeInstancesPaginator(c.ec2Client, &ec2.DescribeInstancesInput{})
	reservations, err := collectPages(
		ctx,
		paginator.HasMorePages,
		func(ctx context.Context) (*ec2.DescribeInstancesOutput, error) {
			return paginator.NextPage(ctx)
		},
		func(out *ec2.DescribeInstancesOutput) []ec2types.Reservation {
			return out.Reservations
		},
	)
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}

	agents, err := c.agentStatus(ctx)
	if err != nil {
		// Agent status is advisory for listing; instances are still usable
		// for describe purposes with an unknown agent.
		agents = map[string]domain.AgentStatus{}
	}

	var instances []domain.Instance
	for _, res := range reservations {
		for i := range res.Instances {
			instances = append(instances, toInstance(&res.Instances[i], agents))
		}
	}
	c.cache.set(key, instances)
	return instances, nil
}

// StartInstance requests a power-on; it does not wait for the transition.
func (c *Client) StartInstance(ctx context.Context, instanceID string) error {
	_, err := c.ec2Client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("start instance %s: %w", instanceID, err)
	}
	c.cache.invalidate(c.cacheKey("instances", c.region))
	return nil
}

func (c *Client) StopInstance(ctx context.Context, instanceID string, force bool) error {
	_, err := c.ec2Client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
		Force:       aws.Bool(force),
	})
	if err != nil {
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	c.cache.invalidate(c.cacheKey("instances", c.region))
	return nil
}

// ResizeInstance changes the instance type. The instance must be stopped;
// the provider rejects the call otherwise and that error is surfaced as-is.
func (c *Client) ResizeInstance(ctx context.Context, instanceID, instanceType string) error {
	_, err := c.ec2Client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		InstanceType: &ec2types.AttributeValue{
			Value: aws.String(instanceType),
		},
	})
	if err != nil {
		return fmt.Errorf("modify instance type %s: %w", instanceID, err)
	}
	c.cache.invalidate(c.cacheKey("instances", c.region))
	return nil
}

// TargetSecurityGroups resolves the security groups attached to a backend,
// which is either an instance id or a private IP (ENI lookup for both).
func (c *Client) TargetSecurityGroups(ctx context.Context, targetID string) ([]string, error) {
	var filter ec2types.Filter
	if isInstanceID(targetID) {
		filter = ec2types.Filter{
			Name:   aws.String("attachment.instance-id"),
			Values: []string{targetID},
		}
	} else {
		filter = ec2types.Filter{
			Name:   aws.String("addresses.private-ip-address"),
			Values: []string{targetID},
		}
	}
	out, err := c.ec2Client.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
		Filters: []ec2types.Filter{filter},
	})
	if err != nil {
		return nil, fmt.Errorf("describe network interfaces for %s: %w", targetID, err)
	}

	var sgIDs []string
	seen := map[string]bool{}
	for _, eni := range out.NetworkInterfaces {
		for _, g := range eni.Groups {
			id := derefString(g.GroupId)
			if id != "" && !seen[id] {
				seen[id] = true
				sgIDs = append(sgIDs, id)
			}
		}
	}
	return sgIDs, nil
}

// InboundRules returns the inbound permissions of the given security groups,
// flattened in provider order.
func (c *Client) InboundRules(ctx context.Context, sgIDs []string) ([]domain.SecurityGroupRule, error) {
	if len(sgIDs) == 0 {
		return nil, nil
	}
	out, err := c.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: sgIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("describe security groups: %w", err)
	}

	var rules []domain.SecurityGroupRule
	for _, sg := range out.SecurityGroups {
		rules = append(rules, toSecurityGroupRules(sg.IpPermissions)...)
	}
	return rules, nil
}
