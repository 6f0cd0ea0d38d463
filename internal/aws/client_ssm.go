package aws

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/eleven-am/burrow/internal/domain"
)

const (
	commandDispatchDelay = 3 * time.Second
	commandPollInterval  = 2 * time.Second
	commandPollAttempts  = 10
)

// agentStatus maps instance id to forwarding-agent ping status for the
// whole fleet.
func (c *Client) agentStatus(ctx context.Context) (map[string]domain.AgentStatus, error) {
	key := c.cacheKey("agent-status", c.region)
	if v, ok := c.cache.get(key); ok {
		return v.(map[string]domain.AgentStatus), nil
	}

	paginator := ssm.NewDescribeInstanceInformationPaginator(c.ssmClient, &ssm.DescribeInstanceInformationInput{})
	infos, err := collectPages(
		ctx,
		paginator.HasMorePages,
		func(ctx context.Context) (*ssm.DescribeInstanceInformationOutput, error) {
			return paginator.NextPage(ctx)
		},
		func(out *ssm.DescribeInstanceInformationOutput) []ssmtypes.InstanceInformation {
			return out.InstanceInformationList
		},
	)
	if err != nil {
		return nil, fmt.Errorf("describe instance information: %w", err)
	}

	statuses := make(map[string]domain.AgentStatus, len(infos))
	for _, info := range infos {
		status := domain.AgentOffline
		if info.PingStatus == ssmtypes.PingStatusOnline {
			status = domain.AgentOnline
		}
		statuses[derefString(info.InstanceId)] = status
	}
	c.cache.set(key, statuses)
	return statuses, nil
}

// ResolveViaBastion runs dig on the hop itself for names only the private
// zone can answer, polling the command invocation until it settles.
func (c *Client) ResolveViaBastion(ctx context.Context, bastionID, host string) ([]net.IP, error) {
	script := fmt.Sprintf("dig +short %s 2>/dev/null || host %s 2>/dev/null | awk '/has address/{print $4}'", host, host)
	sendOut, err := c.ssmClient.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:  []string{bastionID},
		DocumentName: aws.String("AWS-RunShellScript"),
		Parameters: map[string][]string{
			"commands": {script},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("send resolve command to %s: %w", bastionID, err)
	}
	if sendOut.Command == nil || sendOut.Command.CommandId == nil {
		return nil, fmt.Errorf("send resolve command to %s: no command id returned", bastionID)
	}
	commandID := *sendOut.Command.CommandId

	// SSM needs a moment to dispatch before the invocation exists.
	if err := c.sleep(ctx, commandDispatchDelay); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < commandPollAttempts; attempt++ {
		inv, err := c.ssmClient.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(bastionID),
		})
		if err == nil {
			switch inv.Status {
			case ssmtypes.CommandInvocationStatusSuccess, ssmtypes.CommandInvocationStatusFailed:
				return parseResolvedIPs(derefString(inv.StandardOutputContent)), nil
			}
		}
		if err := c.sleep(ctx, commandPollInterval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("resolve %s via %s: command timed out", host, bastionID)
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

func parseResolvedIPs(out string) []net.IP {
	var ips []net.IP
	for _, line := range strings.Split(out, "\n") {
		if ip := net.ParseIP(strings.TrimSpace(line)); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}
