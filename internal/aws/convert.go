package aws

import (
	"strings"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/eleven-am/burrow/internal/domain"
)

func toInstance(inst *ec2types.Instance, agents map[string]domain.AgentStatus) domain.Instance {
	id := derefString(inst.InstanceId)

	name := ""
	for _, tag := range inst.Tags {
		if derefString(tag.Key) == "Name" {
			name = derefString(tag.Value)
			break
		}
	}

	agent, ok := agents[id]
	if !ok {
		agent = domain.AgentUnknown
	}

	var sgIDs []string
	for _, sg := range inst.SecurityGroups {
		if sg.GroupId != nil {
			sgIDs = append(sgIDs, *sg.GroupId)
		}
	}

	state := domain.InstanceState("")
	if inst.State != nil {
		state = domain.InstanceState(inst.State.Name)
	}

	return domain.Instance{
		ID:               id,
		Name:             name,
		Type:             string(inst.InstanceType),
		State:            state,
		PrivateIP:        derefString(inst.PrivateIpAddress),
		PublicIP:         derefString(inst.PublicIpAddress),
		Agent:            agent,
		SecurityGroupIDs: sgIDs,
	}
}

func toSecurityGroupRules(perms []ec2types.IpPermission) []domain.SecurityGroupRule {
	var rules []domain.SecurityGroupRule
	for _, perm := range perms {
		var cidrs []string
		for _, r := range perm.IpRanges {
			if r.CidrIp != nil {
				cidrs = append(cidrs, *r.CidrIp)
			}
		}

		var groupIDs []string
		for _, pair := range perm.UserIdGroupPairs {
			if pair.GroupId != nil {
				groupIDs = append(groupIDs, *pair.GroupId)
			}
		}

		rules = append(rules, domain.SecurityGroupRule{
			Protocol:       derefString(perm.IpProtocol),
			FromPort:       int(derefInt32(perm.FromPort)),
			ToPort:         int(derefInt32(perm.ToPort)),
			SourceCIDRs:    cidrs,
			SourceGroupIDs: groupIDs,
		})
	}
	return rules
}

func isInstanceID(s string) bool {
	return strings.HasPrefix(s, "i-")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt32(i *int32) int32 {
	if i == nil {
		return 0
	}
	return *i
}
