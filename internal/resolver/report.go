package resolver

import (
	"context"
	"fmt"
	"strings"
)

// Report produces the human-readable resolution trace shown by the
// front-end's resolve tool: local DNS answer, direct instance match, and a
// bastion-side lookup when the name only lives in the private zone.
func (r *Resolver) Report(ctx context.Context, rawURL string) (string, error) {
	host := StripURLToHost(rawURL)
	var b strings.Builder
	fmt.Fprintf(&b, "Resolving: %s\n", host)

	ips, _ := r.dns.LookupLocal(ctx, host)
	if len(ips) > 0 {
		addrs := make([]string, len(ips))
		for i, ip := range ips {
			addrs[i] = ip.String()
		}
		fmt.Fprintf(&b, "  DNS (local): %s\n", strings.Join(addrs, ", "))
	} else {
		fmt.Fprintf(&b, "  DNS (local): not resolvable, likely an internal hostname\n")
	}

	instances, err := r.inv.ListInstances(ctx)
	if err != nil {
		return "", err
	}

	direct := false
	for _, ip := range ips {
		addr := ip.String()
		for _, inst := range instances {
			if inst.PrivateIP == addr || inst.PublicIP == addr {
				direct = true
				fmt.Fprintf(&b, "\n  Instance match: %s (%s)\n", inst.Name, inst.ID)
				fmt.Fprintf(&b, "    type=%s state=%s agent=%s\n", inst.Type, inst.State, inst.Agent)
			}
		}
	}
	if direct {
		return b.String(), nil
	}

	bastions, err := r.Bastions(ctx)
	if err != nil || len(bastions) == 0 {
		fmt.Fprintf(&b, "\n  No online bastions available for remote resolution.\n")
		return b.String(), nil
	}

	fmt.Fprintf(&b, "\n  No direct instance match.\n")
	bastion := bastions[0]
	fmt.Fprintf(&b, "  Trying resolution via bastion: %s (%s)\n", bastion.Name, bastion.ID)

	remoteIPs, err := r.inv.ResolveViaBastion(ctx, bastion.ID, host)
	switch {
	case err != nil:
		fmt.Fprintf(&b, "  Bastion resolution failed: %v\n", err)
	case len(remoteIPs) == 0:
		fmt.Fprintf(&b, "  Bastion could not resolve %s either (not in VPC DNS?)\n", host)
	default:
		fmt.Fprintf(&b, "  DNS (from bastion): %s\n", remoteIPs[0])
		for _, ip := range remoteIPs {
			addr := ip.String()
			for _, inst := range instances {
				if inst.PrivateIP == addr {
					fmt.Fprintf(&b, "  Instance match: %s (%s), reachable via bastion\n", inst.Name, inst.ID)
				}
			}
		}
	}

	fmt.Fprintf(&b, "\n  Online bastions:\n")
	for _, bst := range bastions {
		fmt.Fprintf(&b, "    %s (%s)\n", bst.Name, bst.ID)
	}
	return b.String(), nil
}
