package resolver

import (
	"context"
	"net"
	"strings"
	"time"
)

const externalDNSAddr = "8.8.8.8:53"

// SystemResolver looks up hosts through the OS resolver and, separately,
// through a pinned public DNS server. The split matters: a previous --proxy
// run leaves a loopback hosts-file override in place, and the load-balancer
// match must see the real record behind it.
type SystemResolver struct {
	local    *net.Resolver
	external *net.Resolver
}

func NewSystemResolver() *SystemResolver {
	return &SystemResolver{
		local: net.DefaultResolver,
		external: &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: 5 * time.Second}
				return d.DialContext(ctx, network, externalDNSAddr)
			},
		},
	}
}

func (r *SystemResolver) LookupLocal(ctx context.Context, host string) ([]net.IP, error) {
	return lookup(ctx, r.local, host)
}

func (r *SystemResolver) LookupExternal(ctx context.Context, host string) ([]net.IP, error) {
	return lookup(ctx, r.external, host)
}

func lookup(ctx context.Context, res *net.Resolver, host string) ([]net.IP, error) {
	addrs, err := res.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// StripURLToHost reduces a URL or host:port to the bare hostname.
func StripURLToHost(input string) string {
	host := strings.TrimPrefix(input, "https://")
	host = strings.TrimPrefix(host, "http://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

// InferRemotePort picks the scheme default when the caller gave no explicit
// remote port.
func InferRemotePort(rawURL string) int {
	if strings.HasPrefix(rawURL, "https://") {
		return 443
	}
	return 80
}

func allLoopback(ips []net.IP) bool {
	if len(ips) == 0 {
		return false
	}
	for _, ip := range ips {
		if !ip.IsLoopback() {
			return false
		}
	}
	return true
}
