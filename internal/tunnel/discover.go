package tunnel

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/eleven-am/burrow/internal/domain"
)

const agentSignature = "session-manager-plugin"

// GopsutilLister enumerates running processes via gopsutil, the seam behind
// domain.ProcessLister.
type GopsutilLister struct{}

func (GopsutilLister) List(ctx context.Context) ([]domain.ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var infos []domain.ProcessInfo
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		infos = append(infos, domain.ProcessInfo{PID: int(p.Pid), Args: args})
	}
	return infos, nil
}

func (GopsutilLister) Terminate(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return domain.ErrProcessNotFound
	}
	if err := p.SendSignalWithContext(ctx, syscall.SIGTERM); err != nil {
		return domain.ErrProcessNotFound
	}
	return nil
}

func (GopsutilLister) Alive(ctx context.Context, pid int) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

type sessionArgs struct {
	Target     string              `json:"Target"`
	Parameters map[string][]string `json:"Parameters"`

	// Parameter documents sometimes carry the arrays at the top level.
	LocalPortNumber []string `json:"localPortNumber"`
	PortNumber      []string `json:"portNumber"`
	Host            []string `json:"host"`
}

// parseAgentProcess reconstructs a TunnelProcess from a forwarding agent's
// invocation arguments. Best effort: an entry whose remote target cannot be
// parsed keeps zero values but is still tracked for stop purposes. Returns
// false when the process is not a forwarding agent or has no local port.
func parseAgentProcess(info domain.ProcessInfo) (domain.TunnelProcess, bool) {
	joined := strings.Join(info.Args, " ")
	if !strings.Contains(joined, agentSignature) {
		return domain.TunnelProcess{}, false
	}

	var localPort, remotePort int
	var remoteHost, instanceID string

	for _, raw := range extractJSONObjects(joined) {
		var args sessionArgs
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			continue
		}
		if args.Target != "" {
			instanceID = args.Target
		}
		local := firstOf(args.LocalPortNumber, args.Parameters["localPortNumber"])
		remote := firstOf(args.PortNumber, args.Parameters["portNumber"])
		host := firstOf(args.Host, args.Parameters["host"])
		if local != "" {
			localPort, _ = strconv.Atoi(local)
		}
		if remote != "" {
			remotePort, _ = strconv.Atoi(remote)
		}
		if host != "" {
			remoteHost = host
		}
	}

	if localPort == 0 {
		return domain.TunnelProcess{}, false
	}

	kind := domain.TunnelDirect
	if remoteHost != "" {
		kind = domain.TunnelRemote
	}
	name := remoteHost
	if name == "" {
		name = instanceID
	}
	return domain.TunnelProcess{
		Kind:       kind,
		Origin:     domain.OriginRecovered,
		InstanceID: instanceID,
		Instance:   name,
		LocalPort:  localPort,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		PID:        info.PID,
		Status:     domain.TunnelStatus{State: domain.TunnelOpen},
	}, true
}

func firstOf(lists ...[]string) string {
	for _, l := range lists {
		if len(l) > 0 && l[0] != "" {
			return l[0]
		}
	}
	return ""
}

// extractJSONObjects pulls brace-balanced JSON objects out of a command
// line. The agent receives its session parameters as inline JSON arguments.
func extractJSONObjects(s string) []string {
	var objects []string
	depth := 0
	start := -1
	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					objects = append(objects, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return objects
}
