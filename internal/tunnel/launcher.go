package tunnel

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/eleven-am/burrow/internal/domain"
)

const (
	forwardDocument       = "AWS-StartPortForwardingSession"
	remoteForwardDocument = "AWS-StartPortForwardingSessionToRemoteHost"
)

// CLILauncher spawns the forwarding agent through `aws ssm start-session`.
// The child is released immediately: the agent is detached by design and
// outlives the orchestrator, which re-discovers it from the process list.
type CLILauncher struct {
	Profile  string
	lookPath func(string) (string, error)
	start    func(name string, args ...string) (int, error)
}

func NewCLILauncher(profile string) *CLILauncher {
	return &CLILauncher{
		Profile:  profile,
		lookPath: exec.LookPath,
		start:    startDetached,
	}
}

func (l *CLILauncher) StartForward(ctx context.Context, instanceID string, localPort, remotePort int) (int, error) {
	params := fmt.Sprintf(`{"portNumber":["%d"],"localPortNumber":["%d"]}`, remotePort, localPort)
	return l.startSession(instanceID, forwardDocument, params)
}

func (l *CLILauncher) StartRemoteForward(ctx context.Context, instanceID, host string, localPort, remotePort int) (int, error) {
	params := fmt.Sprintf(`{"host":["%s"],"portNumber":["%d"],"localPortNumber":["%d"]}`, host, remotePort, localPort)
	return l.startSession(instanceID, remoteForwardDocument, params)
}

func (l *CLILauncher) startSession(instanceID, document, params string) (int, error) {
	for _, tool := range []string{"aws", "session-manager-plugin"} {
		if _, err := l.lookPath(tool); err != nil {
			return 0, &domain.ExternalToolError{Tool: tool}
		}
	}

	var args []string
	profile := l.Profile
	if profile == "" {
		profile = os.Getenv("AWS_PROFILE")
	}
	if profile != "" {
		args = append(args, "--profile", profile)
	}
	args = append(args, "ssm", "start-session",
		"--target", instanceID,
		"--document-name", document,
		"--parameters", params)

	pid, err := l.start("aws", args...)
	if err != nil {
		return 0, fmt.Errorf("spawn forwarding agent for %s: %w", instanceID, err)
	}
	return pid, nil
}

func startDetached(name string, args ...string) (int, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Release, don't wait: the agent must survive this process.
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}
