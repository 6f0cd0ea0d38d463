package burrow

import (
	"context"
	"fmt"
	"os/exec"
)

// execRunner is the production CommandRunner. Combined output is returned
// even on failure so callers can parse what the tool said before it exited.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
