package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// runCaptured runs cmd and collects its output. Timeouts are reported as exit
// code -1 with a message on stderr.
func runCaptured(ctx context.Context, cmd *exec.Cmd) (*ExecResult, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.ExitCode = -1
			result.Stderr += fmt.Sprintf("\nexecution timed out after %s", result.Duration.Round(time.Millisecond))
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("failed to execute %s: %w", cmd.Path, err)
		}
	}
	return result, nil
}
