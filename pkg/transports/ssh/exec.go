package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecResult represents the result of a remote command.
type ExecResult struct {
	// Stdout is the standard output of the command
	Stdout string

	// Stderr is the standard error output of the command
	Stderr string

	// ExitCode is the exit status. -1 when the command was interrupted or the
	// server sent no status.
	ExitCode int

	// StartedAt is when the command started executing
	StartedAt time.Time

	// Duration is the total execution time
	Duration time.Duration
}

// Exec runs a command in a new session. A non-zero exit is reported in the
// result. When ctx ends first the remote process is signalled and ctx.Err()
// is returned along with the partial output.
func (c *Client) Exec(ctx context.Context, cmd string) (*ExecResult, error) {
	client, err := c.sshClient(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	result := &ExecResult{StartedAt: time.Now()}
	c.logger.Debug().Str("command", cmd).Msg("executing command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("command completed")

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case runErr == nil:
		return result, nil
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		result.ExitCode = -1
		return result, runErr
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	case errors.As(runErr, &missingErr):
		result.ExitCode = -1
		return result, nil
	default:
		return nil, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}
}
