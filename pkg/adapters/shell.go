package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/opsflow/pkg/engine"
)

// warningMarker tags stderr lines that do not indicate failure.
const warningMarker = "[Warning]"

// ShellConfig configures a ShellRunner.
type ShellConfig struct {
	// Shell runs each command as `<shell> -c <command>`. Defaults to /bin/sh.
	Shell string

	// PassEnv lists variable names or name prefixes copied from the parent
	// environment. An entry ending in "_" matches as a prefix.
	PassEnv []string

	// Env adds fixed variables after PassEnv filtering.
	Env map[string]string

	// WorkDir is the directory commands run in. Empty means the current one.
	WorkDir string

	// DefaultTimeout applies when RunCommand gets a zero timeout.
	DefaultTimeout time.Duration
}

// ShellRunner implements engine.CommandRunner on the local machine.
type ShellRunner struct {
	cfg     ShellConfig
	environ func() []string
	logger  zerolog.Logger
}

// NewShellRunner creates a local command runner.
func NewShellRunner(cfg ShellConfig, logger zerolog.Logger) *ShellRunner {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &ShellRunner{
		cfg:     cfg,
		environ: os.Environ,
		logger:  logger.With().Str("component", "shell").Logger(),
	}
}

// RunCommand implements engine.CommandRunner. A command succeeds when it
// exits zero and writes nothing to stderr except warning lines. Failures of
// the command itself are reported in the output; only a shell that cannot
// be started yields an error.
func (s *ShellRunner) RunCommand(ctx context.Context, command string, timeout time.Duration) (*engine.CommandOutput, error) {
	if strings.TrimSpace(command) == "" {
		return &engine.CommandOutput{Error: "command is empty", ExitCode: -1}, nil
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.cfg.Shell, "-c", command)
	cmd.Env = s.environment()
	cmd.WaitDelay = 2 * time.Second
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	out := &engine.CommandOutput{Stdout: strings.TrimRight(stdout.String(), "\n")}
	logger := s.logger.With().Str("command", command).Dur("duration", duration).Logger()

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
			out.ExitCode = -1
			out.Error = fmt.Sprintf("command timed out after %s", timeout)
			logger.Warn().Msg("command timed out")
			return out, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.As(err, &exitErr):
			out.ExitCode = exitErr.ExitCode()
		default:
			return nil, engine.NewPermanentError("failed to start shell", err).
				WithCode(engine.ErrCodeAdapterFailed).
				WithOperation("run_command")
		}
	}

	out = CommandResult(out.Stdout, stderr.String(), out.ExitCode, logger)
	logger.Debug().Int("exit_code", out.ExitCode).Bool("success", out.Success).Msg("command finished")
	return out, nil
}

// CommandResult judges a finished command. It succeeds when it exited zero
// and wrote nothing to stderr except warning lines, which are logged.
func CommandResult(stdout, stderr string, exitCode int, logger zerolog.Logger) *engine.CommandOutput {
	out := &engine.CommandOutput{Stdout: strings.TrimRight(stdout, "\n"), ExitCode: exitCode}

	errLines, warnings := splitStderr(stderr)
	for _, w := range warnings {
		logger.Debug().Str("warning", w).Msg("command warning")
	}

	switch {
	case exitCode != 0:
		out.Error = strings.Join(errLines, "\n")
		if out.Error == "" {
			out.Error = fmt.Sprintf("command exited with code %d", exitCode)
		}
	case len(errLines) > 0:
		out.Error = strings.Join(errLines, "\n")
	default:
		out.Success = true
	}
	return out
}

// environment builds the child environment from the allowed parent variables.
func (s *ShellRunner) environment() []string {
	env := make([]string, 0, len(s.cfg.PassEnv)+len(s.cfg.Env))
	for _, kv := range s.environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && passes(name, s.cfg.PassEnv) {
			env = append(env, kv)
		}
	}
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func passes(name string, allowed []string) bool {
	for _, a := range allowed {
		if strings.HasSuffix(a, "_") {
			if strings.HasPrefix(name, a) {
				return true
			}
			continue
		}
		if name == a {
			return true
		}
	}
	return false
}

// splitStderr separates real error lines from warning lines. Blank lines are
// ignored.
func splitStderr(stderr string) (errLines, warnings []string) {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.Contains(line, warningMarker):
			warnings = append(warnings, line)
		default:
			errLines = append(errLines, line)
		}
	}
	return errLines, warnings
}
