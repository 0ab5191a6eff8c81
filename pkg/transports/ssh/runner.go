package ssh

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/opsflow/pkg/adapters"
	"github.com/openfroyo/opsflow/pkg/engine"
)

// RunnerConfig configures a RemoteRunner.
type RunnerConfig struct {
	// WorkDir is the remote directory commands run in. Empty means the
	// login directory.
	WorkDir string

	// Env is exported before each command.
	Env map[string]string

	// DefaultTimeout applies when RunCommand gets a zero timeout.
	DefaultTimeout time.Duration
}

// RemoteRunner implements engine.CommandRunner on an SSH target.
type RemoteRunner struct {
	client *Client
	cfg    RunnerConfig
	logger zerolog.Logger
}

// NewRemoteRunner creates a runner that executes commands through client.
func NewRemoteRunner(client *Client, cfg RunnerConfig, logger zerolog.Logger) *RemoteRunner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = client.config.CommandTimeout
	}
	return &RemoteRunner{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "remote_runner").Str("host", client.config.Address()).Logger(),
	}
}

// RunCommand implements engine.CommandRunner with the same success rules as
// the local shell runner.
func (r *RemoteRunner) RunCommand(ctx context.Context, command string, timeout time.Duration) (*engine.CommandOutput, error) {
	if strings.TrimSpace(command) == "" {
		return &engine.CommandOutput{Error: "command is empty", ExitCode: -1}, nil
	}
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := r.logger.With().Str("command", command).Logger()

	res, err := r.client.Exec(runCtx, r.wrap(command))
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		logger.Warn().Dur("timeout", timeout).Msg("command timed out")
		out := &engine.CommandOutput{ExitCode: -1, Error: fmt.Sprintf("command timed out after %s", timeout)}
		if res != nil {
			out.Stdout = strings.TrimRight(res.Stdout, "\n")
		}
		return out, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, toEngineError(err, "run_command")
	}

	out := adapters.CommandResult(res.Stdout, res.Stderr, res.ExitCode, logger)
	logger.Debug().
		Int("exit_code", out.ExitCode).
		Bool("success", out.Success).
		Dur("duration", res.Duration).
		Msg("command finished")
	return out, nil
}

// Upload copies a local file to the target. A relative remotePath is
// resolved against the runner's working directory.
func (r *RemoteRunner) Upload(ctx context.Context, localPath, remotePath string) error {
	if !path.IsAbs(remotePath) && r.cfg.WorkDir != "" {
		remotePath = path.Join(r.cfg.WorkDir, remotePath)
	}
	if _, err := r.client.Upload(ctx, localPath, remotePath, 0); err != nil {
		return toEngineError(err, "upload")
	}
	return nil
}

// wrap prefixes command with the configured environment and directory.
func (r *RemoteRunner) wrap(command string) string {
	var b strings.Builder
	keys := make([]string, 0, len(r.cfg.Env))
	for k := range r.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(r.cfg.Env[k]))
	}
	if r.cfg.WorkDir != "" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(r.cfg.WorkDir))
	}
	b.WriteString("sh -c ")
	b.WriteString(shellQuote(command))
	return b.String()
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// InterpreterConfig configures a RemoteInterpreter.
type InterpreterConfig struct {
	// Language is reported to the code agent. Defaults to python.
	Language string

	// Command runs a script file. Defaults to python3.
	Command string

	// ScriptExt is the script file extension. Defaults to .py.
	ScriptExt string

	// RemoteDir holds one directory per local working directory.
	RemoteDir string

	// Timeout bounds a single run.
	Timeout time.Duration
}

// RemoteInterpreter implements adapters.Interpreter by uploading each step
// over SFTP and running it on the target.
type RemoteInterpreter struct {
	client *Client
	cfg    InterpreterConfig
}

// NewRemoteInterpreter creates an interpreter that runs code through client.
func NewRemoteInterpreter(client *Client, cfg InterpreterConfig) *RemoteInterpreter {
	if cfg.Language == "" {
		cfg.Language = "python"
	}
	if cfg.Command == "" {
		cfg.Command = "python3"
	}
	if cfg.ScriptExt == "" {
		cfg.ScriptExt = ".py"
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "/tmp/opsflow"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = client.config.CommandTimeout
	}
	return &RemoteInterpreter{client: client, cfg: cfg}
}

// Language implements adapters.Interpreter.
func (i *RemoteInterpreter) Language() string { return i.cfg.Language }

// Execute implements adapters.Interpreter. The local working directory name
// selects the remote directory, so steps of one task share files.
func (i *RemoteInterpreter) Execute(ctx context.Context, code, workingDir string) (*adapters.ExecResult, error) {
	if workingDir == "" {
		return nil, fmt.Errorf("working directory is required")
	}
	dir := path.Join(i.cfg.RemoteDir, filepath.Base(workingDir))
	script := path.Join(dir, "step-"+uuid.NewString()+i.cfg.ScriptExt)

	if _, err := i.client.WriteFile(ctx, script, []byte(code), 0o644); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	cmd := fmt.Sprintf("cd %s && %s %s", shellQuote(dir), i.cfg.Command, shellQuote(path.Base(script)))
	res, err := i.client.Exec(runCtx, cmd)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		out := &adapters.ExecResult{ExitCode: -1, Duration: i.cfg.Timeout}
		if res != nil {
			out.Stdout, out.Stderr = res.Stdout, res.Stderr
		}
		out.Stderr += fmt.Sprintf("\nexecution timed out after %s", i.cfg.Timeout)
		return out, nil
	default:
		return nil, err
	}

	return &adapters.ExecResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	}, nil
}
