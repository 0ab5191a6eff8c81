package adapters

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ExecResult is the output of one interpreter run.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Failed returns true if the run exited non-zero.
func (r *ExecResult) Failed() bool {
	return r.ExitCode != 0
}

// Interpreter runs a snippet of code inside a working directory.
type Interpreter interface {
	// Language names the language the interpreter accepts, e.g. "python".
	Language() string

	// Execute runs code. A non-zero exit is reported in the result; errors are
	// reserved for failures to run at all.
	Execute(ctx context.Context, code, workingDir string) (*ExecResult, error)
}

// PythonInterpreter runs code with a local python executable.
type PythonInterpreter struct {
	// Path is the python executable. Defaults to python3.
	Path string

	// Timeout bounds a single run. Zero means no bound beyond ctx.
	Timeout time.Duration

	// Env is the child environment. Nil inherits the parent's.
	Env []string
}

// NewPythonInterpreter creates a python interpreter.
func NewPythonInterpreter(path string, timeout time.Duration) *PythonInterpreter {
	if path == "" {
		path = "python3"
	}
	return &PythonInterpreter{Path: path, Timeout: timeout}
}

// Language implements Interpreter.
func (p *PythonInterpreter) Language() string { return "python" }

// Execute writes code to a script in workingDir and runs it there.
func (p *PythonInterpreter) Execute(ctx context.Context, code, workingDir string) (*ExecResult, error) {
	script, err := writeScript(workingDir, "step-*.py", code)
	if err != nil {
		return nil, err
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.Path, filepath.Base(script))
	cmd.Dir = workingDir
	cmd.Env = p.Env
	cmd.WaitDelay = 2 * time.Second
	return runCaptured(ctx, cmd)
}

// writeScript stores code in a new file under dir, creating dir if needed.
func writeScript(dir, pattern, code string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("working directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create script: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(code); err != nil {
		return "", fmt.Errorf("failed to write script: %w", err)
	}
	return f.Name(), nil
}
