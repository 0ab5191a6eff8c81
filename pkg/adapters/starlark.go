package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// FinalAnswerPrefix marks a line of interpreter output as the final answer.
const FinalAnswerPrefix = "FINAL_ANSWER:"

// StarlarkInterpreter runs Starlark in process. Scripts get json, math and
// struct plus file helpers confined to the working directory.
type StarlarkInterpreter struct {
	// Timeout bounds a single run.
	Timeout time.Duration

	// MaxSteps bounds the number of computation steps. Zero means unbounded.
	MaxSteps uint64
}

// NewStarlarkInterpreter creates a Starlark interpreter.
func NewStarlarkInterpreter(timeout time.Duration) *StarlarkInterpreter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkInterpreter{Timeout: timeout, MaxSteps: 50_000_000}
}

// Language implements Interpreter.
func (s *StarlarkInterpreter) Language() string { return "starlark" }

// Execute runs code. print output becomes stdout and errors become stderr
// with exit code 1.
func (s *StarlarkInterpreter) Execute(ctx context.Context, code, workingDir string) (*ExecResult, error) {
	if workingDir == "" {
		return nil, fmt.Errorf("working directory is required")
	}
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	var stdout strings.Builder
	thread := &starlark.Thread{
		Name: "opsflow",
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg)
			stdout.WriteByte('\n')
		},
	}
	if s.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(s.MaxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			thread.Cancel(runCtx.Err().Error())
		case <-done:
		}
	}()

	fs := sandboxFS{root: workingDir}
	predeclared := starlark.StringDict{
		"struct":       starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":         json.Module,
		"math":         math.Module,
		"workdir":      starlark.String(workingDir),
		"read_file":    starlark.NewBuiltin("read_file", fs.readFile),
		"write_file":   starlark.NewBuiltin("write_file", fs.writeFile),
		"list_dir":     starlark.NewBuiltin("list_dir", fs.listDir),
		"final_answer": starlark.NewBuiltin("final_answer", finalAnswer),
	}

	start := time.Now()
	_, err := starlark.ExecFile(thread, "step.star", code, predeclared)
	result := &ExecResult{Stdout: stdout.String(), Duration: time.Since(start)}

	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		result.ExitCode = 1
		if runCtx.Err() != nil {
			result.ExitCode = -1
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			result.Stderr = evalErr.Backtrace()
		} else {
			result.Stderr = err.Error()
		}
	}
	return result, nil
}

// finalAnswer prints its argument behind FinalAnswerPrefix.
func finalAnswer(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var answer starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &answer); err != nil {
		return nil, err
	}
	text := answer.String()
	if s, ok := answer.(starlark.String); ok {
		text = string(s)
	}
	if thread.Print != nil {
		thread.Print(thread, FinalAnswerPrefix+" "+text)
	}
	return starlark.None, nil
}

// sandboxFS exposes file helpers that cannot leave root.
type sandboxFS struct {
	root string
}

func (f sandboxFS) resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", name)
	}
	path := filepath.Join(f.root, name)
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the working directory: %s", name)
	}
	return path, nil
}

func (f sandboxFS) readFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	path, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(data), nil
}

func (f sandboxFS) writeFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, content string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "content", &content); err != nil {
		return nil, err
	}
	path, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%s: %s already exists", b.Name(), name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

func (f sandboxFS) listDir(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	name := "."
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name?", &name); err != nil {
		return nil, err
	}
	path, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() {
			n += "/"
		}
		names = append(names, n)
	}
	sort.Strings(names)
	values := make([]starlark.Value, len(names))
	for i, n := range names {
		values[i] = starlark.String(n)
	}
	return starlark.NewList(values), nil
}
