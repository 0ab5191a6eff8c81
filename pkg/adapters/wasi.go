package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// guestWorkDir is where the working directory is mounted inside the guest.
const guestWorkDir = "/work"

// WASIConfig configures a WASIInterpreter.
type WASIConfig struct {
	// Language is what the module interprets. Defaults to python.
	Language string

	// ScriptExt is the extension given to script files. Defaults to .py.
	ScriptExt string

	// Timeout bounds a single run.
	Timeout time.Duration

	// MemoryLimitPages caps guest memory in 64KiB pages. Default is 4096 (256MiB).
	MemoryLimitPages uint32

	// Env is passed to the guest.
	Env map[string]string
}

// WASIInterpreter runs code with an interpreter compiled to WebAssembly, such
// as a WASI build of CPython. The guest only sees the working directory,
// mounted at /work.
type WASIInterpreter struct {
	cfg      WASIConfig
	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	mu     sync.Mutex
	closed bool
}

// NewWASIInterpreter compiles the interpreter module at modulePath.
func NewWASIInterpreter(ctx context.Context, modulePath string, cfg WASIConfig) (*WASIInterpreter, error) {
	wasm, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm module: %w", err)
	}
	return NewWASIInterpreterFromBytes(ctx, wasm, cfg)
}

// NewWASIInterpreterFromBytes compiles an interpreter module from memory.
func NewWASIInterpreterFromBytes(ctx context.Context, wasm []byte, cfg WASIConfig) (*WASIInterpreter, error) {
	if cfg.Language == "" {
		cfg.Language = "python"
	}
	if cfg.ScriptExt == "" {
		cfg.ScriptExt = ".py"
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 4096
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasm)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile wasm module: %w", err)
	}

	return &WASIInterpreter{cfg: cfg, runtime: runtime, compiled: compiled}, nil
}

// Language implements Interpreter.
func (w *WASIInterpreter) Language() string { return w.cfg.Language }

// Execute writes code into workingDir and runs the interpreter module on it.
// Each run gets a fresh module instance.
func (w *WASIInterpreter) Execute(ctx context.Context, code, workingDir string) (*ExecResult, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("wasi interpreter is closed")
	}

	script, err := writeScript(workingDir, "step-*"+w.cfg.ScriptExt, code)
	if err != nil {
		return nil, err
	}
	absDir, err := filepath.Abs(workingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(w.cfg.Language, guestWorkDir+"/"+filepath.Base(script)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithFSConfig(wazero.NewFSConfig().WithDirMount(absDir, guestWorkDir))
	for k, v := range w.cfg.Env {
		modConfig = modConfig.WithEnv(k, v)
	}

	start := time.Now()
	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, modConfig)
	result := &ExecResult{Duration: time.Since(start)}
	if mod != nil {
		mod.Close(ctx)
	}

	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run wasm module: %w", err)
		}
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			result.ExitCode = -1
			stderr.WriteString(fmt.Sprintf("\nexecution timed out after %s", result.Duration.Round(time.Millisecond)))
		case sys.ExitCodeContextCanceled:
			return nil, context.Canceled
		default:
			result.ExitCode = int(exitErr.ExitCode())
		}
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

// Close releases the runtime and the compiled module.
func (w *WASIInterpreter) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.runtime.Close(ctx)
}
