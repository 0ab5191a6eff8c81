package adapters

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStarlarkInterpreterExecute(t *testing.T) {
	interp := NewStarlarkInterpreter(5 * time.Second)
	dir := t.TempDir()

	tests := []struct {
		name       string
		code       string
		wantStdout string
		wantExit   int
		wantStderr string
	}{
		{
			name:       "print",
			code:       "print('hello', 1 + 2)",
			wantStdout: "hello 3\n",
		},
		{
			name:       "json and struct",
			code:       "s = struct(name = 'vm1', size = 2)\nprint(json.encode({'name': s.name, 'size': s.size}))",
			wantStdout: "{\"name\":\"vm1\",\"size\":2}\n",
		},
		{
			name:       "final answer",
			code:       "final_answer('done')",
			wantStdout: FinalAnswerPrefix + " done\n",
		},
		{
			name:       "runtime error",
			code:       "x = 1 // 0",
			wantExit:   1,
			wantStderr: "division by zero",
		},
		{
			name:       "syntax error",
			code:       "def (",
			wantExit:   1,
			wantStderr: "step.star",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := interp.Execute(context.Background(), tt.code, dir)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.ExitCode != tt.wantExit {
				t.Errorf("ExitCode = %d, want %d (stderr %q)", res.ExitCode, tt.wantExit, res.Stderr)
			}
			if tt.wantStdout != "" && res.Stdout != tt.wantStdout {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tt.wantStdout)
			}
			if tt.wantStderr != "" && !strings.Contains(res.Stderr, tt.wantStderr) {
				t.Errorf("Stderr = %q, want it to contain %q", res.Stderr, tt.wantStderr)
			}
		})
	}
}

func TestStarlarkInterpreterFiles(t *testing.T) {
	interp := NewStarlarkInterpreter(5 * time.Second)
	dir := t.TempDir()

	res, err := interp.Execute(context.Background(),
		"write_file('out/report.txt', 'ok')\nprint(read_file('out/report.txt'))\nprint(list_dir('out'))", dir)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("script failed: %s", res.Stderr)
	}
	if res.Stdout != "ok\n[\"report.txt\"]\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out", "report.txt"))
	if err != nil || string(data) != "ok" {
		t.Fatalf("file not written: %q, %v", data, err)
	}

	for _, code := range []string{
		"read_file('../secret')",
		"read_file('/etc/passwd')",
		"write_file('out/report.txt', 'again')",
	} {
		res, err := interp.Execute(context.Background(), code, dir)
		if err != nil {
			t.Fatalf("Execute(%q) error = %v", code, err)
		}
		if res.ExitCode == 0 {
			t.Errorf("Execute(%q) should fail", code)
		}
	}
}

func TestStarlarkInterpreterTimeout(t *testing.T) {
	interp := &StarlarkInterpreter{Timeout: 100 * time.Millisecond}

	start := time.Now()
	res, err := interp.Execute(context.Background(), "def f():\n    for i in range(1000000000):\n        pass\nf()", t.TempDir())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1 (stderr %q)", res.ExitCode, res.Stderr)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestStarlarkInterpreterStepLimit(t *testing.T) {
	interp := &StarlarkInterpreter{Timeout: 10 * time.Second, MaxSteps: 1000}

	res, err := interp.Execute(context.Background(), "def f():\n    for i in range(1000000):\n        pass\nf()", t.TempDir())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ExitCode != 1 || !strings.Contains(res.Stderr, "too many steps") {
		t.Errorf("ExitCode = %d, Stderr = %q", res.ExitCode, res.Stderr)
	}
}

func TestPythonInterpreterExecute(t *testing.T) {
	path, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	interp := NewPythonInterpreter(path, 10*time.Second)
	dir := t.TempDir()

	res, err := interp.Execute(context.Background(), "import os\nprint(os.getcwd())", dir)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("script failed: %s", res.Stderr)
	}
	if filepath.Base(strings.TrimSpace(res.Stdout)) != filepath.Base(dir) {
		t.Errorf("script ran in %q, want %q", res.Stdout, dir)
	}

	res, err = interp.Execute(context.Background(), "raise SystemExit(4)", dir)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ExitCode != 4 || !res.Failed() {
		t.Errorf("ExitCode = %d, want 4", res.ExitCode)
	}
}

func TestPythonInterpreterMissingExecutable(t *testing.T) {
	interp := NewPythonInterpreter(filepath.Join(t.TempDir(), "no-python"), time.Second)
	if _, err := interp.Execute(context.Background(), "print(1)", t.TempDir()); err == nil {
		t.Fatal("expected error for a missing interpreter")
	}
}

func TestInterpretersRequireWorkingDir(t *testing.T) {
	for _, interp := range []Interpreter{NewPythonInterpreter("", 0), NewStarlarkInterpreter(0)} {
		if _, err := interp.Execute(context.Background(), "print(1)", ""); err == nil {
			t.Errorf("%s: expected error without a working directory", interp.Language())
		}
	}
}

func TestWASIInterpreterRejectsInvalidModule(t *testing.T) {
	ctx := context.Background()

	if _, err := NewWASIInterpreterFromBytes(ctx, []byte("not wasm"), WASIConfig{}); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := NewWASIInterpreter(ctx, filepath.Join(t.TempDir(), "missing.wasm"), WASIConfig{}); err == nil {
		t.Fatal("expected read error")
	}
}

func TestWASIInterpreterExecute(t *testing.T) {
	module := os.Getenv("OPSFLOW_TEST_PYTHON_WASM")
	if module == "" {
		t.Skip("OPSFLOW_TEST_PYTHON_WASM not set")
	}
	ctx := context.Background()

	interp, err := NewWASIInterpreter(ctx, module, WASIConfig{Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("NewWASIInterpreter() error = %v", err)
	}
	defer interp.Close(ctx)

	dir := t.TempDir()
	res, err := interp.Execute(ctx, "open('/work/out.txt', 'w').write('hi')\nprint('ok')", dir)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "out.txt")); err != nil || string(data) != "hi" {
		t.Errorf("guest write not visible: %q, %v", data, err)
	}

	if err := interp.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := interp.Execute(ctx, "print(1)", dir); err == nil {
		t.Error("expected error after Close")
	}
}
