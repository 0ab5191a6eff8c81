package adapters

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/opsflow/pkg/engine"
)

func TestGenerateCommands(t *testing.T) {
	tests := []struct {
		name        string
		response    string
		wantSuccess bool
		wantCmds    []string
		wantErr     string
	}{
		{
			name:        "object",
			response:    `{"commands": ["az group create -n rg1 -l eastus", "az vm create -g rg1 -n vm1"]}`,
			wantSuccess: true,
			wantCmds:    []string{"az group create -n rg1 -l eastus", "az vm create -g rg1 -n vm1"},
		},
		{
			name:        "fenced array",
			response:    "```json\n[\"az account show\", \"  \"]\n```",
			wantSuccess: true,
			wantCmds:    []string{"az account show"},
		},
		{
			name:     "refused",
			response: `{"commands": [], "error": "not possible with the CLI"}`,
			wantErr:  "not possible with the CLI",
		},
		{
			name:     "empty",
			response: `{"commands": []}`,
			wantErr:  "no commands generated",
		},
		{
			name:     "garbage",
			response: "I cannot help with that",
			wantErr:  "could not parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := NewCLIGenerator(newMockLLM(tt.response), testLogger)

			out, err := gen.GenerateCommands(context.Background(), "create a vm")
			if err != nil {
				t.Fatalf("GenerateCommands() error = %v", err)
			}
			if out.Success != tt.wantSuccess {
				t.Fatalf("Success = %v, want %v (error %q)", out.Success, tt.wantSuccess, out.Error)
			}
			if tt.wantSuccess && !reflect.DeepEqual(out.Commands, tt.wantCmds) {
				t.Errorf("Commands = %v, want %v", out.Commands, tt.wantCmds)
			}
			if tt.wantErr != "" && !strings.Contains(out.Error, tt.wantErr) {
				t.Errorf("Error = %q, want it to contain %q", out.Error, tt.wantErr)
			}
		})
	}
}

func TestGenerateCommandsModelFailureIsRetryable(t *testing.T) {
	client := newMockLLM()
	client.err = errors.New("connection reset")
	gen := NewShellGenerator(client, testLogger)

	_, err := gen.GenerateCommands(context.Background(), "list files")
	if err == nil {
		t.Fatal("expected error")
	}
	if !engine.IsRetryable(err) {
		t.Errorf("expected a retryable error, got %v", err)
	}
	if !engine.HasCode(err, engine.ErrCodeAdapterFailed) {
		t.Errorf("expected ADAPTER_FAILED code, got %v", err)
	}
}

func TestGenerateCommandsUsesTaskTypePrompt(t *testing.T) {
	client := newMockLLM(`{"commands": ["ls -la"]}`)
	gen := NewShellGenerator(client, testLogger)

	if gen.TaskType() != engine.TaskTypeShell {
		t.Fatalf("TaskType() = %s", gen.TaskType())
	}
	if _, err := gen.GenerateCommands(context.Background(), "list files"); err != nil {
		t.Fatalf("GenerateCommands() error = %v", err)
	}
	req := client.lastRequest()
	if !strings.Contains(req.SystemPrompt, "POSIX shell") {
		t.Errorf("shell generator used the wrong system prompt: %q", req.SystemPrompt)
	}
	if req.Messages[0].Content != "list files" {
		t.Errorf("prompt = %q", req.Messages[0].Content)
	}
}

func TestGenerateCommandsEmptyPrompt(t *testing.T) {
	client := newMockLLM(`{"commands": ["az account show"]}`)
	gen := NewCLIGenerator(client, testLogger)

	out, err := gen.GenerateCommands(context.Background(), "   ")
	if err != nil {
		t.Fatalf("GenerateCommands() error = %v", err)
	}
	if out.Success {
		t.Error("expected failure for an empty prompt")
	}
	if client.calls() != 0 {
		t.Errorf("model called %d times for an empty prompt", client.calls())
	}
}
