package engine

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestRunner(adapters Adapters, cfg RunnerConfig) (*Runner, *mockEventPublisher) {
	publisher := newMockEventPublisher()
	return NewRunner(adapters, nil, publisher, cfg, testLogger), publisher
}

func newRecordWithPlan(tasks ...*Task) *ExecutionRecord {
	rec := NewExecutionRecord("session-1", "goal")
	rec.WorkingDir = "/tmp/work/session-1"
	rec.TaskPlan = tasks
	return rec
}

func TestRunner_CommandFailureIsIsolated(t *testing.T) {
	executor := newMockExecutor()
	executor.fail["az network vnet create -n vnet2"] = "ERROR: quota exceeded"

	gen := &mockGenerator{commands: []string{
		"az network vnet create -n vnet1",
		"az network vnet create -n vnet2",
		"az network vnet create -n vnet3",
	}}
	runner, _ := newTestRunner(Adapters{CLI: gen, Executor: executor}, DefaultRunnerConfig())

	rec := newRecordWithPlan(mustTask("t1", TaskTypeCLI, "create three vnets"))
	summary := runner.Run(context.Background(), rec)

	task := rec.TaskPlan[0]
	if len(task.Commands) != 3 {
		t.Fatalf("Expected 3 command results, got %d", len(task.Commands))
	}
	if !task.Commands[0].Succeeded() {
		t.Errorf("Expected command 1 to succeed, got %+v", task.Commands[0])
	}
	if task.Commands[1].Succeeded() {
		t.Error("Expected command 2 to fail")
	}
	if got := task.Commands[1].ExecutionResult.Error; got != "ERROR: quota exceeded" {
		t.Errorf("Expected verbatim error text, got %q", got)
	}
	if !task.Commands[2].Succeeded() {
		t.Errorf("Expected command 3 to run independently, got %+v", task.Commands[2])
	}
	if len(executor.executedCommands()) != 3 {
		t.Errorf("Expected all 3 commands to be executed, got %v", executor.executedCommands())
	}
	if task.Status != TaskStatusFailed {
		t.Errorf("Expected task to fail, got %s", task.Status)
	}
	if summary.FailedTasks != 1 || summary.TotalTasks != 1 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
}

func TestRunner_ProcessesEntirePlan(t *testing.T) {
	executor := newMockExecutor()
	cli := &mockGenerator{err: errPlain("generator unavailable")}
	shell := &mockGenerator{commands: []string{"echo ok"}}
	research := &mockResearcher{answer: "Use Ubuntu 22.04 LTS.\n\nSource: docs"}

	runner, publisher := newTestRunner(Adapters{
		CLI:      cli,
		Shell:    shell,
		Executor: executor,
		Research: research,
	}, DefaultRunnerConfig())

	rec := newRecordWithPlan(
		mustTask("t1", TaskTypeCLI, "create group"),
		mustTask("t2", TaskTypeShell, "print ok"),
		mustTask("t3", TaskTypeResearch, "which image"),
		mustTask("t4", TaskTypeCode, "no code adapter configured"),
	)
	summary := runner.Run(context.Background(), rec)

	want := []TaskStatus{TaskStatusFailed, TaskStatusSucceeded, TaskStatusSucceeded, TaskStatusFailed}
	for i, task := range rec.TaskPlan {
		if task.Status != want[i] {
			t.Errorf("Task %s: expected %s, got %s (%s)", task.ID, want[i], task.Status, task.Error)
		}
		if task.CompletedAt == nil {
			t.Errorf("Task %s: expected completion time", task.ID)
		}
	}

	if rec.TaskPlan[0].Error != "generator unavailable" {
		t.Errorf("Expected adapter error verbatim, got %q", rec.TaskPlan[0].Error)
	}
	if got := rec.TaskPlan[2].Research.Result.Result; got != research.answer {
		t.Errorf("Expected research answer verbatim, got %q", got)
	}
	if summary.SucceededTasks != 2 || summary.FailedTasks != 2 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if len(rec.ConversationTrace) != 4 {
		t.Errorf("Expected one trace entry per task, got %d", len(rec.ConversationTrace))
	}
	if publisher.count(EventTypeTaskFailed) != 2 || publisher.count(EventTypeTaskCompleted) != 2 {
		t.Errorf("Unexpected task events: %d failed, %d completed",
			publisher.count(EventTypeTaskFailed), publisher.count(EventTypeTaskCompleted))
	}
}

func TestRunner_CodeStepsAndFinalOutput(t *testing.T) {
	code := &mockCodeRunner{events: []CodeEvent{
		{Step: &CodeStep{Number: 1, Code: "import json", Observation: "ok"}},
		{Step: &CodeStep{Number: 2, Code: "print(data)", Error: "NameError: data",
			ToolCalls: []ToolCall{{Name: "python_interpreter"}}}},
		{Final: &CodeFinal{Success: true, Result: "vm-web-01 is running"}},
		{Step: &CodeStep{Number: 3, Code: "ignored after final"}},
	}}
	runner, _ := newTestRunner(Adapters{Code: code}, DefaultRunnerConfig())

	rec := newRecordWithPlan(mustTask("t1", TaskTypeCode, "check the vm"))
	runner.Run(context.Background(), rec)

	task := rec.TaskPlan[0]
	if task.Status != TaskStatusSucceeded {
		t.Fatalf("Expected success from final output, got %s (%s)", task.Status, task.Error)
	}
	exec := task.Code.ExecutionResult
	if exec.Final == nil || exec.Final.Result != "vm-web-01 is running" {
		t.Errorf("Expected final result to be stored, got %+v", exec.Final)
	}
	if len(exec.Steps) != 2 {
		t.Fatalf("Expected 2 intermediate steps, got %d", len(exec.Steps))
	}
	if exec.Steps[1].Error == "" {
		t.Error("Expected step error to be kept for audit")
	}
	if task.Code.Code != "print(data)" {
		t.Errorf("Expected last generated code, got %q", task.Code.Code)
	}
	if len(code.dirs) != 1 || code.dirs[0] != rec.WorkingDir {
		t.Errorf("Expected session working dir, got %v", code.dirs)
	}
}

func TestRunner_CodeWithoutFinalFails(t *testing.T) {
	tests := []struct {
		name   string
		runner *mockCodeRunner
		want   string
	}{
		{
			name:   "no final event",
			runner: &mockCodeRunner{events: []CodeEvent{{Step: &CodeStep{Number: 1, Code: "x = 1"}}}},
			want:   "without a final output",
		},
		{
			name:   "stream error",
			runner: &mockCodeRunner{err: errPlain("sandbox crashed")},
			want:   "sandbox crashed",
		},
		{
			name:   "final failure",
			runner: &mockCodeRunner{events: []CodeEvent{{Final: &CodeFinal{Success: false, Result: "bad input"}}}},
			want:   "bad input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner, _ := newTestRunner(Adapters{Code: tt.runner}, DefaultRunnerConfig())
			rec := newRecordWithPlan(mustTask("t1", TaskTypeCode, "do it"))
			runner.Run(context.Background(), rec)

			task := rec.TaskPlan[0]
			if task.Status != TaskStatusFailed {
				t.Errorf("Expected failure, got %s", task.Status)
			}
			if !strings.Contains(task.Error, tt.want) {
				t.Errorf("Expected error containing %q, got %q", tt.want, task.Error)
			}
		})
	}
}

func TestRunner_PlaceholdersAndPolicy(t *testing.T) {
	executor := newMockExecutor()
	gen := &mockGenerator{commands: []string{
		"az group create -n <resource_group> -l <location>",
		"az vm create -n <vm_name> -g <resource_group>",
		"az group delete -n rg-old --yes",
	}}
	runner, _ := newTestRunner(Adapters{CLI: gen, Executor: executor}, DefaultRunnerConfig())

	rec := newRecordWithPlan(mustTask("t1", TaskTypeCLI, "create things in <resource_group>"))
	rec.FilledValues = map[string]string{"resource_group": "rg-prod", "location": "eastus"}
	runner.Run(context.Background(), rec)

	task := rec.TaskPlan[0]
	if len(gen.prompts) != 1 || gen.prompts[0] != "create things in rg-prod" {
		t.Errorf("Expected filled values in prompt, got %v", gen.prompts)
	}
	if task.Commands[0].Command != "az group create -n rg-prod -l eastus" || !task.Commands[0].Succeeded() {
		t.Errorf("Expected substituted command to run, got %+v", task.Commands[0])
	}

	second := task.Commands[1]
	if second.Status != TaskStatusNotAttempted {
		t.Errorf("Expected unresolved command not to be attempted, got %s", second.Status)
	}
	if len(second.MissingParameters) != 1 || second.MissingParameters[0].Name != "vm_name" {
		t.Errorf("Expected vm_name to be missing, got %+v", second.MissingParameters)
	}

	third := task.Commands[2]
	if third.Status != TaskStatusNotAttempted || !strings.Contains(third.ExecutionResult.Error, "policy violation") {
		t.Errorf("Expected destructive command to be refused, got %+v", third)
	}

	executed := executor.executedCommands()
	if len(executed) != 1 {
		t.Errorf("Expected only one command to reach the executor, got %v", executed)
	}
	if task.Status != TaskStatusFailed {
		t.Errorf("Expected task to fail, got %s", task.Status)
	}
}

func TestRunner_TimeoutIsAnOrdinaryFailure(t *testing.T) {
	executor := newMockExecutor()
	executor.delay = time.Second
	gen := &mockGenerator{commands: []string{"sleep 10"}}
	research := &mockResearcher{answer: "done"}

	cfg := DefaultRunnerConfig()
	cfg.TaskTimeout = 20 * time.Millisecond
	runner, _ := newTestRunner(Adapters{Shell: gen, Executor: executor, Research: research}, cfg)

	rec := newRecordWithPlan(
		mustTask("t1", TaskTypeShell, "wait"),
		mustTask("t2", TaskTypeResearch, "anything"),
	)
	runner.Run(context.Background(), rec)

	if rec.TaskPlan[0].Status != TaskStatusFailed {
		t.Errorf("Expected timed out task to fail, got %s", rec.TaskPlan[0].Status)
	}
	if !strings.Contains(rec.TaskPlan[0].Commands[0].ExecutionResult.Error, "timed out") {
		t.Errorf("Expected timeout error, got %+v", rec.TaskPlan[0].Commands[0].ExecutionResult)
	}
	if rec.TaskPlan[1].Status != TaskStatusSucceeded {
		t.Errorf("Expected next task to run, got %s", rec.TaskPlan[1].Status)
	}
}

type panickingResearcher struct{}

func (panickingResearcher) Research(ctx context.Context, query string) (*ResearchOutput, error) {
	panic("nil map write")
}

func TestRunner_RecoversAdapterPanic(t *testing.T) {
	runner, _ := newTestRunner(Adapters{Research: panickingResearcher{}}, DefaultRunnerConfig())

	rec := newRecordWithPlan(
		mustTask("t1", TaskTypeResearch, "boom"),
		mustTask("t2", TaskTypeResearch, "boom again"),
	)
	summary := runner.Run(context.Background(), rec)

	if summary.FailedTasks != 2 {
		t.Errorf("Expected both tasks to fail, got %+v", summary)
	}
	if !strings.Contains(rec.TaskPlan[0].Error, "adapter panic") {
		t.Errorf("Expected panic to be recorded, got %q", rec.TaskPlan[0].Error)
	}
}

func TestRunner_RetriesTransientGeneration(t *testing.T) {
	gen := &flakyGenerator{failures: 2}
	cfg := DefaultRunnerConfig()
	cfg.RetryBackoff = time.Millisecond
	runner, _ := newTestRunner(Adapters{CLI: gen, Executor: newMockExecutor()}, cfg)

	rec := newRecordWithPlan(mustTask("t1", TaskTypeCLI, "create group"))
	runner.Run(context.Background(), rec)

	if rec.TaskPlan[0].Status != TaskStatusSucceeded {
		t.Errorf("Expected success after retries, got %s (%s)", rec.TaskPlan[0].Status, rec.TaskPlan[0].Error)
	}
	if gen.calls != 3 {
		t.Errorf("Expected 3 generation calls, got %d", gen.calls)
	}
}

type flakyGenerator struct {
	failures int
	calls    int
}

func (f *flakyGenerator) GenerateCommands(ctx context.Context, prompt string) (*CommandGeneration, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, NewTransientError("model overloaded", nil)
	}
	return &CommandGeneration{Success: true, Commands: []string{"az group create -n rg"}}, nil
}

func TestRunner_ParallelLevelsKeepPlanOrder(t *testing.T) {
	executor := newMockExecutor()
	executor.delay = 10 * time.Millisecond
	gen := &mockGenerator{commands: []string{"echo hi"}}

	cfg := DefaultRunnerConfig()
	cfg.MaxParallel = 4
	runner, _ := newTestRunner(Adapters{Shell: gen, Executor: executor}, cfg)

	rec := newRecordWithPlan(
		mustTask("t1", TaskTypeShell, "a"),
		mustTask("t2", TaskTypeShell, "b"),
		mustTask("t3", TaskTypeShell, "c", "t1"),
		mustTask("t4", TaskTypeShell, "d"),
	)
	summary := runner.Run(context.Background(), rec)

	if got := orderIDs(rec.TaskPlan); got != "t1,t2,t3,t4" {
		t.Errorf("Expected plan order to be preserved, got %s", got)
	}
	if summary.SucceededTasks != 4 {
		t.Errorf("Expected all tasks to succeed, got %+v", summary)
	}
	if rec.TaskPlan[2].StartedAt.Before(*rec.TaskPlan[0].CompletedAt) {
		t.Error("Expected dependent task to start after its dependency completed")
	}
}

func TestRunner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner, _ := newTestRunner(Adapters{Research: &mockResearcher{answer: "x"}}, DefaultRunnerConfig())
	rec := newRecordWithPlan(mustTask("t1", TaskTypeResearch, "q"))
	summary := runner.Run(ctx, rec)

	if rec.TaskPlan[0].Status != TaskStatusNotAttempted {
		t.Errorf("Expected not attempted, got %s", rec.TaskPlan[0].Status)
	}
	if summary.NotAttemptedTasks != 1 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
}
