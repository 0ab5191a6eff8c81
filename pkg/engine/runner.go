package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Adapters bundles the external collaborators a runner dispatches to.
type Adapters struct {
	// CLI generates cloud CLI commands for cli tasks.
	CLI CommandGenerator

	// Shell generates shell commands for shell tasks.
	Shell CommandGenerator

	// Executor runs generated commands.
	Executor CommandRunner

	// Code generates and runs code for code tasks.
	Code CodeRunner

	// Research answers research tasks.
	Research Researcher
}

// RunnerConfig tunes task dispatch.
type RunnerConfig struct {
	// CommandTimeout is passed to the command runner for each command.
	CommandTimeout time.Duration

	// TaskTimeout bounds a whole task. Zero means no bound.
	TaskTimeout time.Duration

	// MaxRetries applies to generation calls that fail with a retryable error.
	// Command execution is never retried.
	MaxRetries int

	// RetryBackoff is the base delay between generation retries.
	RetryBackoff time.Duration

	// MaxParallel > 1 runs tasks without mutual dependencies concurrently.
	MaxParallel int
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		CommandTimeout: 5 * time.Minute,
		MaxRetries:     2,
		RetryBackoff:   time.Second,
		MaxParallel:    1,
	}
}

// Runner dispatches each task of a plan to the adapter matching its type and
// records per-task and per-command outcomes. A failing task never stops the
// rest of the plan.
type Runner struct {
	adapters Adapters
	policy   PolicyChecker
	events   eventSink
	cfg      RunnerConfig
	logger   zerolog.Logger

	// mu guards the record while tasks run concurrently
	mu sync.Mutex
}

// NewRunner creates a runner. A nil policy falls back to KeywordPolicy.
func NewRunner(adapters Adapters, policy PolicyChecker, publisher EventPublisher, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	if policy == nil {
		policy = KeywordPolicy{}
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	logger = logger.With().Str("component", "runner").Logger()
	return &Runner{
		adapters: adapters,
		policy:   policy,
		events:   eventSink{publisher: publisher, logger: logger},
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes every task in rec.TaskPlan and returns the run summary. Every
// task ends in a terminal status.
func (r *Runner) Run(ctx context.Context, rec *ExecutionRecord) *RunSummary {
	start := time.Now()

	if r.cfg.MaxParallel > 1 {
		r.runLevels(ctx, rec)
	} else {
		for _, t := range rec.TaskPlan {
			r.runTask(ctx, rec, t)
		}
	}

	summary := calculateRunSummary(rec.TaskPlan)
	summary.Duration = time.Since(start)
	return summary
}

// runLevels runs independent tasks concurrently, level by level. The plan
// slice itself is never reordered.
func (r *Runner) runLevels(ctx context.Context, rec *ExecutionRecord) {
	_, graph, err := OrderTasks(rec.TaskPlan)
	if err != nil {
		r.logger.Warn().Err(err).Msg("cannot compute task levels, running sequentially")
		for _, t := range rec.TaskPlan {
			r.runTask(ctx, rec, t)
		}
		return
	}

	for _, level := range graph.Levels {
		workerCount := r.cfg.MaxParallel
		if len(level) < workerCount {
			workerCount = len(level)
		}

		workQueue := make(chan *Task, len(level))
		for _, id := range level {
			workQueue <- rec.Task(id)
		}
		close(workQueue)

		var wg sync.WaitGroup
		for i := 0; i < workerCount; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for t := range workQueue {
					r.runTask(ctx, rec, t)
				}
			}()
		}
		wg.Wait()
	}
}

// runTask executes one task and always leaves it in a terminal status.
func (r *Runner) runTask(ctx context.Context, rec *ExecutionRecord, t *Task) {
	started := time.Now().UTC()
	r.mu.Lock()
	t.Status = TaskStatusRunning
	t.StartedAt = &started
	r.mu.Unlock()

	log := r.logger.With().Str("session_id", rec.SessionID).Str("task_id", t.ID).Str("task_type", string(t.Type)).Logger()
	r.events.emit(ctx, rec.SessionID, t.ID, EventTypeTaskStarted, t.Description, nil)

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("adapter panicked")
			t.Error = fmt.Sprintf("adapter panic: %v", p)
			t.Status = TaskStatusFailed
		}
		r.finishTask(ctx, rec, t)
	}()

	if err := ctx.Err(); err != nil {
		t.Status = TaskStatusNotAttempted
		t.Error = err.Error()
		return
	}

	violations, err := r.policy.CheckTask(ctx, t)
	if err != nil {
		t.Status = TaskStatusFailed
		t.Error = fmt.Sprintf("policy evaluation failed: %v", err)
		return
	}
	if len(violations) > 0 {
		t.Status = TaskStatusNotAttempted
		t.Error = violationText(violations)
		r.events.emit(ctx, rec.SessionID, t.ID, EventTypePolicyViolation, t.Error, nil)
		return
	}

	taskCtx := ctx
	if r.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, r.cfg.TaskTimeout)
		defer cancel()
	}

	prompt := substitute(t.Prompt, rec.FilledValues)
	switch t.Type {
	case TaskTypeCLI:
		r.runCommands(taskCtx, rec, t, r.adapters.CLI, prompt)
	case TaskTypeShell:
		r.runCommands(taskCtx, rec, t, r.adapters.Shell, prompt)
	case TaskTypeCode:
		r.runCode(taskCtx, rec, t, prompt)
	case TaskTypeResearch:
		r.runResearch(taskCtx, t, prompt)
	default:
		t.Error = fmt.Sprintf("unsupported task type: %s", t.Type)
	}

	if t.Status == TaskStatusRunning {
		if t.Result().IsSuccessful {
			t.Status = TaskStatusSucceeded
		} else {
			t.Status = TaskStatusFailed
		}
	}
	log.Debug().Str("status", string(t.Status)).Msg("task finished")
}

func (r *Runner) finishTask(ctx context.Context, rec *ExecutionRecord, t *Task) {
	completed := time.Now().UTC()

	r.mu.Lock()
	t.CompletedAt = &completed
	content := fmt.Sprintf("task %s (%s) %s", t.ID, t.Type, t.Status)
	if t.Error != "" {
		content += ": " + t.Error
	}
	rec.AppendMessage("tool", string(t.Type), content)
	r.mu.Unlock()

	details := map[string]interface{}{"status": string(t.Status), "type": string(t.Type)}
	if t.StartedAt != nil {
		details["duration_ms"] = completed.Sub(*t.StartedAt).Milliseconds()
	}
	if t.Status == TaskStatusSucceeded {
		r.events.emit(ctx, rec.SessionID, t.ID, EventTypeTaskCompleted, content, details)
	} else {
		r.events.emit(ctx, rec.SessionID, t.ID, EventTypeTaskFailed, content, details)
	}
}

// runCommands generates the command list for a cli or shell task and runs each
// command independently.
func (r *Runner) runCommands(ctx context.Context, rec *ExecutionRecord, t *Task, gen CommandGenerator, prompt string) {
	if gen == nil || r.adapters.Executor == nil {
		t.Error = fmt.Sprintf("no adapter configured for %s tasks", t.Type)
		return
	}

	var generation *CommandGeneration
	err := r.withRetry(ctx, func() error {
		var genErr error
		generation, genErr = gen.GenerateCommands(ctx, prompt)
		return genErr
	})
	if err != nil {
		t.Error = err.Error()
		return
	}
	if generation == nil || !generation.Success {
		t.Error = "command generation failed"
		if generation != nil && generation.Error != "" {
			t.Error = generation.Error
		}
		return
	}
	if len(generation.Commands) == 0 {
		t.Error = "no commands generated"
		return
	}

	results := make([]CommandResult, 0, len(generation.Commands))
	failed := 0
	for _, raw := range generation.Commands {
		result := r.runCommand(ctx, t.Type, substitute(raw, rec.FilledValues))
		if !result.Succeeded() {
			failed++
		}
		results = append(results, result)
		r.events.emit(ctx, rec.SessionID, t.ID, EventTypeCommandCompleted, result.Command,
			map[string]interface{}{"status": string(result.Status), "type": string(t.Type)})
	}

	r.mu.Lock()
	t.Commands = results
	r.mu.Unlock()

	if failed > 0 {
		t.Error = fmt.Sprintf("%d of %d commands failed", failed, len(results))
	}
}

// runCommand executes one command and converts every failure into a recorded result.
func (r *Runner) runCommand(ctx context.Context, taskType TaskType, command string) CommandResult {
	result := CommandResult{Command: command, Status: TaskStatusPending}

	if names := ExtractPlaceholders(command); len(names) > 0 {
		for _, n := range names {
			result.MissingParameters = append(result.MissingParameters, MissingParameter{Name: n})
		}
		result.Status = TaskStatusNotAttempted
		result.ExecutionResult = &CommandExecution{
			ToolResult: ToolResult{Error: "unresolved placeholders: " + strings.Join(names, ", ")},
		}
		return result
	}

	violations, err := r.policy.CheckCommand(ctx, taskType, command)
	if err != nil {
		result.Status = TaskStatusNotAttempted
		result.ExecutionResult = &CommandExecution{
			ToolResult: ToolResult{Error: fmt.Sprintf("policy evaluation failed: %v", err)},
		}
		return result
	}
	if len(violations) > 0 {
		result.Status = TaskStatusNotAttempted
		result.ExecutionResult = &CommandExecution{ToolResult: ToolResult{Error: violationText(violations)}}
		return result
	}

	if err := ctx.Err(); err != nil {
		result.Status = TaskStatusNotAttempted
		result.ExecutionResult = &CommandExecution{ToolResult: ToolResult{Error: err.Error()}}
		return result
	}

	start := time.Now()
	out, err := r.adapters.Executor.RunCommand(ctx, command, r.cfg.CommandTimeout)
	exec := &CommandExecution{Duration: time.Since(start)}
	result.ExecutionResult = exec

	switch {
	case err != nil:
		exec.Error = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			exec.Error = "command timed out: " + err.Error()
		}
		result.Status = TaskStatusFailed
	case out == nil:
		exec.Error = "command runner returned no output"
		result.Status = TaskStatusFailed
	default:
		exec.Stdout = out.Stdout
		exec.ExitCode = out.ExitCode
		exec.IsSuccessful = out.Success
		exec.Error = out.Error
		result.Status = TaskStatusSucceeded
		if !out.Success {
			result.Status = TaskStatusFailed
		}
	}
	return result
}

// runCode folds the code adapter's event sequence into the task payload.
// Steps are kept for audit; only the final output decides success.
func (r *Runner) runCode(ctx context.Context, rec *ExecutionRecord, t *Task, prompt string) {
	if r.adapters.Code == nil {
		t.Error = "no adapter configured for code tasks"
		return
	}
	if t.Code == nil {
		t.Code = &CodeTaskPayload{}
	}
	if len(t.Code.MissingParameters) > 0 {
		t.Code.MissingParameters = fillParameters(t.Code.MissingParameters, rec.FilledValues)
	}

	exec := &CodeExecution{}
	for event, err := range r.adapters.Code.GenerateAndRunCode(ctx, prompt, rec.WorkingDir) {
		if err != nil {
			exec.Error = err.Error()
			break
		}
		if event.Step != nil {
			exec.Steps = append(exec.Steps, *event.Step)
			if event.Step.Code != "" {
				t.Code.Code = event.Step.Code
			}
		}
		if event.Final != nil {
			exec.Final = event.Final
			break
		}
	}

	switch {
	case exec.Final == nil && exec.Error == "":
		exec.Error = "code adapter finished without a final output"
	case exec.Final != nil:
		exec.IsSuccessful = exec.Final.Success
		if !exec.Final.Success && exec.Error == "" {
			exec.Error = fmt.Sprintf("code execution reported failure: %v", exec.Final.Result)
		}
	}

	r.mu.Lock()
	t.Code.ExecutionResult = exec
	r.mu.Unlock()
	if !exec.IsSuccessful {
		t.Error = exec.Error
	}
}

// runResearch stores the adapter's answer verbatim.
func (r *Runner) runResearch(ctx context.Context, t *Task, query string) {
	if r.adapters.Research == nil {
		t.Error = "no adapter configured for research tasks"
		return
	}
	if t.Research == nil {
		t.Research = &ResearchTaskPayload{Query: query}
	}

	var out *ResearchOutput
	err := r.withRetry(ctx, func() error {
		var resErr error
		out, resErr = r.adapters.Research.Research(ctx, query)
		return resErr
	})

	outcome := &ResearchOutcome{}
	switch {
	case err != nil:
		outcome.Error = err.Error()
	case out == nil:
		outcome.Error = "research adapter returned no result"
	default:
		outcome.IsSuccessful = true
		outcome.Result = out.Result
	}

	r.mu.Lock()
	t.Research.Result = outcome
	r.mu.Unlock()
	if !outcome.IsSuccessful {
		t.Error = outcome.Error
	}
}

// withRetry retries fn while it fails with a retryable error.
func (r *Runner) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err = fn(); err == nil || !IsRetryable(err) || attempt == r.cfg.MaxRetries {
			return err
		}
		select {
		case <-time.After(r.calculateBackoff(attempt, err)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// calculateBackoff calculates exponential backoff, capped at one minute.
func (r *Runner) calculateBackoff(attempt int, err error) time.Duration {
	base := r.cfg.RetryBackoff
	if IsThrottled(err) {
		base *= 5
	}
	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

// calculateRunSummary calculates the final run summary statistics.
func calculateRunSummary(tasks []*Task) *RunSummary {
	summary := &RunSummary{TotalTasks: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case TaskStatusSucceeded:
			summary.SucceededTasks++
		case TaskStatusFailed:
			summary.FailedTasks++
		case TaskStatusNotAttempted:
			summary.NotAttemptedTasks++
		}
	}
	return summary
}

// substitute replaces <key> placeholders with filled values.
func substitute(text string, values map[string]string) string {
	for k, v := range values {
		if v != "" {
			text = strings.ReplaceAll(text, "<"+k+">", v)
		}
	}
	return text
}

func fillParameters(params []MissingParameter, values map[string]string) []MissingParameter {
	out := make([]MissingParameter, len(params))
	for i, p := range params {
		if v, ok := values[p.Name]; ok && p.Value == "" {
			p.Value = v
		}
		out[i] = p
	}
	return out
}

func violationText(violations []PolicyViolation) string {
	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.Message)
	}
	return "policy violation: " + strings.Join(msgs, "; ")
}
