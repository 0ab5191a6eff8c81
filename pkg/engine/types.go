package engine

import (
	"fmt"
	"time"
)

// TaskType is the closed set of adapter bindings a task can carry.
type TaskType string

const (
	// TaskTypeCLI binds a task to cloud CLI command generation and execution.
	TaskTypeCLI TaskType = "cli"

	// TaskTypeCode binds a task to sandboxed code generation and execution.
	TaskTypeCode TaskType = "code"

	// TaskTypeShell binds a task to shell script generation and execution.
	TaskTypeShell TaskType = "shell"

	// TaskTypeResearch binds a task to open-web research.
	TaskTypeResearch TaskType = "research"
)

// TaskTypes lists every valid task type in declaration order.
var TaskTypes = []TaskType{TaskTypeCLI, TaskTypeCode, TaskTypeShell, TaskTypeResearch}

// Validate checks if the task type is part of the closed enumeration.
func (t TaskType) Validate() error {
	switch t {
	case TaskTypeCLI, TaskTypeCode, TaskTypeShell, TaskTypeResearch:
		return nil
	default:
		return fmt.Errorf("invalid task type: %q", string(t))
	}
}

// UsesCommands returns true if the task type executes a generated command list.
func (t TaskType) UsesCommands() bool {
	return t == TaskTypeCLI || t == TaskTypeShell
}

// ToolResult is the base shape shared by every adapter result.
type ToolResult struct {
	IsSuccessful bool   `json:"is_successful"`
	Error        string `json:"error,omitempty"`
}

// MissingParameter describes a value that is still unknown, either at goal level
// or inside a generated command.
type MissingParameter struct {
	Name          string `json:"name"`
	Value         string `json:"value,omitempty"`
	ReferenceData string `json:"reference_data,omitempty"`
}

// CommandExecution is the outcome of running a single command.
type CommandExecution struct {
	ToolResult
	Stdout   string        `json:"stdout,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// CommandResult wraps one generated command and its independent outcome.
type CommandResult struct {
	Command           string             `json:"command"`
	Status            TaskStatus         `json:"status"`
	ExecutionResult   *CommandExecution  `json:"execution_result,omitempty"`
	MissingParameters []MissingParameter `json:"missing_parameters,omitempty"`
}

// Succeeded returns true if the command ran and reported success.
func (c *CommandResult) Succeeded() bool {
	return c.Status == TaskStatusSucceeded && c.ExecutionResult != nil && c.ExecutionResult.IsSuccessful
}

// ToolCall is a sub-tool invocation made by the code adapter during one step.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// CodeStep is one intermediate action of the code adapter. Steps carry
// diagnostic value only.
type CodeStep struct {
	Number      int        `json:"number"`
	Code        string     `json:"code"`
	Observation string     `json:"observation,omitempty"`
	Error       string     `json:"error,omitempty"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	LLMOutput   string     `json:"llm_output,omitempty"`
}

// CodeFinal is the authoritative final output of a code task.
type CodeFinal struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
}

// CodeExecution folds the code adapter's event sequence into a stored result.
type CodeExecution struct {
	ToolResult
	Steps []CodeStep `json:"steps,omitempty"`
	Final *CodeFinal `json:"final,omitempty"`
}

// CodeTaskPayload is the variant-specific part of a code task.
type CodeTaskPayload struct {
	Code              string             `json:"code"`
	ExecutionResult   *CodeExecution     `json:"execution_result,omitempty"`
	MissingParameters []MissingParameter `json:"missing_parameters,omitempty"`
}

// ResearchOutcome is the result of a research task.
type ResearchOutcome struct {
	ToolResult
	Result string `json:"result"`
}

// ResearchTaskPayload is the variant-specific part of a research task.
type ResearchTaskPayload struct {
	Query  string           `json:"query"`
	Result *ResearchOutcome `json:"result,omitempty"`
}

// Task is one unit of planned work bound to exactly one adapter type.
// Exactly one payload is populated, selected by Type: Commands for cli and
// shell, Code for code, Research for research.
type Task struct {
	ID          string     `json:"task_id" validate:"required"`
	Description string     `json:"description" validate:"required"`
	Type        TaskType   `json:"task_type" validate:"required,oneof=cli code shell research"`
	Prompt      string     `json:"prompt" validate:"required"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`

	Commands []CommandResult      `json:"commands,omitempty"`
	Code     *CodeTaskPayload     `json:"code,omitempty"`
	Research *ResearchTaskPayload `json:"research,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a pending task with the payload matching its type.
func NewTask(id, description string, taskType TaskType, prompt string) *Task {
	t := &Task{
		ID:          id,
		Description: description,
		Type:        taskType,
		Prompt:      prompt,
		Status:      TaskStatusPending,
	}
	switch taskType {
	case TaskTypeCode:
		t.Code = &CodeTaskPayload{}
	case TaskTypeResearch:
		t.Research = &ResearchTaskPayload{Query: prompt}
	}
	return t
}

// Result returns the task-level tool result derived from its payload.
func (t *Task) Result() ToolResult {
	switch t.Type {
	case TaskTypeCLI, TaskTypeShell:
		if len(t.Commands) == 0 {
			return ToolResult{Error: t.Error}
		}
		for i := range t.Commands {
			if !t.Commands[i].Succeeded() {
				return ToolResult{Error: t.Error}
			}
		}
		return ToolResult{IsSuccessful: true}
	case TaskTypeCode:
		if t.Code != nil && t.Code.ExecutionResult != nil {
			return t.Code.ExecutionResult.ToolResult
		}
	case TaskTypeResearch:
		if t.Research != nil && t.Research.Result != nil {
			return t.Research.Result.ToolResult
		}
	}
	return ToolResult{Error: t.Error}
}

// Message is one entry of the append-only conversation trace.
type Message struct {
	Role      string    `json:"role"`
	Component string    `json:"component"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MissingField is a uniquely keyed value the resolver needs from a human.
type MissingField struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// MissingFields is an ordered set of missing fields with unique keys.
type MissingFields []MissingField

// Keys returns the field keys in order.
func (m MissingFields) Keys() []string {
	keys := make([]string, len(m))
	for i, f := range m {
		keys[i] = f.Key
	}
	return keys
}

// Has reports whether key is present.
func (m MissingFields) Has(key string) bool {
	for _, f := range m {
		if f.Key == key {
			return true
		}
	}
	return false
}

// Merge appends fields whose keys are not already present.
func (m MissingFields) Merge(other MissingFields) MissingFields {
	out := append(MissingFields(nil), m...)
	for _, f := range other {
		if !out.Has(f.Key) {
			out = append(out, f)
		}
	}
	return out
}

// Event represents a timeline event during a session.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	TaskID    string                 `json:"task_id,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Level     string                 `json:"level"`
}

// RunSummary provides statistics about a completed run.
type RunSummary struct {
	TotalTasks        int           `json:"total_tasks"`
	SucceededTasks    int           `json:"succeeded_tasks"`
	FailedTasks       int           `json:"failed_tasks"`
	NotAttemptedTasks int           `json:"not_attempted_tasks"`
	Duration          time.Duration `json:"duration"`
}
