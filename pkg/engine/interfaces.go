package engine

import (
	"context"
	"iter"
	"time"
)

// Resolver computes the fields a goal still needs from a human.
type Resolver interface {
	// Resolve returns the fields still missing given the values filled so far.
	// Keys are globally unique within a goal.
	Resolve(ctx context.Context, goal string, filled map[string]string) (MissingFields, error)
}

// Refiner rewrites a goal once all values are known.
type Refiner interface {
	// Refine substitutes filled values into the goal without inventing new ones.
	Refine(ctx context.Context, goal string, missing MissingFields, filled map[string]string) (string, error)
}

// Planner converts a refined goal into an ordered task plan.
type Planner interface {
	// Plan returns a complete plan or an error. It never returns a partial plan.
	Plan(ctx context.Context, refinedGoal string) (*PlanResult, error)
}

// PlanResult is a validated plan plus the tasks policy rejected on the way.
type PlanResult struct {
	Tasks    []*Task           `json:"tasks"`
	Rejected []PolicyRejection `json:"rejected,omitempty"`
	Raw      string            `json:"raw,omitempty"`
}

// PolicyRejection records a planned task that was filtered by policy.
type PolicyRejection struct {
	TaskID   string   `json:"task_id"`
	Prompt   string   `json:"prompt"`
	Policies []string `json:"policies"`
	Reason   string   `json:"reason"`
}

// PolicyChecker decides whether a task or command is destructive.
type PolicyChecker interface {
	// CheckTask returns violations for a planned task. An empty slice means allowed.
	CheckTask(ctx context.Context, task *Task) ([]PolicyViolation, error)

	// CheckCommand returns violations for a generated command.
	CheckCommand(ctx context.Context, taskType TaskType, command string) ([]PolicyViolation, error)
}

// PolicyViolation is one denied rule.
type PolicyViolation struct {
	Policy   string `json:"policy"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// CommandGeneration is the response of generate_commands.
type CommandGeneration struct {
	Success  bool     `json:"success"`
	Commands []string `json:"commands"`
	Error    string   `json:"error,omitempty"`
}

// CommandGenerator turns a task prompt into an ordered list of candidate commands.
type CommandGenerator interface {
	GenerateCommands(ctx context.Context, prompt string) (*CommandGeneration, error)
}

// CommandOutput is the response of run_command.
type CommandOutput struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// CommandRunner executes one command.
type CommandRunner interface {
	RunCommand(ctx context.Context, command string, timeout time.Duration) (*CommandOutput, error)
}

// CodeEvent is one element of the code adapter's event sequence. Exactly one of
// Step or Final is set, and the final event is the last one.
type CodeEvent struct {
	Step  *CodeStep  `json:"step,omitempty"`
	Final *CodeFinal `json:"final,omitempty"`
}

// CodeRunner generates and runs code for a prompt inside a working directory.
// The returned sequence is lazy and finite; iterating it again restarts the adapter.
type CodeRunner interface {
	GenerateAndRunCode(ctx context.Context, prompt, workingDir string) iter.Seq2[CodeEvent, error]
}

// ResearchOutput is the response of research.
type ResearchOutput struct {
	Result string `json:"result"`
}

// Researcher answers open questions.
type Researcher interface {
	Research(ctx context.Context, query string) (*ResearchOutput, error)
}

// RecordStore persists execution records between suspend and resume.
type RecordStore interface {
	// CreateRecord stores a new record. It fails if the session already exists.
	CreateRecord(ctx context.Context, rec *ExecutionRecord) error

	// GetRecord loads a record by session ID.
	GetRecord(ctx context.Context, sessionID string) (*ExecutionRecord, error)

	// SaveRecord persists rec if its version matches the stored one and bumps it.
	SaveRecord(ctx context.Context, rec *ExecutionRecord) error

	// AppendEvent appends an audit event for a session.
	AppendEvent(ctx context.Context, event *Event) error
}

// EventPublisher publishes session events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}
