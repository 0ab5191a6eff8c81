package engine

import (
	"encoding/json"
	"fmt"
)

// SessionState is the orchestrator state of a single session.
type SessionState string

const (
	// StateStart is the state of a freshly created record.
	StateStart SessionState = "START"

	// StateResolvingValues indicates the resolver is computing missing fields.
	StateResolvingValues SessionState = "RESOLVING_VALUES"

	// StateSuspendedForHuman indicates the session waits for human-supplied values.
	// It is the only state with an external re-entry point.
	StateSuspendedForHuman SessionState = "SUSPENDED_FOR_HUMAN"

	// StateRefining indicates the goal is being rewritten with the filled values.
	StateRefining SessionState = "REFINING"

	// StatePlanning indicates the task plan is being produced.
	StatePlanning SessionState = "PLANNING"

	// StateRunning indicates tasks are being dispatched to adapters.
	StateRunning SessionState = "RUNNING"

	// StateDone is terminal.
	StateDone SessionState = "DONE"

	// StateFailed records a terminal resolution, refinement or planning failure
	// for the last call, or an interrupted run.
	// A failed session may be re-initiated externally with Start.
	StateFailed SessionState = "FAILED"
)

var sessionTransitions = map[SessionState][]SessionState{
	StateStart:             {StateResolvingValues, StateFailed},
	StateResolvingValues:   {StateSuspendedForHuman, StateRefining, StateFailed},
	StateSuspendedForHuman: {StateResolvingValues},
	StateRefining:          {StatePlanning, StateFailed},
	StatePlanning:          {StateRunning, StateFailed},
	StateRunning:           {StateDone, StateFailed},
	StateFailed:            {StateResolvingValues},
}

// CanTransition reports whether the state machine permits moving from s to next.
func (s SessionState) CanTransition(next SessionState) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the state represents a final state.
func (s SessionState) IsTerminal() bool {
	return s == StateDone
}

// IsInterrupted returns true for a stored session left in an automatic state,
// which happens when the process handling it stopped between checkpoints.
func (s SessionState) IsInterrupted() bool {
	switch s {
	case StateStart, StateResolvingValues, StateRefining, StatePlanning, StateRunning:
		return true
	default:
		return false
	}
}

// IsResumable returns true if the session accepts human-supplied values.
func (s SessionState) IsResumable() bool {
	return s == StateSuspendedForHuman
}

// Validate checks if the session state is valid.
func (s SessionState) Validate() error {
	if _, ok := sessionTransitions[s]; ok || s == StateDone {
		return nil
	}
	return fmt.Errorf("invalid session state: %s", s)
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *SessionState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = SessionState(str)
	return s.Validate()
}

// TaskStatus represents the execution status of a single task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has been planned but not dispatched.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning indicates the task is being executed by its adapter.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusSucceeded indicates the task completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"

	// TaskStatusFailed indicates the task failed; the error is recorded on the task.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusNotAttempted indicates a hard precondition prevented execution.
	TaskStatusNotAttempted TaskStatus = "not_attempted"
)

// IsTerminal returns true if the task status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusNotAttempted
}

// IsActive returns true if the task is currently active.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded,
		TaskStatusFailed, TaskStatusNotAttempted:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// EventType represents the type of event in a session timeline.
type EventType string

const (
	EventTypeSessionStarted   EventType = "session_started"
	EventTypeStateChanged     EventType = "state_changed"
	EventTypeSuspended        EventType = "suspended"
	EventTypeResumed          EventType = "resumed"
	EventTypePlanCreated      EventType = "plan_created"
	EventTypePlanFailed       EventType = "plan_failed"
	EventTypePolicyViolation  EventType = "policy_violation"
	EventTypeTaskStarted      EventType = "task_started"
	EventTypeTaskCompleted    EventType = "task_completed"
	EventTypeTaskFailed       EventType = "task_failed"
	EventTypeCommandCompleted EventType = "command_completed"
	EventTypeSessionCompleted EventType = "session_completed"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypePlanFailed, EventTypeTaskFailed:
		return "error"
	case EventTypePolicyViolation, EventTypeSuspended:
		return "warning"
	default:
		return "info"
	}
}
