package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ExecutionRecord is the durable, resumable state of one session.
type ExecutionRecord struct {
	SessionID  string       `json:"session_id"`
	Username   string       `json:"username,omitempty"`
	WorkingDir string       `json:"working_dir,omitempty"`
	State      SessionState `json:"state"`

	OriginalGoal  string            `json:"original_goal"`
	RefinedGoal   string            `json:"refined_goal,omitempty"`
	MissingFields MissingFields     `json:"missing_fields,omitempty"`
	FilledValues  map[string]string `json:"filled_values,omitempty"`

	TaskPlan          []*Task   `json:"task_plan,omitempty"`
	ConversationTrace []Message `json:"conversation_trace,omitempty"`

	Summary   *RunSummary `json:"summary,omitempty"`
	LastError string      `json:"last_error,omitempty"`

	// Version is incremented on every save for optimistic locking.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewExecutionRecord creates a record in the START state.
func NewExecutionRecord(sessionID, goal string) *ExecutionRecord {
	now := time.Now().UTC()
	return &ExecutionRecord{
		SessionID:    sessionID,
		State:        StateStart,
		OriginalGoal: goal,
		FilledValues: make(map[string]string),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Transition moves the record to next, enforcing the session state machine.
func (r *ExecutionRecord) Transition(next SessionState) error {
	if !r.State.CanTransition(next) {
		return NewPermanentError(
			fmt.Sprintf("illegal transition %s -> %s", r.State, next), nil,
		).WithCode(ErrCodeInvalidState).WithResource(r.SessionID)
	}
	r.State = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendMessage appends to the conversation trace. The trace is never truncated.
func (r *ExecutionRecord) AppendMessage(role, component, content string) {
	r.ConversationTrace = append(r.ConversationTrace, Message{
		Role:      role,
		Component: component,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

// Pending returns requested fields that have no non-empty filled value yet.
func (r *ExecutionRecord) Pending() MissingFields {
	var pending MissingFields
	for _, f := range r.MissingFields {
		if strings.TrimSpace(r.FilledValues[f.Key]) == "" {
			pending = append(pending, f)
		}
	}
	return pending
}

// KeysMatch reports whether missing_fields and filled_values have identical key sets.
func (r *ExecutionRecord) KeysMatch() bool {
	if len(r.MissingFields) != len(r.FilledValues) {
		return false
	}
	for _, f := range r.MissingFields {
		if strings.TrimSpace(r.FilledValues[f.Key]) == "" {
			return false
		}
	}
	return true
}

// Suspension builds the notice returned to the caller while suspended.
func (r *ExecutionRecord) Suspension() *Suspension {
	pending := r.Pending()
	return &Suspension{
		SessionID: r.SessionID,
		Fields:    pending,
		Message:   SuspensionMessage(pending.Keys()),
	}
}

// CommitPlan stores a complete plan. A plan can only be committed once per
// planning pass and only when all requested values are filled.
func (r *ExecutionRecord) CommitPlan(tasks []*Task) error {
	if !r.KeysMatch() {
		return NewPermanentError("missing and filled value keys differ", nil).
			WithCode(ErrCodeResolutionMismatch).WithResource(r.SessionID)
	}
	if len(tasks) == 0 {
		return NewPermanentError("refusing to commit an empty plan", nil).
			WithCode(ErrCodePlanningFailed).WithResource(r.SessionID)
	}
	r.TaskPlan = tasks
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Task returns the task with the given ID, or nil.
func (r *ExecutionRecord) Task(id string) *Task {
	for _, t := range r.TaskPlan {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *ExecutionRecord) Clone() (*ExecutionRecord, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var out ExecutionRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &out, nil
}

// Suspension is returned when a session halts for human-supplied values.
type Suspension struct {
	SessionID string        `json:"session_id"`
	Fields    MissingFields `json:"fields"`
	Message   string        `json:"message"`
}

// SuspensionMessage renders the prompt shown to the human actor.
func SuspensionMessage(keys []string) string {
	return "please provide the missing values for these fields separated by commas: " +
		strings.Join(keys, ", ")
}

// Outcome is the result of Start or Resume: either a suspension notice or a
// completed execution record.
type Outcome struct {
	Record     *ExecutionRecord `json:"record"`
	Suspension *Suspension      `json:"suspension,omitempty"`
}

// Suspended reports whether the outcome is a suspension notice.
func (o *Outcome) Suspended() bool {
	return o.Suspension != nil
}

// ParseSuppliedValues converts a human answer into values keyed by the requested
// fields. Structured answers ("key=value, key2=value2") are matched by key; plain
// comma-separated answers are assigned positionally.
func ParseSuppliedValues(answer string, requested []string) map[string]string {
	values := make(map[string]string)
	parts := strings.Split(answer, ",")
	structured := true
	for _, p := range parts {
		if strings.TrimSpace(p) != "" && !strings.Contains(p, "=") {
			structured = false
			break
		}
	}

	if structured {
		for _, p := range parts {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				continue
			}
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			if k != "" && v != "" {
				values[k] = v
			}
		}
		return values
	}

	for i, p := range parts {
		if i >= len(requested) {
			break
		}
		if v := strings.TrimSpace(p); v != "" {
			values[requested[i]] = v
		}
	}
	return values
}

// sortedKeys returns map keys in lexical order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
