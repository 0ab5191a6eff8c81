package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/opsflow/pkg/llm"
)

var testLogger = zerolog.Nop()

// Mock inference client returning canned responses in order. The last
// response repeats once the queue is exhausted.
type mockLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
}

func newMockLLM(responses ...string) *mockLLM {
	return &mockLLM{responses: responses}
}

func (m *mockLLM) CompleteWithRequest(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(req.Messages) > 0 {
		m.prompts = append(m.prompts, req.Messages[len(req.Messages)-1].Content)
	}
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return &llm.CompletionResponse{Content: resp, StopReason: "stop"}, nil
}

func (m *mockLLM) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := m.CompleteWithRequest(ctx, &llm.CompletionRequest{
		Messages: []*llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (m *mockLLM) GetModelName() string {
	return "mock"
}

// Mock record store keeping JSON snapshots so callers cannot mutate stored state.
type mockRecordStore struct {
	mu      sync.Mutex
	records map[string][]byte
	events  []*Event
	saves   int
	gets    int
}

func newMockRecordStore() *mockRecordStore {
	return &mockRecordStore{records: make(map[string][]byte)}
}

func (m *mockRecordStore) CreateRecord(ctx context.Context, rec *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.SessionID]; exists {
		return NewConflictError("session exists", nil).WithCode(ErrCodeInvalidState)
	}
	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m.records[rec.SessionID] = data
	return nil
}

func (m *mockRecordStore) GetRecord(ctx context.Context, sessionID string) (*ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	data, ok := m.records[sessionID]
	if !ok {
		return nil, NewPermanentError("session not found", nil).WithCode(ErrCodeSessionNotFound)
	}
	var rec ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *mockRecordStore) SaveRecord(ctx context.Context, rec *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[rec.SessionID]
	if !ok {
		return NewPermanentError("session not found", nil).WithCode(ErrCodeSessionNotFound)
	}
	var stored ExecutionRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	if stored.Version != rec.Version {
		return NewConflictError("stale record", nil).WithCode(ErrCodeStaleRecord)
	}
	rec.Version++
	data, err := json.Marshal(rec)
	if err != nil {
		rec.Version--
		return err
	}
	m.records[rec.SessionID] = data
	m.saves++
	return nil
}

func (m *mockRecordStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Mock event publisher for testing
type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func newMockEventPublisher() *mockEventPublisher {
	return &mockEventPublisher{events: make([]Event, 0)}
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) count(eventType EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Mock command generator returning the same commands for every prompt unless
// a prompt-specific entry exists.
type mockGenerator struct {
	mu       sync.Mutex
	commands []string
	byPrompt map[string]*CommandGeneration
	err      error
	prompts  []string
}

func (m *mockGenerator) GenerateCommands(ctx context.Context, prompt string) (*CommandGeneration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return nil, m.err
	}
	if gen, ok := m.byPrompt[prompt]; ok {
		return gen, nil
	}
	return &CommandGeneration{Success: true, Commands: append([]string(nil), m.commands...)}, nil
}

// Mock command runner failing the commands listed in fail.
type mockExecutor struct {
	mu       sync.Mutex
	fail     map[string]string
	errs     map[string]error
	delay    time.Duration
	executed []string
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{fail: make(map[string]string), errs: make(map[string]error)}
}

func (m *mockExecutor) RunCommand(ctx context.Context, command string, timeout time.Duration) (*CommandOutput, error) {
	m.mu.Lock()
	m.executed = append(m.executed, command)
	failMsg, shouldFail := m.fail[command]
	err := m.errs[command]
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if shouldFail {
		return &CommandOutput{Success: false, Error: failMsg, ExitCode: 1}, nil
	}
	return &CommandOutput{Success: true, Stdout: "ok: " + command}, nil
}

func (m *mockExecutor) executedCommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.executed...)
}

// Mock code runner replaying a fixed event sequence.
type mockCodeRunner struct {
	events []CodeEvent
	err    error
	dirs   []string
}

func (m *mockCodeRunner) GenerateAndRunCode(ctx context.Context, prompt, workingDir string) iter.Seq2[CodeEvent, error] {
	m.dirs = append(m.dirs, workingDir)
	return func(yield func(CodeEvent, error) bool) {
		for _, e := range m.events {
			if !yield(e, nil) {
				return
			}
		}
		if m.err != nil {
			yield(CodeEvent{}, m.err)
		}
	}
}

// Mock researcher answering every query with answer.
type mockResearcher struct {
	answer string
	err    error
}

func (m *mockResearcher) Research(ctx context.Context, query string) (*ResearchOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &ResearchOutput{Result: m.answer}, nil
}

// Mock planner returning a fixed plan.
type mockPlanner struct {
	tasks []*Task
	err   error
	goals []string
}

func (m *mockPlanner) Plan(ctx context.Context, refinedGoal string) (*PlanResult, error) {
	m.goals = append(m.goals, refinedGoal)
	if m.err != nil {
		return nil, m.err
	}
	return &PlanResult{Tasks: m.tasks}, nil
}

func planJSON(tasks ...plannedTask) string {
	data, err := json.Marshal(tasks)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func errPlain(msg string) error {
	return errors.New(msg)
}

func keysOf(fields MissingFields) string {
	return strings.Join(fields.Keys(), ",")
}

func mustTask(id string, taskType TaskType, prompt string, deps ...string) *Task {
	t := NewTask(id, fmt.Sprintf("task %s", id), taskType, prompt)
	t.DependsOn = deps
	return t
}
