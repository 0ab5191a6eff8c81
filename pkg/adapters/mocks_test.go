package adapters

import (
	"context"
	"errors"
	"sync"

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
	requests  []*llm.CompletionRequest
}

func newMockLLM(responses ...string) *mockLLM {
	return &mockLLM{responses: responses}
}

func (m *mockLLM) CompleteWithRequest(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := *req
	snapshot.Messages = append([]*llm.Message(nil), req.Messages...)
	m.requests = append(m.requests, &snapshot)

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

func (m *mockLLM) lastRequest() *llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Mock interpreter returning canned results in order.
type mockInterpreter struct {
	mu       sync.Mutex
	language string
	results  []*ExecResult
	err      error
	codes    []string
}

func (m *mockInterpreter) Language() string {
	if m.language == "" {
		return "python"
	}
	return m.language
}

func (m *mockInterpreter) Execute(ctx context.Context, code, workingDir string) (*ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, code)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.results) == 0 {
		return &ExecResult{}, nil
	}
	res := m.results[0]
	if len(m.results) > 1 {
		m.results = m.results[1:]
	}
	return res, nil
}

func (m *mockInterpreter) executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.codes...)
}

// Mock search provider.
type mockSearch struct {
	response *SearchResponse
	err      error
	queries  []string
}

func (m *mockSearch) Search(ctx context.Context, query string, numResults int) (*SearchResponse, error) {
	m.queries = append(m.queries, query)
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockSearch) Name() string { return "mock" }

// Mock page source keyed by URL.
type mockPages struct {
	pages   map[string]string
	fetched []string
}

func (m *mockPages) Fetch(ctx context.Context, url string) (string, error) {
	m.fetched = append(m.fetched, url)
	if p, ok := m.pages[url]; ok {
		return p, nil
	}
	return "", errors.New("not found")
}
