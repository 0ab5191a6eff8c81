package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/opsflow/pkg/llm"
)

// plannedTask is the wire shape a model returns for one task.
type plannedTask struct {
	TaskID      string   `json:"task_id"`
	Description string   `json:"description"`
	TaskType    string   `json:"task_type"`
	Prompt      string   `json:"prompt"`
	DependsOn   []string `json:"depends_on"`
}

// LLMPlanner implements the Planner interface with a language model.
// It validates every task, filters destructive ones through policy and orders
// the plan so containers come before the resources they host.
type LLMPlanner struct {
	client   llm.Client
	policy   PolicyChecker
	validate *validator.Validate
	logger   zerolog.Logger
	maxTasks int
}

// PlannerOption configures an LLMPlanner.
type PlannerOption func(*LLMPlanner)

// WithPolicy filters planned tasks through a policy checker.
func WithPolicy(policy PolicyChecker) PlannerOption {
	return func(p *LLMPlanner) {
		if policy != nil {
			p.policy = policy
		}
	}
}

// WithMaxTasks caps the number of tasks a plan may contain.
func WithMaxTasks(n int) PlannerOption {
	return func(p *LLMPlanner) {
		if n > 0 {
			p.maxTasks = n
		}
	}
}

// NewLLMPlanner creates a planner backed by client.
func NewLLMPlanner(client llm.Client, logger zerolog.Logger, opts ...PlannerOption) *LLMPlanner {
	p := &LLMPlanner{
		client:   client,
		policy:   KeywordPolicy{},
		validate: validator.New(),
		logger:   logger.With().Str("component", "planner").Logger(),
		maxTasks: 50,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan implements Planner. It returns the full validated plan or an error,
// never a partial plan.
func (p *LLMPlanner) Plan(ctx context.Context, refinedGoal string) (*PlanResult, error) {
	if strings.TrimSpace(refinedGoal) == "" {
		return nil, NewPermanentError("refined goal is empty", nil).WithCode(ErrCodePlanningFailed)
	}

	raw, err := llm.Ask(ctx, p.client, plannerSystemPrompt, refinedGoal)
	if err != nil {
		return nil, NewTransientError("planner model call failed", err).
			WithCode(ErrCodePlanningFailed).WithOperation("plan")
	}

	tasks, err := p.ParsePlan(raw)
	if err != nil {
		return nil, err
	}

	result, err := p.FilterAndOrder(ctx, tasks)
	if err != nil {
		return nil, err
	}
	result.Raw = raw

	p.logger.Info().
		Int("tasks", len(result.Tasks)).
		Int("rejected", len(result.Rejected)).
		Msg("plan created")
	return result, nil
}

// ParsePlan parses and validates a model response into tasks. Any invalid
// task fails the whole plan.
func (p *LLMPlanner) ParsePlan(raw string) ([]*Task, error) {
	items, err := llm.ExtractJSONArray[plannedTask](raw)
	if err != nil {
		var wrapped struct {
			Tasks []plannedTask `json:"tasks"`
		}
		if objErr := llm.ParseJSONObject(raw, &wrapped); objErr != nil || wrapped.Tasks == nil {
			return nil, NewPermanentError("failed to parse plan", err).
				WithCode(ErrCodePlanningFailed).WithOperation("plan")
		}
		items = wrapped.Tasks
	}

	if len(items) == 0 {
		return nil, NewPermanentError("plan contains no tasks", nil).WithCode(ErrCodePlanningFailed)
	}
	if len(items) > p.maxTasks {
		return nil, NewPermanentError(
			fmt.Sprintf("plan has %d tasks, limit is %d", len(items), p.maxTasks), nil,
		).WithCode(ErrCodePlanningFailed)
	}

	tasks := make([]*Task, 0, len(items))
	for i, item := range items {
		t := NewTask(
			strings.TrimSpace(item.TaskID),
			strings.TrimSpace(item.Description),
			TaskType(strings.ToLower(strings.TrimSpace(item.TaskType))),
			strings.TrimSpace(item.Prompt),
		)
		t.DependsOn = item.DependsOn
		if err := p.ValidateTask(t); err != nil {
			return nil, NewPermanentError(fmt.Sprintf("invalid task at position %d", i), err).
				WithCode(ErrCodePlanningFailed).WithResource(t.ID)
		}
		if t.Type == TaskTypeCode {
			t.Code.MissingParameters = placeholderParameters(t.Prompt)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ValidateTask validates a single planned task.
func (p *LLMPlanner) ValidateTask(t *Task) error {
	if err := t.Type.Validate(); err != nil {
		return err
	}
	if err := p.validate.Struct(t); err != nil {
		return fmt.Errorf("task validation failed: %w", err)
	}
	return nil
}

// FilterAndOrder drops tasks that policy denies and orders the rest.
func (p *LLMPlanner) FilterAndOrder(ctx context.Context, tasks []*Task) (*PlanResult, error) {
	result := &PlanResult{}

	kept := make([]*Task, 0, len(tasks))
	removed := make(map[string]bool)
	for _, t := range tasks {
		violations, err := p.policy.CheckTask(ctx, t)
		if err != nil {
			return nil, NewPermanentError("policy evaluation failed", err).
				WithCode(ErrCodePlanningFailed).WithResource(t.ID)
		}
		if len(violations) == 0 {
			kept = append(kept, t)
			continue
		}
		removed[t.ID] = true
		rej := PolicyRejection{TaskID: t.ID, Prompt: t.Prompt}
		var reasons []string
		for _, v := range violations {
			rej.Policies = append(rej.Policies, v.Policy)
			reasons = append(reasons, v.Message)
		}
		rej.Reason = strings.Join(reasons, "; ")
		result.Rejected = append(result.Rejected, rej)
		p.logger.Warn().Str("task_id", t.ID).Str("reason", rej.Reason).Msg("task rejected by policy")
	}

	if len(kept) == 0 {
		return nil, NewPermanentError("no tasks left after policy filtering", nil).
			WithCode(ErrCodePlanningFailed).WithDetail("rejected", len(result.Rejected))
	}

	for _, t := range kept {
		deps := t.DependsOn[:0:0]
		for _, d := range t.DependsOn {
			if !removed[d] {
				deps = append(deps, d)
			}
		}
		t.DependsOn = deps
	}

	ordered, _, err := OrderTasks(kept)
	if err != nil {
		return nil, NewPermanentError("failed to order plan", err).WithCode(ErrCodePlanningFailed)
	}
	result.Tasks = ordered
	return result, nil
}

var placeholderPattern = regexp.MustCompile(`<([A-Za-z][A-Za-z0-9_.-]*)>`)

// ExtractPlaceholders returns the distinct <name> placeholders in text, in
// order of first appearance.
func ExtractPlaceholders(text string) []string {
	var out []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if !contains(out, m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

func placeholderParameters(text string) []MissingParameter {
	names := ExtractPlaceholders(text)
	if len(names) == 0 {
		return nil
	}
	params := make([]MissingParameter, len(names))
	for i, n := range names {
		params[i] = MissingParameter{Name: n}
	}
	return params
}
