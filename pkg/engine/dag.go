package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// TaskGraph is the dependency graph of a task plan.
type TaskGraph struct {
	// Order is a topological order that keeps plan order wherever dependencies allow.
	Order []string

	// Levels groups task IDs that have no dependency on each other.
	Levels [][]string

	// Dependencies maps a task ID to the IDs it waits for.
	Dependencies map[string][]string
}

// DAGBuilder builds a dependency graph over tasks.
type DAGBuilder struct {
	index      map[string]int
	tasks      []*Task
	dependents map[string][]string
	inDegree   map[string]int
	deps       map[string][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		index:      make(map[string]int),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int),
		deps:       make(map[string][]string),
	}
}

// BuildGraph validates task IDs and dependencies, detects cycles and computes a
// stable topological order plus parallel levels.
func (b *DAGBuilder) BuildGraph(tasks []*Task, extra map[string][]string) (*TaskGraph, error) {
	b.tasks = tasks
	for i, t := range tasks {
		if t.ID == "" {
			return nil, NewPermanentError("task has empty ID", nil).WithCode(ErrCodeValidation)
		}
		if _, exists := b.index[t.ID]; exists {
			return nil, NewPermanentError(fmt.Sprintf("duplicate task ID: %s", t.ID), nil).
				WithCode(ErrCodeValidation)
		}
		b.index[t.ID] = i
		b.inDegree[t.ID] = 0
	}

	for _, t := range tasks {
		for _, dep := range append(append([]string(nil), t.DependsOn...), extra[t.ID]...) {
			if _, exists := b.index[dep]; !exists {
				return nil, NewPermanentError(
					fmt.Sprintf("task %s depends on non-existent task %s", t.ID, dep), nil,
				).WithCode(ErrCodeValidation).WithResource(t.ID)
			}
			if dep == t.ID || contains(b.deps[t.ID], dep) {
				continue
			}
			b.deps[t.ID] = append(b.deps[t.ID], dep)
			b.dependents[dep] = append(b.dependents[dep], t.ID)
			b.inDegree[t.ID]++
		}
	}

	order, err := b.stableOrder()
	if err != nil {
		return nil, err
	}

	return &TaskGraph{
		Order:        order,
		Levels:       b.levels(order),
		Dependencies: b.deps,
	}, nil
}

// stableOrder runs Kahn's algorithm, always releasing the ready task that
// appears first in the plan.
func (b *DAGBuilder) stableOrder() ([]string, error) {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	var ready []int
	for i, t := range b.tasks {
		if inDegree[t.ID] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(b.tasks))
	for len(ready) > 0 {
		minPos := 0
		for i := range ready {
			if ready[i] < ready[minPos] {
				minPos = i
			}
		}
		idx := ready[minPos]
		ready = append(ready[:minPos], ready[minPos+1:]...)

		id := b.tasks[idx].ID
		order = append(order, id)
		for _, dependent := range b.dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, b.index[dependent])
			}
		}
	}

	if len(order) != len(b.tasks) {
		var cyclic []string
		for _, t := range b.tasks {
			if inDegree[t.ID] > 0 {
				cyclic = append(cyclic, t.ID)
			}
		}
		return nil, NewPermanentError(
			fmt.Sprintf("circular dependency detected among tasks: %s", strings.Join(cyclic, ", ")), nil,
		).WithCode(ErrCodeValidation)
	}
	return order, nil
}

func (b *DAGBuilder) levels(order []string) [][]string {
	level := make(map[string]int, len(order))
	var levels [][]string
	for _, id := range order {
		l := 0
		for _, dep := range b.deps[id] {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[id] = l
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], id)
	}
	return levels
}

// ToDOT generates a DOT representation of the task graph for visualization.
func (g *TaskGraph) ToDOT(tasks []*Task) string {
	var sb strings.Builder
	sb.WriteString("digraph TaskPlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, id := range g.Order {
		t := byID[id]
		if t == nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
			id, id+"\\n"+string(t.Type), statusColor(t.Status)))
	}
	sb.WriteString("\n")
	for _, id := range g.Order {
		for _, dep := range g.Dependencies[id] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, id))
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

func statusColor(s TaskStatus) string {
	switch s {
	case TaskStatusSucceeded:
		return "lightgreen"
	case TaskStatusFailed:
		return "lightcoral"
	case TaskStatusNotAttempted:
		return "lightgray"
	default:
		return "white"
	}
}

// OrderTasks returns tasks in a dependency-respecting order that keeps the
// planner's order wherever possible. Creation tasks for containers and networks
// are moved ahead of the compute they host when the planner did not say so.
func OrderTasks(tasks []*Task) ([]*Task, *TaskGraph, error) {
	inferred := inferDependencies(tasks)
	graph, err := NewDAGBuilder().BuildGraph(tasks, inferred)
	if err != nil && len(inferred) > 0 {
		// inferred edges must never turn a valid plan into a cyclic one
		graph, err = NewDAGBuilder().BuildGraph(tasks, nil)
	}
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	ordered := make([]*Task, 0, len(tasks))
	for _, id := range graph.Order {
		ordered = append(ordered, byID[id])
	}
	return ordered, graph, nil
}

var (
	creationVerb = regexp.MustCompile(`(?i)\b(create|deploy|provision|add|set ?up|make|launch|build)\b`)
	tierPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(resource groups?|rg)\b`),
		regexp.MustCompile(`(?i)\b(vnets?|virtual networks?|subnets?|nsgs?|network security groups?|public ips?|peering)\b`),
		regexp.MustCompile(`(?i)\b(storage accounts?|key ?vaults?|container registr(y|ies)|sql servers?|databases?)\b`),
		regexp.MustCompile(`(?i)\b(vms?|virtual machines?|aks|kubernetes|web ?apps?|app services?|function apps?|load balancers?)\b`),
	}
)

// creationTier returns the hosting tier of a creation task, or -1.
func creationTier(t *Task) int {
	text := t.Description + " " + t.Prompt
	if t.Type == TaskTypeResearch || !creationVerb.MatchString(text) {
		return -1
	}
	tier := -1
	for i, p := range tierPatterns {
		if p.MatchString(text) {
			tier = i
		}
	}
	return tier
}

func inferDependencies(tasks []*Task) map[string][]string {
	tiers := make([]int, len(tasks))
	for i, t := range tasks {
		tiers[i] = creationTier(t)
	}
	out := make(map[string][]string)
	for i, t := range tasks {
		if tiers[i] <= 0 {
			continue
		}
		for j, other := range tasks {
			if i != j && tiers[j] >= 0 && tiers[j] < tiers[i] {
				out[t.ID] = append(out[t.ID], other.ID)
			}
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
