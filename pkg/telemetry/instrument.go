package telemetry

import (
	"context"
	"iter"
	"time"

	"github.com/openfroyo/opsflow/pkg/engine"
)

// InstrumentAdapters wraps every configured adapter so each call is traced
// and timed.
func InstrumentAdapters(a engine.Adapters, tracer *Tracer, metrics *Metrics) engine.Adapters {
	inst := instrumenter{tracer: tracer, metrics: metrics}
	if a.CLI != nil {
		a.CLI = &instrumentedGenerator{inst: inst, name: "cli", next: a.CLI}
	}
	if a.Shell != nil {
		a.Shell = &instrumentedGenerator{inst: inst, name: "shell", next: a.Shell}
	}
	if a.Executor != nil {
		a.Executor = &instrumentedRunner{inst: inst, next: a.Executor}
	}
	if a.Code != nil {
		a.Code = &instrumentedCode{inst: inst, next: a.Code}
	}
	if a.Research != nil {
		a.Research = &instrumentedResearcher{inst: inst, next: a.Research}
	}
	return a
}

type instrumenter struct {
	tracer  *Tracer
	metrics *Metrics
}

// observe runs fn inside an adapter span and records its latency.
func (i instrumenter) observe(ctx context.Context, adapter, operation string, fn func(context.Context) error) error {
	start := time.Now()
	spanCtx, span := i.tracer.StartAdapterSpan(ctx, adapter, operation)
	defer span.End()

	err := fn(spanCtx)
	i.metrics.RecordAdapterCall(adapter, operation, time.Since(start), err)
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}

type instrumentedGenerator struct {
	inst instrumenter
	name string
	next engine.CommandGenerator
}

func (g *instrumentedGenerator) GenerateCommands(ctx context.Context, prompt string) (*engine.CommandGeneration, error) {
	var out *engine.CommandGeneration
	err := g.inst.observe(ctx, g.name, "generate_commands", func(ctx context.Context) error {
		var err error
		out, err = g.next.GenerateCommands(ctx, prompt)
		return err
	})
	return out, err
}

type instrumentedRunner struct {
	inst instrumenter
	next engine.CommandRunner
}

func (r *instrumentedRunner) RunCommand(ctx context.Context, command string, timeout time.Duration) (*engine.CommandOutput, error) {
	var out *engine.CommandOutput
	err := r.inst.observe(ctx, "executor", "run_command", func(ctx context.Context) error {
		var err error
		out, err = r.next.RunCommand(ctx, command, timeout)
		return err
	})
	return out, err
}

type instrumentedResearcher struct {
	inst instrumenter
	next engine.Researcher
}

func (r *instrumentedResearcher) Research(ctx context.Context, query string) (*engine.ResearchOutput, error) {
	var out *engine.ResearchOutput
	err := r.inst.observe(ctx, "research", "research", func(ctx context.Context) error {
		var err error
		out, err = r.next.Research(ctx, query)
		return err
	})
	return out, err
}

type instrumentedCode struct {
	inst instrumenter
	next engine.CodeRunner
}

// GenerateAndRunCode times the whole sequence as one call, ending when the
// consumer stops or the adapter finishes.
func (c *instrumentedCode) GenerateAndRunCode(ctx context.Context, prompt, workingDir string) iter.Seq2[engine.CodeEvent, error] {
	return func(yield func(engine.CodeEvent, error) bool) {
		_ = c.inst.observe(ctx, "code", "generate_and_run_code", func(ctx context.Context) error {
			for event, err := range c.next.GenerateAndRunCode(ctx, prompt, workingDir) {
				if !yield(event, err) {
					return err
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
}
