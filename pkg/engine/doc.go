// Package engine provides the orchestration engine that turns a free-text
// operational goal into a resumable, multi-step execution plan.
//
// # Overview
//
// A session moves through an explicit state machine:
//
//	START -> RESOLVING_VALUES -> (SUSPENDED_FOR_HUMAN <-> RESOLVING_VALUES)*
//	      -> REFINING -> PLANNING -> RUNNING -> DONE
//
// SUSPENDED_FOR_HUMAN is the only state with an external re-entry point. The
// execution record is persisted at that point, so a session can be resumed by
// ID from a different process.
//
// # Components
//
//   - Resolver: computes the uniquely keyed fields a goal still needs (RuleResolver, LLMResolver)
//   - Refiner: substitutes filled values into the goal (TemplateRefiner, LLMRefiner)
//   - Planner: decomposes the refined goal into typed tasks (LLMPlanner)
//   - Runner: dispatches each task to the adapter matching its type
//   - Orchestrator: sequences the above and owns suspension and resumption
//
// # Task Types
//
// Every task carries exactly one type from a closed set:
//
//   - cli: cloud CLI commands, one CommandResult per generated command
//   - shell: shell commands, same shape as cli
//   - code: generated code; intermediate steps plus one final output
//   - research: a free-text answer stored verbatim
//
// # Error Classification
//
// Errors are EngineError values with a class and a code:
//
//   - ErrCodeResolutionMismatch: supplied values do not cover the request; the session re-suspends
//   - ErrCodePlanningFailed: planner output was malformed or empty; nothing is committed
//   - ErrCodeAdapterFailed: recorded on the task or command, never propagated
//   - ErrCodePolicyViolation: destructive tasks are filtered at planning time
//   - ErrCodeSessionBusy: a second concurrent call on the same session
//
// # Example Usage
//
//	orch, err := engine.NewOrchestrator(engine.Components{
//	    Store:    store,
//	    Resolver: engine.NewRuleResolver(logger),
//	    Refiner:  engine.TemplateRefiner{},
//	    Planner:  engine.NewLLMPlanner(client, logger, engine.WithPolicy(policy)),
//	    Runner:   engine.NewRunner(adapters, policy, nil, engine.DefaultRunnerConfig(), logger),
//	}, engine.OrchestratorConfig{WorkRoot: "/var/lib/opsflow/work"}, logger)
//
//	out, err := orch.Start(ctx, "Create a VM in my resource group", "")
//	if out.Suspended() {
//	    out, err = orch.Resume(ctx, out.Record.SessionID, map[string]string{
//	        "resource_group": "rg-prod",
//	        "vm_name":        "vm-web-01",
//	        "location":       "eastus",
//	    })
//	}
package engine
