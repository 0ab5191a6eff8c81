// Package telemetry provides observability for opsflow.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	tel, err := telemetry.New(telemetry.FromAppConfig(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	go tel.Metrics.Serve(ctx, tel.Logger)
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Session events drive the
// metrics through MetricsSubscriber and are logged through LogSubscriber. To
// persist events as well, fan out with MultiPublisher:
//
//	publisher := telemetry.MultiPublisher{store, tel.Events}
//
// # Adapters
//
// InstrumentAdapters wraps the runner's adapters so each generation,
// execution, code and research call gets a span and latency metrics:
//
//	adapters = telemetry.InstrumentAdapters(adapters, tel.Tracer, tel.Metrics)
//
// # Operations
//
// StartOperation opens a span and an operation-scoped logger:
//
//	op := telemetry.StartOperation(ctx, "session.resume", telemetry.AttrSessionID.String(id))
//	outcome, err := orch.Resume(op.Ctx, id, values)
//	op.End(err)
//
// # Metrics
//
// All metric names carry the configured namespace (default "opsflow"):
//
//   - sessions_started_total, sessions_finished_total{state}
//   - suspensions_total, active_sessions
//   - tasks_executed_total{type,status}, task_duration_seconds{type}
//   - commands_total{type,status}
//   - adapter_calls_total, adapter_call_duration_seconds, adapter_errors_total
//   - errors_total{class,code}, policy_violations_total
package telemetry
