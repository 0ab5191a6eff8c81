package telemetry

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/opsflow/pkg/config"
	"github.com/openfroyo/opsflow/pkg/engine"
)

// metricValue returns the counter, gauge or histogram sample count of the
// series with the given labels, or -1 if absent.
func metricValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, metric := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range metric.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue series
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return -1
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "default", modify: func(c *Config) {}},
		{name: "bad level", modify: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{name: "bad exporter", modify: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: "invalid trace exporter"},
		{name: "otlp without endpoint", modify: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: "requires an endpoint"},
		{name: "sampling rate", modify: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{name: "async without buffer", modify: func(c *Config) {
			c.Events.EnableAsync = true
			c.Events.BufferSize = 0
		}, wantErr: "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	app := config.Default().Telemetry
	app.LogLevel = "debug"
	app.MetricsAddr = "127.0.0.1:9464"
	app.Tracing = config.TracingConfig{Enabled: true, Exporter: "otlp", Endpoint: "collector:4317"}

	cfg := FromAppConfig(app, "1.2.3")
	if cfg.ServiceVersion != "1.2.3" || cfg.Logging.Level != "debug" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Metrics.ListenAddress != "127.0.0.1:9464" {
		t.Errorf("ListenAddress = %s", cfg.Metrics.ListenAddress)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "collector:4317" {
		t.Errorf("unexpected tracing config: %+v", cfg.Tracing)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	ComponentLogger(SessionLogger(logger, "s1"), "runner").Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message logged at warn level")
	}
	for _, want := range []string{`"session_id":"s1"`, `"component":"runner"`, `"message":"shown"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}

	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx).GetLevel() != zerolog.WarnLevel {
		t.Error("logger not stored in context")
	}
	if FromContext(context.Background()).GetLevel() != zerolog.Disabled {
		t.Error("expected a disabled logger without one in context")
	}
}

func TestMetricsSubscriber(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m := NewMetrics(cfg)
	sub := MetricsSubscriber(m)

	for _, e := range []*engine.Event{
		{Type: engine.EventTypeSessionStarted},
		{Type: engine.EventTypeSuspended},
		{Type: engine.EventTypeResumed},
		{Type: engine.EventTypeTaskCompleted, Details: map[string]interface{}{
			"type": "cli", "status": string(engine.TaskStatusSucceeded), "duration_ms": int64(1500),
		}},
		{Type: engine.EventTypeTaskFailed, Details: map[string]interface{}{
			"type": "shell", "status": string(engine.TaskStatusFailed),
		}},
		{Type: engine.EventTypeCommandCompleted, Details: map[string]interface{}{"type": "cli", "status": "succeeded"}},
		{Type: engine.EventTypePolicyViolation},
		{Type: engine.EventTypeStateChanged, Details: map[string]interface{}{"from": "PLANNING", "to": "EXECUTING"}},
		{Type: engine.EventTypeSessionCompleted},
	} {
		sub(e)
	}

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"opsflow_sessions_started_total", nil, 1},
		{"opsflow_suspensions_total", nil, 1},
		{"opsflow_active_sessions", nil, 0},
		{"opsflow_sessions_finished_total", map[string]string{"state": "DONE"}, 1},
		{"opsflow_tasks_executed_total", map[string]string{"type": "cli", "status": "succeeded"}, 1},
		{"opsflow_tasks_executed_total", map[string]string{"type": "shell", "status": "failed"}, 1},
		{"opsflow_task_duration_seconds", map[string]string{"type": "cli"}, 1},
		{"opsflow_commands_total", map[string]string{"type": "cli", "status": "succeeded"}, 1},
		{"opsflow_policy_violations_total", nil, 1},
	}
	for _, c := range checks {
		if got := metricValue(t, m, c.name, c.labels); got != c.want {
			t.Errorf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}

	sub(&engine.Event{Type: engine.EventTypeStateChanged, Details: map[string]interface{}{"to": "FAILED"}})
	if got := metricValue(t, m, "opsflow_sessions_finished_total", map[string]string{"state": "FAILED"}); got != 1 {
		t.Errorf("failed sessions = %v", got)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{})
	m.RecordSessionStarted()
	m.RecordAdapterCall("cli", "generate_commands", time.Second, errors.New("x"))
	m.RecordTask("cli", "succeeded", time.Second)

	if err := m.Serve(context.Background(), zerolog.Nop()); err != nil {
		t.Errorf("Serve() on disabled metrics = %v", err)
	}
}

func TestMetricsRecordError(t *testing.T) {
	m := NewMetrics(DefaultConfig().Metrics)
	m.RecordError(engine.NewThrottledError("slow down", nil).WithCode(engine.ErrCodeRateLimited))
	m.RecordError(errors.New("plain"))

	if got := metricValue(t, m, "opsflow_errors_total", map[string]string{"class": "throttled", "code": engine.ErrCodeRateLimited}); got != 1 {
		t.Errorf("throttled errors = %v", got)
	}
	if got := metricValue(t, m, "opsflow_errors_total", map[string]string{"class": "unknown"}); got != 1 {
		t.Errorf("unknown errors = %v", got)
	}
}

type recordingSubscriber struct {
	mu     sync.Mutex
	events []*engine.Event
}

func (r *recordingSubscriber) handle(e *engine.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestEventPublisherSync(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{})
	all := &recordingSubscriber{}
	errorsOnly := &recordingSubscriber{}
	ep.Subscribe(all.handle, nil)
	ep.Subscribe(errorsOnly.handle, FilterByLevel("error"))
	ep.AddFilter(FilterBySession("s1"))

	ctx := context.Background()
	events := []*engine.Event{
		{Type: engine.EventTypeTaskStarted, SessionID: "s1", Level: "info"},
		{Type: engine.EventTypeTaskFailed, SessionID: "s1", Level: "error"},
		{Type: engine.EventTypeTaskFailed, SessionID: "s2", Level: "error"},
	}
	for _, e := range events {
		if err := ep.Publish(ctx, e); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if all.count() != 2 {
		t.Errorf("subscriber got %d events, want 2", all.count())
	}
	if errorsOnly.count() != 1 {
		t.Errorf("error subscriber got %d events, want 1", errorsOnly.count())
	}
	if events[0].ID == "" || events[0].Timestamp.IsZero() {
		t.Error("publisher should fill ID and timestamp")
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{EnableAsync: true, BufferSize: 100})
	sub := &recordingSubscriber{}
	ep.Subscribe(sub.handle, FilterByType(engine.EventTypeTaskCompleted))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTaskCompleted}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTaskStarted})

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if sub.count() != 10 {
		t.Errorf("delivered %d events, want 10", sub.count())
	}
	if err := ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTaskCompleted}); err == nil {
		t.Error("expected error after shutdown")
	}
	if err := ep.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, *engine.Event) error {
	f.calls++
	return errors.New("disk full")
}

func TestMultiPublisher(t *testing.T) {
	failing := &failingPublisher{}
	ep := NewEventPublisher(EventsConfig{})
	sub := &recordingSubscriber{}
	ep.Subscribe(sub.handle, nil)

	multi := MultiPublisher{failing, nil, ep}
	err := multi.Publish(context.Background(), &engine.Event{Type: engine.EventTypeSessionStarted})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Publish() error = %v", err)
	}
	if failing.calls != 1 || sub.count() != 1 {
		t.Errorf("every publisher should be called: failing=%d sub=%d", failing.calls, sub.count())
	}
}

func TestLogSubscriber(t *testing.T) {
	var buf bytes.Buffer
	sub := LogSubscriber(zerolog.New(&buf).Level(zerolog.WarnLevel))

	sub(&engine.Event{Type: engine.EventTypeTaskStarted, Level: "info", Message: "quiet"})
	sub(&engine.Event{Type: engine.EventTypeTaskFailed, Level: "error", SessionID: "s1", TaskID: "t1", Message: "boom"})

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Error("info event logged above debug")
	}
	for _, want := range []string{`"event_type":"task_failed"`, `"task_id":"t1"`, `"message":"boom"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

type stubAdapters struct {
	genErr error
}

func (s *stubAdapters) GenerateCommands(context.Context, string) (*engine.CommandGeneration, error) {
	if s.genErr != nil {
		return nil, s.genErr
	}
	return &engine.CommandGeneration{Success: true, Commands: []string{"ls"}}, nil
}

func (s *stubAdapters) RunCommand(context.Context, string, time.Duration) (*engine.CommandOutput, error) {
	return &engine.CommandOutput{Success: true}, nil
}

func (s *stubAdapters) Research(context.Context, string) (*engine.ResearchOutput, error) {
	return &engine.ResearchOutput{Result: "answer"}, nil
}

func (s *stubAdapters) GenerateAndRunCode(context.Context, string, string) iter.Seq2[engine.CodeEvent, error] {
	return func(yield func(engine.CodeEvent, error) bool) {
		if !yield(engine.CodeEvent{Step: &engine.CodeStep{Number: 1}}, nil) {
			return
		}
		yield(engine.CodeEvent{Final: &engine.CodeFinal{Success: true}}, nil)
	}
}

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return NewTracerFromProvider(provider, "test"), recorder
}

func TestInstrumentAdapters(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	metrics := NewMetrics(DefaultConfig().Metrics)

	stub := &stubAdapters{}
	failing := &stubAdapters{genErr: engine.NewTransientError("model down", nil)}
	adapters := InstrumentAdapters(engine.Adapters{
		CLI:      failing,
		Shell:    stub,
		Executor: stub,
		Code:     stub,
		Research: stub,
	}, tracer, metrics)

	ctx := context.Background()
	if _, err := adapters.CLI.GenerateCommands(ctx, "p"); err == nil {
		t.Error("expected generator error to pass through")
	}
	if gen, err := adapters.Shell.GenerateCommands(ctx, "p"); err != nil || gen.Commands[0] != "ls" {
		t.Errorf("GenerateCommands() = %+v, %v", gen, err)
	}
	if out, err := adapters.Executor.RunCommand(ctx, "ls", time.Second); err != nil || !out.Success {
		t.Errorf("RunCommand() = %+v, %v", out, err)
	}
	if out, err := adapters.Research.Research(ctx, "q"); err != nil || out.Result != "answer" {
		t.Errorf("Research() = %+v, %v", out, err)
	}
	n := 0
	for _, err := range adapters.Code.GenerateAndRunCode(ctx, "p", t.TempDir()) {
		if err != nil {
			t.Fatalf("code event error = %v", err)
		}
		n++
	}
	if n != 2 {
		t.Errorf("got %d code events, want 2", n)
	}

	spans := recorder.Ended()
	if len(spans) != 5 {
		t.Fatalf("got %d spans, want 5", len(spans))
	}
	names := map[string]bool{}
	for _, s := range spans {
		names[s.Name()] = true
	}
	for _, want := range []string{"adapter.generate_commands", "adapter.run_command", "adapter.research", "adapter.generate_and_run_code"} {
		if !names[want] {
			t.Errorf("missing span %s", want)
		}
	}

	if got := metricValue(t, metrics, "opsflow_adapter_errors_total", map[string]string{"adapter": "cli"}); got != 1 {
		t.Errorf("cli adapter errors = %v", got)
	}
	if got := metricValue(t, metrics, "opsflow_adapter_calls_total", map[string]string{"adapter": "shell"}); got != 1 {
		t.Errorf("shell adapter calls = %v", got)
	}
	if got := metricValue(t, metrics, "opsflow_errors_total", map[string]string{"class": "transient"}); got != 1 {
		t.Errorf("transient errors = %v", got)
	}
}

func TestInstrumentAdaptersKeepsNil(t *testing.T) {
	tracer, _ := newRecordingTracer()
	adapters := InstrumentAdapters(engine.Adapters{}, tracer, NewMetrics(MetricsConfig{}))
	if adapters.CLI != nil || adapters.Executor != nil || adapters.Code != nil || adapters.Research != nil {
		t.Error("missing adapters must stay nil")
	}
}

func TestNewAndStartOperation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = t.TempDir() + "/opsflow.log"
	cfg.Logging.Format = "json"

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatal("telemetry not stored in context")
	}

	op := StartOperation(ctx, "session.start", AttrSessionID.String("s1"))
	if err := tel.Events.Publish(op.Ctx, &engine.Event{Type: engine.EventTypeSessionStarted, SessionID: "s1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	op.End(nil)

	if got := metricValue(t, tel.Metrics, "opsflow_sessions_started_total", nil); got != 1 {
		t.Errorf("sessions started = %v", got)
	}

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	bare := StartOperation(context.Background(), "noop")
	bare.End(errors.New("ignored"))
}
