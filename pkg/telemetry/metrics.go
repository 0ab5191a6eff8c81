package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/opsflow/pkg/engine"
)

// Metrics provides Prometheus metrics for sessions, tasks and adapters. A
// disabled instance accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	suspensions      prometheus.Counter
	activeSessions   prometheus.Gauge

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	commandsRun   *prometheus.CounterVec

	// Adapter metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass    *prometheus.CounterVec
	policyViolations prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of sessions started",
		}),
		sessionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_finished_total",
				Help:      "Total number of sessions that reached a terminal state",
			},
			[]string{"state"},
		),
		suspensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspensions_total",
			Help:      "Total number of suspensions for human input",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently advancing in this process",
		}),

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed",
			},
			[]string{"type", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		commandsRun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of generated commands by outcome",
			},
			[]string{"type", "status"},
		),

		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of adapter calls",
			},
			[]string{"adapter", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"adapter", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of adapter errors",
			},
			[]string{"adapter", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class and code",
			},
			[]string{"class", "code"},
		),
		policyViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_violations_total",
			Help:      "Total number of policy violations",
		}),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsFinished,
		m.suspensions,
		m.activeSessions,
		m.tasksExecuted,
		m.taskDuration,
		m.commandsRun,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.errorsByClass,
		m.policyViolations,
	)

	return m
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordSessionStarted counts a session entering the engine.
func (m *Metrics) RecordSessionStarted() {
	if !m.enabled() {
		return
	}
	m.sessionsStarted.Inc()
	m.activeSessions.Inc()
}

// RecordSessionResumed marks a suspended session as active again.
func (m *Metrics) RecordSessionResumed() {
	if !m.enabled() {
		return
	}
	m.activeSessions.Inc()
}

// RecordSuspension counts a suspension for human input.
func (m *Metrics) RecordSuspension() {
	if !m.enabled() {
		return
	}
	m.suspensions.Inc()
	m.activeSessions.Dec()
}

// RecordSessionFinished counts a session reaching DONE or FAILED.
func (m *Metrics) RecordSessionFinished(state string) {
	if !m.enabled() {
		return
	}
	m.sessionsFinished.WithLabelValues(state).Inc()
	m.activeSessions.Dec()
}

// RecordTask records a finished task.
func (m *Metrics) RecordTask(taskType, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tasksExecuted.WithLabelValues(taskType, status).Inc()
	if duration > 0 {
		m.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
	}
}

// RecordCommand records the outcome of one generated command.
func (m *Metrics) RecordCommand(taskType, status string) {
	if !m.enabled() {
		return
	}
	m.commandsRun.WithLabelValues(taskType, status).Inc()
}

// RecordAdapterCall records an adapter call with its duration. A non-nil err
// also counts as an adapter error.
func (m *Metrics) RecordAdapterCall(adapter, operation string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.adapterCalls.WithLabelValues(adapter, operation).Inc()
	m.adapterDuration.WithLabelValues(adapter, operation).Observe(duration.Seconds())
	if err != nil {
		m.adapterErrors.WithLabelValues(adapter, operation).Inc()
		m.RecordError(err)
	}
}

// RecordError records err by engine error class and code.
func (m *Metrics) RecordError(err error) {
	if !m.enabled() || err == nil {
		return
	}
	class, code := "unknown", ""
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		class, code = string(engErr.Class), engErr.Code
	}
	m.errorsByClass.WithLabelValues(class, code).Inc()
}

// RecordPolicyViolation counts a policy violation.
func (m *Metrics) RecordPolicyViolation() {
	if !m.enabled() {
		return
	}
	m.policyViolations.Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is done. It returns at once
// when metrics are disabled or no listen address is configured.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", m.config.ListenAddress).Str("path", path).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
