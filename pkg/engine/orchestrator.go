package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OrchestratorConfig holds session-level settings.
type OrchestratorConfig struct {
	// WorkRoot is the parent of the per-session working directories.
	// Empty disables working directory creation.
	WorkRoot string

	// Username is recorded on new sessions.
	Username string
}

// Components are the collaborators an orchestrator sequences.
type Components struct {
	Store     RecordStore
	Resolver  Resolver
	Refiner   Refiner
	Planner   Planner
	Runner    *Runner
	Publisher EventPublisher
}

// Orchestrator drives a session through
// START -> RESOLVING_VALUES -> (SUSPENDED_FOR_HUMAN <-> RESOLVING_VALUES)* ->
// REFINING -> PLANNING -> RUNNING -> DONE.
// SUSPENDED_FOR_HUMAN is the only state re-entered from outside, via Resume.
type Orchestrator struct {
	store    RecordStore
	resolver Resolver
	refiner  Refiner
	planner  Planner
	runner   *Runner
	locks    *SessionLocks
	events   eventSink
	cfg      OrchestratorConfig
	logger   zerolog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(c Components, cfg OrchestratorConfig, logger zerolog.Logger) (*Orchestrator, error) {
	if c.Store == nil || c.Resolver == nil || c.Planner == nil || c.Runner == nil {
		return nil, NewPermanentError("store, resolver, planner and runner are required", nil).
			WithCode(ErrCodeValidation)
	}
	if c.Refiner == nil {
		c.Refiner = TemplateRefiner{}
	}
	logger = logger.With().Str("component", "orchestrator").Logger()
	return &Orchestrator{
		store:    c.Store,
		resolver: c.Resolver,
		refiner:  c.Refiner,
		planner:  c.Planner,
		runner:   c.Runner,
		locks:    NewSessionLocks(),
		events:   eventSink{publisher: c.Publisher, logger: logger},
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Start begins a session for goal. An empty sessionID is replaced by a new one.
// A session that previously failed, or was left in an automatic state by an
// interrupted call, may be restarted with the same goal.
func (o *Orchestrator) Start(ctx context.Context, goal, sessionID string) (*Outcome, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, NewPermanentError("goal is empty", nil).WithCode(ErrCodeValidation)
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	if !o.locks.TryLock(sessionID) {
		return nil, o.busy(sessionID)
	}
	defer o.locks.Unlock(sessionID)

	rec, err := o.store.GetRecord(ctx, sessionID)
	switch {
	case err == nil:
		if rec.State != StateFailed && !rec.State.IsInterrupted() {
			return nil, NewPermanentError(
				fmt.Sprintf("session already exists in state %s", rec.State), nil,
			).WithCode(ErrCodeInvalidState).WithResource(sessionID).WithOperation("start")
		}
		if rec.OriginalGoal != goal {
			return nil, NewPermanentError("original goal of a session cannot change", nil).
				WithCode(ErrCodeValidation).WithResource(sessionID).WithOperation("start")
		}
		if rec.FilledValues == nil {
			rec.FilledValues = make(map[string]string)
		}
		if rec.State.IsInterrupted() {
			if err := o.markInterrupted(ctx, rec); err != nil {
				return nil, err
			}
		}
		rec.LastError = ""
		o.logger.Info().Str("session_id", sessionID).Msg("restarting failed session")
	case HasCode(err, ErrCodeSessionNotFound) || HasCode(err, ErrCodeNotFound):
		rec, err = o.newRecord(ctx, goal, sessionID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	o.events.emit(ctx, sessionID, "", EventTypeSessionStarted, goal, nil)
	return o.advance(ctx, rec)
}

// Resume merges human-supplied values into a suspended session and continues it.
// Keys that were not requested are ignored. Supplying fewer values than
// requested re-suspends the session.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, values map[string]string) (*Outcome, error) {
	return o.resume(ctx, sessionID, func(*ExecutionRecord) map[string]string { return values })
}

// ResumeWithAnswer parses a free-form human answer against the pending keys
// and resumes the session. Parsing happens under the session lock so
// positional answers map onto the keys pending at that moment.
func (o *Orchestrator) ResumeWithAnswer(ctx context.Context, sessionID, answer string) (*Outcome, error) {
	return o.resume(ctx, sessionID, func(rec *ExecutionRecord) map[string]string {
		return ParseSuppliedValues(answer, rec.Pending().Keys())
	})
}

func (o *Orchestrator) resume(ctx context.Context, sessionID string, supplied func(*ExecutionRecord) map[string]string) (*Outcome, error) {
	if !o.locks.TryLock(sessionID) {
		return nil, o.busy(sessionID)
	}
	defer o.locks.Unlock(sessionID)

	rec, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !rec.State.IsResumable() {
		return nil, NewPermanentError(
			fmt.Sprintf("session is not suspended (state %s)", rec.State), nil,
		).WithCode(ErrCodeInvalidState).WithResource(sessionID).WithOperation("resume")
	}

	values := supplied(rec)
	accepted := make([]string, 0, len(values))
	for k, v := range values {
		v = strings.TrimSpace(v)
		if !rec.MissingFields.Has(k) {
			o.logger.Debug().Str("session_id", sessionID).Str("key", k).Msg("ignoring unrequested value")
			continue
		}
		if v == "" {
			continue
		}
		rec.FilledValues[k] = v
		accepted = append(accepted, k+"="+v)
	}
	sort.Strings(accepted)
	rec.AppendMessage("user", "human", strings.Join(accepted, ", "))

	o.events.emit(ctx, sessionID, "", EventTypeResumed, "values supplied",
		map[string]interface{}{"accepted": len(accepted)})
	return o.advance(ctx, rec)
}

// Record returns the stored execution record of a session.
func (o *Orchestrator) Record(ctx context.Context, sessionID string) (*ExecutionRecord, error) {
	return o.load(ctx, sessionID)
}

// advance runs automatic transitions until the session suspends, fails or is done.
func (o *Orchestrator) advance(ctx context.Context, rec *ExecutionRecord) (*Outcome, error) {
	log := o.logger.With().Str("session_id", rec.SessionID).Logger()

	if err := o.transition(ctx, rec, StateResolvingValues); err != nil {
		return nil, err
	}
	fields, err := o.resolver.Resolve(ctx, rec.OriginalGoal, rec.FilledValues)
	if err != nil {
		return nil, o.fail(ctx, rec, "resolution failed", err)
	}
	rec.MissingFields = rec.MissingFields.Merge(fields)

	if pending := rec.Pending(); len(pending) > 0 || !rec.KeysMatch() {
		if err := o.transition(ctx, rec, StateSuspendedForHuman); err != nil {
			return nil, err
		}
		suspension := rec.Suspension()
		rec.AppendMessage("assistant", "resolver", suspension.Message)
		if err := o.save(ctx, rec); err != nil {
			return nil, err
		}
		o.events.emit(ctx, rec.SessionID, "", EventTypeSuspended, suspension.Message,
			map[string]interface{}{"fields": suspension.Fields.Keys()})
		log.Info().Strs("fields", suspension.Fields.Keys()).Msg("session suspended for human input")
		return &Outcome{Record: rec, Suspension: suspension}, nil
	}

	if err := o.transition(ctx, rec, StateRefining); err != nil {
		return nil, err
	}
	refined, err := o.refiner.Refine(ctx, rec.OriginalGoal, rec.MissingFields, rec.FilledValues)
	if err != nil {
		return nil, o.fail(ctx, rec, "refinement failed", err)
	}
	rec.RefinedGoal = refined
	rec.AppendMessage("assistant", "refiner", refined)

	if err := o.transition(ctx, rec, StatePlanning); err != nil {
		return nil, err
	}
	if err := o.save(ctx, rec); err != nil {
		return nil, err
	}

	result, err := o.planner.Plan(ctx, refined)
	if err == nil {
		err = rec.CommitPlan(result.Tasks)
	}
	if err != nil {
		o.events.emit(ctx, rec.SessionID, "", EventTypePlanFailed, err.Error(), nil)
		return nil, o.fail(ctx, rec, "planning failed", err)
	}
	for _, rej := range result.Rejected {
		rec.AppendMessage("assistant", "planner", fmt.Sprintf("rejected task %s: %s", rej.TaskID, rej.Reason))
		o.events.emit(ctx, rec.SessionID, rej.TaskID, EventTypePolicyViolation, rej.Reason,
			map[string]interface{}{"policies": rej.Policies})
	}
	rec.AppendMessage("assistant", "planner", planSummary(rec.TaskPlan))
	o.events.emit(ctx, rec.SessionID, "", EventTypePlanCreated, "plan created",
		map[string]interface{}{"tasks": len(rec.TaskPlan), "rejected": len(result.Rejected)})

	if err := o.transition(ctx, rec, StateRunning); err != nil {
		return nil, err
	}
	if err := o.save(ctx, rec); err != nil {
		return nil, err
	}

	rec.Summary = o.runner.Run(ctx, rec)

	if err := o.transition(ctx, rec, StateDone); err != nil {
		return nil, err
	}
	if err := o.save(ctx, rec); err != nil {
		return nil, err
	}
	o.events.emit(ctx, rec.SessionID, "", EventTypeSessionCompleted, "session completed",
		map[string]interface{}{
			"succeeded":     rec.Summary.SucceededTasks,
			"failed":        rec.Summary.FailedTasks,
			"not_attempted": rec.Summary.NotAttemptedTasks,
		})
	log.Info().
		Int("succeeded", rec.Summary.SucceededTasks).
		Int("failed", rec.Summary.FailedTasks).
		Int("not_attempted", rec.Summary.NotAttemptedTasks).
		Msg("session completed")
	return &Outcome{Record: rec}, nil
}

func (o *Orchestrator) transition(ctx context.Context, rec *ExecutionRecord, next SessionState) error {
	prev := rec.State
	if err := rec.Transition(next); err != nil {
		return err
	}
	o.events.emit(ctx, rec.SessionID, "", EventTypeStateChanged, string(prev)+" -> "+string(next),
		map[string]interface{}{"from": string(prev), "to": string(next)})
	return nil
}

// fail records a terminal failure of the current call. No plan is committed.
func (o *Orchestrator) fail(ctx context.Context, rec *ExecutionRecord, message string, cause error) error {
	rec.TaskPlan = nil
	rec.LastError = cause.Error()
	rec.AppendMessage("system", "orchestrator", message+": "+cause.Error())
	if err := o.transition(ctx, rec, StateFailed); err != nil {
		return err
	}
	if err := o.save(ctx, rec); err != nil {
		return err
	}
	o.logger.Error().Err(cause).Str("session_id", rec.SessionID).Msg(message)

	code := ErrCodePlanningFailed
	if HasCode(cause, ErrCodeResolutionMismatch) {
		code = ErrCodeResolutionMismatch
	}
	return NewPermanentError(message, cause).WithCode(code).WithResource(rec.SessionID)
}

// markInterrupted checkpoints a session stranded in an automatic state as
// FAILED. The partial plan of the interrupted run is discarded. The version
// check in SaveRecord rejects this if another writer still owns the session.
func (o *Orchestrator) markInterrupted(ctx context.Context, rec *ExecutionRecord) error {
	prev := rec.State
	rec.TaskPlan = nil
	rec.Summary = nil
	rec.LastError = fmt.Sprintf("interrupted in state %s", prev)
	rec.AppendMessage("system", "orchestrator", rec.LastError)
	if err := o.transition(ctx, rec, StateFailed); err != nil {
		return err
	}
	if err := o.save(ctx, rec); err != nil {
		return err
	}
	o.logger.Warn().Str("session_id", rec.SessionID).Str("state", string(prev)).Msg("recovered interrupted session")
	return nil
}

func (o *Orchestrator) newRecord(ctx context.Context, goal, sessionID string) (*ExecutionRecord, error) {
	rec := NewExecutionRecord(sessionID, goal)
	rec.Username = o.cfg.Username
	if o.cfg.WorkRoot != "" {
		rec.WorkingDir = filepath.Join(o.cfg.WorkRoot, sessionID)
		if err := os.MkdirAll(rec.WorkingDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create working directory: %w", err)
		}
	}
	rec.AppendMessage("user", "human", goal)
	if err := o.store.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return rec, nil
}

func (o *Orchestrator) load(ctx context.Context, sessionID string) (*ExecutionRecord, error) {
	rec, err := o.store.GetRecord(ctx, sessionID)
	if err != nil {
		if HasCode(err, ErrCodeNotFound) || HasCode(err, ErrCodeSessionNotFound) {
			return nil, NewPermanentError("session not found", err).
				WithCode(ErrCodeSessionNotFound).WithResource(sessionID)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if rec.FilledValues == nil {
		rec.FilledValues = make(map[string]string)
	}
	return rec, nil
}

// save persists rec even if the caller's context was cancelled mid-run.
func (o *Orchestrator) save(ctx context.Context, rec *ExecutionRecord) error {
	if err := o.store.SaveRecord(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (o *Orchestrator) busy(sessionID string) error {
	return NewConflictError("session is busy", nil).
		WithCode(ErrCodeSessionBusy).WithResource(sessionID)
}

func planSummary(tasks []*Task) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("planned %d tasks:", len(tasks)))
	for _, t := range tasks {
		sb.WriteString(fmt.Sprintf("\n%s [%s] %s", t.ID, t.Type, t.Description))
	}
	return sb.String()
}
