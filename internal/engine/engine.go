// Package engine drives underwriting runs through the configured stage
// sequence. Each run executes on its own supervised goroutine; the engine
// holds no lock across runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"underwriter/internal/domain"
	"underwriter/internal/events"
	"underwriter/internal/kv"
	"underwriter/internal/logging"
	"underwriter/internal/notify"
	"underwriter/internal/registry"
	"underwriter/internal/stage"
)

var (
	ErrInvalidStart  = errors.New("invalid start request")
	ErrRunActive     = errors.New("workflow already active")
	ErrNotActive     = errors.New("workflow not active")
	ErrNotDecided    = errors.New("workflow not yet decided")
	ErrNotSupervised = errors.New("workflow not supervised by this engine")
	ErrInvalidStages = errors.New("invalid stage sequence")
)

const cancelledMessage = "workflow cancelled"

// Stage is one step of the sequence. Participant defaults to ID.
type Stage struct {
	ID          string
	Weight      int
	Participant string
}

func (s Stage) participant() string {
	if s.Participant != "" {
		return s.Participant
	}
	return s.ID
}

// StatusUpdater is the part of the hub the engine drives.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id string, status domain.ParticipantStatus) bool
}

// Auditor records lifecycle events.
type Auditor interface {
	Append(ctx context.Context, evtType, runID, stage, description string, payload events.EventPayload) error
}

// Options are the engine's collaborators. Hub and Audit are optional.
type Options struct {
	Runs         kv.RunStore
	Registry     *registry.Registry
	Hub          StatusUpdater
	Notifier     notify.Notifier
	Audit        Auditor
	Stages       []Stage
	StageTimeout time.Duration
	Logger       *logging.Logger
	Now          func() time.Time
}

type Engine struct {
	Runs         kv.RunStore
	Registry     *registry.Registry
	Hub          StatusUpdater
	Notifier     notify.Notifier
	Audit        Auditor
	Stages       []Stage
	StageTimeout time.Duration
	Logger       *logging.Logger
	Now          func() time.Time

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup

	// statusMu orders hub updates with the busy counts they follow from.
	statusMu sync.Mutex
	busy     map[string]int
}

type task struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
	final     domain.PipelineRun
	err       error
}

// New validates the stage sequence against the registry and returns an
// engine ready to start runs.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if opts.Runs.Store == nil {
		return nil, errors.New("engine: run store is required")
	}
	if err := ValidateStages(opts.Stages); err != nil {
		return nil, err
	}
	ids := make([]string, len(opts.Stages))
	for i, s := range opts.Stages {
		ids[i] = s.ID
	}
	if err := opts.Registry.Validate(ids); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		Runs:         opts.Runs,
		Registry:     opts.Registry,
		Hub:          opts.Hub,
		Notifier:     opts.Notifier,
		Audit:        opts.Audit,
		Stages:       append([]Stage(nil), opts.Stages...),
		StageTimeout: opts.StageTimeout,
		Logger:       logger.WithComponent("engine"),
		Now:          now,
		tasks:        make(map[string]*task),
		busy:         make(map[string]int),
	}, nil
}

// ValidateStages checks ids are unique and weights are positive and sum
// to 100.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidStages)
	}
	seen := make(map[string]bool, len(stages))
	total := 0
	for _, s := range stages {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: empty stage id", ErrInvalidStages)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate stage %s", ErrInvalidStages, s.ID)
		}
		seen[s.ID] = true
		if s.Weight <= 0 {
			return fmt.Errorf("%w: stage %s weight must be positive", ErrInvalidStages, s.ID)
		}
		total += s.Weight
	}
	if total != 100 {
		return fmt.Errorf("%w: weights sum to %d, want 100", ErrInvalidStages, total)
	}
	return nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// StartRequest identifies a new run.
type StartRequest struct {
	RunID     string
	SubjectID string
	CaseRef   string
	InputData map[string]any
}

func (r StartRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.RunID) == "" {
		missing = append(missing, "run_id")
	}
	if strings.TrimSpace(r.SubjectID) == "" {
		missing = append(missing, "subject_id")
	}
	if strings.TrimSpace(r.CaseRef) == "" {
		missing = append(missing, "case_ref")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidStart, strings.Join(missing, ", "))
	}
	return nil
}

// Start persists a new run in the initializing state, announces it and
// launches its stage sequence in the background. A run id that is still
// executing is rejected with ErrRunActive; a terminal one is restarted with
// the next attempt number.
func (e *Engine) Start(ctx context.Context, req StartRequest) (domain.PipelineRun, error) {
	if err := req.validate(); err != nil {
		return domain.PipelineRun{}, err
	}

	e.mu.Lock()
	if _, ok := e.tasks[req.RunID]; ok {
		e.mu.Unlock()
		return domain.PipelineRun{}, fmt.Errorf("%w: %s", ErrRunActive, req.RunID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	e.tasks[req.RunID] = t
	e.mu.Unlock()

	run, err := e.create(ctx, req)
	if err != nil {
		e.release(req.RunID)
		cancel()
		t.err = err
		close(t.done)
		return domain.PipelineRun{}, err
	}

	log := e.Logger.WithRun(run.RunID)
	log.Info("workflow started", "case_ref", run.CaseRef, "attempt", run.Attempt)
	e.audit(ctx, events.WorkflowStarted, run.RunID, "", fmt.Sprintf("workflow started for %s", run.CaseRef),
		events.EventPayload{"attempt": run.Attempt, "subject_id": run.SubjectID})
	e.Notifier.Push(run.RunID, notify.WorkflowUpdate, updateData(run))
	e.Notifier.Notify(ctx, run.RunID, notify.CallbackWorkflowStarted, map[string]any{
		"run_id":   run.RunID,
		"case_ref": run.CaseRef,
		"status":   run.Status,
		"attempt":  run.Attempt,
	})

	e.wg.Add(1)
	go e.supervise(runCtx, t, run.Clone())
	return run, nil
}

func (e *Engine) create(ctx context.Context, req StartRequest) (domain.PipelineRun, error) {
	attempt := 1
	prev, err := e.Runs.GetRun(ctx, req.RunID)
	switch {
	case err == nil && !prev.Terminal():
		return domain.PipelineRun{}, fmt.Errorf("%w: %s is %s", ErrRunActive, req.RunID, prev.Status)
	case err == nil:
		attempt = prev.Attempt + 1
	case !errors.Is(err, kv.ErrNotFound):
		return domain.PipelineRun{}, err
	}
	input := req.InputData
	if input == nil {
		input = map[string]any{}
	}
	run := domain.PipelineRun{
		RunID:           req.RunID,
		SubjectID:       req.SubjectID,
		CaseRef:         req.CaseRef,
		Status:          domain.StatusInitializing,
		ProgressPercent: 0,
		InputData:       input,
		Results:         map[string]domain.StageResult{},
		Attempt:         attempt,
		StartedAt:       e.ts(),
	}
	if err := e.Runs.SaveRun(ctx, run); err != nil {
		return domain.PipelineRun{}, err
	}
	return run, nil
}

func (e *Engine) release(runID string) {
	e.mu.Lock()
	delete(e.tasks, runID)
	e.mu.Unlock()
}

func (e *Engine) supervise(ctx context.Context, t *task, run domain.PipelineRun) {
	defer e.wg.Done()
	defer close(t.done)
	defer t.cancel()
	defer e.release(run.RunID)

	final, err := e.execute(ctx, t, run)
	t.final = final
	t.err = err
}

// execute runs every stage in order. The returned error is the failure that
// ended the run, nil when it completed.
func (e *Engine) execute(ctx context.Context, t *task, run domain.PipelineRun) (domain.PipelineRun, error) {
	// Persistence and notifications outlive cancellation of the run itself.
	pctx := context.WithoutCancel(ctx)
	log := e.Logger.WithRun(run.RunID)
	started := e.now()

	for i, st := range e.Stages {
		last := i == len(e.Stages)-1
		if ctx.Err() != nil {
			return e.fail(pctx, run, st.ID, e.cause(t, st, ctx.Err()), started)
		}

		run.Status = st.ID
		run.ActiveStage = st.ID
		if err := e.Runs.SaveRun(pctx, run); err != nil {
			return e.fail(pctx, run, st.ID, err, started)
		}
		e.Notifier.Push(run.RunID, notify.WorkflowUpdate, updateData(run))
		e.Notifier.Push(run.RunID, notify.AgentProgress, map[string]any{"stage": st.ID, "state": "started"})
		e.setStatus(pctx, st, domain.ParticipantBusy)
		e.audit(pctx, events.AgentStarted, run.RunID, st.ID, st.ID+" started", nil)
		log.Info("stage started", "stage", st.ID)

		res, err := e.runStage(ctx, run, st)
		if err != nil {
			e.setStatus(pctx, st, domain.ParticipantOnline)
			return e.fail(pctx, run, st.ID, e.cause(t, st, err), started)
		}

		res.Stage = st.ID
		if res.CompletedAt == "" {
			res.CompletedAt = e.ts()
		}
		if run.Results == nil {
			run.Results = map[string]domain.StageResult{}
		}
		run.Results[st.ID] = res
		run.CompletedStages = append(run.CompletedStages, st.ID)
		run.ProgressPercent += st.Weight

		e.Notifier.Notify(pctx, run.RunID, notify.CallbackAgentAnalysis, map[string]any{
			"stage":      st.ID,
			"agent_type": stage.ShortName(st.ID),
			"result":     res,
		})
		e.setStatus(pctx, st, domain.ParticipantOnline)
		e.Notifier.Push(run.RunID, notify.AgentProgress, map[string]any{
			"stage":            st.ID,
			"state":            "completed",
			"progress_percent": run.ProgressPercent,
			"recommendation":   res.Recommendation,
			"confidence_score": res.ConfidenceScore,
		})
		e.audit(pctx, events.AgentCompleted, run.RunID, st.ID, st.ID+" completed", events.EventPayload{
			"processing_time_ms": res.ProcessingTimeMS,
			"tokens_used":        res.TokensUsed,
			"confidence_score":   res.ConfidenceScore,
		})
		log.Info("stage completed", "stage", st.ID, "progress", run.ProgressPercent, "ms", res.ProcessingTimeMS)
		if last {
			// The final stage is persisted together with the decision so that
			// progress 100 is only ever stored as completed.
			break
		}
		if err := e.Runs.SaveRun(pctx, run); err != nil {
			return e.fail(pctx, run, st.ID, err, started)
		}
	}
	return e.complete(pctx, run, started)
}

func (e *Engine) runStage(ctx context.Context, run domain.PipelineRun, st Stage) (res domain.StageResult, err error) {
	h, err := e.Registry.Resolve(st.ID)
	if err != nil {
		return domain.StageResult{}, err
	}
	if e.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.StageTimeout)
		defer cancel()
	}
	prior := make(map[string]domain.StageResult, len(run.CompletedStages))
	for _, id := range run.CompletedStages {
		prior[stage.ShortName(id)] = run.Results[id]
	}
	in := stage.Input{
		RunID:   run.RunID,
		CaseRef: run.CaseRef,
		Stage:   st.ID,
		Attempt: run.Attempt,
		Data:    run.InputData,
		Prior:   prior,
	}

	type outcome struct {
		res domain.StageResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("stage %s panicked: %v", st.ID, r)}
			}
		}()
		res, err := h.Run(ctx, in)
		done <- outcome{res: res, err: err}
	}()
	// A handler that ignores its context is abandoned once ctx ends.
	select {
	case out := <-done:
		if out.err == nil && ctx.Err() != nil {
			return domain.StageResult{}, ctx.Err()
		}
		return out.res, out.err
	case <-ctx.Done():
		return domain.StageResult{}, ctx.Err()
	}
}

// cause turns a stage error into the message recorded on the run.
func (e *Engine) cause(t *task, st Stage, err error) error {
	e.mu.Lock()
	cancelled := t.cancelled
	e.mu.Unlock()
	switch {
	case cancelled:
		return errors.New(cancelledMessage)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("stage %s timed out after %s", st.ID, e.StageTimeout)
	}
	return err
}

func (e *Engine) complete(ctx context.Context, run domain.PipelineRun, started time.Time) (domain.PipelineRun, error) {
	last := e.Stages[len(e.Stages)-1].ID
	decision := buildDecision(run.Results[last], e.ts())

	run.Status = domain.StatusCompleted
	run.ActiveStage = ""
	run.ProgressPercent = 100
	run.Decision = &decision
	run.Error = ""
	e.finish(&run, started)
	if err := e.Runs.SaveRun(ctx, run); err != nil {
		e.Logger.WithRun(run.RunID).Error("persist completed run failed", "error", err)
	}

	e.audit(ctx, events.DecisionMade, run.RunID, last, "decision: "+decision.Decision, events.EventPayload{
		"decision":              decision.Decision,
		"risk_score":            decision.RiskScore,
		"requires_human_review": decision.RequiresHumanReview,
	})
	e.Notifier.Push(run.RunID, notify.WorkflowUpdate, updateData(run))
	e.Notifier.Push(run.RunID, notify.DecisionMade, map[string]any{"decision": decision})
	e.Notifier.Notify(ctx, run.RunID, notify.CallbackDecisionMade, map[string]any{
		"run_id":           run.RunID,
		"decision":         decision,
		"duration_seconds": run.DurationSeconds,
	})
	e.Logger.WithRun(run.RunID).Info("workflow completed", "decision", decision.Decision, "risk_score", decision.RiskScore)
	return run, nil
}

func (e *Engine) fail(ctx context.Context, run domain.PipelineRun, stageID string, cause error, started time.Time) (domain.PipelineRun, error) {
	msg := cause.Error()
	run.Status = domain.StatusFailed
	run.ActiveStage = ""
	run.Error = msg
	run.Decision = nil
	e.finish(&run, started)
	if err := e.Runs.SaveRun(ctx, run); err != nil {
		e.Logger.WithRun(run.RunID).Error("persist failed run failed", "error", err)
	}

	e.audit(ctx, events.Error, run.RunID, stageID, msg, events.EventPayload{"progress_percent": run.ProgressPercent})
	e.Notifier.Push(run.RunID, notify.WorkflowError, map[string]any{"error": msg, "stage": stageID})
	e.Notifier.Push(run.RunID, notify.WorkflowUpdate, updateData(run))
	e.Notifier.Notify(ctx, run.RunID, notify.CallbackWorkflowFailed, map[string]any{
		"run_id": run.RunID,
		"stage":  stageID,
		"error":  msg,
	})
	e.Logger.WithRun(run.RunID).Warn("workflow failed", "stage", stageID, "error", msg)
	return run, cause
}

func (e *Engine) finish(run *domain.PipelineRun, started time.Time) {
	end := e.now()
	ts := end.UTC().Format(time.RFC3339)
	secs := int(end.Sub(started).Seconds())
	run.CompletedAt = &ts
	run.DurationSeconds = &secs
}

// setStatus marks a stage's participant busy or back online. A participant
// serving several runs stays busy until the last of its stages ends.
func (e *Engine) setStatus(ctx context.Context, st Stage, status domain.ParticipantStatus) {
	if e.Hub == nil {
		return
	}
	id := st.participant()
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if status == domain.ParticipantBusy {
		e.busy[id]++
		if e.busy[id] > 1 {
			return
		}
	} else if e.busy[id] > 0 {
		e.busy[id]--
		if e.busy[id] > 0 {
			return
		}
		delete(e.busy, id)
	}
	e.Hub.UpdateStatus(ctx, id, status)
}

func (e *Engine) audit(ctx context.Context, evtType, runID, stageID, description string, payload events.EventPayload) {
	if e.Audit == nil {
		return
	}
	if err := e.Audit.Append(ctx, evtType, runID, stageID, description, payload); err != nil {
		e.Logger.WithRun(runID).Warn("audit append failed", "type", evtType, "error", err)
	}
}

func updateData(run domain.PipelineRun) map[string]any {
	data := map[string]any{
		"status":           run.Status,
		"active_stage":     run.ActiveStage,
		"progress_percent": run.ProgressPercent,
	}
	if run.Error != "" {
		data["error"] = run.Error
	}
	return data
}

// State returns the persisted run.
func (e *Engine) State(ctx context.Context, runID string) (domain.PipelineRun, error) {
	return e.Runs.GetRun(ctx, runID)
}

// Results returns the run's stage outputs in completion order.
func (e *Engine) Results(ctx context.Context, runID string) ([]domain.StageResult, error) {
	run, err := e.Runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.OrderedResults(), nil
}

// Decision returns the decision of a completed run, or ErrNotDecided.
func (e *Engine) Decision(ctx context.Context, runID string) (domain.Decision, error) {
	run, err := e.Runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Decision{}, err
	}
	if run.Status != domain.StatusCompleted || run.Decision == nil {
		return domain.Decision{}, fmt.Errorf("%w: %s is %s", ErrNotDecided, runID, run.Status)
	}
	return *run.Decision, nil
}

func (e *Engine) ListRuns(ctx context.Context) ([]domain.PipelineRun, error) {
	return e.Runs.ListRuns(ctx)
}

// Active lists the runs this engine is currently executing.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until the run finishes and returns its terminal state and the
// error that failed it, if any. Runs not executing here return their stored
// state when terminal and ErrNotSupervised otherwise.
func (e *Engine) Wait(ctx context.Context, runID string) (domain.PipelineRun, error) {
	e.mu.Lock()
	t, ok := e.tasks[runID]
	e.mu.Unlock()
	if !ok {
		run, err := e.Runs.GetRun(ctx, runID)
		if err != nil {
			return domain.PipelineRun{}, err
		}
		if !run.Terminal() {
			return run, fmt.Errorf("%w: %s", ErrNotSupervised, runID)
		}
		if run.Status == domain.StatusFailed {
			return run, errors.New(run.Error)
		}
		return run, nil
	}
	select {
	case <-t.done:
		return t.final, t.err
	case <-ctx.Done():
		return domain.PipelineRun{}, ctx.Err()
	}
}

// Cancel stops a running workflow at the next suspension point. The run
// fails with "workflow cancelled".
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	t, ok := e.tasks[runID]
	if ok {
		t.cancelled = true
	}
	e.mu.Unlock()
	if ok {
		t.cancel()
		e.Logger.WithRun(runID).Info("workflow cancel requested")
		return nil
	}
	if _, err := e.Runs.GetRun(ctx, runID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotActive, runID)
}

// Shutdown cancels every active run and waits for them to record their
// outcome or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, t := range e.tasks {
		t.cancelled = true
		t.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
