package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"underwriter/internal/db"
	"underwriter/internal/domain"
	"underwriter/internal/engine"
	"underwriter/internal/events"
	"underwriter/internal/hub"
	"underwriter/internal/kv"
	"underwriter/internal/logging"
	"underwriter/internal/migrate"
	"underwriter/internal/notify"
	"underwriter/internal/registry"
	"underwriter/internal/repo"
	"underwriter/internal/stage"
)

// recordingStore keeps every run snapshot written through it.
type recordingStore struct {
	kv.Store
	mu        sync.Mutex
	snapshots map[string][]domain.PipelineRun
}

func (s *recordingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.HasPrefix(key, "workflow:") {
		var run domain.PipelineRun
		if err := json.Unmarshal(value, &run); err == nil {
			s.mu.Lock()
			s.snapshots[run.RunID] = append(s.snapshots[run.RunID], run)
			s.mu.Unlock()
		}
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *recordingStore) history(runID string) []domain.PipelineRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PipelineRun(nil), s.snapshots[runID]...)
}

type callbackLog struct {
	mu     sync.Mutex
	events []string
	stages []string
}

func (c *callbackLog) handler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	c.mu.Lock()
	c.events = append(c.events, body.EventType)
	if body.EventType == notify.CallbackAgentAnalysis {
		c.stages = append(c.stages, body.Data["stage"].(string))
	}
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (c *callbackLog) snapshot() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...), append([]string(nil), c.stages...)
}

func (c *callbackLog) count(evt string) int {
	events, _ := c.snapshot()
	n := 0
	for _, e := range events {
		if e == evt {
			n++
		}
	}
	return n
}

type testEnv struct {
	Ctx       context.Context
	Engine    *engine.Engine
	Repo      repo.Repo
	Store     *recordingStore
	Hub       *hub.Hub
	Broker    *notify.Broker
	Callbacks *callbackLog
	Registry  *registry.Registry
}

type envOption func(*engine.Options)

func withStageTimeout(d time.Duration) envOption {
	return func(o *engine.Options) { o.StageTimeout = d }
}

var quarters = []engine.Stage{
	{ID: "credit_analyst", Weight: 25},
	{ID: "income_analyst", Weight: 25},
	{ID: "asset_analyst", Weight: 25},
	{ID: "decision_agent", Weight: 25},
}

func ok(text string) stage.Handler {
	return stage.HandlerFunc(func(_ context.Context, in stage.Input) (domain.StageResult, error) {
		return domain.StageResult{AnalysisText: text, Recommendation: "approve", ConfidenceScore: 0.8}, nil
	})
}

func decider() stage.Handler {
	return stage.HandlerFunc(func(_ context.Context, in stage.Input) (domain.StageResult, error) {
		return domain.StageResult{
			AnalysisText:    "memo: approve with conditions",
			ConfidenceScore: 0.9,
			Conditions:      []string{"verify employment"},
			StructuredData: map[string]any{
				"decision":              "conditional",
				"risk_score":            float64(35),
				"requires_human_review": false,
				"executive_summary":     "low risk",
			},
		}, nil
	})
}

func newTestEnv(t *testing.T, handlers map[string]registry.Factory, stages []engine.Stage, opts ...envOption) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	store := &recordingStore{Store: r, snapshots: map[string][]domain.PipelineRun{}}

	reg := registry.New()
	for id, f := range handlers {
		reg.Register(id, f)
	}

	h := hub.New(hub.Config{Store: store})
	t.Cleanup(func() { h.Close() })
	for _, st := range stages {
		if _, err := h.Register(ctx, domain.Participant{ID: st.ID, Capabilities: []string{stage.ShortName(st.ID)}}); err != nil {
			t.Fatalf("register %s: %v", st.ID, err)
		}
	}

	cbLog := &callbackLog{}
	srv := httptest.NewServer(http.HandlerFunc(cbLog.handler))
	t.Cleanup(srv.Close)
	broker := notify.NewBroker(128, logging.NopLogger())

	o := engine.Options{
		Runs:     kv.RunStore{Store: store, TTL: time.Hour},
		Registry: reg,
		Hub:      h,
		Notifier: notify.Notifier{
			Broker:   broker,
			Callback: notify.NewCallback(notify.CallbackConfig{URL: srv.URL + "/workflows/{run_id}/callback"}, logging.NopLogger()),
		},
		Audit:  events.Writer{DB: conn},
		Stages: stages,
		Logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	eng, err := engine.New(o)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(sctx)
	})
	return testEnv{Ctx: ctx, Engine: eng, Repo: r, Store: store, Hub: h, Broker: broker, Callbacks: cbLog, Registry: reg}
}

func factory(h stage.Handler) registry.Factory {
	return func() stage.Handler { return h }
}

func start(t *testing.T, env testEnv, runID string) domain.PipelineRun {
	t.Helper()
	run, err := env.Engine.Start(env.Ctx, engine.StartRequest{
		RunID:     runID,
		SubjectID: "app-1",
		CaseRef:   "LN-1001",
		InputData: map[string]any{"loan_amount": 250000},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return run
}

func wait(t *testing.T, env testEnv, runID string) (domain.PipelineRun, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	return env.Engine.Wait(ctx, runID)
}

func drain(sub *notify.Subscription) []notify.Event {
	var out []notify.Event
	for {
		select {
		case evt := <-sub.C:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func assertSnapshotInvariants(t *testing.T, history []domain.PipelineRun) {
	t.Helper()
	require.NotEmpty(t, history)
	prev := -1
	for i, snap := range history {
		if snap.ProgressPercent < prev {
			t.Fatalf("snapshot %d progress %d decreased from %d", i, snap.ProgressPercent, prev)
		}
		prev = snap.ProgressPercent
		assert.Equal(t, snap.Status == domain.StatusCompleted, snap.ProgressPercent == 100, "snapshot %d", i)
		assert.Equal(t, snap.Status == domain.StatusCompleted, snap.Decision != nil, "snapshot %d", i)
		assert.Equal(t, snap.Status == domain.StatusFailed, snap.Error != "", "snapshot %d", i)
	}
}

func TestRunCompletesInStageOrder(t *testing.T) {
	env := newTestEnv(t, map[string]registry.Factory{
		"credit_analyst": factory(ok("credit")),
		"income_analyst": factory(ok("income")),
		"asset_analyst":  factory(ok("asset")),
		"decision_agent": factory(decider()),
	}, quarters)
	sub := env.Broker.Subscribe("run-1")
	defer sub.Close()

	run := start(t, env, "run-1")
	assert.Equal(t, domain.StatusInitializing, run.Status)
	assert.Equal(t, 0, run.ProgressPercent)
	assert.Equal(t, 1, run.Attempt)

	final, err := wait(t, env, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.ProgressPercent)
	assert.Empty(t, final.Error)
	assert.Empty(t, final.ActiveStage)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.Decision)
	assert.Equal(t, "conditional", final.Decision.Decision)
	assert.Equal(t, 35, final.Decision.RiskScore)
	assert.False(t, final.Decision.RequiresHumanReview)
	assert.Equal(t, "memo: approve with conditions", final.Decision.DecisionMemo)
	assert.Equal(t, []string{"verify employment"}, final.Decision.Conditions)

	weights := 0
	for _, id := range final.CompletedStages {
		for _, st := range quarters {
			if st.ID == id {
				weights += st.Weight
			}
		}
	}
	assert.Equal(t, 100, weights)

	stored, err := env.Engine.State(env.Ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assertSnapshotInvariants(t, env.Store.history("run-1"))

	results, err := env.Engine.Results(env.Ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, "credit_analyst", results[0].Stage)
	assert.Equal(t, "decision_agent", results[3].Stage)

	decision, err := env.Engine.Decision(env.Ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "conditional", decision.Decision)

	cbEvents, cbStages := env.Callbacks.snapshot()
	assert.Equal(t, []string{
		notify.CallbackWorkflowStarted,
		notify.CallbackAgentAnalysis, notify.CallbackAgentAnalysis,
		notify.CallbackAgentAnalysis, notify.CallbackAgentAnalysis,
		notify.CallbackDecisionMade,
	}, cbEvents)
	assert.Equal(t, []string{"credit_analyst", "income_analyst", "asset_analyst", "decision_agent"}, cbStages)

	// Live push mirrors the callback order: one completed agent_progress per
	// stage, then decision_made.
	var pushed []string
	for _, evt := range drain(sub) {
		switch {
		case evt.Type == notify.AgentProgress && evt.Data["state"] == "completed":
			pushed = append(pushed, notify.CallbackAgentAnalysis+":"+evt.Data["stage"].(string))
		case evt.Type == notify.DecisionMade:
			pushed = append(pushed, notify.CallbackDecisionMade)
		}
	}
	var expected []string
	for _, s := range cbStages {
		expected = append(expected, notify.CallbackAgentAnalysis+":"+s)
	}
	expected = append(expected, notify.CallbackDecisionMade)
	assert.Equal(t, expected, pushed)

	trail, err := env.Repo.EventsForRun(env.Ctx, "run-1")
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, events.WorkflowStarted, trail[0].Type)
	assert.Equal(t, events.DecisionMade, trail[len(trail)-1].Type)
}

func TestStageFailureIsTerminal(t *testing.T) {
	var fourth atomic.Int32
	env := newTestEnv(t, map[string]registry.Factory{
		"credit_analyst": factory(ok("credit")),
		"income_analyst": factory(ok("income")),
		"asset_analyst": factory(stage.HandlerFunc(func(context.Context, stage.Input) (domain.StageResult, error) {
			return domain.StageResult{}, errors.New("asset statements unreadable")
		})),
		"decision_agent": factory(stage.HandlerFunc(func(context.Context, stage.Input) (domain.StageResult, error) {
			fourth.Add(1)
			return domain.StageResult{}, nil
		})),
	}, quarters)
	sub := env.Broker.Subscribe("run-f")
	defer sub.Close()

	start(t, env, "run-f")
	final, err := wait(t, env, "run-f")
	require.Error(t, err)
	assert.Equal(t, "asset statements unreadable", err.Error())

	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, 50, final.ProgressPercent)
	assert.Equal(t, "asset statements unreadable", final.Error)
	assert.Nil(t, final.Decision)
	assert.Len(t, final.Results, 2)
	assert.Contains(t, final.Results, "credit_analyst")
	assert.Contains(t, final.Results, "income_analyst")
	assert.Equal(t, int32(0), fourth.Load())

	assert.Equal(t, 1, env.Callbacks.count(notify.CallbackWorkflowFailed))
	assert.Equal(t, 0, env.Callbacks.count(notify.CallbackDecisionMade))
	cbEvents, _ := env.Callbacks.snapshot()
	assert.Equal(t, notify.CallbackWorkflowFailed, cbEvents[len(cbEvents)-1])

	assertSnapshotInvariants(t, env.Store.history("run-f"))

	var sawError bool
	for _, evt := range drain(sub) {
		if evt.Type == notify.WorkflowError {
			sawError = true
			assert.Equal(t, "asset_analyst", evt.Data["stage"])
			continue
		}
		if sawError && evt.Type == notify.AgentProgress {
			t.Fatalf("stage event after failure: %v", evt.Data)
		}
	}
	assert.True(t, sawError)

	_, err = env.Engine.Decision(env.Ctx, "run-f")
	assert.ErrorIs(t, err, engine.ErrNotDecided)

	p, err := env.Hub.Get(env.Ctx, "asset_analyst")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantOnline, p.Status)

	failures, err := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{RunID: "run-f", Type: events.Error})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "asset_analyst", failures[0].Stage)
}

func TestStartRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t, map[string]registry.Factory{"credit_analyst": factory(ok("x"))},
		[]engine.Stage{{ID: "credit_analyst", Weight: 100}})

	_, err := env.Engine.Start(env.Ctx, engine.StartRequest{RunID: "r", CaseRef: "LN-1"})
	assert.ErrorIs(t, err, engine.ErrInvalidStart)
	assert.Contains(t, err.Error(), "subject_id")

	keys, err := env.Repo.Keys(env.Ctx, "workflow:")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, 0, env.Callbacks.count(notify.CallbackWorkflowStarted))
}

func TestRunActiveGuardAndRestart(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, map[string]registry.Factory{
		"credit_analyst": factory(stage.HandlerFunc(func(ctx context.Context, _ stage.Input) (domain.StageResult, error) {
			select {
			case <-release:
				return domain.StageResult{AnalysisText: "done"}, nil
			case <-ctx.Done():
				return domain.StageResult{}, ctx.Err()
			}
		})),
	}, []engine.Stage{{ID: "credit_analyst", Weight: 100}})

	start(t, env, "run-g")
	_, err := env.Engine.Start(env.Ctx, engine.StartRequest{RunID: "run-g", SubjectID: "s", CaseRef: "c"})
	assert.ErrorIs(t, err, engine.ErrRunActive)
	assert.Equal(t, []string{"run-g"}, env.Engine.Active())

	close(release)
	final, err := wait(t, env, "run-g")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, "refer", final.Decision.Decision)
	assert.True(t, final.Decision.RequiresHumanReview)

	require.Eventually(t, func() bool { return len(env.Engine.Active()) == 0 }, time.Second, 5*time.Millisecond)
	again := start(t, env, "run-g")
	assert.Equal(t, 2, again.Attempt)
	_, err = wait(t, env, "run-g")
	require.NoError(t, err)
}

func TestCancelFailsRun(t *testing.T) {
	entered := make(chan struct{})
	env := newTestEnv(t, map[string]registry.Factory{
		"credit_analyst": factory(stage.HandlerFunc(func(ctx context.Context, _ stage.Input) (domain.StageResult, error) {
			close(entered)
			<-ctx.Done()
			return domain.StageResult{}, ctx.Err()
		})),
		"decision_agent": factory(decider()),
	}, []engine.Stage{{ID: "credit_analyst", Weight: 50}, {ID: "decision_agent", Weight: 50}})

	start(t, env, "run-c")
	<-entered
	require.NoError(t, env.Engine.Cancel(env.Ctx, "run-c"))

	final, err := wait(t, env, "run-c")
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, "workflow cancelled", final.Error)
	assert.Equal(t, 0, final.ProgressPercent)

	require.Eventually(t, func() bool { return len(env.Engine.Active()) == 0 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, env.Engine.Cancel(env.Ctx, "run-c"), engine.ErrNotActive)
	assert.ErrorIs(t, env.Engine.Cancel(env.Ctx, "missing"), kv.ErrNotFound)
}

func TestStageTimeoutFailsRun(t *testing.T) {
	env := newTestEnv(t, map[string]registry.Factory{
		"credit_analyst": factory(stage.HandlerFunc(func(ctx context.Context, _ stage.Input) (domain.StageResult, error) {
			<-ctx.Done()
			return domain.StageResult{}, ctx.Err()
		})),
	}, []engine.Stage{{ID: "credit_analyst", Weight: 100}}, withStageTimeout(20*time.Millisecond))

	start(t, env, "run-t")
	final, err := wait(t, env, "run-t")
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "timed out")
}

func TestPanickingStageFailsRun(t *testing.T) {
	env := newTestEnv(t, map[string]registry.Factory{
		"credit_analyst": factory(stage.HandlerFunc(func(context.Context, stage.Input) (domain.StageResult, error) {
			panic("nil bureau report")
		})),
	}, []engine.Stage{{ID: "credit_analyst", Weight: 100}})

	start(t, env, "run-p")
	final, err := wait(t, env, "run-p")
	require.Error(t, err)
	assert.Contains(t, final.Error, "panicked")
}

func TestParticipantBusyDuringStage(t *testing.T) {
	var env testEnv
	var busySeen, priorSeen atomic.Bool
	env = newTestEnv(t, map[string]registry.Factory{
		"credit_analyst": factory(ok("credit ok")),
		"decision_agent": factory(stage.HandlerFunc(func(ctx context.Context, in stage.Input) (domain.StageResult, error) {
			busySeen.Store(len(env.Hub.FindByCapability(ctx, "decision")) == 0)
			priorSeen.Store(in.Prior["credit"].AnalysisText == "credit ok")
			return domain.StageResult{StructuredData: map[string]any{"decision": "approved", "risk_score": float64(10)}}, nil
		})),
	}, []engine.Stage{{ID: "credit_analyst", Weight: 40}, {ID: "decision_agent", Weight: 60}})

	start(t, env, "run-b")
	_, err := wait(t, env, "run-b")
	require.NoError(t, err)
	assert.True(t, busySeen.Load(), "participant should be busy while its stage runs")
	assert.True(t, priorSeen.Load(), "prior results keyed by short name")
	assert.Len(t, env.Hub.FindByCapability(env.Ctx, "decision"), 1)
}

func TestParticipantStaysBusyAcrossOverlappingRuns(t *testing.T) {
	entered := make(chan string, 2)
	gates := map[string]chan struct{}{"run-x": make(chan struct{}), "run-y": make(chan struct{})}
	env := newTestEnv(t, map[string]registry.Factory{
		"credit_analyst": factory(stage.HandlerFunc(func(ctx context.Context, in stage.Input) (domain.StageResult, error) {
			entered <- in.RunID
			select {
			case <-gates[in.RunID]:
			case <-ctx.Done():
				return domain.StageResult{}, ctx.Err()
			}
			return domain.StageResult{AnalysisText: "ok"}, nil
		})),
		"decision_agent": factory(decider()),
	}, []engine.Stage{{ID: "credit_analyst", Weight: 50}, {ID: "decision_agent", Weight: 50}})

	start(t, env, "run-x")
	start(t, env, "run-y")
	<-entered
	<-entered
	assert.Empty(t, env.Hub.FindByCapability(env.Ctx, "credit"))

	close(gates["run-x"])
	_, err := wait(t, env, "run-x")
	require.NoError(t, err)
	assert.Empty(t, env.Hub.FindByCapability(env.Ctx, "credit"), "still serving run-y")

	close(gates["run-y"])
	_, err = wait(t, env, "run-y")
	require.NoError(t, err)
	assert.Len(t, env.Hub.FindByCapability(env.Ctx, "credit"), 1)
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	env := newTestEnv(t, map[string]registry.Factory{
		"credit_analyst": factory(ok("c")),
		"decision_agent": factory(decider()),
	}, []engine.Stage{{ID: "credit_analyst", Weight: 50}, {ID: "decision_agent", Weight: 50}})

	ids := []string{"run-1", "run-2", "run-3"}
	for _, id := range ids {
		start(t, env, id)
	}
	for _, id := range ids {
		final, err := wait(t, env, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, final.Status)
	}
	runs, err := env.Engine.ListRuns(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestNewRejectsInvalidSequences(t *testing.T) {
	reg := registry.New()
	reg.Register("a", factory(ok("a")))
	store := kv.RunStore{Store: &recordingStore{snapshots: map[string][]domain.PipelineRun{}}}

	_, err := engine.New(engine.Options{Runs: store, Registry: reg, Stages: []engine.Stage{{ID: "a", Weight: 90}}})
	assert.ErrorIs(t, err, engine.ErrInvalidStages)

	_, err = engine.New(engine.Options{Runs: store, Registry: reg, Stages: []engine.Stage{{ID: "a", Weight: 50}, {ID: "a", Weight: 50}}})
	assert.ErrorIs(t, err, engine.ErrInvalidStages)

	_, err = engine.New(engine.Options{Runs: store, Registry: reg, Stages: []engine.Stage{{ID: "a", Weight: 50}, {ID: "b", Weight: 50}}})
	assert.ErrorIs(t, err, registry.ErrUnknownCapability)
}

func TestWaitOnUnknownRun(t *testing.T) {
	env := newTestEnv(t, map[string]registry.Factory{"credit_analyst": factory(ok("x"))},
		[]engine.Stage{{ID: "credit_analyst", Weight: 100}})
	_, err := env.Engine.Wait(env.Ctx, "nope")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

// stallingStore holds the first run write until released and then fails it.
type stallingStore struct {
	kv.Store
	entered chan struct{}
	release chan struct{}
	err     error
}

func (s *stallingStore) Get(context.Context, string) ([]byte, error) { return nil, kv.ErrNotFound }

func (s *stallingStore) Set(context.Context, string, []byte, time.Duration) error {
	close(s.entered)
	<-s.release
	return s.err
}

func TestWaitReportsFailedCreate(t *testing.T) {
	reg := registry.New()
	reg.Register("credit_analyst", factory(ok("x")))
	store := &stallingStore{entered: make(chan struct{}), release: make(chan struct{}), err: errors.New("disk full")}
	eng, err := engine.New(engine.Options{
		Runs:     kv.RunStore{Store: store},
		Registry: reg,
		Stages:   []engine.Stage{{ID: "credit_analyst", Weight: 100}},
		Logger:   logging.NopLogger(),
	})
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() {
		_, err := eng.Start(context.Background(), engine.StartRequest{RunID: "run-f", SubjectID: "s", CaseRef: "LN-9"})
		startErr <- err
	}()
	<-store.entered

	waitErr := make(chan error, 1)
	go func() {
		_, err := eng.Wait(context.Background(), "run-f")
		waitErr <- err
	}()
	// let Wait pick up the in-flight task before the write fails
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	assert.ErrorIs(t, <-startErr, store.err)
	assert.ErrorIs(t, <-waitErr, store.err)
}
