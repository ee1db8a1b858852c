package app_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"underwriter/internal/analyst"
	"underwriter/internal/app"
	"underwriter/internal/config"
	"underwriter/internal/domain"
	"underwriter/internal/engine"
	"underwriter/internal/logging"
	"underwriter/internal/repo"
)

func stubCompleter() analyst.Completer {
	return analyst.CompleterFunc(func(_ context.Context, p analyst.Prompt) (analyst.Completion, error) {
		if strings.Contains(p.System, "decision maker") {
			return analyst.Completion{Text: `{"analysis":"approve","confidence_score":0.9,` +
				`"structured_data":{"decision":"approved","risk_score":22,"requires_human_review":false}}`, TokensUsed: 10}, nil
		}
		return analyst.Completion{Text: `{"analysis":"fine","recommendation":"approve","confidence_score":0.8}`, TokensUsed: 5}, nil
	})
}

func newApp(t *testing.T, mutate func(*config.Config)) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Workspace = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	a, err := app.New(context.Background(), cfg, app.Options{Logger: logging.NopLogger(), Completer: stubCompleter()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

func runToCompletion(t *testing.T, a *app.App, runID string) domain.PipelineRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Engine.Start(ctx, engine.StartRequest{RunID: runID, SubjectID: "app-1", CaseRef: "LN-1"})
	require.NoError(t, err)
	run, err := a.Engine.Wait(ctx, runID)
	require.NoError(t, err)
	return run
}

func TestNewWiresDefaultPipeline(t *testing.T) {
	a := newApp(t, nil)

	assert.Equal(t, []string{"credit_analyst", "income_analyst", "asset_analyst", "collateral_analyst", "critic_agent", "decision_agent"},
		a.Config.StageIDs())
	assert.Len(t, a.Hub.List(context.Background()), 7)
	for _, id := range a.Config.StageIDs() {
		assert.True(t, a.Registry.Has(id), id)
	}
	_, ok := a.Store.(repo.Repo)
	assert.True(t, ok, "sqlite driver stores state in the repo")

	run := runToCompletion(t, a, "wf-1")
	assert.Equal(t, domain.StatusCompleted, run.Status)
	require.NotNil(t, run.Decision)
	assert.Equal(t, "approved", run.Decision.Decision)
	assert.Equal(t, 22, run.Decision.RiskScore)

	trail, err := a.Repo.EventsForRun(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.NotEmpty(t, trail)

	handler, err := a.Handler("test")
	require.NoError(t, err)
	assert.NotNil(t, handler)
}

func TestStageParticipantsOutsideRosterAreRegistered(t *testing.T) {
	a := newApp(t, func(cfg *config.Config) {
		cfg.Hub.Roster = nil
		cfg.Pipeline.Stages[0].Participant = "bureau_agent"
	})

	p, err := a.Hub.Get(context.Background(), "bureau_agent")
	require.NoError(t, err)
	assert.Equal(t, []string{"credit_analyst"}, p.Capabilities)
	stages := app.Stages(a.Config)
	assert.Equal(t, "bureau_agent", stages[0].Participant)
	assert.Equal(t, "income_analyst", stages[1].Participant)
}

func TestRedisDriver(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newApp(t, func(cfg *config.Config) {
		cfg.Store.Driver = "redis"
		cfg.Store.RedisAddr = mr.Addr()
	})
	require.NotNil(t, a.Redis)

	run := runToCompletion(t, a, "wf-redis")
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.True(t, mr.Exists("underwriter:workflow:wf-redis"))
	assert.True(t, mr.Exists("underwriter:agent:decision_agent"))
	assert.Greater(t, mr.TTL("underwriter:workflow:wf-redis"), time.Duration(0))
}

func TestRedisDriverUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Workspace = t.TempDir()
	cfg.Store.Driver = "redis"
	cfg.Store.RedisAddr = "127.0.0.1:1"
	_, err := app.New(context.Background(), cfg, app.Options{Logger: logging.NopLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}
