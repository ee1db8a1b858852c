package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"underwriter/internal/db"
	"underwriter/internal/events"
	"underwriter/internal/kv"
	"underwriter/internal/migrate"
	"underwriter/internal/repo"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestRepo(t *testing.T) (repo.Repo, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return repo.Repo{DB: conn, Now: c.Now}, c
}

func TestRepoGetSetDelete(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)

	_, err := r.Get(ctx, "missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, r.Set(ctx, "k", []byte("v1"), 0))
	require.NoError(t, r.Set(ctx, "k", []byte("v2"), 0))
	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	require.NoError(t, r.Delete(ctx, "k"))
	_, err = r.Get(ctx, "k")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRepoExpiry(t *testing.T) {
	ctx := context.Background()
	r, c := newTestRepo(t)

	require.NoError(t, r.Set(ctx, "workflow:a", []byte("{}"), time.Hour))
	require.NoError(t, r.Set(ctx, "workflow:b", []byte("{}"), 0))

	keys, err := r.Keys(ctx, "workflow:")
	require.NoError(t, err)
	assert.Equal(t, []string{"workflow:a", "workflow:b"}, keys)

	c.t = c.t.Add(2 * time.Hour)
	keys, err = r.Keys(ctx, "workflow:")
	require.NoError(t, err)
	assert.Equal(t, []string{"workflow:b"}, keys)

	_, err = r.Get(ctx, "workflow:a")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, r.Set(ctx, "agent:x", []byte("{}"), time.Minute))
	c.t = c.t.Add(time.Hour)
	n, err := r.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRepoKeysEscapesWildcards(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)
	require.NoError(t, r.Set(ctx, "a_1", []byte("x"), 0))
	require.NoError(t, r.Set(ctx, "ab1", []byte("x"), 0))

	keys, err := r.Keys(ctx, "a_")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_1"}, keys)
}

func TestAuditEvents(t *testing.T) {
	ctx := context.Background()
	r, c := newTestRepo(t)
	w := events.Writer{DB: r.DB, Now: c.Now}

	require.NoError(t, w.Append(ctx, events.WorkflowStarted, "run-1", "", "started", nil))
	require.NoError(t, w.Append(ctx, events.AgentStarted, "run-1", "credit_analyst", "credit started", events.EventPayload{"attempt": 1}))
	require.NoError(t, w.Append(ctx, events.WorkflowStarted, "run-2", "", "started", nil))

	trail, err := r.EventsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, events.WorkflowStarted, trail[0].Type)
	assert.Equal(t, "", trail[0].Stage)
	assert.Equal(t, "credit_analyst", trail[1].Stage)
	assert.JSONEq(t, `{"attempt":1}`, trail[1].Payload)

	latest, err := r.LatestEvents(ctx, repo.EventFilters{Type: events.WorkflowStarted, Limit: 10})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "run-2", latest[0].RunID)
}
