// Package kv defines the expiring key-value store that holds run state and
// the hub's cached participant roster. SQLite (repo.Repo) and Redis back it.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"underwriter/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is a key-value store with per-key expiry. A zero ttl never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

const runKeyPrefix = "workflow:"

// RunKey is the store key for a run's serialized state.
func RunKey(runID string) string { return runKeyPrefix + runID }

// RunStore persists PipelineRun snapshots as JSON.
type RunStore struct {
	Store Store
	TTL   time.Duration
}

func (s RunStore) SaveRun(ctx context.Context, run domain.PipelineRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.RunID, err)
	}
	if err := s.Store.Set(ctx, RunKey(run.RunID), data, s.TTL); err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

func (s RunStore) GetRun(ctx context.Context, runID string) (domain.PipelineRun, error) {
	data, err := s.Store.Get(ctx, RunKey(runID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.PipelineRun{}, fmt.Errorf("workflow %s: %w", runID, ErrNotFound)
		}
		return domain.PipelineRun{}, err
	}
	var run domain.PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return domain.PipelineRun{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns every unexpired run, most recently started first.
func (s RunStore) ListRuns(ctx context.Context) ([]domain.PipelineRun, error) {
	keys, err := s.Store.Keys(ctx, runKeyPrefix)
	if err != nil {
		return nil, err
	}
	runs := make([]domain.PipelineRun, 0, len(keys))
	for _, k := range keys {
		run, err := s.GetRun(ctx, strings.TrimPrefix(k, runKeyPrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt > runs[j].StartedAt })
	return runs, nil
}
