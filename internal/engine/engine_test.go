package engine

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedengine/internal/action"
	"schedengine/internal/partition"
	"schedengine/internal/shared"
	"schedengine/internal/store"
)

type testEnv struct {
	engine   *Engine
	repo     *partition.Repository
	registry *action.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := partition.NewSQLiteRepository(t.TempDir(), []string{"default"}, log)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.EnsureConfigured(context.Background()))

	registry := action.NewRegistry(log)
	eng := New(repo, registry, log, Options{
		TickInterval: 20 * time.Millisecond,
		Workers:      2,
	})
	return &testEnv{engine: eng, repo: repo, registry: registry}
}

func (env *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, env.engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.engine.Stop(ctx)
	})
}

// createDue inserts a schedule and backdates its next occurrence so
// the next tick picks it up.
func (env *testEnv) createDue(t *testing.T, actionID string, maxRuntime time.Duration) store.Schedule {
	t.Helper()
	h, err := env.repo.Open(context.Background(), "default")
	require.NoError(t, err)

	sched, err := h.Schedules.Create(context.Background(), store.NewSchedule{
		Name:           "test " + actionID,
		CronExpression: "0 0 * * *",
		Timezone:       "UTC",
		Enabled:        true,
		Action:         store.ActionDescriptor{ActionID: actionID},
		MaxRuntime:     maxRuntime,
	})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Second)
	require.NoError(t, h.Schedules.SetNextRunAt(context.Background(), sched.ID, &past))
	return sched
}

func (env *testEnv) runsOf(t *testing.T, scheduleID string) []store.Run {
	t.Helper()
	h, err := env.repo.Open(context.Background(), "default")
	require.NoError(t, err)
	runs, err := h.Runs.List(context.Background(), scheduleID, store.RunFilter{})
	require.NoError(t, err)
	return runs
}

func TestEngineExecutesDueSchedule(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Register("ok", func(context.Context, map[string]any, action.Context) (action.Result, error) {
		return action.Success("done", "all good"), nil
	}))

	sched := env.createDue(t, "ok", time.Minute)
	env.start(t)

	require.Eventually(t, func() bool {
		runs := env.runsOf(t, sched.ID)
		return len(runs) == 1 && runs[0].Status == store.RunCompleted
	}, 3*time.Second, 10*time.Millisecond)

	runs := env.runsOf(t, sched.ID)
	assert.Equal(t, "all good", runs[0].Output)
	require.NotNil(t, runs[0].StartedAt)
	require.NotNil(t, runs[0].CompletedAt)

	h, err := env.repo.Open(context.Background(), "default")
	require.NoError(t, err)
	got, err := h.Schedules.Get(context.Background(), sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now()))
}

func TestEngineSkipsWhileRunActive(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	require.NoError(t, env.registry.Register("slow", func(ctx context.Context, _ map[string]any, _ action.Context) (action.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return action.Success("", ""), nil
	}))

	sched := env.createDue(t, "slow", time.Minute)
	env.start(t)

	require.Eventually(t, func() bool {
		runs := env.runsOf(t, sched.ID)
		return len(runs) == 1 && runs[0].Status == store.RunRunning
	}, 3*time.Second, 10*time.Millisecond)

	// Make the schedule due again while the first run is active. The
	// tick must skip it but still push next_run_at forward.
	h, err := env.repo.Open(context.Background(), "default")
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Second)
	require.NoError(t, h.Schedules.SetNextRunAt(context.Background(), sched.ID, &past))

	require.Eventually(t, func() bool {
		got, err := h.Schedules.Get(context.Background(), sched.ID)
		return err == nil && got.NextRunAt != nil && got.NextRunAt.After(time.Now())
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, env.runsOf(t, sched.ID), 1)

	close(release)
	require.Eventually(t, func() bool {
		runs := env.runsOf(t, sched.ID)
		return len(runs) == 1 && runs[0].Status == store.RunCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngineTimesOutLongRun(t *testing.T) {
	env := newTestEnv(t)
	var lateResults atomic.Int32
	require.NoError(t, env.registry.Register("hang", func(ctx context.Context, _ map[string]any, _ action.Context) (action.Result, error) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		lateResults.Add(1)
		return action.Success("too late", "ignored"), nil
	}))

	sched := env.createDue(t, "hang", 50*time.Millisecond)
	env.start(t)

	require.Eventually(t, func() bool {
		runs := env.runsOf(t, sched.ID)
		return len(runs) == 1 && runs[0].Status == store.RunTimedOut
	}, 3*time.Second, 10*time.Millisecond)

	// The late success must not overwrite the terminal state.
	require.Eventually(t, func() bool { return lateResults.Load() > 0 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	runs := env.runsOf(t, sched.ID)
	assert.Equal(t, store.RunTimedOut, runs[0].Status)
	assert.Empty(t, runs[0].Output)
}

func TestEngineRecordsFailure(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Register("bad", func(context.Context, map[string]any, action.Context) (action.Result, error) {
		return action.Failure("disk full"), nil
	}))
	require.NoError(t, env.registry.Register("ok", func(context.Context, map[string]any, action.Context) (action.Result, error) {
		return action.Success("", ""), nil
	}))

	failing := env.createDue(t, "bad", time.Minute)
	healthy := env.createDue(t, "ok", time.Minute)
	env.start(t)

	require.Eventually(t, func() bool {
		bad := env.runsOf(t, failing.ID)
		good := env.runsOf(t, healthy.ID)
		return len(bad) == 1 && bad[0].Status == store.RunFailed &&
			len(good) == 1 && good[0].Status == store.RunCompleted
	}, 3*time.Second, 10*time.Millisecond)

	runs := env.runsOf(t, failing.ID)
	assert.Equal(t, "disk full", runs[0].Error)
}

func TestEngineUnknownActionFailsRun(t *testing.T) {
	env := newTestEnv(t)

	sched := env.createDue(t, "ghost", time.Minute)
	env.start(t)

	require.Eventually(t, func() bool {
		runs := env.runsOf(t, sched.ID)
		return len(runs) == 1 && runs[0].Status == store.RunFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, env.runsOf(t, sched.ID)[0].Error, "action not found: ghost")
}

func TestTriggerNowBypassesGuard(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, env.registry.Register("slow", func(ctx context.Context, _ map[string]any, _ action.Context) (action.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return action.Success("", ""), nil
	}))

	sched := env.createDue(t, "slow", time.Minute)
	env.start(t)

	require.Eventually(t, func() bool {
		return len(env.runsOf(t, sched.ID)) == 1
	}, 3*time.Second, 10*time.Millisecond)

	runID, err := env.engine.TriggerNow(context.Background(), "default", sched.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	assert.Len(t, env.runsOf(t, sched.ID), 2)
}

func TestTriggerNowUnknownSchedule(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	_, err := env.engine.TriggerNow(context.Background(), "default", "missing")
	require.Error(t, err)
	assert.Equal(t, shared.KindNotFound, shared.KindOf(err))
}

func TestEngineClearsUnsatisfiableSchedule(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Register("ok", func(context.Context, map[string]any, action.Context) (action.Result, error) {
		return action.Success("", ""), nil
	}))

	h, err := env.repo.Open(context.Background(), "default")
	require.NoError(t, err)
	sched, err := h.Schedules.Create(context.Background(), store.NewSchedule{
		Name:           "never again",
		CronExpression: "0 0 31 2 *",
		Timezone:       "UTC",
		Enabled:        true,
		Action:         store.ActionDescriptor{ActionID: "ok"},
		MaxRuntime:     time.Minute,
	})
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Second)
	require.NoError(t, h.Schedules.SetNextRunAt(context.Background(), sched.ID, &past))

	env.start(t)

	require.Eventually(t, func() bool {
		got, err := h.Schedules.Get(context.Background(), sched.ID)
		return err == nil && got.NextRunAt == nil
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		runs := env.runsOf(t, sched.ID)
		return len(runs) == 1 && runs[0].Status == store.RunCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngineReconcilesOrphanedRuns(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Register("ok", func(context.Context, map[string]any, action.Context) (action.Result, error) {
		return action.Success("", ""), nil
	}))

	sched := env.createDue(t, "ok", time.Minute)
	h, err := env.repo.Open(context.Background(), "default")
	require.NoError(t, err)

	// A pending run left behind by a dead process holds the
	// exclusivity guard, so without the startup sweep the schedule
	// could never fire again.
	orphan, err := h.Runs.Create(context.Background(), sched.ID, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)

	// Keep the orphan's creation instant strictly behind the sweep
	// cutoff at millisecond resolution.
	time.Sleep(5 * time.Millisecond)
	env.start(t)

	require.Eventually(t, func() bool {
		got, err := h.Runs.Get(context.Background(), orphan.ID)
		return err == nil && got.Status == store.RunFailed
	}, 3*time.Second, 10*time.Millisecond)
	got, err := h.Runs.Get(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, "interrupted by engine restart", got.Error)

	require.Eventually(t, func() bool {
		for _, run := range env.runsOf(t, sched.ID) {
			if run.ID != orphan.ID && run.Status == store.RunCompleted {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngineStopIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.engine.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.engine.Stop(ctx))
	require.NoError(t, env.engine.Stop(ctx))
}
