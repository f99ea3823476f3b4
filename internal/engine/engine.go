// Package engine drives schedules: it scans partitions for due work,
// guards run exclusivity, executes actions on a bounded worker pool
// and enforces per-schedule runtime limits.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"schedengine/internal/action"
	"schedengine/internal/cronexpr"
	"schedengine/internal/partition"
	"schedengine/internal/shared"
	"schedengine/internal/store"
	"schedengine/pkg/retry"
)

// Options tunes the engine. The zero value gets defaults.
type Options struct {
	// TickInterval is how often due schedules are scanned.
	TickInterval time.Duration
	// Workers bounds concurrent action executions.
	Workers int
	// RetentionDays is how long terminal runs are kept.
	RetentionDays int
	// PersistRetry is the policy for run-state writes.
	PersistRetry retry.Config
}

func (o *Options) withDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 15 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 30
	}
	if o.PersistRetry.MaxAttempts == 0 {
		o.PersistRetry = retry.DefaultConfig()
	}
}

// Engine owns the tick loop and the worker pool.
type Engine struct {
	repo     *partition.Repository
	registry *action.Registry
	log      *slog.Logger
	opts     Options

	// Now is the scan clock, overridable in tests.
	Now func() time.Time

	slots       chan struct{}
	wg          sync.WaitGroup
	runCtx      context.Context
	cancel      context.CancelFunc
	loopDone    chan struct{}
	maintenance *maintenance

	mu      sync.Mutex
	started bool
}

// New creates an engine over a partition repository and an action
// registry.
func New(repo *partition.Repository, registry *action.Registry, log *slog.Logger, opts Options) *Engine {
	opts.withDefaults()
	return &Engine{
		repo:     repo,
		registry: registry,
		log:      log,
		opts:     opts,
		Now:      time.Now,
		slots:    make(chan struct{}, opts.Workers),
	}
}

// Start launches the tick loop and the retention job. It returns
// immediately; execution continues until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.runCtx = runCtx
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	e.maintenance = newMaintenance(e, e.log)
	if err := e.maintenance.start(); err != nil {
		cancel()
		return err
	}

	e.started = true
	go e.loop(runCtx)
	e.log.Info("engine started",
		"tick_interval", e.opts.TickInterval,
		"workers", e.opts.Workers,
		"actions", e.registry.IDs())
	return nil
}

// Stop halts the tick loop and waits for in-flight runs up to the
// context deadline.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel := e.cancel
	loopDone := e.loopDone
	maint := e.maintenance
	e.mu.Unlock()

	maint.stop()
	cancel()
	<-loopDone

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		e.log.Info("engine stopped")
		return nil
	case <-ctx.Done():
		e.log.Warn("engine stopped with runs still in flight")
		return ctx.Err()
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	e.reconcile(ctx)
	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// reconcile fails runs left non-terminal by the previous process.
// This engine has started nothing yet, so every pending or running run
// created before now is an orphan from a crash or unclean shutdown,
// and would otherwise hold its schedule's exclusivity guard forever.
func (e *Engine) reconcile(ctx context.Context) {
	cutoff := e.Now().UTC()
	for _, partitionID := range e.repo.Partitions() {
		h, err := e.repo.Open(ctx, partitionID)
		if err != nil {
			e.log.Error("partition unavailable", "partition_id", partitionID, "error", err)
			continue
		}
		n, err := h.Runs.FailStale(ctx, cutoff, "interrupted by engine restart")
		if err != nil {
			e.log.Error("stale run sweep failed", "partition_id", partitionID, "error", err)
			continue
		}
		if n > 0 {
			e.log.Warn("stale runs failed", "partition_id", partitionID, "count", n)
		}
	}
}

// tick scans every partition once. A failure in one partition or one
// schedule never stops the rest of the scan.
func (e *Engine) tick(ctx context.Context) {
	now := e.Now().UTC()
	for _, partitionID := range e.repo.Partitions() {
		h, err := e.repo.Open(ctx, partitionID)
		if err != nil {
			e.log.Error("partition unavailable", "partition_id", partitionID, "error", err)
			continue
		}
		due, err := h.Schedules.ListDue(ctx, now)
		if err != nil {
			e.log.Error("due scan failed", "partition_id", partitionID, "error", err)
			continue
		}
		for _, sched := range due {
			if err := e.fire(ctx, h, sched, now); err != nil {
				e.log.Error("schedule fire failed",
					"partition_id", partitionID,
					"schedule_id", sched.ID,
					"error", err)
			}
		}
	}
}

// fire handles one due schedule: claim a run under the exclusivity
// guard, advance next_run_at, and hand the run to a worker. The
// schedule advances even when the guard refuses, so a long run makes
// the engine skip occurrences instead of queueing them.
func (e *Engine) fire(ctx context.Context, h *partition.Handle, sched store.Schedule, now time.Time) error {
	if sched.NextRunAt == nil {
		return nil
	}
	dueAt := sched.NextRunAt.UTC()

	run, created, err := h.Runs.CreateExclusive(ctx, sched.ID, dueAt)
	if err != nil {
		return err
	}

	if err := e.advance(ctx, h, sched, dueAt, now); err != nil {
		// The claimed run must not stay pending: an orphan would hold
		// the exclusivity guard until reconciliation.
		if created {
			e.persistFail(h, run.ID, "schedule advance failed: "+err.Error())
		}
		return err
	}

	if !created {
		e.log.Info("occurrence skipped, run still active",
			"partition_id", h.PartitionID, "schedule_id", sched.ID, "due_at", dueAt)
		return nil
	}
	e.submit(ctx, h, sched, run)
	return nil
}

// advance computes the occurrence after dueAt. Occurrences that fell
// behind the wall clock are dropped, not replayed.
func (e *Engine) advance(ctx context.Context, h *partition.Handle, sched store.Schedule, dueAt, now time.Time) error {
	next, err := cronexpr.NextFire(sched.CronExpression, sched.Timezone, dueAt)
	if err != nil {
		return err
	}
	if !next.IsZero() && !next.After(now) {
		next, err = cronexpr.NextFire(sched.CronExpression, sched.Timezone, now)
		if err != nil {
			return err
		}
	}
	if next.IsZero() {
		return h.Schedules.SetNextRunAt(ctx, sched.ID, nil)
	}
	return h.Schedules.SetNextRunAt(ctx, sched.ID, &next)
}

// TriggerNow creates a run for a schedule outside its cron cadence.
// It bypasses the exclusivity guard: an extra run is created even when
// one is already active. Disabled schedules can be triggered. The
// returned run id acknowledges dispatch; completion is asynchronous
// and outlives the caller's context.
func (e *Engine) TriggerNow(ctx context.Context, partitionID, scheduleID string) (string, error) {
	h, err := e.repo.Open(ctx, partitionID)
	if err != nil {
		return "", err
	}
	sched, err := h.Schedules.Get(ctx, scheduleID)
	if err != nil {
		return "", err
	}

	run, err := h.Runs.Create(ctx, sched.ID, e.Now().UTC())
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	e.log.Info("manual trigger",
		"partition_id", partitionID, "schedule_id", scheduleID, "run_id", run.ID)
	e.submit(runCtx, h, sched, run)
	return run.ID, nil
}

// submit hands a pending run to the worker pool without blocking the
// scan loop.
func (e *Engine) submit(ctx context.Context, h *partition.Handle, sched store.Schedule, run store.Run) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case e.slots <- struct{}{}:
		case <-ctx.Done():
			e.persistFail(h, run.ID, "engine shutting down")
			return
		}
		defer func() { <-e.slots }()
		e.execute(ctx, h, sched, run)
	}()
}

// execute moves a run through its lifecycle. The action races a
// deadline derived from the schedule's max runtime; on loss the run is
// marked timed out, the action keeps the cancel signal, and whatever
// it reports afterwards is discarded.
func (e *Engine) execute(ctx context.Context, h *partition.Handle, sched store.Schedule, run store.Run) {
	if _, err := h.Runs.Start(ctx, run.ID); err != nil {
		e.log.Error("run start failed", "run_id", run.ID, "error", err)
		e.persistFail(h, run.ID, "run start failed: "+err.Error())
		return
	}

	actx := action.Context{
		PartitionID:   h.PartitionID,
		PartitionPath: h.Path,
		ScheduleID:    sched.ID,
		RunID:         run.ID,
		UserID:        sched.CreatedBy,
	}

	execCtx, cancel := context.WithTimeout(ctx, sched.MaxRuntime)
	defer cancel()

	results := make(chan action.Result, 1)
	go func() {
		results <- e.registry.Execute(execCtx, sched.Action.ActionID, sched.Action.Params, actx)
	}()

	select {
	case res := <-results:
		if res.OK {
			e.persist(h, run.ID, func(ctx context.Context) error {
				_, err := h.Runs.Complete(ctx, run.ID, res.Output)
				return err
			})
			e.log.Info("run completed", "run_id", run.ID, "schedule_id", sched.ID)
		} else {
			e.persistFail(h, run.ID, res.Message)
			e.log.Warn("run failed", "run_id", run.ID, "schedule_id", sched.ID, "error", res.Message)
		}
	case <-execCtx.Done():
		if ctx.Err() != nil {
			e.persistFail(h, run.ID, "engine shutting down")
			return
		}
		e.persist(h, run.ID, func(ctx context.Context) error {
			_, err := h.Runs.Timeout(ctx, run.ID)
			return err
		})
		e.log.Warn("run timed out",
			"run_id", run.ID, "schedule_id", sched.ID, "max_runtime", sched.MaxRuntime)
	}
}

func (e *Engine) persistFail(h *partition.Handle, runID, message string) {
	e.persist(h, runID, func(ctx context.Context) error {
		_, err := h.Runs.Fail(ctx, runID, message)
		return err
	})
}

// persist writes a terminal run state, retrying transient store
// failures. State transitions rejected by the store are permanent; a
// late writer finding the run already terminal must not loop.
func (e *Engine) persist(h *partition.Handle, runID string, write func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := e.opts.PersistRetry
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		e.log.Warn("run state write retry", "run_id", runID, "attempt", attempt, "error", err)
	}
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		err := write(ctx)
		if shared.IsInvalidTransition(err) || shared.IsNotFound(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		e.log.Error("run state write failed", "run_id", runID, "error", err)
	}
}

// pruneRuns deletes terminal runs older than the retention window in
// every partition.
func (e *Engine) pruneRuns(ctx context.Context) {
	cutoff := e.Now().UTC().AddDate(0, 0, -e.opts.RetentionDays)
	for _, partitionID := range e.repo.Partitions() {
		h, err := e.repo.Open(ctx, partitionID)
		if err != nil {
			e.log.Error("partition unavailable", "partition_id", partitionID, "error", err)
			continue
		}
		n, err := h.Runs.PruneTerminal(ctx, cutoff)
		if err != nil {
			e.log.Error("run pruning failed", "partition_id", partitionID, "error", err)
			continue
		}
		if n > 0 {
			e.log.Info("runs pruned", "partition_id", partitionID, "count", n, "cutoff", cutoff)
		}
	}
}
