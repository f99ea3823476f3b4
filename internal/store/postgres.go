package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"schedengine/internal/cronexpr"
	"schedengine/internal/shared"
)

// PGSchedules implements Schedules on a shared Postgres database.
// Partitions are rows, not separate databases, so every store carries
// its partition id into each query.
type PGSchedules struct {
	pool        *pgxpool.Pool
	partitionID string
	Now         func() time.Time
}

// NewPGSchedules creates the schedule store for one partition.
func NewPGSchedules(pool *pgxpool.Pool, partitionID string) *PGSchedules {
	return &PGSchedules{pool: pool, partitionID: partitionID, Now: time.Now}
}

const pgScheduleColumns = `id, partition_id, name, description, action_type, action_id, action_params,
cron_expression, timezone, enabled, next_run_at, max_runtime_ms, created_by, created_at, updated_at`

// Create implements Schedules.
func (s *PGSchedules) Create(ctx context.Context, ns NewSchedule) (Schedule, error) {
	if err := validateNewSchedule(ns); err != nil {
		return Schedule{}, err
	}
	now := s.Now().UTC().Truncate(time.Millisecond)

	var next *time.Time
	if ns.Enabled {
		n, err := cronexpr.NextFire(ns.CronExpression, ns.Timezone, now)
		if err != nil {
			return Schedule{}, err
		}
		if !n.IsZero() {
			next = &n
		}
	}

	sched := Schedule{
		ID:             uuid.NewString(),
		PartitionID:    s.partitionID,
		Name:           ns.Name,
		Description:    ns.Description,
		Action:         normalizeAction(ns.Action),
		CronExpression: ns.CronExpression,
		Timezone:       ns.Timezone,
		Enabled:        ns.Enabled,
		NextRunAt:      next,
		MaxRuntime:     ns.MaxRuntime,
		CreatedBy:      ns.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	params, err := json.Marshal(sched.Action.Params)
	if err != nil {
		return Schedule{}, shared.MarkKind(err, shared.KindValidation)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO schedules (`+pgScheduleColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sched.ID, sched.PartitionID, sched.Name, sched.Description,
		string(sched.Action.Kind), sched.Action.ActionID, params,
		sched.CronExpression, sched.Timezone, sched.Enabled,
		msOrNil(sched.NextRunAt), sched.MaxRuntime.Milliseconds(), sched.CreatedBy,
		ms(sched.CreatedAt), ms(sched.UpdatedAt))
	if err != nil {
		return Schedule{}, shared.MarkKind(shared.Wrap(err, "create schedule"), shared.KindStore)
	}
	return sched, nil
}

// Get implements Schedules.
func (s *PGSchedules) Get(ctx context.Context, id string) (Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgScheduleColumns+` FROM schedules WHERE id = $1 AND partition_id = $2`,
		id, s.partitionID)
	sched, err := scanPGSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Schedule{}, shared.Wrapf(shared.ErrNotFound, "schedule %s", id)
	}
	if err != nil {
		return Schedule{}, shared.MarkKind(shared.Wrap(err, "get schedule"), shared.KindStore)
	}
	return sched, nil
}

// List implements Schedules.
func (s *PGSchedules) List(ctx context.Context, f ScheduleFilter) ([]Schedule, error) {
	query := `SELECT ` + pgScheduleColumns + ` FROM schedules WHERE partition_id = $1`
	args := []any{s.partitionID}
	if f.EnabledOnly {
		query += ` AND enabled`
	}
	query += ` ORDER BY created_at`
	if f.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "list schedules"), shared.KindStore)
	}
	defer rows.Close()
	return collectPGSchedules(rows)
}

// Update implements Schedules.
func (s *PGSchedules) Update(ctx context.Context, id string, upd ScheduleUpdate) (Schedule, error) {
	var out Schedule
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+pgScheduleColumns+` FROM schedules WHERE id = $1 AND partition_id = $2 FOR UPDATE`,
			id, s.partitionID)
		sched, err := scanPGSchedule(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.Wrapf(shared.ErrNotFound, "schedule %s", id)
		}
		if err != nil {
			return err
		}

		recompute := false
		if upd.Description != nil {
			sched.Description = *upd.Description
		}
		if upd.CronExpression != nil && *upd.CronExpression != sched.CronExpression {
			sched.CronExpression = *upd.CronExpression
			recompute = true
		}
		if upd.Timezone != nil && *upd.Timezone != sched.Timezone {
			sched.Timezone = *upd.Timezone
			recompute = true
		}
		if upd.Enabled != nil && *upd.Enabled != sched.Enabled {
			sched.Enabled = *upd.Enabled
			recompute = true
		}

		if recompute {
			sched.NextRunAt = nil
			if sched.Enabled {
				n, err := cronexpr.NextFire(sched.CronExpression, sched.Timezone, s.Now().UTC())
				if err != nil {
					return err
				}
				if !n.IsZero() {
					n = n.Truncate(time.Millisecond)
					sched.NextRunAt = &n
				}
			}
		}
		sched.UpdatedAt = s.Now().UTC().Truncate(time.Millisecond)

		_, err = tx.Exec(ctx, `
UPDATE schedules SET description = $1, cron_expression = $2, timezone = $3, enabled = $4,
next_run_at = $5, updated_at = $6 WHERE id = $7 AND partition_id = $8`,
			sched.Description, sched.CronExpression, sched.Timezone, sched.Enabled,
			msOrNil(sched.NextRunAt), ms(sched.UpdatedAt), id, s.partitionID)
		if err != nil {
			return err
		}
		out = sched
		return nil
	})
	if err != nil {
		if shared.KindOf(err) != shared.KindUnknown {
			return Schedule{}, err
		}
		return Schedule{}, shared.MarkKind(shared.Wrap(err, "update schedule"), shared.KindStore)
	}
	return out, nil
}

// Delete implements Schedules.
func (s *PGSchedules) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM schedules WHERE id = $1 AND partition_id = $2`, id, s.partitionID)
	if err != nil {
		return shared.MarkKind(shared.Wrap(err, "delete schedule"), shared.KindStore)
	}
	if tag.RowsAffected() == 0 {
		return shared.Wrapf(shared.ErrNotFound, "schedule %s", id)
	}
	return nil
}

// ListDue implements Schedules.
func (s *PGSchedules) ListDue(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgScheduleColumns+` FROM schedules
WHERE partition_id = $1 AND enabled AND next_run_at IS NOT NULL AND next_run_at <= $2
ORDER BY next_run_at`,
		s.partitionID, ms(now))
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "list due schedules"), shared.KindStore)
	}
	defer rows.Close()
	return collectPGSchedules(rows)
}

// SetNextRunAt implements Schedules.
func (s *PGSchedules) SetNextRunAt(ctx context.Context, id string, next *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE schedules SET next_run_at = $1, updated_at = $2 WHERE id = $3 AND partition_id = $4`,
		msOrNil(next), ms(s.Now().UTC()), id, s.partitionID)
	if err != nil {
		return shared.MarkKind(shared.Wrap(err, "advance schedule"), shared.KindStore)
	}
	return nil
}

// PGRuns implements Runs on Postgres.
type PGRuns struct {
	pool *pgxpool.Pool
	Now  func() time.Time
}

// NewPGRuns creates the run tracker.
func NewPGRuns(pool *pgxpool.Pool) *PGRuns {
	return &PGRuns{pool: pool, Now: time.Now}
}

const pgRunColumns = `id, schedule_id, status, scheduled_for, started_at, completed_at, error, output, created_at`

// Create implements Runs. The insert takes the same schedule row lock
// as CreateExclusive so manual triggers serialize with the tick path.
func (r *PGRuns) Create(ctx context.Context, scheduleID string, scheduledFor time.Time) (Run, error) {
	run := r.newRun(scheduleID, scheduledFor)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockSchedule(ctx, tx, scheduleID); err != nil {
			return err
		}
		return r.insert(ctx, tx, run)
	})
	if err != nil {
		if shared.KindOf(err) != shared.KindUnknown {
			return Run{}, err
		}
		return Run{}, shared.MarkKind(shared.Wrap(err, "create run"), shared.KindStore)
	}
	return run, nil
}

// CreateExclusive implements Runs. Locking the schedule row serializes
// concurrent guards for the same schedule; the active-run check and the
// insert then happen atomically under that lock.
func (r *PGRuns) CreateExclusive(ctx context.Context, scheduleID string, scheduledFor time.Time) (Run, bool, error) {
	run := r.newRun(scheduleID, scheduledFor)
	created := false
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockSchedule(ctx, tx, scheduleID); err != nil {
			return err
		}

		var active int
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM runs WHERE schedule_id = $1 AND status IN ('pending', 'running')`,
			scheduleID).Scan(&active)
		if err != nil {
			return err
		}
		if active > 0 {
			return nil
		}
		if err := r.insert(ctx, tx, run); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		if shared.KindOf(err) != shared.KindUnknown {
			return Run{}, false, err
		}
		return Run{}, false, shared.MarkKind(shared.Wrap(err, "create run"), shared.KindStore)
	}
	if !created {
		return Run{}, false, nil
	}
	return run, true, nil
}

// Start implements Runs.
func (r *PGRuns) Start(ctx context.Context, runID string) (Run, error) {
	return r.transition(ctx, runID, func(run *Run, now time.Time) error {
		if run.Status != RunPending {
			return shared.Wrapf(shared.ErrInvalidTransition, "run %s is %s, want pending", runID, run.Status)
		}
		run.Status = RunRunning
		run.StartedAt = &now
		return nil
	})
}

// Complete implements Runs.
func (r *PGRuns) Complete(ctx context.Context, runID string, output string) (Run, error) {
	return r.finish(ctx, runID, RunCompleted, "", output)
}

// Fail implements Runs.
func (r *PGRuns) Fail(ctx context.Context, runID string, message string) (Run, error) {
	return r.finish(ctx, runID, RunFailed, message, "")
}

// Timeout implements Runs.
func (r *PGRuns) Timeout(ctx context.Context, runID string) (Run, error) {
	return r.finish(ctx, runID, RunTimedOut, "exceeded max runtime", "")
}

func (r *PGRuns) finish(ctx context.Context, runID string, status RunStatus, msg, output string) (Run, error) {
	return r.transition(ctx, runID, func(run *Run, now time.Time) error {
		if run.Status.Terminal() {
			return shared.Wrapf(shared.ErrInvalidTransition, "run %s already %s", runID, run.Status)
		}
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
		run.Status = status
		run.CompletedAt = &now
		run.Error = msg
		run.Output = output
		return nil
	})
}

func (r *PGRuns) transition(ctx context.Context, runID string, mutate func(*Run, time.Time) error) (Run, error) {
	var out Run
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1 FOR UPDATE`, runID)
		run, err := scanPGRun(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.Wrapf(shared.ErrNotFound, "run %s", runID)
		}
		if err != nil {
			return err
		}

		now := r.Now().UTC().Truncate(time.Millisecond)
		if err := mutate(&run, now); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
UPDATE runs SET status = $1, started_at = $2, completed_at = $3, error = $4, output = $5 WHERE id = $6`,
			string(run.Status), msOrNil(run.StartedAt), msOrNil(run.CompletedAt),
			nullIfEmpty(run.Error), nullIfEmpty(run.Output), runID)
		if err != nil {
			return err
		}
		out = run
		return nil
	})
	if err != nil {
		if shared.KindOf(err) != shared.KindUnknown {
			return Run{}, err
		}
		return Run{}, shared.MarkKind(shared.Wrap(err, "transition run"), shared.KindStore)
	}
	return out, nil
}

// Get implements Runs.
func (r *PGRuns) Get(ctx context.Context, runID string) (Run, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID)
	run, err := scanPGRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, shared.Wrapf(shared.ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return Run{}, shared.MarkKind(shared.Wrap(err, "get run"), shared.KindStore)
	}
	return run, nil
}

// List implements Runs.
func (r *PGRuns) List(ctx context.Context, scheduleID string, f RunFilter) ([]Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE schedule_id = $1 ORDER BY scheduled_for DESC, created_at DESC`
	args := []any{scheduleID}
	if f.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, f.Limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "list runs"), shared.KindStore)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanPGRun(rows)
		if err != nil {
			return nil, shared.MarkKind(shared.Wrap(err, "scan run"), shared.KindStore)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "list runs"), shared.KindStore)
	}
	return out, nil
}

// HasActive implements Runs.
func (r *PGRuns) HasActive(ctx context.Context, scheduleID string) (bool, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE schedule_id = $1 AND status IN ('pending', 'running')`,
		scheduleID).Scan(&n)
	if err != nil {
		return false, shared.MarkKind(shared.Wrap(err, "check active runs"), shared.KindStore)
	}
	return n > 0, nil
}

// PruneTerminal implements Runs.
func (r *PGRuns) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM runs WHERE status IN ('completed', 'failed', 'timed_out') AND scheduled_for < $1`,
		ms(cutoff))
	if err != nil {
		return 0, shared.MarkKind(shared.Wrap(err, "prune runs"), shared.KindStore)
	}
	return tag.RowsAffected(), nil
}

// FailStale implements Runs.
func (r *PGRuns) FailStale(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	now := ms(r.Now().UTC().Truncate(time.Millisecond))
	tag, err := r.pool.Exec(ctx, `
UPDATE runs SET status = 'failed', started_at = COALESCE(started_at, $1), completed_at = $2, error = $3
WHERE status IN ('pending', 'running') AND created_at < $4`,
		now, now, message, ms(cutoff))
	if err != nil {
		return 0, shared.MarkKind(shared.Wrap(err, "sweep stale runs"), shared.KindStore)
	}
	return tag.RowsAffected(), nil
}

// lockSchedule takes the per-schedule row lock that serializes run
// creation across ticks and manual triggers.
func lockSchedule(ctx context.Context, tx pgx.Tx, scheduleID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM schedules WHERE id = $1 FOR UPDATE`, scheduleID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.Wrapf(shared.ErrNotFound, "schedule %s", scheduleID)
	}
	return err
}

func (r *PGRuns) newRun(scheduleID string, scheduledFor time.Time) Run {
	return Run{
		ID:           uuid.NewString(),
		ScheduleID:   scheduleID,
		Status:       RunPending,
		ScheduledFor: scheduledFor.UTC().Truncate(time.Millisecond),
		CreatedAt:    r.Now().UTC().Truncate(time.Millisecond),
	}
}

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *PGRuns) insert(ctx context.Context, q pgExecutor, run Run) error {
	_, err := q.Exec(ctx, `
INSERT INTO runs (`+pgRunColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.ScheduleID, string(run.Status), ms(run.ScheduledFor),
		msOrNil(run.StartedAt), msOrNil(run.CompletedAt),
		nullIfEmpty(run.Error), nullIfEmpty(run.Output), ms(run.CreatedAt))
	return err
}

// PGSessions implements Sessions on Postgres.
type PGSessions struct {
	pool *pgxpool.Pool
	Now  func() time.Time
}

// NewPGSessions creates the session store.
func NewPGSessions(pool *pgxpool.Pool) *PGSessions {
	return &PGSessions{pool: pool, Now: time.Now}
}

// CreateSession implements Sessions.
func (s *PGSessions) CreateSession(ctx context.Context, partitionID, title, createdBy string) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, partition_id, title, created_by, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, partitionID, title, createdBy, ms(s.Now().UTC()))
	if err != nil {
		return "", shared.MarkKind(shared.Wrap(err, "create session"), shared.KindStore)
	}
	return id, nil
}

// CreateMessage implements Sessions.
func (s *PGSessions) CreateMessage(ctx context.Context, sessionID, role, content string) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, sessionID, role, content, ms(s.Now().UTC()))
	if err != nil {
		return "", shared.MarkKind(shared.Wrap(err, "create message"), shared.KindStore)
	}
	return id, nil
}

// --- scanning helpers ---

func scanPGSchedule(row pgx.Row) (Schedule, error) {
	var (
		sched      Schedule
		actionKind string
		params     []byte
		next       *int64
		runtimeMs  int64
		createdMs  int64
		updatedMs  int64
	)
	err := row.Scan(&sched.ID, &sched.PartitionID, &sched.Name, &sched.Description,
		&actionKind, &sched.Action.ActionID, &params,
		&sched.CronExpression, &sched.Timezone, &sched.Enabled, &next,
		&runtimeMs, &sched.CreatedBy, &createdMs, &updatedMs)
	if err != nil {
		return Schedule{}, err
	}
	sched.Action.Kind = ActionKind(actionKind)
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &sched.Action.Params); err != nil {
			return Schedule{}, err
		}
	}
	if next != nil {
		t := fromMs(*next)
		sched.NextRunAt = &t
	}
	sched.MaxRuntime = time.Duration(runtimeMs) * time.Millisecond
	sched.CreatedAt = fromMs(createdMs)
	sched.UpdatedAt = fromMs(updatedMs)
	return sched, nil
}

func collectPGSchedules(rows pgx.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		sched, err := scanPGSchedule(rows)
		if err != nil {
			return nil, shared.MarkKind(shared.Wrap(err, "scan schedule"), shared.KindStore)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "iterate schedules"), shared.KindStore)
	}
	return out, nil
}

func scanPGRun(row pgx.Row) (Run, error) {
	var (
		run         Run
		status      string
		scheduledMs int64
		started     *int64
		completed   *int64
		errMsg      *string
		output      *string
		createdMs   int64
	)
	err := row.Scan(&run.ID, &run.ScheduleID, &status, &scheduledMs,
		&started, &completed, &errMsg, &output, &createdMs)
	if err != nil {
		return Run{}, err
	}
	run.Status = RunStatus(status)
	run.ScheduledFor = fromMs(scheduledMs)
	if started != nil {
		t := fromMs(*started)
		run.StartedAt = &t
	}
	if completed != nil {
		t := fromMs(*completed)
		run.CompletedAt = &t
	}
	if errMsg != nil {
		run.Error = *errMsg
	}
	if output != nil {
		run.Output = *output
	}
	run.CreatedAt = fromMs(createdMs)
	return run, nil
}
