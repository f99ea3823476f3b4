package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"schedengine/internal/cronexpr"
	"schedengine/internal/platform/sqlite"
	"schedengine/internal/shared"
)

// SQLiteSchedules implements Schedules on a per-partition SQLite
// database.
type SQLiteSchedules struct {
	runner      *sqlite.TxRunner
	partitionID string

	// Now is the clock used for NextRunAt computation. Tests override
	// it; production leaves the default.
	Now func() time.Time
}

// NewSQLiteSchedules creates the schedule store for one partition.
func NewSQLiteSchedules(runner *sqlite.TxRunner, partitionID string) *SQLiteSchedules {
	return &SQLiteSchedules{runner: runner, partitionID: partitionID, Now: time.Now}
}

const scheduleColumns = `id, partition_id, name, description, action_type, action_id, action_params,
cron_expression, timezone, enabled, next_run_at, max_runtime_ms, created_by, created_at, updated_at`

// Create implements Schedules.
func (s *SQLiteSchedules) Create(ctx context.Context, ns NewSchedule) (Schedule, error) {
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

	err = s.runner.WithinTx(ctx, func(ctx context.Context) error {
		q := s.runner.GetQuerier(ctx)
		_, err := q.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sched.ID, sched.PartitionID, sched.Name, sched.Description,
			string(sched.Action.Kind), sched.Action.ActionID, string(params),
			sched.CronExpression, sched.Timezone, boolToInt(sched.Enabled),
			msOrNil(sched.NextRunAt), sched.MaxRuntime.Milliseconds(), sched.CreatedBy,
			ms(sched.CreatedAt), ms(sched.UpdatedAt))
		return err
	})
	if err != nil {
		return Schedule{}, shared.MarkKind(shared.Wrap(err, "create schedule"), shared.KindStore)
	}
	return sched, nil
}

// Get implements Schedules.
func (s *SQLiteSchedules) Get(ctx context.Context, id string) (Schedule, error) {
	q := s.runner.GetQuerier(ctx)
	row := q.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ? AND partition_id = ?`,
		id, s.partitionID)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, shared.Wrapf(shared.ErrNotFound, "schedule %s", id)
	}
	if err != nil {
		return Schedule{}, shared.MarkKind(shared.Wrap(err, "get schedule"), shared.KindStore)
	}
	return sched, nil
}

// List implements Schedules.
func (s *SQLiteSchedules) List(ctx context.Context, f ScheduleFilter) ([]Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE partition_id = ?`
	args := []any{s.partitionID}
	if f.EnabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY created_at`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.runner.GetQuerier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "list schedules"), shared.KindStore)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// Update implements Schedules.
func (s *SQLiteSchedules) Update(ctx context.Context, id string, upd ScheduleUpdate) (Schedule, error) {
	var out Schedule
	err := s.runner.WithinTx(ctx, func(ctx context.Context) error {
		q := s.runner.GetQuerier(ctx)
		row := q.QueryRowContext(ctx,
			`SELECT `+scheduleColumns+` FROM schedules WHERE id = ? AND partition_id = ?`,
			id, s.partitionID)
		sched, err := scanSchedule(row)
		if errors.Is(err, sql.ErrNoRows) {
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
				// Always from the current instant, never from the
				// value persisted before the schedule was touched.
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

		_, err = q.ExecContext(ctx, `
UPDATE schedules SET description = ?, cron_expression = ?, timezone = ?, enabled = ?,
next_run_at = ?, updated_at = ? WHERE id = ? AND partition_id = ?`,
			sched.Description, sched.CronExpression, sched.Timezone, boolToInt(sched.Enabled),
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
func (s *SQLiteSchedules) Delete(ctx context.Context, id string) error {
	var affected int64
	err := s.runner.WithinTx(ctx, func(ctx context.Context) error {
		res, err := s.runner.GetQuerier(ctx).ExecContext(ctx,
			`DELETE FROM schedules WHERE id = ? AND partition_id = ?`, id, s.partitionID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return shared.MarkKind(shared.Wrap(err, "delete schedule"), shared.KindStore)
	}
	if affected == 0 {
		return shared.Wrapf(shared.ErrNotFound, "schedule %s", id)
	}
	return nil
}

// ListDue implements Schedules.
func (s *SQLiteSchedules) ListDue(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.runner.GetQuerier(ctx).QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
WHERE partition_id = ? AND enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at`,
		s.partitionID, ms(now))
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "list due schedules"), shared.KindStore)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// SetNextRunAt implements Schedules.
func (s *SQLiteSchedules) SetNextRunAt(ctx context.Context, id string, next *time.Time) error {
	err := s.runner.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.runner.GetQuerier(ctx).ExecContext(ctx,
			`UPDATE schedules SET next_run_at = ?, updated_at = ? WHERE id = ? AND partition_id = ?`,
			msOrNil(next), ms(s.Now().UTC()), id, s.partitionID)
		return err
	})
	if err != nil {
		return shared.MarkKind(shared.Wrap(err, "advance schedule"), shared.KindStore)
	}
	return nil
}

// SQLiteRuns implements Runs on the same per-partition database.
type SQLiteRuns struct {
	runner *sqlite.TxRunner
	Now    func() time.Time
}

// NewSQLiteRuns creates the run tracker for one partition.
func NewSQLiteRuns(runner *sqlite.TxRunner) *SQLiteRuns {
	return &SQLiteRuns{runner: runner, Now: time.Now}
}

const runColumns = `id, schedule_id, status, scheduled_for, started_at, completed_at, error, output, created_at`

// Create implements Runs.
func (r *SQLiteRuns) Create(ctx context.Context, scheduleID string, scheduledFor time.Time) (Run, error) {
	run := r.newRun(scheduleID, scheduledFor)
	err := r.runner.WithinTx(ctx, func(ctx context.Context) error {
		return r.insert(ctx, run)
	})
	if err != nil {
		return Run{}, shared.MarkKind(shared.Wrap(err, "create run"), shared.KindStore)
	}
	return run, nil
}

// CreateExclusive implements Runs. The active-run check and the insert
// share one IMMEDIATE transaction, which serializes them against every
// concurrent tick and manual trigger on this partition.
func (r *SQLiteRuns) CreateExclusive(ctx context.Context, scheduleID string, scheduledFor time.Time) (Run, bool, error) {
	run := r.newRun(scheduleID, scheduledFor)
	created := false
	err := r.runner.WithinTx(ctx, func(ctx context.Context) error {
		q := r.runner.GetQuerier(ctx)
		var active int
		err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM runs WHERE schedule_id = ? AND status IN ('pending', 'running')`,
			scheduleID).Scan(&active)
		if err != nil {
			return err
		}
		if active > 0 {
			return nil
		}
		if err := r.insert(ctx, run); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return Run{}, false, shared.MarkKind(shared.Wrap(err, "create run"), shared.KindStore)
	}
	if !created {
		return Run{}, false, nil
	}
	return run, true, nil
}

// Start implements Runs.
func (r *SQLiteRuns) Start(ctx context.Context, runID string) (Run, error) {
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
func (r *SQLiteRuns) Complete(ctx context.Context, runID string, output string) (Run, error) {
	return r.finish(ctx, runID, RunCompleted, "", output)
}

// Fail implements Runs.
func (r *SQLiteRuns) Fail(ctx context.Context, runID string, message string) (Run, error) {
	return r.finish(ctx, runID, RunFailed, message, "")
}

// Timeout implements Runs.
func (r *SQLiteRuns) Timeout(ctx context.Context, runID string) (Run, error) {
	return r.finish(ctx, runID, RunTimedOut, "exceeded max runtime", "")
}

func (r *SQLiteRuns) finish(ctx context.Context, runID string, status RunStatus, msg, output string) (Run, error) {
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

func (r *SQLiteRuns) transition(ctx context.Context, runID string, mutate func(*Run, time.Time) error) (Run, error) {
	var out Run
	err := r.runner.WithinTx(ctx, func(ctx context.Context) error {
		q := r.runner.GetQuerier(ctx)
		row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
		run, err := scanRun(row)
		if errors.Is(err, sql.ErrNoRows) {
			return shared.Wrapf(shared.ErrNotFound, "run %s", runID)
		}
		if err != nil {
			return err
		}

		now := r.Now().UTC().Truncate(time.Millisecond)
		if err := mutate(&run, now); err != nil {
			return err
		}

		_, err = q.ExecContext(ctx, `
UPDATE runs SET status = ?, started_at = ?, completed_at = ?, error = ?, output = ? WHERE id = ?`,
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
func (r *SQLiteRuns) Get(ctx context.Context, runID string) (Run, error) {
	row := r.runner.GetQuerier(ctx).QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, shared.Wrapf(shared.ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return Run{}, shared.MarkKind(shared.Wrap(err, "get run"), shared.KindStore)
	}
	return run, nil
}

// List implements Runs.
func (r *SQLiteRuns) List(ctx context.Context, scheduleID string, f RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE schedule_id = ? ORDER BY scheduled_for DESC, created_at DESC`
	args := []any{scheduleID}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.runner.GetQuerier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, shared.MarkKind(shared.Wrap(err, "list runs"), shared.KindStore)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
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
func (r *SQLiteRuns) HasActive(ctx context.Context, scheduleID string) (bool, error) {
	var n int
	err := r.runner.GetQuerier(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE schedule_id = ? AND status IN ('pending', 'running')`,
		scheduleID).Scan(&n)
	if err != nil {
		return false, shared.MarkKind(shared.Wrap(err, "check active runs"), shared.KindStore)
	}
	return n > 0, nil
}

// PruneTerminal implements Runs.
func (r *SQLiteRuns) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := r.runner.WithinTx(ctx, func(ctx context.Context) error {
		res, err := r.runner.GetQuerier(ctx).ExecContext(ctx,
			`DELETE FROM runs WHERE status IN ('completed', 'failed', 'timed_out') AND scheduled_for < ?`,
			ms(cutoff))
		if err != nil {
			return err
		}
		pruned, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, shared.MarkKind(shared.Wrap(err, "prune runs"), shared.KindStore)
	}
	return pruned, nil
}

// FailStale implements Runs. It sweeps runs left non-terminal by a
// crash or unclean shutdown: every pending or running run created
// before cutoff is marked failed with message.
func (r *SQLiteRuns) FailStale(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	var swept int64
	err := r.runner.WithinTx(ctx, func(ctx context.Context) error {
		now := ms(r.Now().UTC().Truncate(time.Millisecond))
		res, err := r.runner.GetQuerier(ctx).ExecContext(ctx, `
UPDATE runs SET status = 'failed', started_at = COALESCE(started_at, ?), completed_at = ?, error = ?
WHERE status IN ('pending', 'running') AND created_at < ?`,
			now, now, message, ms(cutoff))
		if err != nil {
			return err
		}
		swept, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, shared.MarkKind(shared.Wrap(err, "sweep stale runs"), shared.KindStore)
	}
	return swept, nil
}

func (r *SQLiteRuns) newRun(scheduleID string, scheduledFor time.Time) Run {
	return Run{
		ID:           uuid.NewString(),
		ScheduleID:   scheduleID,
		Status:       RunPending,
		ScheduledFor: scheduledFor.UTC().Truncate(time.Millisecond),
		CreatedAt:    r.Now().UTC().Truncate(time.Millisecond),
	}
}

func (r *SQLiteRuns) insert(ctx context.Context, run Run) error {
	_, err := r.runner.GetQuerier(ctx).ExecContext(ctx, `
INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ScheduleID, string(run.Status), ms(run.ScheduledFor),
		msOrNil(run.StartedAt), msOrNil(run.CompletedAt),
		nullIfEmpty(run.Error), nullIfEmpty(run.Output), ms(run.CreatedAt))
	return err
}

// SQLiteSessions implements Sessions.
type SQLiteSessions struct {
	runner      *sqlite.TxRunner
	partitionID string
	Now         func() time.Time
}

// NewSQLiteSessions creates the session store for one partition.
func NewSQLiteSessions(runner *sqlite.TxRunner, partitionID string) *SQLiteSessions {
	return &SQLiteSessions{runner: runner, partitionID: partitionID, Now: time.Now}
}

// CreateSession implements Sessions.
func (s *SQLiteSessions) CreateSession(ctx context.Context, partitionID, title, createdBy string) (string, error) {
	id := uuid.NewString()
	err := s.runner.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.runner.GetQuerier(ctx).ExecContext(ctx,
			`INSERT INTO sessions (id, partition_id, title, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, partitionID, title, createdBy, ms(s.Now().UTC()))
		return err
	})
	if err != nil {
		return "", shared.MarkKind(shared.Wrap(err, "create session"), shared.KindStore)
	}
	return id, nil
}

// CreateMessage implements Sessions.
func (s *SQLiteSessions) CreateMessage(ctx context.Context, sessionID, role, content string) (string, error) {
	id := uuid.NewString()
	err := s.runner.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.runner.GetQuerier(ctx).ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, sessionID, role, content, ms(s.Now().UTC()))
		return err
	})
	if err != nil {
		return "", shared.MarkKind(shared.Wrap(err, "create message"), shared.KindStore)
	}
	return id, nil
}

// --- scanning and encoding helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (Schedule, error) {
	var (
		sched      Schedule
		actionKind string
		params     string
		enabled    int
		next       sql.NullInt64
		runtimeMs  int64
		createdMs  int64
		updatedMs  int64
	)
	err := row.Scan(&sched.ID, &sched.PartitionID, &sched.Name, &sched.Description,
		&actionKind, &sched.Action.ActionID, &params,
		&sched.CronExpression, &sched.Timezone, &enabled, &next,
		&runtimeMs, &sched.CreatedBy, &createdMs, &updatedMs)
	if err != nil {
		return Schedule{}, err
	}
	sched.Action.Kind = ActionKind(actionKind)
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &sched.Action.Params); err != nil {
			return Schedule{}, err
		}
	}
	sched.Enabled = enabled != 0
	if next.Valid {
		t := fromMs(next.Int64)
		sched.NextRunAt = &t
	}
	sched.MaxRuntime = time.Duration(runtimeMs) * time.Millisecond
	sched.CreatedAt = fromMs(createdMs)
	sched.UpdatedAt = fromMs(updatedMs)
	return sched, nil
}

func collectSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
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

func scanRun(row rowScanner) (Run, error) {
	var (
		run          Run
		status       string
		scheduledMs  int64
		started      sql.NullInt64
		completed    sql.NullInt64
		errMsg       sql.NullString
		output       sql.NullString
		createdAtMs  int64
	)
	err := row.Scan(&run.ID, &run.ScheduleID, &status, &scheduledMs,
		&started, &completed, &errMsg, &output, &createdAtMs)
	if err != nil {
		return Run{}, err
	}
	run.Status = RunStatus(status)
	run.ScheduledFor = fromMs(scheduledMs)
	if started.Valid {
		t := fromMs(started.Int64)
		run.StartedAt = &t
	}
	if completed.Valid {
		t := fromMs(completed.Int64)
		run.CompletedAt = &t
	}
	run.Error = errMsg.String
	run.Output = output.String
	run.CreatedAt = fromMs(createdAtMs)
	return run, nil
}

func validateNewSchedule(ns NewSchedule) error {
	if ns.Name == "" {
		return shared.Wrap(shared.ErrValidation, "name is required")
	}
	if ns.Action.ActionID == "" {
		return shared.Wrap(shared.ErrValidation, "actionId is required")
	}
	if ns.MaxRuntime <= 0 {
		return shared.Wrap(shared.ErrValidation, "maxRuntimeMs must be positive")
	}
	return cronexpr.Validate(ns.CronExpression, ns.Timezone)
}

func normalizeAction(a ActionDescriptor) ActionDescriptor {
	if a.Kind == "" {
		a.Kind = KindAction
	}
	return a
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
