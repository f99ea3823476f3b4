// Package store defines the Schedule and Run entities and the
// persistence contracts the scheduler loop runs against. Two backends
// implement them: a per-partition SQLite database and a shared
// Postgres database.
package store

import (
	"context"
	"time"
)

// ActionKind tags the action descriptor variant. Only "action"
// (registry dispatch by id) exists today; the tag keeps room for
// future kinds without touching the scheduler loop.
type ActionKind string

// KindAction dispatches through the action registry by action id.
const KindAction ActionKind = "action"

// ActionDescriptor names the work a schedule triggers.
type ActionDescriptor struct {
	Kind     ActionKind     `json:"kind"`
	ActionID string         `json:"actionId"`
	Params   map[string]any `json:"actionParams,omitempty"`
}

// Schedule is a persisted recurring trigger: cron + timezone + target
// action. NextRunAt is set iff the schedule is enabled.
type Schedule struct {
	ID             string           `json:"id"`
	PartitionID    string           `json:"partitionId"`
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	Action         ActionDescriptor `json:"action"`
	CronExpression string           `json:"cronExpression"`
	Timezone       string           `json:"timezone"`
	Enabled        bool             `json:"enabled"`
	NextRunAt      *time.Time       `json:"nextRunAt,omitempty"`
	MaxRuntime     time.Duration    `json:"maxRuntimeMs"`
	CreatedBy      string           `json:"createdBy"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimedOut:
		return true
	}
	return false
}

// Run is one execution attempt of a schedule's action.
// Invariants: CompletedAt is set iff the status is terminal;
// StartedAt is set iff the status is not pending.
type Run struct {
	ID           string     `json:"id"`
	ScheduleID   string     `json:"scheduleId"`
	Status       RunStatus  `json:"status"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Error        string     `json:"error,omitempty"`
	Output       string     `json:"output,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// NewSchedule is the creation payload for a schedule.
type NewSchedule struct {
	Name           string
	Description    string
	Action         ActionDescriptor
	CronExpression string
	Timezone       string
	Enabled        bool
	MaxRuntime     time.Duration
	CreatedBy      string
}

// ScheduleUpdate carries partial updates. Nil fields are untouched.
// Changing cron, timezone or enabled recomputes NextRunAt.
type ScheduleUpdate struct {
	Description    *string
	CronExpression *string
	Timezone       *string
	Enabled        *bool
}

// ScheduleFilter narrows List results.
type ScheduleFilter struct {
	Limit       int
	EnabledOnly bool
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Limit int
}

// Schedules is the partition-scoped schedule store.
type Schedules interface {
	// Create validates cron and timezone, computes the initial
	// NextRunAt for enabled schedules and persists the entity. Fails
	// with shared.ErrInvalidCron or shared.ErrValidation.
	Create(ctx context.Context, ns NewSchedule) (Schedule, error)
	// Get fails with shared.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Schedule, error)
	List(ctx context.Context, f ScheduleFilter) ([]Schedule, error)
	// Update applies the partial update, recomputing NextRunAt when
	// cron, timezone or enabled change. Disabling clears NextRunAt;
	// re-enabling computes it from the current instant.
	Update(ctx context.Context, id string, upd ScheduleUpdate) (Schedule, error)
	Delete(ctx context.Context, id string) error
	// ListDue returns enabled schedules with NextRunAt <= now.
	ListDue(ctx context.Context, now time.Time) ([]Schedule, error)
	// SetNextRunAt persists a recomputed fire time (nil clears it).
	// Used by the scheduler loop's advance step.
	SetNextRunAt(ctx context.Context, id string, next *time.Time) error
}

// Runs is the run tracker: creation plus lifecycle transitions.
type Runs interface {
	// Create unconditionally records a pending run. Manual-trigger
	// path: exclusivity is the caller's concern here, but creation
	// still serializes through the same store guard as the tick path.
	Create(ctx context.Context, scheduleID string, scheduledFor time.Time) (Run, error)
	// CreateExclusive records a pending run only when the schedule has
	// no non-terminal run; the check and the insert are one atomic
	// store operation. Returns created=false when skipped.
	CreateExclusive(ctx context.Context, scheduleID string, scheduledFor time.Time) (run Run, created bool, err error)
	// Start moves pending -> running. Fails with
	// shared.ErrInvalidTransition otherwise.
	Start(ctx context.Context, runID string) (Run, error)
	// Complete, Fail and Timeout move a non-terminal run to the
	// corresponding terminal state and set CompletedAt. Each fails
	// with shared.ErrInvalidTransition when the run is already
	// terminal.
	Complete(ctx context.Context, runID string, output string) (Run, error)
	Fail(ctx context.Context, runID string, message string) (Run, error)
	Timeout(ctx context.Context, runID string) (Run, error)
	Get(ctx context.Context, runID string) (Run, error)
	// List returns runs for a schedule ordered by ScheduledFor, most
	// recent first.
	List(ctx context.Context, scheduleID string, f RunFilter) ([]Run, error)
	// HasActive reports whether the schedule has a pending or running
	// run.
	HasActive(ctx context.Context, scheduleID string) (bool, error)
	// PruneTerminal deletes terminal runs scheduled before cutoff and
	// returns the number removed.
	PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error)
	// FailStale marks every pending or running run created before
	// cutoff as failed with message and returns the number swept.
	// Startup reconciliation for runs orphaned by a crash; without it
	// an orphan holds the exclusivity guard forever.
	FailStale(ctx context.Context, cutoff time.Time, message string) (int64, error)
}

// Sessions persists the conversational entities the heartbeat action
// writes as its side effect.
type Sessions interface {
	CreateSession(ctx context.Context, partitionID, title, createdBy string) (sessionID string, err error)
	CreateMessage(ctx context.Context, sessionID, role, content string) (messageID string, err error)
}
