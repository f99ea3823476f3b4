// Package heartbeat implements the built-in action that records a
// liveness marker in the partition's session log.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"schedengine/internal/action"
	"schedengine/internal/partition"
)

// ID is the action id heartbeat registers under.
const ID = "system.heartbeat"

// New builds the heartbeat handler. Each execution opens a session in
// the schedule's partition and writes one message, which doubles as a
// write-path check on the partition database.
func New(repo *partition.Repository) action.Handler {
	return func(ctx context.Context, params map[string]any, actx action.Context) (action.Result, error) {
		h, err := repo.Open(ctx, actx.PartitionID)
		if err != nil {
			return action.Result{}, err
		}

		title := "heartbeat"
		if v, ok := params["title"].(string); ok && v != "" {
			title = v
		}

		sessionID, err := h.Sessions.CreateSession(ctx, actx.PartitionID, title, actx.UserID)
		if err != nil {
			return action.Result{}, err
		}
		content := fmt.Sprintf("heartbeat from schedule %s at %s",
			actx.ScheduleID, time.Now().UTC().Format(time.RFC3339))
		if _, err := h.Sessions.CreateMessage(ctx, sessionID, "system", content); err != nil {
			return action.Result{}, err
		}

		return action.Success(title, fmt.Sprintf("session %s", sessionID)), nil
	}
}
