// Package webhook implements the action that delivers a JSON payload
// to a configured URL when a schedule fires.
package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"schedengine/internal/action"
	"schedengine/internal/platform/httpclient"
	"schedengine/internal/shared"
)

// ID is the action id webhook registers under.
const ID = "system.webhook"

// Delivery is the body posted to the target URL.
type Delivery struct {
	PartitionID string         `json:"partitionId"`
	ScheduleID  string         `json:"scheduleId"`
	RunID       string         `json:"runId"`
	FiredAt     time.Time      `json:"firedAt"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// New builds the webhook handler. The target URL comes from the
// schedule's action params; an extra "payload" object is passed
// through verbatim.
func New(client *httpclient.Client) action.Handler {
	return func(ctx context.Context, params map[string]any, actx action.Context) (action.Result, error) {
		url, _ := params["url"].(string)
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return action.Result{}, shared.Wrapf(shared.ErrValidation, "webhook url %q", url)
		}

		delivery := Delivery{
			PartitionID: actx.PartitionID,
			ScheduleID:  actx.ScheduleID,
			RunID:       actx.RunID,
			FiredAt:     time.Now().UTC(),
		}
		if p, ok := params["payload"].(map[string]any); ok {
			delivery.Payload = p
		}

		status, body, err := client.PostJSON(ctx, url, delivery)
		if err != nil {
			return action.Result{}, err
		}
		out := fmt.Sprintf("status %d", status)
		if len(body) > 0 {
			out = fmt.Sprintf("status %d: %s", status, body)
		}
		return action.Success("webhook delivered", out), nil
	}
}
