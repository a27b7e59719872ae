// Package jobs hosts the background worker for the engine.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// QueueDefault is the queue all engine tasks run on.
const QueueDefault = "default"

// TaskGrantSweep scans for grants whose expiry lapsed since the previous
// sweep and fires the matching invalidation events. Expiry happens without
// any mutation API call, so no event fires at the moment a grant lapses;
// the sweep tightens the staleness window below the cache TTL.
const TaskGrantSweep = "grants:sweep_expired"

// GrantSweepPayload bounds the sweep lookback window.
type GrantSweepPayload struct {
	Lookback time.Duration `json:"lookback"`
}

// NewGrantSweepTask builds the sweep task.
func NewGrantSweepTask(payload GrantSweepPayload) (*asynq.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGrantSweep, raw), nil
}
