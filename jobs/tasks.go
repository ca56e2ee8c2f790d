package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSeedPresets reconciles default permissions and roles.
	TaskSeedPresets = "access:seed_presets"
	// TaskExpireAssignments removes scoped role assignments past their expiry.
	TaskExpireAssignments = "access:assignments_expire"
)

// SeedPresetsPayload identifies who requested a seed run.
type SeedPresetsPayload struct {
	RequestedBy *int64 `json:"requested_by,omitempty"`
}

// ExpireAssignmentsPayload optionally pins the reference time, mostly for
// replays. A zero value means "now".
type ExpireAssignmentsPayload struct {
	AsOf string `json:"as_of,omitempty"`
}

// NewSeedPresetsTask constructs the seed task.
func NewSeedPresetsTask(payload SeedPresetsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSeedPresets, data), nil
}

// NewExpireAssignmentsTask constructs the expiry sweep task.
func NewExpireAssignmentsTask(payload ExpireAssignmentsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpireAssignments, data), nil
}
