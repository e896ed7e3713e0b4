package model

import "time"

// StageStatus tracks one deployment stage through its lifecycle.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageValidating StageStatus = "validating"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageRolledBack StageStatus = "rolled_back"
)

// DeploymentStage is one step of a staged rollout. Percent is the target
// traffic/instance fraction after the stage completes; InstanceCount bounds
// rolling-update batches.
type DeploymentStage struct {
	Index         int         `json:"index"`
	Name          string      `json:"name"`
	Percent       int         `json:"percent"`
	InstanceCount int         `json:"instance_count,omitempty"`
	Status        StageStatus `json:"status"`

	HealthPasses   int `json:"health_passes"`
	HealthFailures int `json:"health_failures"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// DeploymentPlan is the ordered, strategy-determined set of stages for one
// execution's rollout.
type DeploymentPlan struct {
	ID          string             `json:"id"`
	ExecutionID string             `json:"execution_id"`
	AssetID     string             `json:"asset_id"`
	PatchID     string             `json:"patch_id"`
	Strategy    DeploymentStrategy `json:"strategy"`
	Stages      []DeploymentStage  `json:"stages"`

	Succeeded  bool `json:"succeeded"`
	RolledBack bool `json:"rolled_back"`

	SnapshotID string    `json:"snapshot_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
