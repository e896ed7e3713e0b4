package model

import "time"

// ExecutionState is the remediation pipeline state.
type ExecutionState string

const (
	StatePending          ExecutionState = "PENDING"
	StateRiskAnalysis     ExecutionState = "RISK_ANALYSIS"
	StateRequiresApproval ExecutionState = "REQUIRES_APPROVAL"
	StatePatchSearch      ExecutionState = "PATCH_SEARCH"
	StateSnapshotCreation ExecutionState = "SNAPSHOT_CREATION"
	StateSandboxTesting   ExecutionState = "SANDBOX_TESTING"
	StateDeployment       ExecutionState = "DEPLOYMENT"
	StateValidation       ExecutionState = "VALIDATION"
	StateCompleted        ExecutionState = "COMPLETED"
	StateFailed           ExecutionState = "FAILED"
	StateRolledBack       ExecutionState = "ROLLED_BACK"
)

// Terminal reports whether no further transitions are permitted.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRolledBack:
		return true
	}
	return false
}

// validTransitions enumerates the forward edges of the pipeline. FAILED and
// ROLLED_BACK are additionally reachable from any non-terminal state.
var validTransitions = map[ExecutionState][]ExecutionState{
	StatePending:          {StateRiskAnalysis},
	StateRiskAnalysis:     {StateRequiresApproval, StatePatchSearch},
	StateRequiresApproval: {StatePatchSearch},
	StatePatchSearch:      {StateSnapshotCreation},
	StateSnapshotCreation: {StateSandboxTesting},
	StateSandboxTesting:   {StateDeployment},
	StateDeployment:       {StateValidation},
	StateValidation:       {StateCompleted},
}

// CanTransition reports whether from→to is a legal state change.
func CanTransition(from, to ExecutionState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateRolledBack {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateTransition is one recorded edge in an execution's history.
type StateTransition struct {
	From   ExecutionState `json:"from"`
	To     ExecutionState `json:"to"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// ExecutionPriority orders pending executions.
type ExecutionPriority int

const (
	PriorityLow ExecutionPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// RemediationExecution is the aggregate root tying one vulnerability/asset
// pair to everything the pipeline produced for it.
type RemediationExecution struct {
	ID              string            `json:"id"`
	VulnerabilityID string            `json:"vulnerability_id"`
	Asset           Asset             `json:"asset"`
	Priority        ExecutionPriority `json:"priority"`
	State           ExecutionState    `json:"state"`

	Assessment *RiskAssessment `json:"assessment,omitempty"`
	Patch      *Patch          `json:"patch,omitempty"`
	Snapshot   *Snapshot       `json:"snapshot,omitempty"`
	Results    []TestResult    `json:"results,omitempty"`
	Plan       *DeploymentPlan `json:"plan,omitempty"`

	Succeeded        bool   `json:"succeeded"`
	RolledBack       bool   `json:"rolled_back"`
	RollbackFailed   bool   `json:"rollback_failed"`
	RequiresApproval bool   `json:"requires_approval"`
	ErrorMessage     string `json:"error_message,omitempty"`

	History []StateTransition `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
