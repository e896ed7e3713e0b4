package model

import "time"

// AutonomyLevel is the ordinal degree of unattended action the engine is
// permitted to take, from manual-only through full autonomy.
type AutonomyLevel int

const (
	AutonomyManualOnly AutonomyLevel = iota
	AutonomyAIAssisted
	AutonomySupervised
	AutonomyApprovalRequired
	AutonomyHigh
	AutonomyFull
)

func (l AutonomyLevel) String() string {
	switch l {
	case AutonomyManualOnly:
		return "MANUAL_ONLY"
	case AutonomyAIAssisted:
		return "AI_ASSISTED"
	case AutonomySupervised:
		return "SUPERVISED"
	case AutonomyApprovalRequired:
		return "APPROVAL_REQUIRED"
	case AutonomyHigh:
		return "HIGH_AUTONOMY"
	case AutonomyFull:
		return "FULL_AUTONOMY"
	default:
		return "UNKNOWN"
	}
}

// RemediationTiming is the recommended execution window.
type RemediationTiming string

const (
	TimingImmediate         RemediationTiming = "immediate"
	TimingScheduled         RemediationTiming = "scheduled"
	TimingMaintenanceWindow RemediationTiming = "maintenance_window"
)

// DeploymentStrategy defines the staged-rollout strategy.
type DeploymentStrategy string

const (
	StrategyCanary    DeploymentStrategy = "canary"
	StrategyBlueGreen DeploymentStrategy = "blue_green"
	StrategyRolling   DeploymentStrategy = "rolling"
)

// RiskFactors holds the per-factor scores, each in [0,1]. Asset criticality
// and rollback complexity are inverted: lower operational criticality and
// easier rollback both push the total toward more autonomy.
type RiskFactors struct {
	Severity             float64 `json:"severity"`
	Exploitability       float64 `json:"exploitability"`
	AssetCriticality     float64 `json:"asset_criticality"`
	PatchMaturity        float64 `json:"patch_maturity"`
	DependencyComplexity float64 `json:"dependency_complexity"`
	RollbackComplexity   float64 `json:"rollback_complexity"`
	ComplianceImpact     float64 `json:"compliance_impact"`
	Timing               float64 `json:"timing"`
}

// RiskAssessment is the immutable scoring result owned by one execution.
type RiskAssessment struct {
	ID              string             `json:"id"`
	ExecutionID     string             `json:"execution_id"`
	VulnerabilityID string             `json:"vulnerability_id"`
	AssetID         string             `json:"asset_id"`
	Factors         RiskFactors        `json:"factors"`
	TotalScore      float64            `json:"total_score"`
	Autonomy        AutonomyLevel      `json:"autonomy"`
	Confidence      float64            `json:"confidence"`
	Strategy        DeploymentStrategy `json:"strategy"`
	Timing          RemediationTiming  `json:"timing"`
	Reasoning       []string           `json:"reasoning"`
	CreatedAt       time.Time          `json:"created_at"`
}
