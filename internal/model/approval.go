package model

import "time"

// ApprovalRequest is handed to the external approval workflow when the
// engine suspends in REQUIRES_APPROVAL.
type ApprovalRequest struct {
	RequestID        string             `json:"request_id"`
	ExecutionID      string             `json:"execution_id"`
	RiskScore        float64            `json:"risk_score"`
	ProposedPatch    string             `json:"proposed_patch"`
	ProposedStrategy DeploymentStrategy `json:"proposed_strategy"`
	RiskFactors      RiskFactors        `json:"risk_factors"`
	ExpiresAt        time.Time          `json:"expires_at"`
}

// ApprovalResponse is the external workflow's decision. No response before
// ExpiresAt is treated as rejection.
type ApprovalResponse struct {
	RequestID  string `json:"request_id"`
	Approved   bool   `json:"approved"`
	ApprovedBy string `json:"approved_by,omitempty"`
	Comments   string `json:"comments,omitempty"`
}
