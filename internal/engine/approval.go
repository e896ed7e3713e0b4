package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/audit"
	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/model"
	"github.com/kagehara/remedy/internal/notify"
)

// awaitApproval publishes an approval request and suspends the execution
// until a decision arrives or the deadline passes. No decision by the
// deadline is a rejection.
func (e *Engine) awaitApproval(ctx context.Context, exec *model.RemediationExecution, assessment *model.RiskAssessment) error {
	req := &model.ApprovalRequest{
		RequestID:        uuid.NewString(),
		ExecutionID:      exec.ID,
		RiskScore:        assessment.TotalScore,
		ProposedStrategy: assessment.Strategy,
		RiskFactors:      assessment.Factors,
		ExpiresAt:        e.clock.Now().Add(e.cfg.ApprovalTimeout),
	}

	ch := make(chan model.ApprovalResponse, 1)
	e.approvalMu.Lock()
	e.approvals[req.RequestID] = ch
	e.approvalMu.Unlock()
	defer func() {
		e.approvalMu.Lock()
		delete(e.approvals, req.RequestID)
		e.approvalMu.Unlock()
	}()

	if err := e.store.SaveApprovalRequest(ctx, req, e.clock.Now()); err != nil {
		return err
	}
	e.auditEvent(ctx, exec.ID, audit.KindApprovalRequest, map[string]interface{}{
		"request":    req.RequestID,
		"score":      req.RiskScore,
		"expires_at": req.ExpiresAt.Format(time.RFC3339),
	})
	e.notifier.Notify(notify.Event{
		Kind:        "approval_required",
		ExecutionID: exec.ID,
		Message:     fmt.Sprintf("remediation of %s awaits approval (score %.2f)", exec.VulnerabilityID, req.RiskScore),
		Details:     map[string]interface{}{"request_id": req.RequestID},
		Timestamp:   e.clock.Now(),
	})

	e.logger.Info("Awaiting approval",
		zap.String("execution", exec.ID),
		zap.String("request", req.RequestID),
		zap.Time("expires_at", req.ExpiresAt),
	)

	var resp model.ApprovalResponse
	select {
	case resp = <-ch:
	case <-time.After(e.cfg.ApprovalTimeout):
		e.auditEvent(ctx, exec.ID, audit.KindApprovalResponse, map[string]interface{}{
			"request": req.RequestID,
			"outcome": "expired",
		})
		return common.Classify(
			fmt.Errorf("%w: request %s", common.ErrApprovalTimeout, req.RequestID),
			common.CategoryTimeout, common.SeverityMedium,
		)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.store.SaveApprovalDecision(ctx, &resp, e.clock.Now()); err != nil {
		e.logger.Error("Failed to persist approval decision", zap.Error(err))
	}
	e.auditEvent(ctx, exec.ID, audit.KindApprovalResponse, map[string]interface{}{
		"request":     req.RequestID,
		"approved":    resp.Approved,
		"approved_by": resp.ApprovedBy,
	})

	if !resp.Approved {
		return common.Classify(
			fmt.Errorf("%w: request %s by %s", common.ErrApprovalRejected, req.RequestID, resp.ApprovedBy),
			common.CategoryPermission, common.SeverityMedium,
		)
	}
	return nil
}

// PendingApprovals lists the request ids currently awaiting a decision.
func (e *Engine) PendingApprovals() []string {
	e.approvalMu.Lock()
	defer e.approvalMu.Unlock()
	ids := make([]string, 0, len(e.approvals))
	for id := range e.approvals {
		ids = append(ids, id)
	}
	return ids
}

// ResolveApproval delivers an external decision to the suspended
// execution. Unknown or already-expired requests return ErrNotFound.
func (e *Engine) ResolveApproval(resp model.ApprovalResponse) error {
	e.approvalMu.Lock()
	ch, ok := e.approvals[resp.RequestID]
	e.approvalMu.Unlock()
	if !ok {
		return fmt.Errorf("approval request %s: %w", resp.RequestID, common.ErrNotFound)
	}
	select {
	case ch <- resp:
		return nil
	default:
		return fmt.Errorf("approval request %s already decided: %w", resp.RequestID, common.ErrAlreadyExists)
	}
}
