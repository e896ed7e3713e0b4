// Package engine runs the remediation pipeline: risk analysis, the
// approval gate, patch acquisition, snapshotting, sandbox validation,
// staged deployment and post-deployment validation, as one execution per
// vulnerability/asset pair moving through a strict state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/audit"
	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/config"
	"github.com/kagehara/remedy/internal/deploy"
	"github.com/kagehara/remedy/internal/metrics"
	"github.com/kagehara/remedy/internal/model"
	"github.com/kagehara/remedy/internal/notify"
	"github.com/kagehara/remedy/internal/patch"
	"github.com/kagehara/remedy/internal/platform"
	"github.com/kagehara/remedy/internal/risk"
	"github.com/kagehara/remedy/internal/rollback"
	"github.com/kagehara/remedy/internal/sandbox"
	"github.com/kagehara/remedy/internal/store"
)

// Options tunes one execution.
type Options struct {
	Priority     model.ExecutionPriority
	Suites       []model.TestSuite
	HealthChecks []platform.HealthCheck
}

// Engine coordinates the full pipeline. Concurrency is bounded by a
// semaphore; each execution runs its stages strictly in order.
type Engine struct {
	logger   *zap.Logger
	cfg      config.EngineConfig
	clock    common.Clock
	analyzer *risk.Analyzer
	patches  *patch.Engine
	tester   *sandbox.Tester
	rollback *rollback.Manager
	deployer *deploy.Orchestrator
	drivers  *platform.Registry
	prober   *platform.Prober
	store    *store.Store
	audit    *audit.Logger
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	client   *http.Client

	sem chan struct{}

	approvalMu sync.Mutex
	approvals  map[string]chan model.ApprovalResponse
}

// New wires the engine. notifier and m may be nil.
func New(logger *zap.Logger, cfg config.EngineConfig, clock common.Clock,
	analyzer *risk.Analyzer, patches *patch.Engine, tester *sandbox.Tester,
	rb *rollback.Manager, deployer *deploy.Orchestrator, drivers *platform.Registry,
	prober *platform.Prober, st *store.Store, auditLog *audit.Logger,
	notifier *notify.Notifier, m *metrics.Metrics) *Engine {
	if clock == nil {
		clock = common.SystemClock()
	}
	if prober == nil {
		prober = platform.NewProber(logger, nil, nil)
	}
	if m == nil {
		m = metrics.New()
	}
	if notifier == nil {
		notifier = notify.New(logger, config.NotifyConfig{}, nil)
	}
	return &Engine{
		logger:    logger,
		cfg:       cfg,
		clock:     clock,
		analyzer:  analyzer,
		patches:   patches,
		tester:    tester,
		rollback:  rb,
		deployer:  deployer,
		drivers:   drivers,
		prober:    prober,
		store:     st,
		audit:     auditLog,
		notifier:  notifier,
		metrics:   m,
		client:    &http.Client{Timeout: 2 * time.Minute},
		sem:       make(chan struct{}, cfg.MaxConcurrentExecutions),
		approvals: make(map[string]chan model.ApprovalResponse),
	}
}

// Execute runs one remediation end to end and returns the terminal
// aggregate. The returned error is non-nil whenever the execution ended in
// FAILED or ROLLED_BACK; the aggregate is returned in both cases.
func (e *Engine) Execute(ctx context.Context, vuln *model.Vulnerability, asset *model.Asset, opts Options) (*model.RemediationExecution, error) {
	if vuln == nil || asset == nil {
		return nil, common.ErrNilInput
	}
	if err := asset.Validate(); err != nil {
		return nil, common.Classify(err, common.CategoryValidation, common.SeverityHigh)
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", common.ErrExecutionLimit, ctx.Err())
	}
	defer func() { <-e.sem }()

	e.metrics.ExecutionsStarted.Inc()
	e.metrics.ActiveExecutions.Inc()
	defer e.metrics.ActiveExecutions.Dec()

	now := e.clock.Now()
	exec := &model.RemediationExecution{
		ID:              uuid.NewString(),
		VulnerabilityID: vuln.ID,
		Asset:           *asset,
		Priority:        opts.Priority,
		State:           model.StatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.logger.Info("Execution started",
		zap.String("execution", exec.ID),
		zap.String("vulnerability", vuln.ID),
		zap.String("asset", asset.ID),
	)

	if err := e.run(ctx, exec, vuln, asset, opts); err != nil {
		e.fail(ctx, exec, err)
		e.metrics.ExecutionsByResult.WithLabelValues(string(exec.State)).Inc()
		return exec, err
	}

	e.metrics.ExecutionsByResult.WithLabelValues(string(exec.State)).Inc()
	return exec, nil
}

func (e *Engine) run(ctx context.Context, exec *model.RemediationExecution, vuln *model.Vulnerability, asset *model.Asset, opts Options) error {
	// Risk analysis.
	if err := e.transition(ctx, exec, model.StateRiskAnalysis, "scoring vulnerability against asset"); err != nil {
		return err
	}
	assessment, err := e.analyzer.Analyze(vuln, asset)
	if err != nil {
		return err
	}
	assessment.ExecutionID = exec.ID
	exec.Assessment = assessment
	e.metrics.RiskScore.Observe(assessment.TotalScore)
	e.auditEvent(ctx, exec.ID, audit.KindDecision, map[string]interface{}{
		"score":      assessment.TotalScore,
		"autonomy":   assessment.Autonomy.String(),
		"strategy":   string(assessment.Strategy),
		"timing":     string(assessment.Timing),
		"confidence": assessment.Confidence,
	})

	// Approval gate. Fail-closed: everything below HIGH_AUTONOMY suspends
	// until a human decides, and silence until the deadline is rejection.
	if risk.RequiresApproval(assessment) {
		exec.RequiresApproval = true
		e.metrics.ApprovalsRequired.Inc()
		if err := e.transition(ctx, exec, model.StateRequiresApproval,
			fmt.Sprintf("autonomy %s below unattended threshold", assessment.Autonomy)); err != nil {
			return err
		}
		if err := e.awaitApproval(ctx, exec, assessment); err != nil {
			return err
		}
	}

	// Patch acquisition and verification.
	if err := e.transition(ctx, exec, model.StatePatchSearch, "searching trusted sources"); err != nil {
		return err
	}
	candidate, err := e.patches.FindPatch(ctx, vuln, asset)
	if err != nil {
		return err
	}
	candidate.CreatedAt = e.clock.Now()
	artifact, err := e.fetchArtifact(ctx, candidate)
	if err != nil {
		return err
	}
	if _, err := e.patches.VerifyPatch(candidate, artifact); err != nil {
		return err
	}
	exec.Patch = candidate
	e.auditEvent(ctx, exec.ID, audit.KindDecision, map[string]interface{}{
		"patch":            candidate.ID,
		"source":           string(candidate.Source),
		"version":          candidate.Version,
		"maturity_warning": candidate.MaturityWarning,
	})

	// Pre-change snapshot.
	if err := e.transition(ctx, exec, model.StateSnapshotCreation, "capturing restorable state"); err != nil {
		return err
	}
	snap, err := e.rollback.CreateSnapshot(ctx, exec.ID, asset)
	if err != nil {
		return err
	}
	exec.Snapshot = snap
	e.auditEvent(ctx, exec.ID, audit.KindSnapshot, map[string]interface{}{
		"snapshot": snap.ID,
		"checksum": snap.Checksum,
		"size":     snap.SizeBytes,
	})

	// Sandbox validation.
	if err := e.transition(ctx, exec, model.StateSandboxTesting, "validating patch in isolation"); err != nil {
		return err
	}
	suites := opts.Suites
	if len(suites) == 0 {
		suites = sandbox.DefaultSuites()
	}
	report, err := e.tester.Validate(ctx, asset, candidate, suites)
	if err != nil {
		e.metrics.SandboxRuns.WithLabelValues("error").Inc()
		return err
	}
	exec.Results = report.Results
	if !report.Passed {
		e.metrics.SandboxRuns.WithLabelValues("failed").Inc()
		return common.Classify(
			fmt.Errorf("%w: %s", common.ErrSandboxFailed, failedCases(report.Results)),
			common.CategorySandbox, common.SeverityHigh,
		)
	}
	e.metrics.SandboxRuns.WithLabelValues("passed").Inc()

	// Staged deployment.
	if err := e.transition(ctx, exec, model.StateDeployment,
		fmt.Sprintf("deploying with %s strategy", assessment.Strategy)); err != nil {
		return err
	}
	plan, err := e.deployer.CreatePlan(exec.ID, asset, candidate, assessment.Strategy)
	if err != nil {
		return err
	}
	exec.Plan = plan
	if err := e.deployer.Execute(ctx, plan, asset, candidate, snap, opts.HealthChecks); err != nil {
		e.patches.RecordOutcome(candidate, false)
		if plan.RolledBack {
			exec.RolledBack = true
			e.metrics.Rollbacks.WithLabelValues("succeeded").Inc()
			e.auditEvent(ctx, exec.ID, audit.KindRollback, map[string]interface{}{
				"snapshot": snap.ID,
				"cause":    err.Error(),
			})
		} else if errors.Is(err, common.ErrRollbackFailed) {
			exec.RollbackFailed = true
			e.metrics.Rollbacks.WithLabelValues("failed").Inc()
		}
		return err
	}
	e.auditEvent(ctx, exec.ID, audit.KindDeploymentStage, map[string]interface{}{
		"plan":   plan.ID,
		"stages": len(plan.Stages),
	})

	// Post-deployment validation.
	if err := e.transition(ctx, exec, model.StateValidation, "confirming asset health after rollout"); err != nil {
		return err
	}
	driver, err := e.drivers.For(asset)
	if err != nil {
		return err
	}
	if err := e.prober.Probe(ctx, driver, asset, opts.HealthChecks); err != nil {
		e.patches.RecordOutcome(candidate, false)
		return common.Classify(
			fmt.Errorf("post-deployment validation: %w", err),
			common.CategoryPostcondition, common.SeverityCritical,
		)
	}
	e.patches.RecordOutcome(candidate, true)

	if err := e.transition(ctx, exec, model.StateCompleted, "remediation verified"); err != nil {
		return err
	}
	exec.Succeeded = true
	exec.UpdatedAt = e.clock.Now()
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return err
	}

	e.notifier.Notify(notify.Event{
		Kind:        "remediation_completed",
		ExecutionID: exec.ID,
		Message:     fmt.Sprintf("remediated %s on %s", vuln.ID, asset.Name),
		Timestamp:   e.clock.Now(),
	})
	e.logger.Info("Execution completed",
		zap.String("execution", exec.ID),
		zap.String("vulnerability", vuln.ID),
	)
	return nil
}

// transition validates and records a state change. The audit event is
// appended before the new state becomes visible anywhere else.
func (e *Engine) transition(ctx context.Context, exec *model.RemediationExecution, to model.ExecutionState, reason string) error {
	from := exec.State
	if !model.CanTransition(from, to) {
		return common.Classify(
			fmt.Errorf("%w: %s -> %s", common.ErrInvalidState, from, to),
			common.CategoryValidation, common.SeverityCritical,
		)
	}

	e.auditEvent(ctx, exec.ID, audit.KindStateTransition, map[string]interface{}{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})

	now := e.clock.Now()
	exec.State = to
	exec.History = append(exec.History, model.StateTransition{From: from, To: to, Reason: reason, At: now})
	exec.UpdatedAt = now
	e.metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()

	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return err
	}
	e.logger.Debug("State transition",
		zap.String("execution", exec.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// fail drives the execution to its terminal failure state. A completed
// rollback ends in ROLLED_BACK; everything else ends in FAILED.
func (e *Engine) fail(ctx context.Context, exec *model.RemediationExecution, cause error) {
	target := model.StateFailed
	if exec.RolledBack {
		target = model.StateRolledBack
	}
	exec.ErrorMessage = cause.Error()

	e.auditEvent(ctx, exec.ID, audit.KindError, map[string]interface{}{
		"state": string(exec.State),
		"error": cause.Error(),
	})
	if exec.State.Terminal() {
		// Already terminal; nothing further to drive.
		return
	}
	if err := e.transition(ctx, exec, target, cause.Error()); err != nil {
		e.logger.Error("Failed to record terminal state",
			zap.String("execution", exec.ID),
			zap.Error(err),
		)
		exec.State = target
		exec.UpdatedAt = e.clock.Now()
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		e.logger.Error("Failed to persist terminal execution",
			zap.String("execution", exec.ID),
			zap.Error(err),
		)
	}

	e.notifier.Notify(notify.Event{
		Kind:        "remediation_failed",
		ExecutionID: exec.ID,
		Message:     cause.Error(),
		Details:     map[string]interface{}{"state": string(target)},
		Timestamp:   e.clock.Now(),
	})
	e.logger.Warn("Execution ended in failure",
		zap.String("execution", exec.ID),
		zap.String("state", string(target)),
		zap.Error(cause),
	)
}

// fetchArtifact downloads the patch artifact when verification will need
// its bytes. Sources without a download URL verify metadata only.
func (e *Engine) fetchArtifact(ctx context.Context, p *model.Patch) ([]byte, error) {
	if p.DownloadURL == "" || (p.Checksum == "" && len(p.Signature) == 0) {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.DownloadURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, common.Classify(
			fmt.Errorf("download patch artifact: %w", err),
			common.CategoryPatchAcquisition, common.SeverityHigh,
		)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, common.Classify(
			fmt.Errorf("download patch artifact: status %d", resp.StatusCode),
			common.CategoryPatchAcquisition, common.SeverityHigh,
		)
	}
	return io.ReadAll(resp.Body)
}

func (e *Engine) auditEvent(ctx context.Context, executionID, kind string, payload map[string]interface{}) {
	if _, err := e.audit.Append(ctx, executionID, kind, payload); err != nil {
		// The audit trail is load-bearing; a write failure is loud but the
		// pipeline itself decides separately whether to proceed.
		e.logger.Error("Audit append failed",
			zap.String("execution", executionID),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

func failedCases(results []model.TestResult) string {
	for _, r := range results {
		if r.Outcome == model.TestFailed || r.Outcome == model.TestErrored {
			return fmt.Sprintf("first failing case %s/%s: %s", r.Suite, r.Case, r.Message)
		}
	}
	return "no failing case recorded"
}
