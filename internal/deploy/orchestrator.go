package deploy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/config"
	"github.com/kagehara/remedy/internal/model"
	"github.com/kagehara/remedy/internal/platform"
	"github.com/kagehara/remedy/internal/rollback"
)

// Orchestrator runs deployment plans stage by stage. Each stage applies
// its partial change, then must pass every health poll across the
// monitoring window before the next stage starts. A single failing poll
// aborts the rollout; with auto-rollback enabled the asset is restored
// from the pre-deployment snapshot and the remaining stages are abandoned.
type Orchestrator struct {
	logger   *zap.Logger
	cfg      config.DeploymentConfig
	clock    common.Clock
	drivers  *platform.Registry
	prober   *platform.Prober
	rollback *rollback.Manager
}

// NewOrchestrator creates a deployment orchestrator.
func NewOrchestrator(logger *zap.Logger, cfg config.DeploymentConfig, clock common.Clock,
	drivers *platform.Registry, prober *platform.Prober, rb *rollback.Manager) *Orchestrator {
	if clock == nil {
		clock = common.SystemClock()
	}
	if prober == nil {
		prober = platform.NewProber(logger, nil, nil)
	}
	return &Orchestrator{
		logger:   logger,
		cfg:      cfg,
		clock:    clock,
		drivers:  drivers,
		prober:   prober,
		rollback: rb,
	}
}

// Execute runs the plan's stages in order against the asset. snap is the
// verified pre-deployment snapshot; it is the rollback target for the
// whole rollout. On success the plan is marked Succeeded. On a stage or
// health failure with auto-rollback enabled, the snapshot is restored and
// the plan is marked RolledBack; the returned error then wraps both
// causes if the restore itself also failed.
func (o *Orchestrator) Execute(ctx context.Context, plan *model.DeploymentPlan, asset *model.Asset,
	patch *model.Patch, snap *model.Snapshot, checks []platform.HealthCheck) error {
	if plan == nil || asset == nil || patch == nil || snap == nil {
		return common.ErrNilInput
	}
	driver, err := o.drivers.For(asset)
	if err != nil {
		return err
	}
	plan.SnapshotID = snap.ID

	o.logger.Info("Starting staged deployment",
		zap.String("plan", plan.ID),
		zap.String("asset", asset.ID),
		zap.String("strategy", string(plan.Strategy)),
		zap.Int("stages", len(plan.Stages)),
	)

	ref := patchRef(asset, patch)
	for i := range plan.Stages {
		if err := o.runStage(ctx, driver, plan, &plan.Stages[i], asset, ref, checks); err != nil {
			return o.abort(ctx, plan, asset, snap, checks, i, err)
		}
	}

	plan.Succeeded = true
	o.logger.Info("Deployment succeeded",
		zap.String("plan", plan.ID),
		zap.String("asset", asset.ID),
	)
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, driver platform.Driver, plan *model.DeploymentPlan,
	stage *model.DeploymentStage, asset *model.Asset, patchRef string, checks []platform.HealthCheck) error {
	now := o.clock.Now()
	stage.Status = model.StageInProgress
	stage.StartedAt = &now

	o.logger.Info("Applying deployment stage",
		zap.String("plan", plan.ID),
		zap.String("stage", stage.Name),
		zap.Int("percent", stage.Percent),
	)

	change := platform.StageChange{
		PatchRef:  patchRef,
		Percent:   stage.Percent,
		Instances: stage.InstanceCount,
		Final:     stage.Index == len(plan.Stages)-1,
	}
	applyCtx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
	err := driver.ApplyStage(applyCtx, asset, change)
	cancel()
	if err != nil {
		stage.Status = model.StageFailed
		return common.Classify(
			fmt.Errorf("apply stage %s: %w", stage.Name, err),
			common.CategoryDeployment, common.SeverityCritical,
		)
	}

	stage.Status = model.StageValidating
	if err := o.monitor(ctx, driver, stage, asset, checks); err != nil {
		stage.Status = model.StageFailed
		return err
	}

	done := o.clock.Now()
	stage.Status = model.StageCompleted
	stage.FinishedAt = &done
	return nil
}

// monitor polls health across the whole window. Every poll must pass;
// the first failure fails the stage immediately.
func (o *Orchestrator) monitor(ctx context.Context, driver platform.Driver, stage *model.DeploymentStage,
	asset *model.Asset, checks []platform.HealthCheck) error {
	deadline := time.After(o.cfg.MonitorWindow)
	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	poll := func() error {
		if err := o.prober.Probe(ctx, driver, asset, checks); err != nil {
			stage.HealthFailures++
			return common.Classify(
				fmt.Errorf("stage %s: %w", stage.Name, err),
				common.CategoryDeployment, common.SeverityCritical,
			)
		}
		stage.HealthPasses++
		return nil
	}

	// Probe immediately so a broken stage never sits a full interval.
	if err := poll(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return nil
		case <-ticker.C:
			if err := poll(); err != nil {
				return err
			}
		}
	}
}

// abort handles a mid-rollout failure: restore from the snapshot when
// auto-rollback is on, mark abandoned stages, and surface what happened.
func (o *Orchestrator) abort(ctx context.Context, plan *model.DeploymentPlan, asset *model.Asset,
	snap *model.Snapshot, checks []platform.HealthCheck, failedIdx int, cause error) error {
	for i := failedIdx + 1; i < len(plan.Stages); i++ {
		plan.Stages[i].Status = model.StageRolledBack
	}

	o.logger.Error("Deployment stage failed",
		zap.String("plan", plan.ID),
		zap.String("stage", plan.Stages[failedIdx].Name),
		zap.Error(cause),
	)

	if !o.cfg.AutoRollback {
		return cause
	}

	// The restore gets a fresh deadline: the caller's context may already
	// be near expiry and the rollback must still run.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.OperationTimeout)
	defer cancel()
	if rbErr := o.rollback.RollbackTo(rbCtx, asset, snap, checks); rbErr != nil {
		return common.Classify(
			fmt.Errorf("%v; rollback also failed: %w", cause, rbErr),
			common.CategoryRollback, common.SeverityFatal,
		)
	}

	plan.RolledBack = true
	for i := 0; i <= failedIdx; i++ {
		if plan.Stages[i].Status == model.StageCompleted || plan.Stages[i].Status == model.StageFailed {
			plan.Stages[i].Status = model.StageRolledBack
		}
	}
	return cause
}
