// Package deploy executes strategy-driven staged rollouts with health
// gating and automatic rollback.
package deploy

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/model"
)

// CreatePlan builds the ordered stage list for the chosen strategy.
//
//   - canary: one stage per configured percentage, ending at 100
//   - blue_green: exactly two stages, full parallel environment then cutover
//   - rolling: ceil(instances/batch) fixed-size batches
func (o *Orchestrator) CreatePlan(executionID string, asset *model.Asset, patch *model.Patch, strategy model.DeploymentStrategy) (*model.DeploymentPlan, error) {
	if asset == nil || patch == nil {
		return nil, common.ErrNilInput
	}

	plan := &model.DeploymentPlan{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		AssetID:     asset.ID,
		PatchID:     patch.ID,
		Strategy:    strategy,
		CreatedAt:   o.clock.Now(),
	}

	switch strategy {
	case model.StrategyCanary:
		for i, pct := range o.cfg.CanaryPercentages {
			plan.Stages = append(plan.Stages, model.DeploymentStage{
				Index:   i,
				Name:    fmt.Sprintf("canary-%d%%", pct),
				Percent: pct,
				Status:  model.StagePending,
			})
		}
	case model.StrategyBlueGreen:
		// Percent 0 on the first stage means "full-scale parallel
		// environment, no production traffic yet".
		plan.Stages = []model.DeploymentStage{
			{Index: 0, Name: "green-environment", Percent: 0, Status: model.StagePending},
			{Index: 1, Name: "cutover", Percent: 100, Status: model.StagePending},
		}
	case model.StrategyRolling:
		total := asset.Instances()
		batch := o.cfg.RollingBatchSize
		if batch > total {
			batch = total
		}
		covered := 0
		for i := 0; covered < total; i++ {
			size := batch
			if covered+size > total {
				size = total - covered
			}
			covered += size
			plan.Stages = append(plan.Stages, model.DeploymentStage{
				Index:         i,
				Name:          fmt.Sprintf("batch-%d", i+1),
				Percent:       covered * 100 / total,
				InstanceCount: size,
				Status:        model.StagePending,
			})
		}
	default:
		return nil, common.Classify(
			fmt.Errorf("unknown deployment strategy %q", strategy),
			common.CategoryDeployment, common.SeverityHigh,
		)
	}

	if len(plan.Stages) == 0 {
		return nil, common.Classify(
			fmt.Errorf("empty stage list for strategy %q", strategy),
			common.CategoryDeployment, common.SeverityHigh,
		)
	}
	// The last stage always lands the complete change.
	plan.Stages[len(plan.Stages)-1].Percent = 100
	return plan, nil
}

// patchRef resolves the artifact reference a driver applies: container
// platforms take image references, package platforms take pkg=version.
func patchRef(asset *model.Asset, patch *model.Patch) string {
	switch asset.Platform {
	case model.PlatformKubernetes, model.PlatformContainer:
		if patch.DownloadURL != "" {
			return patch.DownloadURL
		}
		return patch.Version
	default:
		return patch.Version
	}
}
