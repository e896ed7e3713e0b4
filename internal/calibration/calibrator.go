// Package calibration aggregates historical execution outcomes into the
// feedback signals the risk analyzer consumes. It runs as an offline batch
// over the store, never in the scoring hot path.
package calibration

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/model"
	"github.com/kagehara/remedy/internal/store"
)

// minSamples is the smallest per-platform history the aggregate trusts.
const minSamples = 5

// PlatformStats is the per-platform slice of the aggregate.
type PlatformStats struct {
	SandboxRuns     int     `json:"sandbox_runs"`
	SandboxPasses   int     `json:"sandbox_passes"`
	SandboxPassRate float64 `json:"sandbox_pass_rate"`
}

// Report is the aggregate view of recent terminal executions.
type Report struct {
	Total           int     `json:"total"`
	Completed       int     `json:"completed"`
	RolledBack      int     `json:"rolled_back"`
	Failed          int     `json:"failed"`
	RemediationRate float64 `json:"remediation_rate"`

	Platforms map[model.PlatformKind]PlatformStats `json:"platforms"`
}

// Calibrator computes and caches outcome aggregates. It satisfies the risk
// analyzer's calibration feed.
type Calibrator struct {
	logger *zap.Logger
	store  *store.Store

	mu     sync.RWMutex
	report Report
	loaded bool
}

// New creates a calibrator over the store.
func New(logger *zap.Logger, st *store.Store) *Calibrator {
	return &Calibrator{logger: logger, store: st}
}

// Refresh recomputes the aggregate from the most recent terminal
// executions and returns the report.
func (c *Calibrator) Refresh(ctx context.Context, window int) (Report, error) {
	outcomes, err := c.store.RecentOutcomes(ctx, window)
	if err != nil {
		return Report{}, err
	}

	r := Report{Platforms: make(map[model.PlatformKind]PlatformStats)}
	r.Total = len(outcomes)
	for _, o := range outcomes {
		if o.SandboxRan {
			ps := r.Platforms[o.Platform]
			ps.SandboxRuns++
			if o.SandboxPassed {
				ps.SandboxPasses++
			}
			r.Platforms[o.Platform] = ps
		}
		switch {
		case o.Succeeded:
			r.Completed++
		case o.RolledBack:
			r.RolledBack++
		default:
			r.Failed++
		}
	}
	for kind, ps := range r.Platforms {
		if ps.SandboxRuns > 0 {
			ps.SandboxPassRate = float64(ps.SandboxPasses) / float64(ps.SandboxRuns)
		}
		r.Platforms[kind] = ps
	}
	if r.Total > 0 {
		r.RemediationRate = float64(r.Completed) / float64(r.Total)
	}

	c.mu.Lock()
	c.report = r
	c.loaded = true
	c.mu.Unlock()

	c.logger.Info("Calibration refreshed",
		zap.Int("total", r.Total),
		zap.Int("platforms", len(r.Platforms)),
		zap.Float64("remediation_rate", r.RemediationRate),
	)
	return r, nil
}

// SandboxSuccessRate reports the historical sandbox pass rate for a
// platform. The second return is false until a refresh ran and the
// platform has enough history to trust.
func (c *Calibrator) SandboxSuccessRate(platform model.PlatformKind) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return 0, false
	}
	ps, ok := c.report.Platforms[platform]
	if !ok || ps.SandboxRuns < minSamples {
		return 0, false
	}
	return ps.SandboxPassRate, true
}
