// Package risk scores a vulnerability/asset pair and maps the result onto
// an autonomy level, a deployment strategy and a timing recommendation.
// Scoring is pure: identical inputs under an identical clock always produce
// the identical assessment.
package risk

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/config"
	"github.com/kagehara/remedy/internal/model"
)

// Calibration supplies advisory historical statistics. It is optional and
// never blocks scoring; a missing feed falls back to neutral values.
type Calibration interface {
	// SandboxSuccessRate returns the historical sandbox success rate for a
	// platform, and whether enough history exists to trust it.
	SandboxSuccessRate(platform model.PlatformKind) (float64, bool)
}

// Analyzer computes risk assessments.
type Analyzer struct {
	logger      *zap.Logger
	weights     config.RiskWeights
	thresholds  config.AutonomyThresholds
	clock       common.Clock
	calibration Calibration
}

// NewAnalyzer creates an analyzer. calibration may be nil.
func NewAnalyzer(logger *zap.Logger, cfg config.RiskConfig, clock common.Clock, calibration Calibration) *Analyzer {
	if clock == nil {
		clock = common.SystemClock()
	}
	return &Analyzer{
		logger:      logger,
		weights:     cfg.Weights,
		thresholds:  cfg.Thresholds,
		clock:       clock,
		calibration: calibration,
	}
}

// Analyze scores the pair and derives autonomy, confidence, strategy and
// timing. The assessment is created once per execution and is immutable
// afterwards; persisting it is the caller's concern.
func (a *Analyzer) Analyze(vuln *model.Vulnerability, asset *model.Asset) (*model.RiskAssessment, error) {
	if vuln == nil || asset == nil {
		return nil, common.ErrNilInput
	}
	if err := asset.Validate(); err != nil {
		return nil, common.Classify(err, common.CategoryValidation, common.SeverityHigh)
	}

	now := a.clock.Now()
	factors := a.scoreFactors(vuln, asset, now)
	score := a.weightedTotal(factors)

	autonomy, matched := a.autonomyFor(score)
	confidence := a.confidenceFor(score, matched)
	strategy, shifted := a.strategyFor(score, asset.Platform)

	timing := a.timingFor(score, vuln)

	reasoning := []string{
		fmt.Sprintf("severity %s (CVSS %.1f)", model.SeverityRating(vuln.EffectiveScore()), vuln.EffectiveScore()),
		fmt.Sprintf("asset criticality %s on %s", asset.Criticality, asset.Platform),
		fmt.Sprintf("weighted score %.3f maps to %s", score, autonomy),
	}
	if vuln.ExploitInWild {
		reasoning = append(reasoning, "active exploitation observed; timing forced to immediate")
	}
	if shifted {
		reasoning = append(reasoning, "historical sandbox success rate below 0.9; strategy shifted toward caution")
	}

	assessment := &model.RiskAssessment{
		ID:              uuid.NewString(),
		VulnerabilityID: vuln.ID,
		AssetID:         asset.ID,
		Factors:         factors,
		TotalScore:      score,
		Autonomy:        autonomy,
		Confidence:      confidence,
		Strategy:        strategy,
		Timing:          timing,
		Reasoning:       reasoning,
		CreatedAt:       now,
	}

	a.logger.Debug("Risk assessment computed",
		zap.String("vulnerability", vuln.ID),
		zap.String("asset", asset.ID),
		zap.Float64("score", score),
		zap.String("autonomy", autonomy.String()),
		zap.String("strategy", string(strategy)),
	)
	return assessment, nil
}

// RequiresApproval reports whether the engine must suspend for human
// approval. Fail-closed: anything below HIGH_AUTONOMY gates, which subsumes
// the narrower approval-required/semi-auto rule.
func RequiresApproval(assessment *model.RiskAssessment) bool {
	return assessment.Autonomy < model.AutonomyHigh
}

func (a *Analyzer) scoreFactors(vuln *model.Vulnerability, asset *model.Asset, now time.Time) model.RiskFactors {
	return model.RiskFactors{
		Severity:             clamp01(vuln.EffectiveScore() / 10.0),
		Exploitability:       exploitability(vuln),
		AssetCriticality:     invertedCriticality(asset.Criticality),
		PatchMaturity:        patchMaturity(vuln.PatchAgeDays),
		DependencyComplexity: dependencyComplexity(asset.DependencyCount),
		RollbackComplexity:   rollbackEase(asset),
		ComplianceImpact:     complianceImpact(asset),
		Timing:               timingFactor(now),
	}
}

func (a *Analyzer) weightedTotal(f model.RiskFactors) float64 {
	w := a.weights
	total := f.Severity*w.Severity +
		f.Exploitability*w.Exploitability +
		f.AssetCriticality*w.AssetCriticality +
		f.PatchMaturity*w.PatchMaturity +
		f.DependencyComplexity*w.DependencyComplexity +
		f.RollbackComplexity*w.RollbackComplexity +
		f.ComplianceImpact*w.ComplianceImpact +
		f.Timing*w.Timing
	return clamp01(total)
}

// autonomyFor walks the descending threshold table and returns the granted
// level plus the matched threshold.
func (a *Analyzer) autonomyFor(score float64) (model.AutonomyLevel, float64) {
	t := a.thresholds
	switch {
	case score >= t.Full:
		return model.AutonomyFull, t.Full
	case score >= t.High:
		return model.AutonomyHigh, t.High
	case score >= t.ApprovalRequired:
		return model.AutonomyApprovalRequired, t.ApprovalRequired
	case score >= t.Supervised:
		return model.AutonomySupervised, t.Supervised
	case score >= t.AIAssisted:
		return model.AutonomyAIAssisted, t.AIAssisted
	default:
		return model.AutonomyManualOnly, 0
	}
}

// confidenceFor grows with the distance above the matched threshold and is
// capped at 0.99.
func (a *Analyzer) confidenceFor(score, matched float64) float64 {
	confidence := 0.6 + (score-matched)*1.5
	if confidence > 0.99 {
		confidence = 0.99
	}
	if confidence < 0.5 {
		confidence = 0.5
	}
	return confidence
}

// strategyFor selects a strategy from score bands, then shifts one step
// toward the more cautious option when the historical sandbox success rate
// for the platform is below 0.9. Caution order: rolling → blue-green →
// canary.
func (a *Analyzer) strategyFor(score float64, platform model.PlatformKind) (model.DeploymentStrategy, bool) {
	var strategy model.DeploymentStrategy
	switch {
	case score >= 0.8:
		strategy = model.StrategyRolling
	case score >= 0.6:
		strategy = model.StrategyBlueGreen
	default:
		strategy = model.StrategyCanary
	}

	if a.calibration != nil {
		if rate, ok := a.calibration.SandboxSuccessRate(platform); ok && rate < 0.9 {
			switch strategy {
			case model.StrategyRolling:
				return model.StrategyBlueGreen, true
			case model.StrategyBlueGreen:
				return model.StrategyCanary, true
			}
		}
	}
	return strategy, false
}

// timingFor recommends when to act. Active exploitation always forces
// immediate remediation, irrespective of autonomy level.
func (a *Analyzer) timingFor(score float64, vuln *model.Vulnerability) model.RemediationTiming {
	if vuln.ExploitInWild {
		return model.TimingImmediate
	}
	if score >= a.thresholds.High {
		return model.TimingScheduled
	}
	return model.TimingMaintenanceWindow
}

func exploitability(vuln *model.Vulnerability) float64 {
	switch {
	case vuln.ExploitInWild:
		return 1.0
	case vuln.WeaponizedKit:
		return 0.9
	case vuln.ProofOfConcept:
		return 0.6
	default:
		return 0.3
	}
}

// invertedCriticality: lower operational criticality raises the score
// toward more autonomy.
func invertedCriticality(tier model.CriticalityTier) float64 {
	switch tier {
	case model.CriticalityLow:
		return 0.9
	case model.CriticalityMedium:
		return 0.7
	case model.CriticalityHigh:
		return 0.4
	case model.CriticalityMissionCritical:
		return 0.1
	default:
		return 0.5
	}
}

// patchMaturity favors patches that have been public long enough for the
// ecosystem to shake out regressions. 30 days saturates the factor.
func patchMaturity(ageDays int) float64 {
	if ageDays <= 0 {
		return 0.1
	}
	v := float64(ageDays) / 30.0
	if v > 1.0 {
		v = 1.0
	}
	return v
}

func dependencyComplexity(count int) float64 {
	v := 1.0 - float64(count)/20.0
	if v < 0.05 {
		v = 0.05
	}
	return v
}

// rollbackEase is inverted rollback complexity: easier rollback raises the
// score. Containers restore from a committed image, workloads from a
// revision; bare servers have no cheap restore path.
func rollbackEase(asset *model.Asset) float64 {
	var base float64
	switch asset.Platform {
	case model.PlatformContainer:
		base = 0.9
	case model.PlatformKubernetes:
		base = 0.8
	case model.PlatformVM:
		base = 0.7
	default:
		base = 0.4
	}
	if asset.HasBackups {
		base += 0.1
	}
	if !asset.HasRedundancy {
		base -= 0.3
	}
	return clamp01(base)
}

func complianceImpact(asset *model.Asset) float64 {
	if len(asset.ComplianceFrameworks) == 0 {
		return 1.0
	}
	v := 1.0 - 0.25*float64(len(asset.ComplianceFrameworks))
	if v < 0.2 {
		v = 0.2
	}
	return v
}

// timingFactor slightly favors off-hours changes. Reads only the injected
// clock.
func timingFactor(now time.Time) float64 {
	h := now.Hour()
	if h >= 9 && h < 17 {
		return 0.6
	}
	return 1.0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
