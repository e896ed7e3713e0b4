// Package sandbox validates a patch against an isolated copy of the
// target asset before anything touches production.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/config"
	"github.com/kagehara/remedy/internal/model"
	"github.com/kagehara/remedy/internal/platform"
)

// Report is the outcome of one sandbox validation run.
type Report struct {
	SandboxID string             `json:"sandbox_id"`
	Results   []model.TestResult `json:"results"`
	Passed    bool               `json:"passed"`
	Duration  time.Duration      `json:"duration"`
}

// Tester provisions a sandbox, applies the candidate patch, and runs the
// configured suites against it. The sandbox is torn down on every path,
// including provisioning failure and panic-free early returns.
type Tester struct {
	logger  *zap.Logger
	cfg     config.SandboxConfig
	clock   common.Clock
	drivers *platform.Registry
}

// NewTester creates a sandbox tester.
func NewTester(logger *zap.Logger, cfg config.SandboxConfig, clock common.Clock, drivers *platform.Registry) *Tester {
	if clock == nil {
		clock = common.SystemClock()
	}
	return &Tester{logger: logger, cfg: cfg, clock: clock, drivers: drivers}
}

// Validate runs every suite against a fresh sandbox of the asset with the
// patch applied. A run passes only when zero cases failed or errored;
// skipped cases never count against it. The returned error is non-nil only
// for infrastructure trouble (provisioning, patch application) — failing
// tests produce a report with Passed=false and no error.
func (t *Tester) Validate(ctx context.Context, asset *model.Asset, patch *model.Patch, suites []model.TestSuite) (*Report, error) {
	if asset == nil || patch == nil {
		return nil, common.ErrNilInput
	}
	driver, err := t.drivers.For(asset)
	if err != nil {
		return nil, err
	}

	start := t.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, t.cfg.TotalTimeout)
	defer cancel()

	provisionCtx, provisionCancel := context.WithTimeout(ctx, t.cfg.ProvisionTimeout)
	sbx, err := driver.ProvisionSandbox(provisionCtx, asset)
	provisionCancel()
	if sbx != nil {
		// Teardown always runs, whatever happened in between. Failures are
		// logged, never surfaced: a leaked sandbox must not fail the run.
		defer func() {
			teardownCtx, teardownCancel := context.WithTimeout(context.Background(), t.cfg.ProvisionTimeout)
			defer teardownCancel()
			if terr := sbx.Teardown(teardownCtx); terr != nil {
				t.logger.Warn("Sandbox teardown failed",
					zap.String("sandbox", sbx.ID()),
					zap.Error(terr),
				)
			}
		}()
	}
	if err != nil {
		return nil, common.Classify(
			fmt.Errorf("provision sandbox: %w", err),
			common.CategorySandbox, common.SeverityHigh,
		)
	}

	t.logger.Info("Sandbox provisioned",
		zap.String("sandbox", sbx.ID()),
		zap.String("asset", asset.ID),
		zap.String("patch", patch.ID),
	)

	if err := sbx.ApplyPatch(ctx, patch.Version); err != nil {
		return nil, common.Classify(
			fmt.Errorf("apply patch in sandbox: %w", err),
			common.CategorySandbox, common.SeverityHigh,
		)
	}

	report := &Report{SandboxID: sbx.ID()}
	for _, suite := range suites {
		for _, tc := range suite.Cases {
			report.Results = append(report.Results, t.runCase(ctx, sbx, suite, tc))
		}
	}
	report.Passed = model.SuitesPassed(report.Results)
	report.Duration = t.clock.Now().Sub(start)

	t.logger.Info("Sandbox validation finished",
		zap.String("sandbox", sbx.ID()),
		zap.Bool("passed", report.Passed),
		zap.Int("cases", len(report.Results)),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (t *Tester) runCase(ctx context.Context, sbx platform.Sandbox, suite model.TestSuite, tc model.TestCase) model.TestResult {
	result := model.TestResult{Suite: suite.Name, Case: tc.Name}

	if tc.Skip {
		result.Outcome = model.TestSkipped
		return result
	}
	if err := ctx.Err(); err != nil {
		result.Outcome = model.TestErrored
		result.Message = "run aborted: " + err.Error()
		return result
	}

	timeout := tc.Timeout
	if timeout <= 0 {
		timeout = t.cfg.CaseTimeout
	}
	caseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := t.clock.Now()
	out, err := sbx.RunCommand(caseCtx, tc.Command)
	result.Duration = t.clock.Now().Sub(start)

	switch {
	case caseCtx.Err() == context.DeadlineExceeded:
		// A hung check is an infrastructure signal, not a clean failure.
		result.Outcome = model.TestErrored
		result.Message = common.ErrTimeout.Error()
	case err != nil:
		result.Outcome = model.TestFailed
		result.Message = err.Error()
	default:
		result.Outcome = model.TestPassed
		result.Message = out
	}

	if result.Outcome != model.TestPassed {
		t.logger.Warn("Sandbox case did not pass",
			zap.String("suite", suite.Name),
			zap.String("case", tc.Name),
			zap.String("outcome", string(result.Outcome)),
			zap.String("message", result.Message),
		)
	}
	return result
}

// DefaultSuites returns the baseline checks every patched asset must pass
// when the caller supplies none of its own.
func DefaultSuites() []model.TestSuite {
	return []model.TestSuite{
		{
			Name: "smoke",
			Kind: model.TestSmoke,
			Cases: []model.TestCase{
				{Name: "process-alive", Kind: model.TestSmoke, Command: "true"},
			},
		},
		{
			Name: "functional",
			Kind: model.TestFunctional,
			Cases: []model.TestCase{
				{Name: "package-consistency", Kind: model.TestFunctional, Command: "dpkg --audit"},
			},
		},
	}
}
