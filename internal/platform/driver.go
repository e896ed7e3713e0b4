// Package platform abstracts the control planes remediations act on. Each
// driver exposes snapshot/restore/deploy-stage/health-probe operations plus
// sandbox provisioning, keeping shell-out and client details isolated and
// fakeable in tests.
package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/model"
)

// StageChange describes the partial change one deployment stage applies.
type StageChange struct {
	// PatchRef is the artifact the stage rolls out: an image reference for
	// container platforms, a package@version for VMs and servers.
	PatchRef string
	// Percent is the target traffic/instance fraction after the stage.
	Percent int
	// Instances bounds rolling batches; zero means percent-driven.
	Instances int
	// Final marks the last stage, where temporary rollout scaffolding
	// (canary workloads, green environments) is promoted.
	Final bool
}

// Sandbox is a disposable isolated copy of an asset. Teardown must be safe
// to call on every exit path, including after a failed provision step.
type Sandbox interface {
	ID() string
	// ApplyPatch applies the candidate change inside the sandbox.
	ApplyPatch(ctx context.Context, patchRef string) error
	// RunCommand executes a test command inside the sandbox.
	RunCommand(ctx context.Context, command string) (string, error)
	Teardown(ctx context.Context) error
}

// Driver is the per-platform control-plane adapter.
type Driver interface {
	Kind() model.PlatformKind

	// Snapshot captures a restorable pre-change state and returns the
	// platform-specific restore payload.
	Snapshot(ctx context.Context, asset *model.Asset) ([]byte, error)

	// Restore reverts the asset to a previously captured payload.
	Restore(ctx context.Context, asset *model.Asset, payload []byte) error

	// ApplyStage applies one stage's partial change.
	ApplyStage(ctx context.Context, asset *model.Asset, change StageChange) error

	// HealthProbe checks the asset's own liveness signal.
	HealthProbe(ctx context.Context, asset *model.Asset) error

	// ProvisionSandbox creates an isolated copy of the asset.
	ProvisionSandbox(ctx context.Context, asset *model.Asset) (Sandbox, error)
}

// Registry dispatches assets to the driver matching their platform kind.
type Registry struct {
	drivers map[model.PlatformKind]Driver
}

// NewRegistry builds a registry from the given drivers.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[model.PlatformKind]Driver)}
	for _, d := range drivers {
		r.drivers[d.Kind()] = d
	}
	return r
}

// For returns the driver for an asset's platform.
func (r *Registry) For(asset *model.Asset) (Driver, error) {
	d, ok := r.drivers[asset.Platform]
	if !ok {
		return nil, common.Classify(
			fmt.Errorf("no driver registered for platform %q", asset.Platform),
			common.CategoryDependency, common.SeverityHigh,
		)
	}
	return d, nil
}

// HealthCheckType selects how a health check is evaluated.
type HealthCheckType string

const (
	CheckDriver  HealthCheckType = "driver"  // the platform's own liveness signal
	CheckHTTP    HealthCheckType = "http"    // GET expecting a 2xx
	CheckCommand HealthCheckType = "command" // exit 0
)

// HealthCheck is one gate evaluated during rollout monitoring and after
// rollback.
type HealthCheck struct {
	Name    string          `json:"name"`
	Type    HealthCheckType `json:"type"`
	URL     string          `json:"url,omitempty"`
	Command []string        `json:"command,omitempty"`
	Timeout time.Duration   `json:"timeout,omitempty"`
}

// Prober evaluates health checks against an asset.
type Prober struct {
	logger *zap.Logger
	client *http.Client
	runner CommandRunner
}

// NewProber creates a prober. client may be nil, in which case a default
// with a 10s timeout is used.
func NewProber(logger *zap.Logger, client *http.Client, runner CommandRunner) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	return &Prober{logger: logger, client: client, runner: runner}
}

// Probe evaluates every check in order and returns on the first failure.
// The driver's own liveness signal runs first.
func (p *Prober) Probe(ctx context.Context, driver Driver, asset *model.Asset, checks []HealthCheck) error {
	if err := driver.HealthProbe(ctx, asset); err != nil {
		return fmt.Errorf("%w: platform probe: %v", common.ErrHealthCheckFailed, err)
	}
	for _, check := range checks {
		if err := p.evaluate(ctx, check); err != nil {
			p.logger.Debug("Health check failed",
				zap.String("check", check.Name),
				zap.String("asset", asset.ID),
				zap.Error(err),
			)
			return fmt.Errorf("%w: %s: %v", common.ErrHealthCheckFailed, check.Name, err)
		}
	}
	return nil
}

func (p *Prober) evaluate(ctx context.Context, check HealthCheck) error {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch check.Type {
	case CheckHTTP:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, check.URL, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	case CheckCommand:
		if len(check.Command) == 0 {
			return common.ErrInvalidInput
		}
		_, err := p.runner.Run(ctx, check.Command[0], check.Command[1:]...)
		return err
	case CheckDriver, "":
		// The driver probe already ran.
		return nil
	default:
		return fmt.Errorf("unknown health check type %q", check.Type)
	}
}
