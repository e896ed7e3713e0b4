package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/model"
)

// VMDriver drives hypervisor-managed virtual machines through the virsh
// CLI. Snapshots use the hypervisor's own checkpoint mechanism; sandboxes
// are linked clones of the source domain.
type VMDriver struct {
	logger *zap.Logger
	runner CommandRunner
}

// NewVMDriver creates a VM driver.
func NewVMDriver(logger *zap.Logger, runner CommandRunner) *VMDriver {
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	return &VMDriver{logger: logger, runner: runner}
}

func (d *VMDriver) Kind() model.PlatformKind { return model.PlatformVM }

type vmSnapshotPayload struct {
	Domain       string `json:"domain"`
	SnapshotName string `json:"snapshot_name"`
}

func (d *VMDriver) Snapshot(ctx context.Context, asset *model.Asset) ([]byte, error) {
	loc := asset.VM
	name := "remedy-pre-change"

	if _, err := d.runner.Run(ctx, "virsh", "snapshot-create-as", loc.Domain, name,
		"--description", "pre-remediation checkpoint", "--atomic"); err != nil {
		return nil, fmt.Errorf("create hypervisor snapshot: %w", err)
	}

	data, err := json.Marshal(vmSnapshotPayload{Domain: loc.Domain, SnapshotName: name})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot payload: %w", err)
	}
	d.logger.Info("Created hypervisor snapshot",
		zap.String("domain", loc.Domain),
		zap.String("snapshot", name),
	)
	return data, nil
}

func (d *VMDriver) Restore(ctx context.Context, asset *model.Asset, payload []byte) error {
	var snap vmSnapshotPayload
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot payload: %w", err)
	}
	if snap.SnapshotName == "" {
		return common.ErrInvalidInput
	}

	if _, err := d.runner.Run(ctx, "virsh", "snapshot-revert", snap.Domain, snap.SnapshotName, "--running"); err != nil {
		return fmt.Errorf("revert hypervisor snapshot: %w", err)
	}
	d.logger.Info("Reverted hypervisor snapshot",
		zap.String("domain", snap.Domain),
		zap.String("snapshot", snap.SnapshotName),
	)
	return nil
}

func (d *VMDriver) ApplyStage(ctx context.Context, asset *model.Asset, change StageChange) error {
	loc := asset.VM

	// A single VM has no partial rollout; intermediate stages gate on the
	// health window only and the final stage installs the patch via the
	// guest agent.
	if !change.Final {
		return nil
	}

	pkg := change.PatchRef
	if _, err := d.runner.Run(ctx, "virsh", "qemu-agent-command", loc.Domain,
		guestExecJSON("sh", "-c", "apt-get install -y --only-upgrade "+pkg)); err != nil {
		return fmt.Errorf("install patch via guest agent: %w", err)
	}
	return nil
}

func (d *VMDriver) HealthProbe(ctx context.Context, asset *model.Asset) error {
	loc := asset.VM
	out, err := d.runner.Run(ctx, "virsh", "domstate", loc.Domain)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(out)) != "running" {
		return fmt.Errorf("domain %s state %q", loc.Domain, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *VMDriver) ProvisionSandbox(ctx context.Context, asset *model.Asset) (Sandbox, error) {
	loc := asset.VM
	clone := loc.Domain + "-remedy-sbx"

	sbx := &vmSandbox{driver: d, domain: clone}
	if _, err := d.runner.Run(ctx, "virt-clone",
		"--original", loc.Domain,
		"--name", clone,
		"--auto-clone"); err != nil {
		return sbx, fmt.Errorf("clone domain: %w", err)
	}
	if _, err := d.runner.Run(ctx, "virsh", "start", clone); err != nil {
		return sbx, fmt.Errorf("start cloned domain: %w", err)
	}

	d.logger.Info("Provisioned linked VM clone", zap.String("domain", clone))
	return sbx, nil
}

type vmSandbox struct {
	driver *VMDriver
	domain string
}

func (s *vmSandbox) ID() string { return s.domain }

func (s *vmSandbox) ApplyPatch(ctx context.Context, patchRef string) error {
	_, err := s.driver.runner.Run(ctx, "virsh", "qemu-agent-command", s.domain,
		guestExecJSON("sh", "-c", "apt-get install -y --only-upgrade "+patchRef))
	return err
}

func (s *vmSandbox) RunCommand(ctx context.Context, command string) (string, error) {
	out, err := s.driver.runner.Run(ctx, "virsh", "qemu-agent-command", s.domain,
		guestExecJSON("sh", "-c", command))
	return string(out), err
}

func (s *vmSandbox) Teardown(ctx context.Context) error {
	if _, err := s.driver.runner.Run(ctx, "virsh", "destroy", s.domain); err != nil {
		s.driver.logger.Warn("Failed to destroy sandbox domain", zap.Error(err))
	}
	_, err := s.driver.runner.Run(ctx, "virsh", "undefine", s.domain, "--remove-all-storage")
	return err
}

func guestExecJSON(path string, args ...string) string {
	cmd := map[string]interface{}{
		"execute": "guest-exec",
		"arguments": map[string]interface{}{
			"path":           path,
			"arg":            args,
			"capture-output": true,
		},
	}
	data, _ := json.Marshal(cmd)
	return string(data)
}
