package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/model"
)

// ServerDriver drives bare servers over SSH: package-state snapshots,
// package-manager restores, and an ephemeral container as the sandbox
// (a bare server has no cheap clone). Local targets additionally gate on
// host resource pressure via gopsutil.
type ServerDriver struct {
	logger *zap.Logger
	runner CommandRunner

	// Health gate thresholds for local probes, percent.
	cpuCritical float64
	memCritical float64
}

// NewServerDriver creates a server driver.
func NewServerDriver(logger *zap.Logger, runner CommandRunner) *ServerDriver {
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	return &ServerDriver{
		logger:      logger,
		runner:      runner,
		cpuCritical: 95.0,
		memCritical: 95.0,
	}
}

func (d *ServerDriver) Kind() model.PlatformKind { return model.PlatformServer }

type serverSnapshotPayload struct {
	Host string `json:"host"`
	// Selections is the dpkg package-state dump the restore reinstalls
	// from.
	Selections string `json:"selections"`
}

func (d *ServerDriver) ssh(ctx context.Context, loc *model.ServerLocator, command string) ([]byte, error) {
	target := loc.Host
	if loc.SSHUser != "" {
		target = loc.SSHUser + "@" + loc.Host
	}
	return d.runner.Run(ctx, "ssh", "-o", "BatchMode=yes", target, command)
}

func (d *ServerDriver) Snapshot(ctx context.Context, asset *model.Asset) ([]byte, error) {
	loc := asset.Server
	out, err := d.ssh(ctx, loc, "dpkg --get-selections")
	if err != nil {
		return nil, fmt.Errorf("capture package selections: %w", err)
	}

	data, err := json.Marshal(serverSnapshotPayload{Host: loc.Host, Selections: string(out)})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot payload: %w", err)
	}
	d.logger.Info("Captured server package state", zap.String("host", loc.Host))
	return data, nil
}

func (d *ServerDriver) Restore(ctx context.Context, asset *model.Asset, payload []byte) error {
	loc := asset.Server

	var snap serverSnapshotPayload
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot payload: %w", err)
	}
	if snap.Selections == "" {
		return common.ErrInvalidInput
	}

	restore := fmt.Sprintf("echo %q | dpkg --set-selections && apt-get dselect-upgrade -y", snap.Selections)
	if _, err := d.ssh(ctx, loc, restore); err != nil {
		return fmt.Errorf("restore package selections: %w", err)
	}
	d.logger.Info("Restored server package state", zap.String("host", loc.Host))
	return nil
}

func (d *ServerDriver) ApplyStage(ctx context.Context, asset *model.Asset, change StageChange) error {
	loc := asset.Server
	if !change.Final {
		return nil
	}
	if _, err := d.ssh(ctx, loc, "apt-get install -y --only-upgrade "+change.PatchRef); err != nil {
		return fmt.Errorf("install patch: %w", err)
	}
	return nil
}

func (d *ServerDriver) HealthProbe(ctx context.Context, asset *model.Asset) error {
	loc := asset.Server

	if _, err := d.ssh(ctx, loc, "true"); err != nil {
		return fmt.Errorf("host unreachable: %w", err)
	}

	// Local host only: remote resource probing would need an agent.
	if loc.Host == "localhost" || loc.Host == "127.0.0.1" {
		if usage, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(usage) > 0 {
			if usage[0] > d.cpuCritical {
				return fmt.Errorf("cpu usage %.1f%% above critical threshold", usage[0])
			}
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			if vm.UsedPercent > d.memCritical {
				return fmt.Errorf("memory usage %.1f%% above critical threshold", vm.UsedPercent)
			}
		}
	}
	return nil
}

func (d *ServerDriver) ProvisionSandbox(ctx context.Context, asset *model.Asset) (Sandbox, error) {
	loc := asset.Server
	name := "remedy-sbx-" + sanitizeRef(loc.Host)

	// Closest isolated copy of a bare server: an ephemeral container from
	// a base image matching the host's distribution.
	sbx := &containerSandbox{
		driver: &ContainerDriver{logger: d.logger, runner: d.runner},
		name:   name,
		image:  "debian:stable-slim",
	}
	if _, err := d.runner.Run(ctx, "docker", "run", "-d", "--name", name, sbx.image, "sleep", "infinity"); err != nil {
		return sbx, fmt.Errorf("start server sandbox container: %w", err)
	}

	d.logger.Info("Provisioned server sandbox container",
		zap.String("host", loc.Host),
		zap.String("sandbox", name),
	)
	return sbx, nil
}
