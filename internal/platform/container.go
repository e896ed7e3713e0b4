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

// ContainerDriver drives standalone containers through the docker CLI.
// Snapshots commit the running container to an image while preserving the
// original runtime configuration, so a restore recreates the container
// exactly as it ran before the change.
type ContainerDriver struct {
	logger *zap.Logger
	runner CommandRunner
}

// NewContainerDriver creates a container driver.
func NewContainerDriver(logger *zap.Logger, runner CommandRunner) *ContainerDriver {
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	return &ContainerDriver{logger: logger, runner: runner}
}

func (d *ContainerDriver) Kind() model.PlatformKind { return model.PlatformContainer }

// containerSnapshotPayload preserves the committed image plus the runtime
// configuration needed to recreate the container.
type containerSnapshotPayload struct {
	CommittedImage string          `json:"committed_image"`
	ContainerName  string          `json:"container_name"`
	RunConfig      json.RawMessage `json:"run_config"`
}

func (d *ContainerDriver) Snapshot(ctx context.Context, asset *model.Asset) ([]byte, error) {
	loc := asset.Container
	committed := fmt.Sprintf("remedy/snapshot-%s:pre-change", sanitizeRef(loc.ContainerID))

	if _, err := d.runner.Run(ctx, "docker", "commit", loc.ContainerID, committed); err != nil {
		return nil, fmt.Errorf("commit container: %w", err)
	}

	inspect, err := d.runner.Run(ctx, "docker", "inspect", loc.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}

	payload := containerSnapshotPayload{
		CommittedImage: committed,
		ContainerName:  loc.ContainerID,
		RunConfig:      json.RawMessage(inspect),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot payload: %w", err)
	}

	d.logger.Info("Committed container snapshot",
		zap.String("container", loc.ContainerID),
		zap.String("image", committed),
	)
	return data, nil
}

func (d *ContainerDriver) Restore(ctx context.Context, asset *model.Asset, payload []byte) error {
	loc := asset.Container

	var snap containerSnapshotPayload
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot payload: %w", err)
	}
	if snap.CommittedImage == "" {
		return common.ErrInvalidInput
	}

	// Stop and remove whatever is running, then recreate from the
	// committed image. Failures to stop a gone container are tolerated;
	// failure to start the replacement is not.
	if _, err := d.runner.Run(ctx, "docker", "stop", loc.ContainerID); err != nil {
		d.logger.Warn("Failed to stop container during restore", zap.Error(err))
	}
	if _, err := d.runner.Run(ctx, "docker", "rm", loc.ContainerID); err != nil {
		d.logger.Warn("Failed to remove container during restore", zap.Error(err))
	}
	if _, err := d.runner.Run(ctx, "docker", "run", "-d", "--name", loc.ContainerID, snap.CommittedImage); err != nil {
		return fmt.Errorf("recreate container from snapshot image: %w", err)
	}

	d.logger.Info("Restored container from committed image",
		zap.String("container", loc.ContainerID),
		zap.String("image", snap.CommittedImage),
	)
	return nil
}

func (d *ContainerDriver) ApplyStage(ctx context.Context, asset *model.Asset, change StageChange) error {
	loc := asset.Container

	// A standalone container has no traffic fractions; every stage is a
	// full replacement and only the final promotion recreates the primary.
	if !change.Final {
		d.logger.Debug("Container stage is a no-op before promotion",
			zap.String("container", loc.ContainerID),
			zap.Int("percent", change.Percent),
		)
		return nil
	}

	if _, err := d.runner.Run(ctx, "docker", "pull", change.PatchRef); err != nil {
		return fmt.Errorf("pull patched image: %w", err)
	}
	if _, err := d.runner.Run(ctx, "docker", "stop", loc.ContainerID); err != nil {
		d.logger.Warn("Failed to stop container before replacement", zap.Error(err))
	}
	if _, err := d.runner.Run(ctx, "docker", "rm", loc.ContainerID); err != nil {
		d.logger.Warn("Failed to remove container before replacement", zap.Error(err))
	}
	if _, err := d.runner.Run(ctx, "docker", "run", "-d", "--name", loc.ContainerID, change.PatchRef); err != nil {
		return fmt.Errorf("start patched container: %w", err)
	}
	return nil
}

func (d *ContainerDriver) HealthProbe(ctx context.Context, asset *model.Asset) error {
	loc := asset.Container
	out, err := d.runner.Run(ctx, "docker", "inspect", "-f", "{{.State.Running}}", loc.ContainerID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(out)) != "true" {
		return fmt.Errorf("container %s is not running", loc.ContainerID)
	}
	return nil
}

func (d *ContainerDriver) ProvisionSandbox(ctx context.Context, asset *model.Asset) (Sandbox, error) {
	loc := asset.Container
	name := "remedy-sbx-" + sanitizeRef(loc.ContainerID)

	sbx := &containerSandbox{driver: d, name: name, image: loc.Image}
	if _, err := d.runner.Run(ctx, "docker", "run", "-d", "--name", name, loc.Image, "sleep", "infinity"); err != nil {
		return sbx, fmt.Errorf("start sandbox container: %w", err)
	}

	d.logger.Info("Provisioned ephemeral sandbox container", zap.String("name", name))
	return sbx, nil
}

type containerSandbox struct {
	driver *ContainerDriver
	name   string
	image  string
}

func (s *containerSandbox) ID() string { return s.name }

func (s *containerSandbox) ApplyPatch(ctx context.Context, patchRef string) error {
	// Recreate the sandbox from the patched image; the sandbox holds no
	// state worth migrating.
	if _, err := s.driver.runner.Run(ctx, "docker", "rm", "-f", s.name); err != nil {
		return fmt.Errorf("remove sandbox container: %w", err)
	}
	if _, err := s.driver.runner.Run(ctx, "docker", "run", "-d", "--name", s.name, patchRef, "sleep", "infinity"); err != nil {
		return fmt.Errorf("recreate sandbox with patch: %w", err)
	}
	return nil
}

func (s *containerSandbox) RunCommand(ctx context.Context, command string) (string, error) {
	out, err := s.driver.runner.Run(ctx, "docker", "exec", s.name, "sh", "-c", command)
	return string(out), err
}

func (s *containerSandbox) Teardown(ctx context.Context) error {
	_, err := s.driver.runner.Run(ctx, "docker", "rm", "-f", s.name)
	return err
}

func sanitizeRef(ref string) string {
	ref = strings.ToLower(ref)
	ref = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, ref)
	if len(ref) > 40 {
		ref = ref[:40]
	}
	return ref
}
