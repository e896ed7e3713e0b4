// Package rollback captures restorable pre-change snapshots and performs
// verified restores when a deployment goes wrong.
package rollback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/model"
	"github.com/kagehara/remedy/internal/platform"
)

// Manager creates and restores snapshots through the platform drivers.
type Manager struct {
	logger  *zap.Logger
	clock   common.Clock
	drivers *platform.Registry
	prober  *platform.Prober
}

// NewManager creates a rollback manager.
func NewManager(logger *zap.Logger, clock common.Clock, drivers *platform.Registry, prober *platform.Prober) *Manager {
	if clock == nil {
		clock = common.SystemClock()
	}
	if prober == nil {
		prober = platform.NewProber(logger, nil, nil)
	}
	return &Manager{logger: logger, clock: clock, drivers: drivers, prober: prober}
}

// CreateSnapshot captures the asset's restorable state. The snapshot is
// marked Verified only after the payload landed and its checksum is
// recorded; nothing downstream may restore from an unverified snapshot.
func (m *Manager) CreateSnapshot(ctx context.Context, executionID string, asset *model.Asset) (*model.Snapshot, error) {
	if asset == nil {
		return nil, common.ErrNilInput
	}
	driver, err := m.drivers.For(asset)
	if err != nil {
		return nil, err
	}

	payload, err := driver.Snapshot(ctx, asset)
	if err != nil {
		return nil, common.Classify(
			fmt.Errorf("capture snapshot: %w", err),
			common.CategoryRollback, common.SeverityCritical,
		)
	}
	if len(payload) == 0 {
		return nil, common.Classify(
			fmt.Errorf("snapshot payload empty for asset %s", asset.ID),
			common.CategoryRollback, common.SeverityCritical,
		)
	}

	sum := sha256.Sum256(payload)
	snap := &model.Snapshot{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		AssetID:     asset.ID,
		Platform:    asset.Platform,
		Payload:     payload,
		Checksum:    hex.EncodeToString(sum[:]),
		SizeBytes:   int64(len(payload)),
		Verified:    true,
		CreatedAt:   m.clock.Now(),
	}

	m.logger.Info("Snapshot created",
		zap.String("snapshot", snap.ID),
		zap.String("asset", asset.ID),
		zap.String("platform", string(asset.Platform)),
		zap.String("size", humanize.Bytes(uint64(snap.SizeBytes))),
	)
	return snap, nil
}

// RollbackTo restores the asset from a verified snapshot and, when health
// checks are supplied, confirms the asset is healthy afterwards. Every
// failure here is terminal for the execution: a failed rollback is never
// retried automatically.
func (m *Manager) RollbackTo(ctx context.Context, asset *model.Asset, snap *model.Snapshot, checks []platform.HealthCheck) error {
	if asset == nil || snap == nil {
		return common.ErrNilInput
	}
	if !snap.Verified {
		return common.Classify(
			fmt.Errorf("%w: snapshot %s", common.ErrSnapshotNotVerified, snap.ID),
			common.CategoryRollback, common.SeverityCritical,
		)
	}

	sum := sha256.Sum256(snap.Payload)
	if hex.EncodeToString(sum[:]) != snap.Checksum {
		return common.Classify(
			fmt.Errorf("%w: snapshot %s payload corrupted", common.ErrRollbackFailed, snap.ID),
			common.CategoryRollback, common.SeverityFatal,
		)
	}

	driver, err := m.drivers.For(asset)
	if err != nil {
		return err
	}

	m.logger.Warn("Rolling back asset",
		zap.String("asset", asset.ID),
		zap.String("snapshot", snap.ID),
	)

	if err := driver.Restore(ctx, asset, snap.Payload); err != nil {
		return common.Classify(
			fmt.Errorf("%w: %v", common.ErrRollbackFailed, err),
			common.CategoryRollback, common.SeverityFatal,
		)
	}

	if len(checks) > 0 {
		if err := m.prober.Probe(ctx, driver, asset, checks); err != nil {
			return common.Classify(
				fmt.Errorf("%w: post-restore health: %v", common.ErrRollbackFailed, err),
				common.CategoryRollback, common.SeverityFatal,
			)
		}
	}

	now := m.clock.Now()
	snap.RestoredAt = &now
	m.logger.Info("Rollback complete",
		zap.String("asset", asset.ID),
		zap.String("snapshot", snap.ID),
	)
	return nil
}
