package rollback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/model"
	"github.com/kagehara/remedy/internal/platform"
)

type fakeDriver struct {
	kind        model.PlatformKind
	payload     []byte
	snapshotErr error
	restoreErr  error
	restored    [][]byte
	healthErr   error
}

func (f *fakeDriver) Kind() model.PlatformKind { return f.kind }
func (f *fakeDriver) Snapshot(ctx context.Context, asset *model.Asset) ([]byte, error) {
	return f.payload, f.snapshotErr
}
func (f *fakeDriver) Restore(ctx context.Context, asset *model.Asset, payload []byte) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = append(f.restored, payload)
	return nil
}
func (f *fakeDriver) ApplyStage(ctx context.Context, asset *model.Asset, change platform.StageChange) error {
	return nil
}
func (f *fakeDriver) HealthProbe(ctx context.Context, asset *model.Asset) error { return f.healthErr }
func (f *fakeDriver) ProvisionSandbox(ctx context.Context, asset *model.Asset) (platform.Sandbox, error) {
	return nil, errors.New("not implemented")
}

func testAsset() *model.Asset {
	return &model.Asset{
		ID:        "a1",
		Platform:  model.PlatformContainer,
		Container: &model.ContainerLocator{ContainerID: "c1", Image: "svc:1.0"},
	}
}

func newManager(t *testing.T, driver *fakeDriver) *Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewManager(logger, nil, platform.NewRegistry(driver), platform.NewProber(logger, nil, platform.NewFakeRunner()))
}

func TestCreateSnapshotVerifiesAndChecksums(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer, payload: []byte(`{"image":"svc@sha256:abc"}`)}
	m := newManager(t, driver)

	snap, err := m.CreateSnapshot(context.Background(), "exec-1", testAsset())
	require.NoError(t, err)

	assert.True(t, snap.Verified)
	assert.NotEmpty(t, snap.Checksum)
	assert.Equal(t, int64(len(driver.payload)), snap.SizeBytes)
	assert.Equal(t, "exec-1", snap.ExecutionID)
	assert.Equal(t, model.PlatformContainer, snap.Platform)
}

func TestCreateSnapshotEmptyPayloadFails(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer, payload: nil}
	m := newManager(t, driver)

	_, err := m.CreateSnapshot(context.Background(), "exec-1", testAsset())
	assert.Error(t, err)
}

func TestRollbackToRefusesUnverifiedSnapshot(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer}
	m := newManager(t, driver)

	snap := &model.Snapshot{ID: "s1", Payload: []byte("x"), Verified: false}
	err := m.RollbackTo(context.Background(), testAsset(), snap, nil)

	assert.ErrorIs(t, err, common.ErrSnapshotNotVerified)
	assert.Empty(t, driver.restored, "restore must never run from an unverified snapshot")
}

func TestRollbackToDetectsCorruptedPayload(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer, payload: []byte("original")}
	m := newManager(t, driver)

	snap, err := m.CreateSnapshot(context.Background(), "exec-1", testAsset())
	require.NoError(t, err)

	snap.Payload = []byte("mutated after capture")
	err = m.RollbackTo(context.Background(), testAsset(), snap, nil)
	assert.ErrorIs(t, err, common.ErrRollbackFailed)
	assert.Empty(t, driver.restored)
}

func TestRollbackToRestoresAndStamps(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer, payload: []byte("original")}
	m := newManager(t, driver)

	snap, err := m.CreateSnapshot(context.Background(), "exec-1", testAsset())
	require.NoError(t, err)

	require.NoError(t, m.RollbackTo(context.Background(), testAsset(), snap, nil))
	require.Len(t, driver.restored, 1)
	assert.Equal(t, snap.Payload, driver.restored[0])
	assert.NotNil(t, snap.RestoredAt)
}

func TestRollbackToRestoreFailureIsTerminal(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer, payload: []byte("original"), restoreErr: errors.New("api unreachable")}
	m := newManager(t, driver)

	snap, err := m.CreateSnapshot(context.Background(), "exec-1", testAsset())
	require.NoError(t, err)

	err = m.RollbackTo(context.Background(), testAsset(), snap, nil)
	assert.ErrorIs(t, err, common.ErrRollbackFailed)
	assert.True(t, common.IsFatal(err))
}

func TestRollbackToFailsWhenPostRestoreHealthFails(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer, payload: []byte("original"), healthErr: errors.New("still crashing")}
	m := newManager(t, driver)

	snap, err := m.CreateSnapshot(context.Background(), "exec-1", testAsset())
	require.NoError(t, err)

	err = m.RollbackTo(context.Background(), testAsset(), snap, []platform.HealthCheck{{Name: "live", Type: platform.CheckDriver}})
	assert.ErrorIs(t, err, common.ErrRollbackFailed)
	assert.Len(t, driver.restored, 1, "restore ran, verification failed")
}
