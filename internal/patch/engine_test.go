package patch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/config"
	"github.com/kagehara/remedy/internal/model"
)

type scriptedSource struct {
	kind  model.PatchSourceKind
	patch *model.Patch
	err   error
	calls int
}

func (s *scriptedSource) Kind() model.PatchSourceKind { return s.kind }

func (s *scriptedSource) Find(ctx context.Context, vuln *model.Vulnerability, asset *model.Asset) (*model.Patch, error) {
	s.calls++
	return s.patch, s.err
}

func testPatchConfig() config.PatchConfig {
	return config.PatchConfig{
		TrustedSources:        []string{"vendor_advisory", "package_manager"},
		MaturityThresholdDays: 7,
		LookupTimeout:         5 * time.Second,
	}
}

func testVulnAsset() (*model.Vulnerability, *model.Asset) {
	return &model.Vulnerability{ID: "CVE-2026-3333", Package: "openssl", FixedIn: "3.0.14"},
		&model.Asset{ID: "a1", Platform: model.PlatformServer, Server: &model.ServerLocator{Host: "h"}}
}

func TestFindPatchReturnsFirstCandidate(t *testing.T) {
	want := &model.Patch{ID: "p1", Source: model.SourceVendorAdvisory, Version: "3.0.14"}
	advisory := &scriptedSource{kind: model.SourceVendorAdvisory, patch: want}
	apt := &scriptedSource{kind: model.SourcePackageManager, patch: &model.Patch{ID: "p2"}}

	e, err := NewEngine(zaptest.NewLogger(t), testPatchConfig(), nil, advisory, apt)
	require.NoError(t, err)

	vuln, asset := testVulnAsset()
	got, err := e.FindPatch(context.Background(), vuln, asset)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	assert.Zero(t, apt.calls, "lower-priority source must not be consulted")
}

func TestFindPatchFallsThroughFailingSource(t *testing.T) {
	advisory := &scriptedSource{kind: model.SourceVendorAdvisory, err: errors.New("api down")}
	want := &model.Patch{ID: "p2", Source: model.SourcePackageManager, Version: "3.0.14"}
	apt := &scriptedSource{kind: model.SourcePackageManager, patch: want}

	e, err := NewEngine(zaptest.NewLogger(t), testPatchConfig(), nil, advisory, apt)
	require.NoError(t, err)

	vuln, asset := testVulnAsset()
	got, err := e.FindPatch(context.Background(), vuln, asset)
	require.NoError(t, err)
	assert.Equal(t, "p2", got.ID)
	assert.Equal(t, 1, advisory.calls)
}

func TestFindPatchNoCandidateAnywhere(t *testing.T) {
	advisory := &scriptedSource{kind: model.SourceVendorAdvisory}
	apt := &scriptedSource{kind: model.SourcePackageManager}

	e, err := NewEngine(zaptest.NewLogger(t), testPatchConfig(), nil, advisory, apt)
	require.NoError(t, err)

	vuln, asset := testVulnAsset()
	_, err = e.FindPatch(context.Background(), vuln, asset)
	assert.ErrorIs(t, err, common.ErrNoPatchFound)
}

func TestFindPatchIgnoresSourcesOutsideAllowList(t *testing.T) {
	registry := &scriptedSource{kind: model.SourceContainerRegistry, patch: &model.Patch{ID: "p3"}}

	e, err := NewEngine(zaptest.NewLogger(t), testPatchConfig(), nil, registry)
	require.NoError(t, err)

	vuln, asset := testVulnAsset()
	_, err = e.FindPatch(context.Background(), vuln, asset)
	assert.ErrorIs(t, err, common.ErrNoPatchFound)
	assert.Zero(t, registry.calls)
}

func TestVerifyPatchChecksum(t *testing.T) {
	e, err := NewEngine(zaptest.NewLogger(t), testPatchConfig(), nil)
	require.NoError(t, err)

	artifact := []byte("patched bytes")
	sum := sha256.Sum256(artifact)

	good := &model.Patch{ID: "p", Checksum: hex.EncodeToString(sum[:]), ReleasedAt: time.Now().AddDate(0, 0, -30)}
	ok, err := e.VerifyPatch(good, artifact)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, good.Verified)
	assert.False(t, good.MaturityWarning)

	bad := &model.Patch{ID: "p", Checksum: hex.EncodeToString(sum[:])}
	ok, err = e.VerifyPatch(bad, []byte("tampered"))
	assert.False(t, ok)
	assert.ErrorIs(t, err, common.ErrChecksumMismatch)
	assert.False(t, bad.Verified)
}

func TestVerifyPatchMaturityWarningDoesNotFail(t *testing.T) {
	clock := common.FixedClock{T: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)}
	e, err := NewEngine(zaptest.NewLogger(t), testPatchConfig(), clock)
	require.NoError(t, err)

	young := &model.Patch{ID: "p", ReleasedAt: clock.T.AddDate(0, 0, -2)}
	ok, err := e.VerifyPatch(young, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, young.MaturityWarning)
	assert.True(t, young.Verified)
}

func TestRecordOutcomeReordersSources(t *testing.T) {
	e, err := NewEngine(zaptest.NewLogger(t), testPatchConfig(), nil)
	require.NoError(t, err)

	// Drive the advisory source's rate well below the package manager's.
	for i := 0; i < 4; i++ {
		e.RecordOutcome(&model.Patch{ID: "pa", Source: model.SourceVendorAdvisory}, false)
		e.RecordOutcome(&model.Patch{ID: "pb", Source: model.SourcePackageManager}, true)
	}

	order := e.sourceOrder()
	require.Len(t, order, 2)
	assert.Equal(t, model.SourcePackageManager, order[0])
	assert.Equal(t, model.SourceVendorAdvisory, order[1])
}
