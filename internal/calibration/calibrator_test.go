package calibration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kagehara/remedy/internal/model"
	"github.com/kagehara/remedy/internal/store"
)

func seedOutcome(t *testing.T, st *store.Store, platform model.PlatformKind, sandboxPassed, succeeded bool) {
	t.Helper()
	now := time.Now().UTC()
	exec := &model.RemediationExecution{
		ID:              uuid.NewString(),
		VulnerabilityID: "CVE-2026-6666",
		Asset:           model.Asset{ID: "a1", Platform: platform},
		State:           model.StateCompleted,
		Succeeded:       succeeded,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if !succeeded {
		exec.State = model.StateFailed
	}
	outcome := model.TestPassed
	if !sandboxPassed {
		outcome = model.TestFailed
	}
	exec.Results = []model.TestResult{{Suite: "smoke", Case: "up", Outcome: outcome}}
	require.NoError(t, st.SaveExecution(context.Background(), exec))
}

func TestRefreshAggregatesPerPlatform(t *testing.T) {
	st, err := store.Open(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	defer st.Close()

	for i := 0; i < 8; i++ {
		seedOutcome(t, st, model.PlatformContainer, i < 6, i < 6) // 6/8 pass
	}
	for i := 0; i < 2; i++ {
		seedOutcome(t, st, model.PlatformVM, true, true) // too few to trust
	}

	c := New(zaptest.NewLogger(t), st)
	report, err := c.Refresh(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 10, report.Total)
	assert.InDelta(t, 0.75, report.Platforms[model.PlatformContainer].SandboxPassRate, 1e-9)

	rate, ok := c.SandboxSuccessRate(model.PlatformContainer)
	require.True(t, ok)
	assert.InDelta(t, 0.75, rate, 1e-9)

	_, ok = c.SandboxSuccessRate(model.PlatformVM)
	assert.False(t, ok, "below the sample floor the feed stays silent")

	_, ok = c.SandboxSuccessRate(model.PlatformServer)
	assert.False(t, ok)
}

func TestSandboxSuccessRateBeforeRefresh(t *testing.T) {
	st, err := store.Open(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	defer st.Close()

	c := New(zaptest.NewLogger(t), st)
	_, ok := c.SandboxSuccessRate(model.PlatformContainer)
	assert.False(t, ok)
}
