package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kagehara/remedy/internal/audit"
	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/config"
	"github.com/kagehara/remedy/internal/deploy"
	"github.com/kagehara/remedy/internal/metrics"
	"github.com/kagehara/remedy/internal/model"
	"github.com/kagehara/remedy/internal/patch"
	"github.com/kagehara/remedy/internal/platform"
	"github.com/kagehara/remedy/internal/risk"
	"github.com/kagehara/remedy/internal/rollback"
	"github.com/kagehara/remedy/internal/sandbox"
	"github.com/kagehara/remedy/internal/store"
)

// offHours keeps the timing factor out of the business-hours penalty so
// the high-score fixtures stay above the full-autonomy threshold.
var offHours = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

type fakeSandbox struct {
	id      string
	cmdErrs map[string]error
}

func (f *fakeSandbox) ID() string                                            { return f.id }
func (f *fakeSandbox) ApplyPatch(ctx context.Context, patchRef string) error { return nil }
func (f *fakeSandbox) RunCommand(ctx context.Context, command string) (string, error) {
	if err, ok := f.cmdErrs[command]; ok {
		return "", err
	}
	return "ok", nil
}
func (f *fakeSandbox) Teardown(ctx context.Context) error { return nil }

type fakeDriver struct {
	kind model.PlatformKind

	sandboxCmdErrs map[string]error
	stages         []platform.StageChange
	restored       int

	healthFailFrom int // 1-based probe call index from which probes fail
	healthCalls    int
}

func (f *fakeDriver) Kind() model.PlatformKind { return f.kind }
func (f *fakeDriver) Snapshot(ctx context.Context, asset *model.Asset) ([]byte, error) {
	return []byte(`{"state":"pre-change"}`), nil
}
func (f *fakeDriver) Restore(ctx context.Context, asset *model.Asset, payload []byte) error {
	f.restored++
	return nil
}
func (f *fakeDriver) ApplyStage(ctx context.Context, asset *model.Asset, change platform.StageChange) error {
	f.stages = append(f.stages, change)
	return nil
}
func (f *fakeDriver) HealthProbe(ctx context.Context, asset *model.Asset) error {
	f.healthCalls++
	if f.healthFailFrom > 0 && f.healthCalls >= f.healthFailFrom {
		return errors.New("latency above threshold")
	}
	return nil
}
func (f *fakeDriver) ProvisionSandbox(ctx context.Context, asset *model.Asset) (platform.Sandbox, error) {
	return &fakeSandbox{id: "sbx-" + asset.ID, cmdErrs: f.sandboxCmdErrs}, nil
}

type scriptedSource struct {
	kind  model.PatchSourceKind
	patch *model.Patch
}

func (s *scriptedSource) Kind() model.PatchSourceKind { return s.kind }
func (s *scriptedSource) Find(ctx context.Context, vuln *model.Vulnerability, asset *model.Asset) (*model.Patch, error) {
	return s.patch, nil
}

type harness struct {
	engine *Engine
	driver *fakeDriver
	store  *store.Store
	audit  *audit.Logger
}

func newHarness(t *testing.T, driver *fakeDriver, source patch.Source, engineCfg config.EngineConfig) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := common.FixedClock{T: offHours}

	st, err := store.Open(logger, filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	auditLog, err := audit.NewLogger(logger, st.DB(), clock)
	require.NoError(t, err)
	t.Cleanup(auditLog.Close)

	cfg := config.Default()
	cfg.Patch.TrustedSources = []string{"vendor_advisory"}
	cfg.Deployment.MonitorWindow = 30 * time.Millisecond
	cfg.Deployment.MonitorInterval = 10 * time.Millisecond
	cfg.Deployment.OperationTimeout = time.Second
	cfg.Sandbox.ProvisionTimeout = time.Second
	cfg.Sandbox.CaseTimeout = time.Second
	cfg.Sandbox.TotalTimeout = 5 * time.Second

	registry := platform.NewRegistry(driver)
	prober := platform.NewProber(logger, nil, platform.NewFakeRunner())
	analyzer := risk.NewAnalyzer(logger, cfg.Risk, clock, nil)
	patches, err := patch.NewEngine(logger, cfg.Patch, clock, source)
	require.NoError(t, err)
	tester := sandbox.NewTester(logger, cfg.Sandbox, clock, registry)
	rb := rollback.NewManager(logger, clock, registry, prober)
	deployer := deploy.NewOrchestrator(logger, cfg.Deployment, clock, registry, prober, rb)

	eng := New(logger, engineCfg, clock, analyzer, patches, tester, rb,
		deployer, registry, prober, st, auditLog, nil, metrics.New())
	return &harness{engine: eng, driver: driver, store: st, audit: auditLog}
}

func defaultEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxConcurrentExecutions: 2,
		ApprovalTimeout:         time.Second,
		OperationTimeout:        time.Minute,
	}
}

func autonomousFixture() (*model.Vulnerability, *model.Asset) {
	vuln := &model.Vulnerability{
		ID:            "CVE-2026-1111",
		CVSSScore:     9.8,
		ExploitInWild: true,
		PatchAgeDays:  45,
		Package:       "libcache",
		FixedIn:       "1.2.4",
	}
	asset := &model.Asset{
		ID:              "asset-cache-1",
		Name:            "edge-cache",
		Platform:        model.PlatformContainer,
		Criticality:     model.CriticalityLow,
		DependencyCount: 2,
		HasRedundancy:   true,
		HasBackups:      true,
		InstanceCount:   4,
		Container:       &model.ContainerLocator{ContainerID: "c1", Image: "cache:1.2.3"},
	}
	return vuln, asset
}

func gatedFixture() (*model.Vulnerability, *model.Asset) {
	vuln := &model.Vulnerability{
		ID:           "CVE-2026-2222",
		CVSSScore:    7.5,
		PatchAgeDays: 2,
		Package:      "payments-core",
		FixedIn:      "4.1.9",
	}
	asset := &model.Asset{
		ID:                   "asset-payments-1",
		Name:                 "payments-api",
		Platform:             model.PlatformContainer,
		Criticality:          model.CriticalityMissionCritical,
		DependencyCount:      15,
		ComplianceFrameworks: []string{"pci-dss", "sox", "iso27001"},
		Container:            &model.ContainerLocator{ContainerID: "c2", Image: "payments:4.1.8"},
	}
	return vuln, asset
}

func vendorSource(version string) *scriptedSource {
	return &scriptedSource{
		kind: model.SourceVendorAdvisory,
		patch: &model.Patch{
			ID:              "patch-1",
			VulnerabilityID: "CVE-2026-1111",
			Source:          model.SourceVendorAdvisory,
			Version:         version,
			ReleasedAt:      offHours.AddDate(0, 0, -45),
		},
	}
}

func stateSequence(exec *model.RemediationExecution) []model.ExecutionState {
	states := []model.ExecutionState{}
	for _, tr := range exec.History {
		states = append(states, tr.To)
	}
	return states
}

func TestExecuteFullyAutonomousRemediation(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer}
	h := newHarness(t, driver, vendorSource("1.2.4"), defaultEngineConfig())
	vuln, asset := autonomousFixture()

	exec, err := h.engine.Execute(context.Background(), vuln, asset, Options{})
	require.NoError(t, err)

	assert.Equal(t, model.StateCompleted, exec.State)
	assert.True(t, exec.Succeeded)
	assert.False(t, exec.RequiresApproval)
	require.NotNil(t, exec.Assessment)
	assert.Equal(t, model.AutonomyFull, exec.Assessment.Autonomy)

	assert.Equal(t, []model.ExecutionState{
		model.StateRiskAnalysis, model.StatePatchSearch, model.StateSnapshotCreation,
		model.StateSandboxTesting, model.StateDeployment, model.StateValidation,
		model.StateCompleted,
	}, stateSequence(exec))

	require.NotNil(t, exec.Plan)
	assert.True(t, exec.Plan.Succeeded)
	assert.NotEmpty(t, driver.stages)
	assert.True(t, driver.stages[len(driver.stages)-1].Final)

	// The persisted aggregate matches, and the audit chain stays intact.
	persisted, err := h.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, persisted.State)

	compromised, err := h.audit.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, compromised)
}

func TestExecuteGatesOnApprovalAndTimesOut(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer}
	cfg := defaultEngineConfig()
	cfg.ApprovalTimeout = 50 * time.Millisecond
	h := newHarness(t, driver, vendorSource("4.1.9"), cfg)
	vuln, asset := gatedFixture()

	exec, err := h.engine.Execute(context.Background(), vuln, asset, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrApprovalTimeout)

	assert.Equal(t, model.StateFailed, exec.State)
	assert.True(t, exec.RequiresApproval)
	assert.Contains(t, stateSequence(exec), model.StateRequiresApproval)
	assert.Empty(t, driver.stages, "nothing deploys without approval")
	assert.Nil(t, exec.Patch, "patch search never ran")
}

func TestExecuteApprovedRemediationProceeds(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer}
	cfg := defaultEngineConfig()
	cfg.ApprovalTimeout = 5 * time.Second
	h := newHarness(t, driver, vendorSource("4.1.9"), cfg)
	vuln, asset := gatedFixture()

	done := make(chan struct{})
	var exec *model.RemediationExecution
	var execErr error
	go func() {
		defer close(done)
		exec, execErr = h.engine.Execute(context.Background(), vuln, asset, Options{})
	}()

	require.Eventually(t, func() bool {
		return len(h.engine.PendingApprovals()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	requestID := h.engine.PendingApprovals()[0]
	require.NoError(t, h.engine.ResolveApproval(model.ApprovalResponse{
		RequestID:  requestID,
		Approved:   true,
		ApprovedBy: "oncall",
	}))

	<-done
	require.NoError(t, execErr)
	assert.Equal(t, model.StateCompleted, exec.State)
	assert.True(t, exec.RequiresApproval)
	assert.Contains(t, stateSequence(exec), model.StateRequiresApproval)
}

func TestExecuteRejectedApprovalFails(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer}
	cfg := defaultEngineConfig()
	cfg.ApprovalTimeout = 5 * time.Second
	h := newHarness(t, driver, vendorSource("4.1.9"), cfg)
	vuln, asset := gatedFixture()

	done := make(chan struct{})
	var exec *model.RemediationExecution
	var execErr error
	go func() {
		defer close(done)
		exec, execErr = h.engine.Execute(context.Background(), vuln, asset, Options{})
	}()

	require.Eventually(t, func() bool {
		return len(h.engine.PendingApprovals()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.ResolveApproval(model.ApprovalResponse{
		RequestID: h.engine.PendingApprovals()[0],
		Approved:  false,
	}))

	<-done
	require.Error(t, execErr)
	assert.ErrorIs(t, execErr, common.ErrApprovalRejected)
	assert.Equal(t, model.StateFailed, exec.State)
	assert.Empty(t, driver.stages)
}

func TestExecuteNoPatchFoundFailsAtPatchSearch(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer}
	empty := &scriptedSource{kind: model.SourceVendorAdvisory}
	h := newHarness(t, driver, empty, defaultEngineConfig())
	vuln, asset := autonomousFixture()

	exec, err := h.engine.Execute(context.Background(), vuln, asset, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrNoPatchFound)

	assert.Equal(t, model.StateFailed, exec.State)
	last := exec.History[len(exec.History)-1]
	assert.Equal(t, model.StatePatchSearch, last.From, "failure recorded at the patch search stage")
	assert.Nil(t, exec.Snapshot)
	assert.Empty(t, driver.stages)
}

func TestExecuteSandboxFailureStopsBeforeDeployment(t *testing.T) {
	driver := &fakeDriver{
		kind:           model.PlatformContainer,
		sandboxCmdErrs: map[string]error{"dpkg --audit": errors.New("broken packages")},
	}
	h := newHarness(t, driver, vendorSource("1.2.4"), defaultEngineConfig())
	vuln, asset := autonomousFixture()

	exec, err := h.engine.Execute(context.Background(), vuln, asset, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrSandboxFailed)

	assert.Equal(t, model.StateFailed, exec.State)
	assert.NotEmpty(t, exec.Results)
	assert.False(t, model.SuitesPassed(exec.Results))
	assert.Empty(t, driver.stages, "a failing sandbox never reaches production")
}

func TestExecuteDeploymentHealthFailureRollsBack(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer, healthFailFrom: 1}
	h := newHarness(t, driver, vendorSource("1.2.4"), defaultEngineConfig())
	vuln, asset := autonomousFixture()

	exec, err := h.engine.Execute(context.Background(), vuln, asset, Options{})
	require.Error(t, err)

	assert.Equal(t, model.StateRolledBack, exec.State)
	assert.True(t, exec.RolledBack)
	assert.False(t, exec.Succeeded)
	assert.Equal(t, 1, driver.restored, "asset restored from the pre-change snapshot")
	require.NotNil(t, exec.Plan)
	assert.True(t, exec.Plan.RolledBack)
}

func TestExecuteInvalidAssetRejectedUpfront(t *testing.T) {
	driver := &fakeDriver{kind: model.PlatformContainer}
	h := newHarness(t, driver, vendorSource("1.2.4"), defaultEngineConfig())
	vuln, _ := autonomousFixture()

	_, err := h.engine.Execute(context.Background(), vuln, &model.Asset{ID: "x", Platform: model.PlatformKubernetes}, Options{})
	assert.Error(t, err)
}
