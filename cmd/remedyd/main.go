// Command remedyd is the remediation orchestrator CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/audit"
	"github.com/kagehara/remedy/internal/calibration"
	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/config"
	"github.com/kagehara/remedy/internal/deploy"
	"github.com/kagehara/remedy/internal/engine"
	"github.com/kagehara/remedy/internal/logging"
	"github.com/kagehara/remedy/internal/metrics"
	"github.com/kagehara/remedy/internal/model"
	"github.com/kagehara/remedy/internal/notify"
	"github.com/kagehara/remedy/internal/patch"
	"github.com/kagehara/remedy/internal/platform"
	"github.com/kagehara/remedy/internal/risk"
	"github.com/kagehara/remedy/internal/rollback"
	"github.com/kagehara/remedy/internal/sandbox"
	"github.com/kagehara/remedy/internal/store"
)

var (
	configPath  string
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "remedyd",
		Short: "Autonomous vulnerability remediation orchestrator",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file path")

	runCmd := &cobra.Command{
		Use:   "run [request-file...]",
		Short: "Execute the remediations described by the request files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRemediations,
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on")

	verifyCmd := &cobra.Command{
		Use:   "verify-audit",
		Short: "Verify the audit log hash chain",
		RunE:  verifyAudit,
	}

	calibrateCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Aggregate historical outcomes into calibration statistics",
		RunE:  calibrate,
	}
	calibrateCmd.Flags().Int("window", 500, "number of recent terminal executions to aggregate")

	root.AddCommand(runCmd, verifyCmd, calibrateCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// request is the on-disk description of one remediation to run.
type request struct {
	Vulnerability model.Vulnerability     `json:"vulnerability"`
	Asset         model.Asset             `json:"asset"`
	Priority      model.ExecutionPriority `json:"priority"`
	Suites        []model.TestSuite       `json:"suites,omitempty"`
	HealthChecks  []platform.HealthCheck  `json:"health_checks,omitempty"`
}

func runRemediations(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := store.Open(logger, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	clock := common.SystemClock()
	auditLog, err := audit.NewLogger(logger, st.DB(), clock)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	runner := platform.NewExecRunner(logger)
	driverList := []platform.Driver{
		platform.NewContainerDriver(logger, runner),
		platform.NewVMDriver(logger, runner),
		platform.NewServerDriver(logger, runner),
	}
	if kd, err := platform.NewKubernetesDriverFromKubeconfig(logger, os.Getenv("KUBECONFIG")); err != nil {
		logger.Warn("Kubernetes driver unavailable", zap.Error(err))
	} else {
		driverList = append(driverList, kd)
	}
	drivers := platform.NewRegistry(driverList...)
	prober := platform.NewProber(logger, nil, runner)

	calibrator := calibration.New(logger, st)
	if _, err := calibrator.Refresh(cmd.Context(), 500); err != nil {
		logger.Warn("Calibration refresh failed; scoring with neutral history", zap.Error(err))
	}
	analyzer := risk.NewAnalyzer(logger, cfg.Risk, clock, calibrator)

	patches, err := patch.NewEngine(logger, cfg.Patch, clock,
		patch.NewVendorAdvisorySource(logger, nil, cfg.Patch.VendorAdvisoryURL),
		patch.NewPackageManagerSource(logger, runner),
		patch.NewRegistrySource(logger, nil, cfg.Patch.RegistryURL),
	)
	if err != nil {
		return err
	}

	tester := sandbox.NewTester(logger, cfg.Sandbox, clock, drivers)
	rb := rollback.NewManager(logger, clock, drivers, prober)
	deployer := deploy.NewOrchestrator(logger, cfg.Deployment, clock, drivers, prober, rb)
	m := metrics.New()
	notifier := notify.New(logger, cfg.Notify, nil)

	eng := engine.New(logger, cfg.Engine, clock, analyzer, patches, tester,
		rb, deployer, drivers, prober, st, auditLog, notifier, m)

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(logger, configPath)
		if err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		} else {
			if err := watcher.Start(func(next *config.Config) {
				logger.Info("Configuration reloaded; new settings apply to future runs",
					zap.String("log_level", next.LogLevel))
			}); err != nil {
				logger.Warn("Config watcher failed to start", zap.Error(err))
			}
			defer watcher.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	for _, path := range args {
		req, err := loadRequest(path)
		if err != nil {
			return err
		}
		exec, err := eng.Execute(ctx, &req.Vulnerability, &req.Asset, engine.Options{
			Priority:     req.Priority,
			Suites:       req.Suites,
			HealthChecks: req.HealthChecks,
		})
		if err != nil {
			logger.Error("Remediation did not complete",
				zap.String("request", path),
				zap.Error(err),
			)
			exitCode = 1
		}
		if exec != nil {
			fmt.Printf("%s: %s (%s on %s)\n", path, exec.State, req.Vulnerability.ID, req.Asset.Name)
		}
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func loadRequest(path string) (*request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request file: %w", err)
	}
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse request file %s: %w", path, err)
	}
	if req.Vulnerability.ID == "" {
		return nil, fmt.Errorf("request %s: vulnerability id required", path)
	}
	if err := req.Asset.Validate(); err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	return &req, nil
}

func verifyAudit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := store.Open(logger, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	auditLog, err := audit.NewLogger(logger, st.DB(), nil)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	compromised, err := auditLog.VerifyChain(ctx)
	if err != nil {
		return err
	}
	if compromised != "" {
		fmt.Printf("audit chain COMPROMISED at event %s\n", compromised)
		os.Exit(2)
	}
	fmt.Println("audit chain intact")
	return nil
}

func calibrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := store.Open(logger, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	window, _ := cmd.Flags().GetInt("window")
	report, err := calibration.New(logger, st).Refresh(cmd.Context(), window)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
