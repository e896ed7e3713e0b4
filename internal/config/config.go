package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/model"
)

// Config is the full application configuration. There is no process-wide
// configuration state: the loaded value is passed into each component at
// construction.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Store      StoreConfig      `yaml:"store"`
	Risk       RiskConfig       `yaml:"risk"`
	Patch      PatchConfig      `yaml:"patch"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Deployment DeploymentConfig `yaml:"deployment"`
	Engine     EngineConfig     `yaml:"engine"`
	Notify     NotifyConfig     `yaml:"notify"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StoreConfig locates the relational store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RiskConfig holds factor weights and autonomy thresholds.
type RiskConfig struct {
	Weights    RiskWeights        `yaml:"weights"`
	Thresholds AutonomyThresholds `yaml:"thresholds"`
}

// RiskWeights must sum to 1.0. Each weight scales the matching factor.
type RiskWeights struct {
	Severity             float64 `yaml:"severity"`
	Exploitability       float64 `yaml:"exploitability"`
	AssetCriticality     float64 `yaml:"asset_criticality"`
	PatchMaturity        float64 `yaml:"patch_maturity"`
	DependencyComplexity float64 `yaml:"dependency_complexity"`
	RollbackComplexity   float64 `yaml:"rollback_complexity"`
	ComplianceImpact     float64 `yaml:"compliance_impact"`
	Timing               float64 `yaml:"timing"`
}

// Sum returns the total of all weights.
func (w RiskWeights) Sum() float64 {
	return w.Severity + w.Exploitability + w.AssetCriticality + w.PatchMaturity +
		w.DependencyComplexity + w.RollbackComplexity + w.ComplianceImpact + w.Timing
}

// AutonomyThresholds is the descending score→autonomy table. A score at or
// above a threshold grants the matching level.
type AutonomyThresholds struct {
	Full             float64 `yaml:"full"`
	High             float64 `yaml:"high"`
	ApprovalRequired float64 `yaml:"approval_required"`
	Supervised       float64 `yaml:"supervised"`
	AIAssisted       float64 `yaml:"ai_assisted"`
}

// Descending returns the thresholds in table order.
func (t AutonomyThresholds) Descending() []float64 {
	return []float64{t.Full, t.High, t.ApprovalRequired, t.Supervised, t.AIAssisted}
}

// PatchConfig controls patch acquisition and verification.
type PatchConfig struct {
	// TrustedSources is the allow-list, in priority order.
	TrustedSources []string `yaml:"trusted_sources"`

	MaturityThresholdDays int           `yaml:"maturity_threshold_days"`
	LookupTimeout         time.Duration `yaml:"lookup_timeout"`

	VerifySignatures bool   `yaml:"verify_signatures"`
	SigningKeyPath   string `yaml:"signing_key_path"`

	VendorAdvisoryURL string `yaml:"vendor_advisory_url"`
	RegistryURL       string `yaml:"registry_url"`
}

// SandboxConfig controls isolated validation runs.
type SandboxConfig struct {
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
	CaseTimeout      time.Duration `yaml:"case_timeout"`
	TotalTimeout     time.Duration `yaml:"total_timeout"`
}

// DeploymentConfig controls staged rollout.
type DeploymentConfig struct {
	CanaryPercentages []int         `yaml:"canary_percentages"`
	RollingBatchSize  int           `yaml:"rolling_batch_size"`
	MonitorWindow     time.Duration `yaml:"monitor_window"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	OperationTimeout  time.Duration `yaml:"operation_timeout"`
	AutoRollback      bool          `yaml:"auto_rollback"`
}

// EngineConfig bounds the engine.
type EngineConfig struct {
	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions"`
	ApprovalTimeout         time.Duration `yaml:"approval_timeout"`
	OperationTimeout        time.Duration `yaml:"operation_timeout"`
}

// NotifyConfig configures the best-effort notification sink.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// LoggingConfig configures the zap logger factory.
type LoggingConfig struct {
	OutputPath string `yaml:"output_path"`
	Encoding   string `yaml:"encoding"` // json or console
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Store:    StoreConfig{Path: "data/remedy.db"},
		Risk: RiskConfig{
			Weights: RiskWeights{
				Severity:             0.20,
				Exploitability:       0.15,
				AssetCriticality:     0.20,
				PatchMaturity:        0.15,
				DependencyComplexity: 0.10,
				RollbackComplexity:   0.10,
				ComplianceImpact:     0.05,
				Timing:               0.05,
			},
			Thresholds: AutonomyThresholds{
				Full:             0.85,
				High:             0.70,
				ApprovalRequired: 0.50,
				Supervised:       0.30,
				AIAssisted:       0.15,
			},
		},
		Patch: PatchConfig{
			TrustedSources:        []string{"vendor_advisory", "package_manager", "container_registry"},
			MaturityThresholdDays: 7,
			LookupTimeout:         30 * time.Second,
			VerifySignatures:      false,
		},
		Sandbox: SandboxConfig{
			ProvisionTimeout: 2 * time.Minute,
			CaseTimeout:      60 * time.Second,
			TotalTimeout:     15 * time.Minute,
		},
		Deployment: DeploymentConfig{
			CanaryPercentages: []int{10, 25, 50, 100},
			RollingBatchSize:  2,
			MonitorWindow:     60 * time.Second,
			MonitorInterval:   5 * time.Second,
			OperationTimeout:  2 * time.Minute,
			AutoRollback:      true,
		},
		Engine: EngineConfig{
			MaxConcurrentExecutions: 4,
			ApprovalTimeout:         4 * time.Hour,
			OperationTimeout:        5 * time.Minute,
		},
		Notify: NotifyConfig{
			Timeout:    5 * time.Second,
			MaxRetries: 3,
		},
		Logging: LoggingConfig{
			OutputPath: "logs/remedy.log",
			Encoding:   "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

const weightTolerance = 1e-9

// Validate rejects configurations that would make destructive automation
// unsafe. Risk weights must sum to 1.0 and autonomy thresholds must be
// strictly descending; both are hard errors at load time.
func (c *Config) Validate() error {
	var errs common.MultiError

	if diff := math.Abs(c.Risk.Weights.Sum() - 1.0); diff > weightTolerance {
		errs.Add(common.ValidationError{
			Field:   "risk.weights",
			Value:   c.Risk.Weights.Sum(),
			Message: "weights must sum to 1.0",
		})
	}

	thresholds := c.Risk.Thresholds.Descending()
	for i := 1; i < len(thresholds); i++ {
		if thresholds[i] >= thresholds[i-1] {
			errs.Add(common.ValidationError{
				Field:   "risk.thresholds",
				Value:   thresholds,
				Message: "thresholds must be strictly descending",
			})
			break
		}
	}
	for _, th := range thresholds {
		if th < 0 || th > 1 {
			errs.Add(common.ValidationError{
				Field:   "risk.thresholds",
				Value:   th,
				Message: "threshold out of [0,1]",
			})
			break
		}
	}

	if len(c.Deployment.CanaryPercentages) == 0 {
		errs.Add(common.ValidationError{
			Field:   "deployment.canary_percentages",
			Message: "at least one canary stage required",
		})
	} else {
		prev := 0
		for _, pct := range c.Deployment.CanaryPercentages {
			if pct <= prev || pct > 100 {
				errs.Add(common.ValidationError{
					Field:   "deployment.canary_percentages",
					Value:   c.Deployment.CanaryPercentages,
					Message: "percentages must be strictly increasing in (0,100]",
				})
				break
			}
			prev = pct
		}
		if last := c.Deployment.CanaryPercentages[len(c.Deployment.CanaryPercentages)-1]; last != 100 {
			errs.Add(common.ValidationError{
				Field:   "deployment.canary_percentages",
				Value:   last,
				Message: "final canary stage must be 100",
			})
		}
	}

	if c.Deployment.RollingBatchSize < 1 {
		errs.Add(common.ValidationError{
			Field:   "deployment.rolling_batch_size",
			Value:   c.Deployment.RollingBatchSize,
			Message: "batch size must be >= 1",
		})
	}
	if c.Deployment.MonitorInterval <= 0 || c.Deployment.MonitorWindow <= 0 {
		errs.Add(common.ValidationError{
			Field:   "deployment",
			Message: "monitor window and interval must be positive",
		})
	}
	if c.Deployment.MonitorInterval > c.Deployment.MonitorWindow {
		errs.Add(common.ValidationError{
			Field:   "deployment.monitor_interval",
			Message: "interval must not exceed the monitoring window",
		})
	}

	if c.Engine.MaxConcurrentExecutions < 1 {
		errs.Add(common.ValidationError{
			Field:   "engine.max_concurrent_executions",
			Value:   c.Engine.MaxConcurrentExecutions,
			Message: "must be >= 1",
		})
	}
	if c.Engine.ApprovalTimeout <= 0 || c.Engine.OperationTimeout <= 0 {
		errs.Add(common.ValidationError{
			Field:   "engine",
			Message: "timeouts must be positive",
		})
	}

	if len(c.Patch.TrustedSources) == 0 {
		errs.Add(common.ValidationError{
			Field:   "patch.trusted_sources",
			Message: "allow-list must not be empty",
		})
	}
	for _, src := range c.Patch.TrustedSources {
		switch model.PatchSourceKind(src) {
		case model.SourceVendorAdvisory, model.SourcePackageManager, model.SourceContainerRegistry:
		default:
			errs.Add(common.ValidationError{
				Field:   "patch.trusted_sources",
				Value:   src,
				Message: "unknown patch source",
			})
		}
	}
	if c.Patch.MaturityThresholdDays < 0 {
		errs.Add(common.ValidationError{
			Field:   "patch.maturity_threshold_days",
			Value:   c.Patch.MaturityThresholdDays,
			Message: "must not be negative",
		})
	}
	if c.Patch.VerifySignatures && c.Patch.SigningKeyPath == "" {
		errs.Add(common.ValidationError{
			Field:   "patch.signing_key_path",
			Message: "required when signature verification is enabled",
		})
	}

	if c.Sandbox.ProvisionTimeout <= 0 || c.Sandbox.CaseTimeout <= 0 || c.Sandbox.TotalTimeout <= 0 {
		errs.Add(common.ValidationError{
			Field:   "sandbox",
			Message: "timeouts must be positive",
		})
	}

	return errs.ErrorOrNil()
}

// Save writes the configuration to a yaml file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
