// Package config provides configuration loading, validation, and hot-reload
// for the agent runtime core.
//
// Configuration file: ./config.yaml (default, overridable via -config)
// Schema version: 1
//
// Hot-reload:
//   - Agent watches its config file via fsnotify.
//   - On write: re-read and re-validate config.yaml, and pass the new
//     Config to the watcher's onReload callback.
//   - The agent's callback (cmd/agent) logs the reload; it does not apply
//     new values to running subsystems, so every change (thresholds, tick
//     rate, log level, DB path, bind addresses) takes effect on restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g. thresholds ∈ [0,1], tick rate > 0).
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultDBPath is the default location for the plugin/recipient storage file.
const DefaultDBPath = "./data/agent.db"

// Config is the root configuration structure for the agent runtime core.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// AgentID is a unique identifier for this runtime instance.
	// Default: hostname.
	AgentID string `yaml:"agent_id"`

	// Timing consolidates the aggregation window and stress sampling
	// cadences into one config block, per the open question in spec §9.
	Timing TimingConfig `yaml:"timing"`

	// Stress configures the degradation controller's thresholds.
	Stress StressConfig `yaml:"stress"`

	// Wake configures the aggregation layer's wake thresholds.
	Wake WakeConfig `yaml:"wake"`

	// Scheduler configures the scheduler service's per-tick fire cap.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// PluginDefaults bounds resources a plugin gets when its manifest
	// omits an explicit limit.
	PluginDefaults PluginDefaultsConfig `yaml:"plugin_defaults"`

	// Storage configures the BoltDB persistent store.
	Storage StorageConfig `yaml:"storage"`

	// Recipient configures the recipient registry.
	Recipient RecipientConfig `yaml:"recipient"`

	// Observability configures metrics, tracing, and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator HTTP introspection/override API.
	Operator OperatorConfig `yaml:"operator"`

	// Cognition configures the dispatcher's model tiers and retry policy.
	Cognition CognitionConfig `yaml:"cognition"`
}

// TimingConfig holds every periodic-cadence setting in one place.
type TimingConfig struct {
	// TickInterval is the core loop's tick cadence. Default: 1s.
	TickInterval time.Duration `yaml:"tick_interval"`

	// LagSampleEvery is the stress monitor's event-loop lag sampling
	// interval. Default: 20ms.
	LagSampleEvery time.Duration `yaml:"lag_sample_every"`

	// CPUSampleEvery is the stress monitor's CPU sampling interval.
	// Default: 1s.
	CPUSampleEvery time.Duration `yaml:"cpu_sample_every"`

	// AggregateMaxAge is an idle age for (type, source) aggregates, in the
	// form aggregation.Layer.PruneStale takes. The agent does not pass it
	// to PruneStale, so idle aggregates are kept. Default: 10m.
	AggregateMaxAge time.Duration `yaml:"aggregate_max_age"`
}

// StressConfig holds the lag/CPU thresholds and recovery delay for the
// degradation controller (spec §4.8).
type StressConfig struct {
	LagElevatedMs  float64       `yaml:"lag_elevated_ms"`
	LagHighMs      float64       `yaml:"lag_high_ms"`
	LagCriticalMs  float64       `yaml:"lag_critical_ms"`
	CPUElevatedPct float64       `yaml:"cpu_elevated_pct"`
	CPUHighPct     float64       `yaml:"cpu_high_pct"`
	CPUCriticalPct float64       `yaml:"cpu_critical_pct"`
	RecoveryDelay  time.Duration `yaml:"recovery_delay"`
}

// WakeConfig holds the aggregation layer's wake thresholds (spec §4.7).
type WakeConfig struct {
	ContactPressure         float64 `yaml:"contact_pressure"`
	SocialDebt              float64 `yaml:"social_debt"`
	PatternBreakSensitivity float64 `yaml:"pattern_break_sensitivity"`
	LowEnergyMultiplier     float64 `yaml:"low_energy_multiplier"`
	LowEnergyThreshold      float64 `yaml:"low_energy_threshold"`
}

// SchedulerConfig holds the scheduler service's per-tick cap (spec §4.4.3).
type SchedulerConfig struct {
	MaxFiresPerTick int `yaml:"max_fires_per_tick"`
}

// PluginDefaultsConfig bounds plugin resource use absent an explicit
// manifest limit (spec §6 "plugin limits defaults").
type PluginDefaultsConfig struct {
	MaxStorageMB     int `yaml:"max_storage_mb"`
	MaxSchedules     int `yaml:"max_schedules"`
	SignalsPerMinute int `yaml:"signals_per_minute"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the path to the BoltDB file.
	DBPath string `yaml:"db_path"`
}

// RecipientConfig holds the recipient registry's bootstrap parameters
// (spec §6 "primary recipient id").
type RecipientConfig struct {
	PrimaryRecipientID string `yaml:"primary_recipient_id"`
	Strict             bool   `yaml:"strict"`
}

// ObservabilityConfig holds metrics, tracing, and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the operator HTTP API's bind parameters.
type OperatorConfig struct {
	// Addr is the HTTP bind address for the introspection/override API.
	Addr string `yaml:"addr"`

	// Enabled controls whether the operator API is started.
	Enabled bool `yaml:"enabled"`
}

// CognitionConfig holds the dispatcher's model-tier and retry policy.
type CognitionConfig struct {
	DefaultModelTier  string `yaml:"default_model_tier"`
	SmartModelTier    string `yaml:"smart_model_tier"`
	EnableSmartRetry  bool   `yaml:"enable_smart_retry"`
	MaxToolIterations int    `yaml:"max_tool_iterations"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		AgentID:       hostname,
		Timing: TimingConfig{
			TickInterval:    time.Second,
			LagSampleEvery:  20 * time.Millisecond,
			CPUSampleEvery:  time.Second,
			AggregateMaxAge: 10 * time.Minute,
		},
		Stress: StressConfig{
			LagElevatedMs:  100,
			LagHighMs:      250,
			LagCriticalMs:  500,
			CPUElevatedPct: 70,
			CPUHighPct:     85,
			CPUCriticalPct: 95,
			RecoveryDelay:  5 * time.Second,
		},
		Wake: WakeConfig{
			ContactPressure:         0.35,
			SocialDebt:              0.5,
			PatternBreakSensitivity: 1.0,
			LowEnergyMultiplier:     1.3,
			LowEnergyThreshold:      0.3,
		},
		Scheduler: SchedulerConfig{
			MaxFiresPerTick: 10,
		},
		PluginDefaults: PluginDefaultsConfig{
			MaxStorageMB:     16,
			MaxSchedules:     100,
			SignalsPerMinute: 120,
		},
		Storage: StorageConfig{
			DBPath: DefaultDBPath,
		},
		Recipient: RecipientConfig{
			Strict: false,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Addr:    "127.0.0.1:9092",
			Enabled: true,
		},
		Cognition: CognitionConfig{
			DefaultModelTier:  "base",
			SmartModelTier:    "smart",
			EnableSmartRetry:  true,
			MaxToolIterations: 12,
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.AgentID == "" {
		errs = append(errs, "agent_id must not be empty")
	}
	if cfg.Timing.TickInterval <= 0 {
		errs = append(errs, fmt.Sprintf("timing.tick_interval must be > 0, got %s", cfg.Timing.TickInterval))
	}
	if cfg.Timing.LagSampleEvery <= 0 {
		errs = append(errs, fmt.Sprintf("timing.lag_sample_every must be > 0, got %s", cfg.Timing.LagSampleEvery))
	}
	if cfg.Stress.LagElevatedMs <= 0 || cfg.Stress.LagHighMs <= cfg.Stress.LagElevatedMs || cfg.Stress.LagCriticalMs <= cfg.Stress.LagHighMs {
		errs = append(errs, "stress.lag_elevated_ms < lag_high_ms < lag_critical_ms must hold")
	}
	if cfg.Stress.CPUElevatedPct <= 0 || cfg.Stress.CPUHighPct <= cfg.Stress.CPUElevatedPct || cfg.Stress.CPUCriticalPct <= cfg.Stress.CPUHighPct {
		errs = append(errs, "stress.cpu_elevated_pct < cpu_high_pct < cpu_critical_pct must hold")
	}
	if cfg.Stress.RecoveryDelay <= 0 {
		errs = append(errs, fmt.Sprintf("stress.recovery_delay must be > 0, got %s", cfg.Stress.RecoveryDelay))
	}
	if cfg.Wake.ContactPressure < 0 || cfg.Wake.ContactPressure > 1 {
		errs = append(errs, fmt.Sprintf("wake.contact_pressure must be in [0,1], got %f", cfg.Wake.ContactPressure))
	}
	if cfg.Wake.SocialDebt < 0 || cfg.Wake.SocialDebt > 1 {
		errs = append(errs, fmt.Sprintf("wake.social_debt must be in [0,1], got %f", cfg.Wake.SocialDebt))
	}
	if cfg.Wake.LowEnergyMultiplier < 1 {
		errs = append(errs, fmt.Sprintf("wake.low_energy_multiplier must be >= 1, got %f", cfg.Wake.LowEnergyMultiplier))
	}
	if cfg.Scheduler.MaxFiresPerTick < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.max_fires_per_tick must be >= 1, got %d", cfg.Scheduler.MaxFiresPerTick))
	}
	if cfg.PluginDefaults.MaxStorageMB < 1 {
		errs = append(errs, fmt.Sprintf("plugin_defaults.max_storage_mb must be >= 1, got %d", cfg.PluginDefaults.MaxStorageMB))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Cognition.MaxToolIterations < 1 {
		errs = append(errs, fmt.Sprintf("cognition.max_tool_iterations must be >= 1, got %d", cfg.Cognition.MaxToolIterations))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

// Watcher watches a config file for writes and invokes onReload with the
// freshly validated config. A reload that fails validation is logged via
// onError and the previous config stays in effect — the watcher never
// panics or exits on a bad hot-reload (spec "the agent does NOT crash").
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
}

// WatchFile starts watching path for writes, invoking onReload on a valid
// change and onError (if non-nil) on a reload that fails to load/validate.
// Call Close to stop watching.
func WatchFile(path string, onReload func(*Config), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config.WatchFile: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config.WatchFile: watch %q: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if onReload != nil {
					onReload(cfg)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return &Watcher{watcher: fw, path: path}, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
