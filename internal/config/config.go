// Package config loads the agent's YAML configuration file and layers
// environment-variable overrides on top, mirroring the teacher stack's
// three-tier resolution (explicit env var, then home directory, then a
// fallback root for homeless containers).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/contprof/agent/internal/constants"
	"github.com/contprof/agent/internal/privilege"
)

// Config is the agent's full runtime configuration.
type Config struct {
	CollectorEndpoint  string        `yaml:"collector_endpoint"`
	BearerToken        string        `yaml:"bearer_token"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	TempRoot           string        `yaml:"temp_root"`
	LogLevel           string        `yaml:"log_level"`
	LogPretty          bool          `yaml:"log_pretty"`

	Sampler  SamplerConfig   `yaml:"sampler"`
	Spark    SparkConfig     `yaml:"spark"`
	Runtimes []RuntimeConfig `yaml:"runtimes"`
}

// RuntimeConfig configures one external per-runtime profiler binary (the
// agent's own equivalent of py-spy/rbspy/asprof's enable flag + binary
// path pair).
type RuntimeConfig struct {
	Name       string `yaml:"name"`
	Enabled    bool   `yaml:"enabled"`
	BinaryPath string `yaml:"binary_path"`
}

// SamplerConfig configures the kernel sampler supervisor's defaults, before
// any per-cycle server override is applied.
type SamplerConfig struct {
	FrequencyHz   int           `yaml:"frequency_hz"`
	SwitchTimeout time.Duration `yaml:"switch_timeout"`
	MaxCgroups    int           `yaml:"max_cgroups"`

	// MinProcessAge is the minimum age a candidate process must reach before
	// a per-runtime scheduler will profile it; younger processes are assumed
	// short-lived and skipped.
	MinProcessAge time.Duration `yaml:"min_process_age"`
	// TrackSpawns enables late-join tracking (§4.4): a process that appears
	// after the cycle's initial enumeration is polled with backoff and
	// profiled once it is old enough. Processes already present at cycle
	// start, including ones skipped as too young, are not revisited.
	TrackSpawns bool `yaml:"track_spawns"`
}

// SparkConfig configures the optional Spark-app registry.
type SparkConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ListenAddr       string        `yaml:"listen_addr"`
	StalenessTimeout time.Duration `yaml:"staleness_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// Default returns the built-in configuration before any file or env
// overrides are applied.
func Default() Config {
	return Config{
		CollectorEndpoint: constants.DefaultCollectorEndpoint,
		HeartbeatInterval: constants.DefaultHeartbeatInterval,
		TempRoot:          constants.DefaultTempRoot,
		LogLevel:          "info",
		LogPretty:         true,
		Sampler: SamplerConfig{
			FrequencyHz:   constants.DefaultSamplingFrequencyHz,
			SwitchTimeout: constants.DefaultSwitchTimeout,
			MaxCgroups:    constants.MaxCgroupsDefault,
			MinProcessAge: constants.DefaultMinProcessAge,
			TrackSpawns:   false,
		},
		Spark: SparkConfig{
			ListenAddr:       constants.DefaultSparkListenAddr,
			StalenessTimeout: constants.DefaultSparkStalenessTimeout,
			PollInterval:     constants.DefaultSparkPollInterval,
		},
		Runtimes: []RuntimeConfig{
			{Name: "python", Enabled: false, BinaryPath: "py-spy"},
			{Name: "ruby", Enabled: false, BinaryPath: "rbspy"},
		},
	}
}

// ResolvePath implements the three-tier config file location: an explicit
// PROFILEAGENT_CONFIG env var, then ~/.profileagent/config.yaml, then a
// /tmp fallback for containers without a resolvable home directory.
func ResolvePath() string {
	if explicit := os.Getenv("PROFILEAGENT_CONFIG"); explicit != "" {
		return explicit
	}

	if uc, err := privilege.DetectOriginalUser(); err == nil && uc.HomeDir != "" {
		return filepath.Join(uc.HomeDir, constants.DefaultDir, constants.ConfigFile)
	}

	return filepath.Join(constants.DefaultTempRoot+"-fallback", constants.ConfigFile)
}

// Load reads the config file at path (if it exists; a missing file is not
// an error, Default() is used instead) and layers environment-variable
// overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// No file yet; defaults stand.
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	mergeFromEnv(&cfg)
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed,
// and fixes file ownership back to the original (pre-sudo) user so a
// privileged write doesn't leave a root-owned config behind.
func Save(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", filepath.Dir(path), err)
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}

	if err := privilege.FixFileOwnership(path); err != nil {
		return fmt.Errorf("config: fix ownership of %s: %w", path, err)
	}
	return nil
}

// mergeFromEnv applies the recognized PROFILEAGENT_* environment variables
// onto cfg, matching the teacher's MergeFromEnv layering idiom: variables
// not handled here are ignored, and present-but-unparseable values are
// skipped silently, leaving the file or default value in place.
func mergeFromEnv(cfg *Config) {
	if v, ok := os.LookupEnv("PROFILEAGENT_COLLECTOR_ENDPOINT"); ok {
		cfg.CollectorEndpoint = v
	}
	if v, ok := os.LookupEnv("PROFILEAGENT_BEARER_TOKEN"); ok {
		cfg.BearerToken = v
	}
	if v, ok := os.LookupEnv("PROFILEAGENT_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("PROFILEAGENT_TEMP_ROOT"); ok {
		cfg.TempRoot = v
	}
	if v, ok := os.LookupEnv("PROFILEAGENT_HEARTBEAT_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v, ok := os.LookupEnv("PROFILEAGENT_SAMPLER_FREQUENCY_HZ"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sampler.FrequencyHz = n
		}
	}
	if v, ok := os.LookupEnv("PROFILEAGENT_SPARK_ENABLED"); ok {
		cfg.Spark.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
}
