// Package constants defines shared configuration constants and defaults for the agent.
package constants

import "time"

// Filesystem layout.
var (
	// ConfigFile is the name of the agent's YAML config file.
	ConfigFile = "config.yaml"

	// DefaultDir is the agent's dotfile directory under the user's home.
	DefaultDir = ".profileagent"

	// DefaultTempRoot is the root directory for per-cycle sampler artifacts.
	DefaultTempRoot = "/tmp/profileagent"
)

// Collector protocol defaults (see §6 of the design).
const (
	DefaultCollectorEndpoint = "https://localhost:8443"

	// DefaultHeartbeatInterval is the fixed cadence between heartbeats.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultHeartbeatTimeout bounds a single heartbeat round-trip.
	DefaultHeartbeatTimeout = 5 * time.Second

	// DefaultProfilingDuration is the profiling cycle length used when a
	// start command's combined_config omits duration.
	DefaultProfilingDuration = 60 * time.Second
)

// Command scheduler bounds (§4.6, §8).
const (
	AdhocQueueMaxSize      = 10
	ContinuousQueueMaxSize = 1

	// IdempotencySetMaxSize bounds the set of remembered, already-executed command IDs.
	IdempotencySetMaxSize = 1000
)

// Kernel sampler supervisor defaults (§4.3).
const (
	// DefaultSamplingFrequencyHz is the default kernel sampler frequency.
	DefaultSamplingFrequencyHz = 11

	// DefaultSwitchTimeout is how long the kernel sampler runs before rotating output.
	DefaultSwitchTimeout = 15 * time.Second

	// DumpTimeout bounds how long we wait for the sampler's output file to appear.
	DumpTimeout = 5 * time.Second

	// RestartAfter is the minimum uptime before a memory-triggered restart is allowed.
	RestartAfter = 10 * time.Minute

	// MemoryUsageThresholdBytes is the RSS above which the kernel sampler is restarted.
	MemoryUsageThresholdBytes = 200 * 1024 * 1024

	// MaxCgroupsDefault is the default cap on cgroups considered for scoping.
	MaxCgroupsDefault = 50
)

// Per-process scheduler defaults (§4.4).
const (
	// DefaultMinProcessAge is the minimum process age before it is considered a profiling
	// candidate; younger processes are assumed short-lived and skipped.
	DefaultMinProcessAge = 2 * time.Second

	// DefaultMaxProcesses is the default per-runtime concurrency cap.
	DefaultMaxProcesses = 10

	// CPUUsageProbeInterval is the short probe window used to rank candidates by recent CPU use.
	CPUUsageProbeInterval = 1 * time.Second

	// SpawnTrackingInitialBackoff is the first retry delay for a newly spawned candidate.
	SpawnTrackingInitialBackoff = 100 * time.Millisecond

	// SpawnTrackingMaxBackoff caps the exponential backoff of spawn-tracking probes.
	SpawnTrackingMaxBackoff = 800 * time.Millisecond

	// SpawnTrackingPollInterval is how often the scheduler re-enumerates
	// candidates to notice newly spawned processes when spawn tracking is
	// enabled.
	SpawnTrackingPollInterval = 250 * time.Millisecond
)

// Spark-app registry defaults (§4.8).
const (
	DefaultSparkListenAddr = "127.0.0.1:7897"

	DefaultSparkStalenessTimeout = 300 * time.Second

	DefaultSparkPollInterval = 60 * time.Second
)

// Collapsed-format parsing thresholds (§4.5, §8).
const (
	// CorruptionWarningThreshold is the bad-line fraction above which a parse is flagged corrupt.
	CorruptionWarningThreshold = 0.5
)

// Output artifacts.
const (
	// PerfOutputBaseName is the base filename the kernel sampler writes its rotated output under.
	PerfOutputBaseName = "kernel.data"

	// CollapsedOutputName is the name of the final merged collapsed-stack artifact per cycle.
	CollapsedOutputName = "merged.col"
)
