package heartbeat

import (
	"time"

	"github.com/contprof/agent/internal/command"
	"github.com/contprof/agent/internal/constants"
)

// translateConfig converts the collector's loosely-typed combined_config
// map into the strongly-typed Profiling struct the lifecycle manager
// consumes. Missing or mistyped fields fall back to agent-side defaults
// rather than failing the command outright — the collector's config schema
// evolves independently of the agent's release cadence.
func translateConfig(raw map[string]any) command.Profiling {
	cfg := command.Profiling{
		Duration:     constants.DefaultProfilingDuration,
		FrequencyHz:  constants.DefaultSamplingFrequencyHz,
		Mode:         "collapsed",
		MaxProcesses: constants.DefaultMaxProcesses,
	}
	if raw == nil {
		return cfg
	}

	if v, ok := raw["duration"].(float64); ok {
		cfg.Duration = time.Duration(v) * time.Second
	}
	if v, ok := raw["frequency"].(float64); ok {
		cfg.FrequencyHz = int(v)
	}
	if v, ok := raw["profiling_mode"].(string); ok {
		cfg.Mode = v
	}
	if v, ok := raw["continuous"].(bool); ok {
		cfg.Continuous = v
	}
	if v, ok := raw["enable_perfspect"].(bool); ok {
		cfg.EnableHardwareMetrics = v
	}
	if v, ok := raw["max_processes"].(float64); ok {
		cfg.MaxProcesses = int(v)
	}
	if v, ok := raw["target_hostnames"].([]any); ok {
		cfg.TargetHostnames = toStringSlice(v)
	}
	if v, ok := raw["pids"].([]any); ok {
		cfg.PIDs = toIntSlice(v)
	}
	if v, ok := raw["profiler_configs"].(map[string]any); ok {
		cfg.ProfilerConfigs = toStringMap(v)
	}
	if v, ok := raw["max_docker_containers"].(float64); ok {
		cfg.CgroupScoped = true
		cfg.MaxDockerContainers = int(v)
	}

	return cfg
}

func toStringSlice(v []any) []string {
	out := make([]string, 0, len(v))
	for _, item := range v {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toIntSlice(v []any) []int {
	out := make([]int, 0, len(v))
	for _, item := range v {
		if f, ok := item.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}

func toStringMap(v map[string]any) map[string]string {
	out := make(map[string]string, len(v))
	for k, val := range v {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
