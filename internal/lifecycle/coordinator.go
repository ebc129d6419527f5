// Package lifecycle drives one profiling cycle — the kernel sampler plus
// every enabled runtime scheduler, merged into a single collapsed-stack
// artifact — and exposes the idempotent Start/Stop pair the heartbeat loop
// calls into.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/contprof/agent/internal/command"
	"github.com/contprof/agent/internal/constants"
	"github.com/contprof/agent/internal/containerinfo"
	"github.com/contprof/agent/internal/kernelsampler"
	"github.com/contprof/agent/internal/merger"
	"github.com/contprof/agent/internal/profile"
	"github.com/contprof/agent/internal/runtimeprofiler"
	"github.com/contprof/agent/internal/stackparse"
)

// RuntimeSet maps an enable-flag name (matching command.Profiling's
// ProfilerConfigs keys, e.g. "python", "java") to the sampler driving it.
type RuntimeSet map[string]runtimeprofiler.Sampler

// Coordinator drives exactly one profiling cycle: start the kernel sampler,
// run every enabled runtime scheduler concurrently, merge, and write one
// collapsed-stack artifact. At most one cycle is ever live at a time.
type Coordinator struct {
	kernel      *kernelsampler.Supervisor
	runtimes    RuntimeSet
	containers  *containerinfo.Resolver
	outputRoot  string
	trackSpawns bool
	logger      zerolog.Logger
}

// NewCoordinator builds a Coordinator. kernel must already be configured
// with any cgroup scoping the command requested (see Manager.Start), since
// the supervisor's argument vector is fixed at construction time. trackSpawns
// enables late-join spawn tracking (§4.4) on every runtime scheduler this
// coordinator runs.
func NewCoordinator(kernel *kernelsampler.Supervisor, runtimes RuntimeSet, containers *containerinfo.Resolver,
	outputRoot string, trackSpawns bool, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		kernel:      kernel,
		runtimes:    runtimes,
		containers:  containers,
		outputRoot:  outputRoot,
		trackSpawns: trackSpawns,
		logger:      logger.With().Str("component", "coordinator").Logger(),
	}
}

// Result is the outcome of one completed cycle.
type Result struct {
	ArtifactPath string
	Degraded     bool
}

// Run drives one full cycle: start the kernel sampler, run every enabled
// runtime scheduler concurrently for cfg.Duration, merge, and write the
// collapsed artifact. The profiling window ends as soon as cfg.Duration
// elapses or stopCh closes, whichever comes first; Run then waits for the
// runtime schedulers, rotates and reads the kernel output, and writes the
// artifact before returning.
func (c *Coordinator) Run(ctx context.Context, cfg command.Profiling, stopCh <-chan struct{}) (Result, error) {
	cycleDir, err := os.MkdirTemp(c.outputRoot, "cycle-*")
	if err != nil {
		return Result{}, fmt.Errorf("lifecycle: create cycle dir: %w", err)
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-cycleCtx.Done():
		}
	}()

	if err := c.kernel.Start(cycleCtx); err != nil {
		return Result{}, fmt.Errorf("lifecycle: kernel sampler: %w", err)
	}
	defer c.kernel.Stop()

	duration := cfg.Duration
	if duration <= 0 {
		duration = constants.DefaultProfilingDuration
	}

	runtimeDone := make(chan map[int]profile.Data, 1)
	go func() { runtimeDone <- c.runRuntimeSchedulers(cycleCtx, cfg) }()

	select {
	case <-time.After(duration):
	case <-cycleCtx.Done():
	}

	runtimeResults := <-runtimeDone

	rotated, err := c.kernel.SwitchOutput(cycleCtx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("kernel sampler output rotation failed, system-wide samples dropped for this cycle")
	}

	systemCounts := c.collectKernelSamples(cycleCtx, rotated)

	merged := merger.Merge(systemCounts, runtimeResults)
	merged = c.annotateContainers(merged)

	artifactPath := filepath.Join(cycleDir, constants.CollapsedOutputName)
	if err := os.WriteFile(artifactPath, []byte(stackparse.Render(merger.Flatten(merged))), 0o644); err != nil {
		return Result{}, fmt.Errorf("lifecycle: write artifact: %w", err)
	}

	return Result{ArtifactPath: artifactPath, Degraded: c.kernel.Degraded()}, nil
}

func (c *Coordinator) runRuntimeSchedulers(ctx context.Context, cfg command.Profiling) map[int]profile.Data {
	enabled := c.enabledRuntimes(cfg)
	if len(enabled) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		merged = make(map[int]profile.Data)
		wg     sync.WaitGroup
	)

	whitelist := map[int]bool(nil)
	if len(cfg.PIDs) > 0 {
		whitelist = make(map[int]bool, len(cfg.PIDs))
		for _, pid := range cfg.PIDs {
			whitelist[pid] = true
		}
	}

	for name, sampler := range enabled {
		name, sampler := name, sampler
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched := runtimeprofiler.New(sampler, c.logger)
			results, err := sched.RunWithConfig(ctx, runtimeprofiler.Config{
				MaxProcesses: cfg.MaxProcesses,
				Duration:     cfg.Duration,
				Whitelist:    whitelist,
				TrackSpawns:  c.trackSpawns,
			})
			if err != nil {
				c.logger.Warn().Err(err).Str("runtime", name).Msg("runtime scheduler aborted")
			}
			mu.Lock()
			for pid, data := range results {
				merged[pid] = data
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	return merged
}

func (c *Coordinator) enabledRuntimes(cfg command.Profiling) RuntimeSet {
	if len(cfg.ProfilerConfigs) == 0 {
		return c.runtimes
	}
	enabled := make(RuntimeSet, len(cfg.ProfilerConfigs))
	for name := range cfg.ProfilerConfigs {
		if s, ok := c.runtimes[name]; ok {
			enabled[name] = s
		}
	}
	return enabled
}

func (c *Coordinator) collectKernelSamples(ctx context.Context, rotatedFile string) profile.ProcessToStackSampleCounters {
	if rotatedFile == "" {
		return nil
	}

	stopCh := make(chan struct{})
	defer close(stopCh)

	lines, err := c.kernel.StreamScript(ctx, c.kernel.SamplerPath(), rotatedFile, stopCh)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to stream kernel sampler output")
		return nil
	}

	// Samples are blank-line separated; parse each one as it completes so the
	// whole stream is never held in memory at once.
	result := make(profile.ProcessToStackSampleCounters)
	var block strings.Builder
	flush := func() {
		if block.Len() == 0 {
			return
		}
		result.Merge(stackparse.ToStackSampleCount(stackparse.ParseKernelEventStream(block.String()), true))
		block.Reset()
	}
	for line := range lines {
		if line == "" {
			flush()
			continue
		}
		block.WriteString(line)
		block.WriteByte('\n')
	}
	flush()
	return result
}

func (c *Coordinator) annotateContainers(counts profile.ProcessToStackSampleCounters) profile.ProcessToStackSampleCounters {
	if c.containers == nil {
		return counts
	}

	out := make(profile.ProcessToStackSampleCounters, len(counts))
	for pid, stacks := range counts {
		info, err := c.containers.Resolve(pid)
		if err != nil || info.IsZero() {
			out[pid] = stacks
			continue
		}
		out[pid] = merger.AnnotateContainer(stacks, info.ContainerName)
	}
	return out
}
