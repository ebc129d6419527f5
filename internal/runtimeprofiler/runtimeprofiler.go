// Package runtimeprofiler implements the per-process scheduler shared by
// every per-runtime sampler: enumerate candidates, filter, rank by CPU
// usage under a concurrency cap, and fan out one worker per selected
// target with per-target error isolation.
package runtimeprofiler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/contprof/agent/internal/constants"
	"github.com/contprof/agent/internal/profile"
)

// Process is one candidate the scheduler may choose to profile.
type Process struct {
	PID  int
	Comm string
	Age  time.Duration
}

// Sampler is the capability set every per-runtime profiler implements. The
// scheduler is the only code that dispatches across these.
type Sampler interface {
	// Name identifies the runtime for logging ("python", "ruby", ...).
	Name() string
	// EnumerateCandidates walks /proc and returns every process that looks
	// like an instance of this runtime.
	EnumerateCandidates(ctx context.Context) ([]Process, error)
	// ShouldSkip reports whether p should be excluded: too young, self,
	// an excluded basename, or an embedded (not actual) runtime.
	ShouldSkip(p Process) bool
	// Profile runs the external sampler against p for duration and parses
	// its collapsed output into profile.Data.
	Profile(ctx context.Context, p Process, duration time.Duration) (profile.Data, error)
	// CPUPercent returns a short-probe-interval CPU usage reading for
	// ranking candidates, tolerant of the process dying mid-probe.
	CPUPercent(ctx context.Context, pid int) (float64, error)
}

// Config bounds one scheduling cycle.
type Config struct {
	// MaxProcesses caps how many candidates are profiled concurrently. Zero
	// or negative means unbounded (used for system-wide samplers).
	MaxProcesses int
	// Duration is how long each worker's Profile call runs.
	Duration time.Duration
	// Whitelist, if non-empty, further restricts candidates to these PIDs.
	Whitelist map[int]bool
	// TrackSpawns enables late-join tracking (§4.4): processes matching this
	// runtime that appear after the cycle's initial enumeration are polled
	// with backoff and profiled, for whatever cycle time remains, once they
	// mature into an eligible candidate. Off by default — most targets of
	// interest are already running when a cycle starts.
	TrackSpawns bool
	// SpawnPollInterval overrides how often new candidates are polled for
	// when TrackSpawns is set. Zero means constants.SpawnTrackingPollInterval.
	SpawnPollInterval time.Duration
}

// Scheduler runs one Sampler's per-cycle candidate selection and fan-out.
type Scheduler struct {
	sampler Sampler
	logger  zerolog.Logger
}

// New builds a Scheduler for the given sampler.
func New(sampler Sampler, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		sampler: sampler,
		logger:  logger.With().Str("component", "runtimeprofiler").Str("runtime", sampler.Name()).Logger(),
	}
}

// Run executes one scheduling cycle: enumerate, filter, rank-and-cap,
// fan out, and gather results keyed by PID. Individual target failures are
// absorbed into error-stack Data rather than aborting the cycle; only
// ctx cancellation propagates out.
func (s *Scheduler) Run(ctx context.Context) (map[int]profile.Data, error) {
	return s.RunWithConfig(ctx, Config{})
}

// RunWithConfig is Run with an explicit Config.
func (s *Scheduler) RunWithConfig(ctx context.Context, cfg Config) (map[int]profile.Data, error) {
	candidates, err := s.sampler.EnumerateCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtimeprofiler: enumerate: %w", err)
	}

	preexisting := make(map[int]bool, len(candidates))
	for _, p := range candidates {
		preexisting[p.PID] = true
	}

	selected := s.filterAndSelect(ctx, candidates, cfg)

	results := make(map[int]profile.Data, len(selected))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range selected {
		p := p
		g.Go(func() error {
			data := s.profileOne(gctx, p, cfg.Duration)
			mu.Lock()
			results[p.PID] = data
			mu.Unlock()
			return nil
		})
	}

	var drainDone chan struct{}
	if cfg.TrackSpawns && cfg.Duration > 0 {
		lateResults := make(chan profile.Data, 16)
		drainDone = make(chan struct{})
		go func() {
			defer close(drainDone)
			for data := range lateResults {
				mu.Lock()
				for pid := range data.Samples {
					results[pid] = data
				}
				mu.Unlock()
			}
		}()
		go s.trackSpawns(gctx, preexisting, time.Now().Add(cfg.Duration), cfg, lateResults)
	}

	werr := g.Wait()
	if drainDone != nil {
		<-drainDone
	}
	if werr != nil {
		return results, werr
	}
	return results, ctx.Err()
}

// trackSpawns polls for candidates that weren't present at cycle start and
// hands each one to a SpawnTracker, so a worker forked well after the cycle
// began still gets profiled for whatever time remains. It runs until
// cycleEnd, then gives any in-flight probe a final grace window before
// closing out — see SpawnTracker for the per-candidate probe loop.
func (s *Scheduler) trackSpawns(ctx context.Context, preexisting map[int]bool, cycleEnd time.Time, cfg Config, out chan<- profile.Data) {
	defer close(out)

	interval := cfg.SpawnPollInterval
	if interval <= 0 {
		interval = constants.SpawnTrackingPollInterval
	}

	tracker := NewSpawnTracker(s.sampler, func(p Process) bool {
		fresh, err := s.sampler.EnumerateCandidates(ctx)
		if err != nil {
			return false
		}
		for _, c := range fresh {
			if c.PID == p.PID {
				return !s.sampler.ShouldSkip(c)
			}
		}
		return false
	}, s.logger)

	seen := make(map[int]bool, len(preexisting))
	for pid := range preexisting {
		seen[pid] = true
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for time.Now().Before(cycleEnd) {
		select {
		case <-ctx.Done():
			// Fall through to the grace sleep below so any probe already
			// mid-flight still gets a chance to send before out is closed.
			time.Sleep(constants.SpawnTrackingMaxBackoff + interval)
			return
		case <-ticker.C:
		}

		candidates, err := s.sampler.EnumerateCandidates(ctx)
		if err != nil {
			continue
		}
		for _, p := range candidates {
			if seen[p.PID] {
				continue
			}
			seen[p.PID] = true
			tracker.TrackExec(ctx, p, preexisting, cycleEnd, out)
		}
	}

	// A probe launched just before cycleEnd may still be in its backoff
	// wait; give it a chance to send before the results channel is closed.
	time.Sleep(constants.SpawnTrackingMaxBackoff + interval)
}

func (s *Scheduler) filterAndSelect(ctx context.Context, candidates []Process, cfg Config) []Process {
	filtered := make([]Process, 0, len(candidates))
	for _, p := range candidates {
		if s.sampler.ShouldSkip(p) {
			continue
		}
		if cfg.Whitelist != nil && !cfg.Whitelist[p.PID] {
			continue
		}
		filtered = append(filtered, p)
	}

	if cfg.MaxProcesses <= 0 || len(filtered) <= cfg.MaxProcesses {
		return filtered
	}

	return s.topNByCPU(ctx, filtered, cfg.MaxProcesses)
}

type rankedProcess struct {
	proc    Process
	cpuPct  float64
}

func (s *Scheduler) topNByCPU(ctx context.Context, candidates []Process, n int) []Process {
	ranked := make([]rankedProcess, 0, len(candidates))
	for _, p := range candidates {
		pct, err := s.sampler.CPUPercent(ctx, p.PID)
		if err != nil {
			s.logger.Debug().Int("pid", p.PID).Err(err).Msg("cpu probe failed, excluding from ranking")
			continue
		}
		ranked = append(ranked, rankedProcess{proc: p, cpuPct: pct})
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].cpuPct > ranked[j].cpuPct })

	if n > len(ranked) {
		n = len(ranked)
	}
	top := make([]Process, n)
	for i := 0; i < n; i++ {
		top[i] = ranked[i].proc
	}
	return top
}

func (s *Scheduler) profileOne(ctx context.Context, p Process, duration time.Duration) profile.Data {
	data, err := s.sampler.Profile(ctx, p, duration)
	if err == nil {
		return data
	}

	switch {
	case IsProcessGone(err):
		s.logger.Debug().Int("pid", p.PID).Msg("target exited before or during profiling")
		return profile.NewErrorData(p.PID, "process-gone", "NoSuchProcess", p.Comm)
	default:
		s.logger.Warn().Int("pid", p.PID).Err(err).Msg("profiling target failed")
		return profile.NewErrorData(p.PID, "exception", err.Error(), p.Comm)
	}
}
