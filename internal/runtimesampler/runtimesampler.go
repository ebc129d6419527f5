// Package runtimesampler provides a generic external-command backed
// implementation of runtimeprofiler.Sampler: it shells out to a configured
// per-runtime profiler binary (py-spy, async-profiler's asprof, rbspy, …),
// waits for it to run for the requested duration, and parses its collapsed
// stack output. One instance is configured per enabled runtime.
package runtimesampler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/contprof/agent/internal/procreg"
	"github.com/contprof/agent/internal/profile"
	"github.com/contprof/agent/internal/runtimeprofiler"
	"github.com/contprof/agent/internal/safe"
	"github.com/contprof/agent/internal/stackparse"
)

// maxCollapsedOutputSize bounds how large a single runtime sampler's
// collapsed-stack file is allowed to be before we refuse to read it; a
// misbehaving or hung profiler run should not let one target's output
// exhaust agent memory.
const maxCollapsedOutputSize = 32 << 20

// CommandBuilder constructs the argv for profiling one target PID for
// duration, writing collapsed-stack output to outputPath. Each runtime
// (CPython, JVM, Ruby, …) supplies its own builder matching its profiler's
// CLI conventions.
type CommandBuilder func(pid int, duration time.Duration, outputPath string) []string

// ProcessLister enumerates candidate PIDs and comm names for this runtime,
// e.g. by scanning /proc for a matching interpreter or JVM launcher.
type ProcessLister func(ctx context.Context) ([]runtimeprofiler.Process, error)

// Sampler adapts an external collapsed-stack profiler to the
// runtimeprofiler.Sampler interface.
type Sampler struct {
	name       string
	reg        *procreg.Registry
	buildArgv  CommandBuilder
	listProcs  ProcessLister
	shouldSkip func(runtimeprofiler.Process) bool
	outputDir  string
	logger     zerolog.Logger
}

// New builds a Sampler for one runtime.
func New(name string, reg *procreg.Registry, outputDir string, buildArgv CommandBuilder,
	listProcs ProcessLister, shouldSkip func(runtimeprofiler.Process) bool, logger zerolog.Logger) *Sampler {
	if shouldSkip == nil {
		shouldSkip = func(runtimeprofiler.Process) bool { return false }
	}
	return &Sampler{
		name:       name,
		reg:        reg,
		buildArgv:  buildArgv,
		listProcs:  listProcs,
		shouldSkip: shouldSkip,
		outputDir:  outputDir,
		logger:     logger.With().Str("component", "runtimesampler").Str("runtime", name).Logger(),
	}
}

// Name implements runtimeprofiler.Sampler.
func (s *Sampler) Name() string { return s.name }

// EnumerateCandidates implements runtimeprofiler.Sampler.
func (s *Sampler) EnumerateCandidates(ctx context.Context) ([]runtimeprofiler.Process, error) {
	return s.listProcs(ctx)
}

// ShouldSkip implements runtimeprofiler.Sampler.
func (s *Sampler) ShouldSkip(p runtimeprofiler.Process) bool {
	return s.shouldSkip(p)
}

// CPUPercent implements runtimeprofiler.Sampler using gopsutil's per-process
// CPU accounting.
func (s *Sampler) CPUPercent(ctx context.Context, pid int) (float64, error) {
	return cpuPercent(ctx, pid)
}

// Profile implements runtimeprofiler.Sampler: it spawns the configured
// external profiler against p.PID for duration, waits for it to exit (or
// the context to expire, whichever is first), and parses the resulting
// collapsed-stack file.
func (s *Sampler) Profile(ctx context.Context, p runtimeprofiler.Process, duration time.Duration) (profile.Data, error) {
	outputPath := filepath.Join(s.outputDir, fmt.Sprintf("%s.%s.%d.col", s.name, uuid.NewString(), p.PID))
	argv := s.buildArgv(p.PID, duration, outputPath)

	h, err := s.reg.Spawn(argv, nil)
	if err != nil {
		return profile.Data{}, fmt.Errorf("runtimesampler[%s]: spawn pid %d: %w", s.name, p.PID, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, duration+5*time.Second)
	defer cancel()

	select {
	case <-h.Done():
	case <-waitCtx.Done():
		_ = h.Cmd().Process.Kill()
		<-h.Done()
	}

	b, err := safe.ReadFile(outputPath, &safe.CopyFileOptions{MaxSize: maxCollapsedOutputSize})
	if err != nil {
		return profile.Data{}, fmt.Errorf("runtimesampler[%s]: read output for pid %d: %w", s.name, p.PID, err)
	}
	defer os.Remove(outputPath)

	counts, stats := stackparse.ParseCollapsed(string(b))
	if stats.Corrupted() {
		s.logger.Warn().Int("pid", p.PID).Int("bad_lines", stats.BadLines).Msg("collapsed output mostly corrupt")
	}

	return profile.Data{Samples: profile.ProcessToStackSampleCounters{p.PID: counts}}, nil
}

// StaticProcessLister returns a ProcessLister that always yields the given
// fixed set, for runtimes (or tests) where discovery is externally driven.
func StaticProcessLister(procs []runtimeprofiler.Process) ProcessLister {
	return func(context.Context) ([]runtimeprofiler.Process, error) {
		return procs, nil
	}
}

// pidCommandLine reads /proc/<pid>/comm, used by DiscoverByComm to confirm
// an interpreter's own process name before accepting it as a candidate.
func pidCommandLine(procRoot string, pid int) (string, error) {
	b, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// DiscoverByComm returns a ProcessLister that scans procRoot for PIDs whose
// /proc/<pid>/comm matches any of commNames, the same coarse discovery
// style gprofiler's per-language selectors use before handing the match to
// a more specific eligibility check.
func DiscoverByComm(procRoot string, commNames ...string) ProcessLister {
	wanted := make(map[string]bool, len(commNames))
	for _, n := range commNames {
		wanted[n] = true
	}

	return func(ctx context.Context) ([]runtimeprofiler.Process, error) {
		entries, err := os.ReadDir(procRoot)
		if err != nil {
			return nil, fmt.Errorf("runtimesampler: read %s: %w", procRoot, err)
		}

		var procs []runtimeprofiler.Process
		for _, e := range entries {
			pid, err := strconv.Atoi(e.Name())
			if err != nil {
				continue
			}
			comm, err := pidCommandLine(procRoot, pid)
			if err != nil || !wanted[comm] {
				continue
			}

			age := time.Duration(0)
			if info, err := os.Stat(filepath.Join(procRoot, e.Name())); err == nil {
				age = time.Since(info.ModTime())
			}
			procs = append(procs, runtimeprofiler.Process{PID: pid, Comm: comm, Age: age})
		}
		return procs, nil
	}
}
