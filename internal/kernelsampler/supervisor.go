// Package kernelsampler supervises the host-wide kernel-backed CPU sampler
// child process: it builds its argument vector, rotates its output files,
// streams its textual output incrementally, and restarts it on crash or
// memory growth.
package kernelsampler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/contprof/agent/internal/constants"
	"github.com/contprof/agent/internal/procreg"
)

// State is a supervised sampler's lifecycle state.
type State int

const (
	StateInit State = iota
	StateStarted
	StateDumped
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarted:
		return "started"
	case StateDumped:
		return "dumped"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StackMode selects the unwinding strategy passed to the sampler.
type StackMode int

const (
	StackModeFramePointer StackMode = iota
	StackModeDWARF
)

// EventFamily is one performance-counter family tried during startup
// discovery, in priority order.
type EventFamily string

const (
	EventDefault   EventFamily = "default"
	EventSWCPUClock EventFamily = "cpu-clock"
	EventSWTaskClock EventFamily = "task-clock"
)

// DiscoveryOrder is the fixed event-family probe order.
var DiscoveryOrder = []EventFamily{EventDefault, EventSWCPUClock, EventSWTaskClock}

// ErrNoEligibleCgroups is surfaced when cgroup scoping was requested but the
// cgroup enumerator found nothing eligible; the supervisor must refuse to
// start rather than silently fall back to host-wide sampling.
var ErrNoEligibleCgroups = errors.New("kernelsampler: cgroup scoping requested but no eligible cgroups")

// ErrOutputTimeout is returned by Start when the sampler's output file
// doesn't appear within the dump timeout.
var ErrOutputTimeout = errors.New("kernelsampler: timed out waiting for output file")

// Config configures one supervised run.
type Config struct {
	SamplerPath    string
	FrequencyHz    int
	Mode           StackMode
	OutputPath     string
	SwitchTimeout  time.Duration
	DumpTimeout    time.Duration
	InjectJIT      bool
	CgroupNames    []string // non-empty enables cgroup scoping; one event arg repeated per cgroup
	RestartAfter   time.Duration
	RSSThreshold   uint64
	ExtraArgs      []string
}

// DefaultConfig returns sampler defaults from the shared constants package.
func DefaultConfig(samplerPath, outputPath string) Config {
	return Config{
		SamplerPath:   samplerPath,
		FrequencyHz:   constants.DefaultSamplingFrequencyHz,
		Mode:          StackModeFramePointer,
		OutputPath:    outputPath,
		SwitchTimeout: constants.DefaultSwitchTimeout,
		DumpTimeout:   constants.DumpTimeout,
		RestartAfter:  constants.RestartAfter,
		RSSThreshold:  constants.MemoryUsageThresholdBytes,
	}
}

// Supervisor drives one kernel sampler child through its lifecycle.
type Supervisor struct {
	cfg    Config
	reg    *procreg.Registry
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	handle    *procreg.Handle
	startedAt time.Time
	degraded  bool

	// probeEvent is overridable by tests to simulate discovery outcomes
	// (e.g. every family segfaulting on hostile hardware) without spawning
	// a real sampler. Defaults to "every family works".
	probeEvent func(ctx context.Context, family EventFamily) (ok bool, fatal bool)
}

// New creates a Supervisor bound to the given process registry.
func New(cfg Config, reg *procreg.Registry, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		reg:        reg,
		logger:     logger.With().Str("component", "kernelsampler").Logger(),
		state:      StateInit,
		probeEvent: func(context.Context, EventFamily) (bool, bool) { return true, false },
	}
}

// SetProbeEvent overrides the event-family discovery probe, for tests that
// need to exercise the crash-tolerant "every family segfaulted" path.
func (s *Supervisor) SetProbeEvent(fn func(ctx context.Context, family EventFamily) (ok bool, fatal bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeEvent = fn
}

// Degraded reports whether a prior crash-tolerant discovery left the
// supervisor running with no confirmed-working event, so empty cycles
// should be tolerated rather than treated as a hard failure.
func (s *Supervisor) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SamplerPath returns the configured sampler binary path, for callers that
// need to invoke the same tool in a different mode (e.g. a script-printing
// pass over a rotated output file).
func (s *Supervisor) SamplerPath() string {
	return s.cfg.SamplerPath
}

// Start builds the argument vector and spawns the sampler through the
// registry, probing event families in DiscoveryOrder if discovery is
// needed. It waits up to cfg.DumpTimeout for the output file to appear; on
// timeout it kills the child and fails hard. If cgroup scoping is
// configured but CgroupNames is empty, Start refuses outright.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.usesCgroupScoping() && len(s.cfg.CgroupNames) == 0 {
		return ErrNoEligibleCgroups
	}

	event, degraded, err := s.discoverEvent(ctx)
	if err != nil {
		return fmt.Errorf("kernelsampler: event discovery: %w", err)
	}
	s.degraded = degraded

	argv := s.buildArgv(event)
	h, err := s.reg.Spawn(argv, nil)
	if err != nil {
		return fmt.Errorf("kernelsampler: spawn: %w", err)
	}
	s.handle = h
	s.startedAt = time.Now()
	s.state = StateStarted

	if err := s.waitForOutput(ctx); err != nil {
		_ = h.Cmd().Process.Kill()
		s.state = StateStopped
		return err
	}
	s.state = StateDumped
	return nil
}

// discoverEvent tries each event family in order. If every family fails
// with a fatal signal, the supervisor proceeds anyway with the default
// event, marked degraded, rather than abort outright.
func (s *Supervisor) discoverEvent(ctx context.Context) (EventFamily, bool, error) {
	segfaults := 0
	for _, family := range DiscoveryOrder {
		ok, fatal := s.probeEvent(ctx, family)
		if ok {
			return family, false, nil
		}
		if fatal {
			segfaults++
		}
	}
	s.logger.Warn().Msg("all sampling events segfaulted during discovery; proceeding with default event, marking degraded")
	return EventDefault, true, nil
}

func (c Config) usesCgroupScoping() bool {
	return c.ExtraArgs != nil && hasFlag(c.ExtraArgs, "--cgroup-scoped")
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func (s *Supervisor) buildArgv(event EventFamily) []string {
	argv := []string{s.cfg.SamplerPath, "record"}
	argv = append(argv, "-F", strconv.Itoa(s.cfg.FrequencyHz))

	switch s.cfg.Mode {
	case StackModeDWARF:
		argv = append(argv, "-g", "--call-graph", "dwarf")
	default:
		argv = append(argv, "-g")
	}

	argv = append(argv, "-o", s.cfg.OutputPath)
	argv = append(argv, "--switch-output", fmt.Sprintf("%ds,signal", int(s.cfg.SwitchTimeout.Seconds())))
	argv = append(argv, "--switch-max-files=1")

	if len(s.cfg.CgroupNames) > 0 {
		argv = append(argv, "-a")
		for range s.cfg.CgroupNames {
			argv = append(argv, "-e", string(event))
		}
		argv = append(argv, "-G", strings.Join(s.cfg.CgroupNames, ","))
	} else {
		argv = append(argv, "-e", string(event))
		argv = append(argv, "-a")
	}

	if s.cfg.InjectJIT {
		argv = append(argv, "-k", "1")
	}

	argv = append(argv, s.cfg.ExtraArgs...)
	return argv
}

func (s *Supervisor) waitForOutput(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.DumpTimeout)
	for {
		if fileExistsWithPrefix(s.cfg.OutputPath) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrOutputTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func fileExistsWithPrefix(outputPath string) bool {
	matches, err := filepath.Glob(outputPath + "*")
	if err != nil {
		return false
	}
	return len(matches) > 0
}

// SwitchOutput removes any stale "<output>.*" files so the next rotated
// file is unambiguous, then sends the rotation signal (SIGUSR2, the signal
// "--switch-output=Ns,signal" listens for) to the child. Returns the path
// of the newly rotated file once it appears.
func (s *Supervisor) SwitchOutput(ctx context.Context) (string, error) {
	s.mu.Lock()
	handle := s.handle
	outputPath := s.cfg.OutputPath
	s.mu.Unlock()

	if handle == nil || !handle.IsRunning() {
		return "", fmt.Errorf("kernelsampler: switch_output called with no running child")
	}

	if err := removeStaleOutputs(outputPath); err != nil {
		s.logger.Warn().Err(err).Msg("failed to clean stale rotated outputs")
	}

	if err := unix.Kill(handle.Pid(), unix.SIGUSR2); err != nil {
		return "", fmt.Errorf("kernelsampler: signal rotate: %w", err)
	}

	deadline := time.Now().Add(s.cfg.DumpTimeout)
	for {
		matches, _ := filepath.Glob(outputPath + ".*")
		if len(matches) > 0 {
			s.mu.Lock()
			s.state = StateDumped
			s.mu.Unlock()
			return matches[len(matches)-1], nil
		}
		if time.Now().After(deadline) {
			return "", ErrOutputTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func removeStaleOutputs(outputPath string) error {
	matches, err := filepath.Glob(outputPath + ".*")
	if err != nil {
		return err
	}
	var firstErr error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StreamScript spawns a script-printing child on rotatedFile at once and
// sends each stdout line to the returned channel (stopCh ends the sending),
// closing it when the child's output ends. It does not itself wait for
// rotatedFile to appear; that wait happens in SwitchOutput. The channel is
// unbuffered by design: callers must not load the whole output into memory.
func (s *Supervisor) StreamScript(ctx context.Context, scriptPath, rotatedFile string, stopCh <-chan struct{}) (<-chan string, error) {
	lines := make(chan string)

	h, err := s.reg.Spawn([]string{scriptPath, "-i", rotatedFile}, nil)
	if err != nil {
		return nil, fmt.Errorf("kernelsampler: spawn script reader: %w", err)
	}

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(h.Stdout())
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			s.logger.Warn().Err(err).Msg("error reading script output")
		}
	}()

	return lines, nil
}

// RestartIfNeeded restarts the child if it is no longer running, or if its
// RSS exceeds the configured threshold and it has run longer than
// RestartAfter. It returns true if a restart occurred.
func (s *Supervisor) RestartIfNeeded(ctx context.Context, currentRSS uint64) (bool, error) {
	s.mu.Lock()
	handle := s.handle
	startedAt := s.startedAt
	restartAfter := s.cfg.RestartAfter
	rssThreshold := s.cfg.RSSThreshold
	s.mu.Unlock()

	needsRestart := false
	if handle == nil || !handle.IsRunning() {
		needsRestart = true
	} else if currentRSS > rssThreshold && time.Since(startedAt) >= restartAfter {
		needsRestart = true
	}

	if !needsRestart {
		return false, nil
	}

	s.logger.Info().Msg("restarting kernel sampler")
	if handle != nil && handle.IsRunning() {
		_ = handle.Cmd().Process.Kill()
	}
	if err := s.Start(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Stop transitions the supervisor to stopped. The caller is responsible for
// invoking the process registry's reap pass afterward.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil && s.handle.IsRunning() {
		_ = s.handle.Cmd().Process.Signal(os.Interrupt)
	}
	s.state = StateStopped
}
