package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/contprof/agent/internal/cgroup"
	"github.com/contprof/agent/internal/command"
	"github.com/contprof/agent/internal/constants"
	"github.com/contprof/agent/internal/containerinfo"
	"github.com/contprof/agent/internal/kernelsampler"
	"github.com/contprof/agent/internal/procreg"
)

// StopGrace bounds how long Stop waits for a running cycle to exit cleanly
// before proceeding to the unconditional reap pass.
const StopGrace = 10 * time.Second

// Manager is the profiling lifecycle manager: it owns the idempotent
// Start/Stop pair the heartbeat loop dispatches commands into, and
// guarantees the process registry is reaped on every stop regardless of
// whether the coordinator exited cleanly.
type Manager struct {
	hostname   string
	samplerBin string
	tempRoot   string
	runtimes   RuntimeSet
	reg        *procreg.Registry
	containers *containerinfo.Resolver
	cgroupEnum  *cgroup.Enumerator
	injectJIT   bool
	trackSpawns bool
	logger      zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	done    chan Result
	running bool
}

// NewManager builds a Manager. samplerBin is the path to the kernel sampler
// binary; tempRoot is the directory per-cycle artifact directories are
// created under. injectJIT gates the sampler's -k 1 kernel-symbol pass and
// should come from kernelsampler.DetectCapabilities().CanInjectJIT. trackSpawns
// enables per-runtime spawn tracking (§4.4) for every scheduler the
// coordinator runs.
func NewManager(hostname, samplerBin, tempRoot string, runtimes RuntimeSet, reg *procreg.Registry,
	containers *containerinfo.Resolver, cgroupEnum *cgroup.Enumerator, injectJIT, trackSpawns bool, logger zerolog.Logger) *Manager {
	return &Manager{
		hostname:    hostname,
		samplerBin:  samplerBin,
		tempRoot:    tempRoot,
		runtimes:    runtimes,
		reg:         reg,
		containers:  containers,
		cgroupEnum:  cgroupEnum,
		injectJIT:   injectJIT,
		trackSpawns: trackSpawns,
		logger:      logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Start translates cfg into a kernel sampler configuration, instantiates a
// coordinator, and runs one profiling cycle in the background. If
// cfg.TargetHostnames is non-empty and this host is absent, Start no-ops and
// reports started=false so the caller can report completion immediately
// instead of waiting for a cycle that will never run. Calling Start while a
// cycle is already running is a caller error; the heartbeat dispatcher
// always calls Stop first (§4.7), so this only fires on a misuse of the
// API. When the started cycle finishes — naturally or via Stop — onDone (if
// non-nil) is invoked exactly once with the cycle's artifact path and
// outcome, so the caller can report actual command completion rather than
// an immediate acknowledgement.
func (m *Manager) Start(ctx context.Context, cfg command.Profiling, onDone func(artifactPath string, err error)) (started bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return false, fmt.Errorf("lifecycle: cycle already running")
	}

	if len(cfg.TargetHostnames) > 0 && !containsHost(cfg.TargetHostnames, m.hostname) {
		m.logger.Debug().Strs("target_hostnames", cfg.TargetHostnames).Msg("host not targeted, no-op")
		return false, nil
	}

	if err := os.MkdirAll(m.tempRoot, 0o755); err != nil {
		return false, fmt.Errorf("lifecycle: prepare temp root: %w", err)
	}

	kernelCfg := kernelsampler.DefaultConfig(m.samplerBin, fmtOutputPath(m.tempRoot))
	if cfg.FrequencyHz > 0 {
		kernelCfg.FrequencyHz = cfg.FrequencyHz
	}
	if cfg.Mode == "dwarf" {
		kernelCfg.Mode = kernelsampler.StackModeDWARF
	}
	kernelCfg.InjectJIT = m.injectJIT

	if cfg.CgroupScoped {
		names, err := m.resolveCgroupNames(cfg)
		if err != nil {
			return false, fmt.Errorf("lifecycle: %w", err)
		}
		kernelCfg.CgroupNames = names
	}

	kernel := kernelsampler.New(kernelCfg, m.reg, m.logger)
	coord := NewCoordinator(kernel, m.runtimes, m.containers, m.tempRoot, m.trackSpawns, m.logger)

	m.stopCh = make(chan struct{})
	m.done = make(chan Result, 1)
	m.running = true

	stopCh := m.stopCh
	done := m.done

	go func() {
		result, runErr := coord.Run(context.Background(), cfg, stopCh)
		if runErr != nil {
			m.logger.Error().Err(runErr).Msg("profiling cycle failed")
		}
		if onDone != nil {
			onDone(result.ArtifactPath, runErr)
		}
		done <- result
	}()

	return true, nil
}

// resolveCgroupNames enumerates and scores cgroups for a scoping-requested
// command, returning the names the kernel sampler expects. Per spec §4.2's
// failure policy, an explicit scoping request that finds nothing eligible
// must fail the cycle rather than silently fall back to host-wide sampling,
// so callers must surface this error rather than swallow it.
func (m *Manager) resolveCgroupNames(cfg command.Profiling) ([]string, error) {
	if m.cgroupEnum == nil {
		return nil, fmt.Errorf("cgroup scoping requested but no cgroup hierarchy was detected on this host")
	}

	usages, err := m.cgroupEnum.FindAll()
	if err != nil {
		return nil, fmt.Errorf("enumerate cgroups: %w", err)
	}

	top, err := cgroup.TopN(usages, m.cgroupEnum.PerfEventRoot(), cfg.MaxDockerContainers)
	if err != nil {
		return nil, fmt.Errorf("select cgroups: %w", err)
	}

	names := make([]string, 0, len(top))
	for _, u := range top {
		names = append(names, u.Name)
	}
	return names, nil
}

// Stop signals the running cycle (if any) to end, waits up to StopGrace for
// it to do so, and unconditionally reaps the process registry on the way
// out — this bounds resource usage even when the cycle did not exit
// cleanly. Reap errors are logged, never returned.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	running := m.running
	stopCh := m.stopCh
	done := m.done
	m.mu.Unlock()

	if running {
		close(stopCh)
		select {
		case <-done:
		case <-time.After(StopGrace):
			m.logger.Warn().Msg("profiling cycle did not exit within grace period")
		case <-ctx.Done():
		}
	}

	stats := m.reg.ReapExited()
	m.logger.Debug().
		Int("scanned", stats.Scanned).
		Int("cleaned", stats.Cleaned).
		Int("still_running", stats.StillRunning).
		Msg("reap pass after stop")

	m.mu.Lock()
	m.running = false
	m.stopCh = nil
	m.done = nil
	m.mu.Unlock()

	return nil
}

func containsHost(hosts []string, hostname string) bool {
	for _, h := range hosts {
		if h == hostname {
			return true
		}
	}
	return false
}

func fmtOutputPath(tempRoot string) string {
	return filepath.Join(tempRoot, constants.PerfOutputBaseName)
}
