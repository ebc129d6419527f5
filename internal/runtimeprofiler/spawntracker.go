package runtimeprofiler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/contprof/agent/internal/constants"
	"github.com/contprof/agent/internal/profile"
)

// ShouldProfileFunc decides, given a newly-spawned candidate, whether it is
// ready to be profiled yet (e.g. it has execed into the target runtime).
type ShouldProfileFunc func(p Process) bool

// SpawnTracker schedules a late-joining probe for newly spawned PIDs with
// exponential backoff (100ms -> 200ms -> 400ms -> 800ms), launching a late
// worker on the first probe where ShouldProfileFunc reports true. PIDs
// already present in the main pass's initial enumeration are rejected.
type SpawnTracker struct {
	sampler       Sampler
	shouldProfile ShouldProfileFunc
	logger        zerolog.Logger

	mu       sync.Mutex
	tracking map[int]bool
}

// NewSpawnTracker builds a tracker bound to sampler.
func NewSpawnTracker(sampler Sampler, shouldProfile ShouldProfileFunc, logger zerolog.Logger) *SpawnTracker {
	return &SpawnTracker{
		sampler:       sampler,
		shouldProfile: shouldProfile,
		logger:        logger.With().Str("component", "spawntracker").Logger(),
		tracking:      make(map[int]bool),
	}
}

// TrackExec registers pid as newly execed and, if it isn't already in
// preexisting (every PID the main pass enumerated at cycle start), schedules probes with
// exponential backoff until shouldProfile reports true or cycleEnd passes.
// On success it launches a late Profile call with duration = remaining
// cycle time and sends the result on results.
func (t *SpawnTracker) TrackExec(ctx context.Context, p Process, preexisting map[int]bool, cycleEnd time.Time, results chan<- profile.Data) {
	if preexisting[p.PID] {
		return
	}

	t.mu.Lock()
	if t.tracking[p.PID] {
		t.mu.Unlock()
		return
	}
	t.tracking[p.PID] = true
	t.mu.Unlock()

	go t.probeLoop(ctx, p, cycleEnd, results)
}

func (t *SpawnTracker) probeLoop(ctx context.Context, p Process, cycleEnd time.Time, results chan<- profile.Data) {
	backoff := constants.SpawnTrackingInitialBackoff
	for {
		if time.Now().After(cycleEnd) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if t.shouldProfile(p) {
			remaining := time.Until(cycleEnd)
			if remaining <= 0 {
				return
			}
			data, err := t.sampler.Profile(ctx, p, remaining)
			if err != nil {
				data = profile.NewErrorData(p.PID, "exception", err.Error(), p.Comm)
			}
			select {
			case results <- data:
			case <-ctx.Done():
			}
			return
		}

		backoff *= 2
		if backoff > constants.SpawnTrackingMaxBackoff {
			backoff = constants.SpawnTrackingMaxBackoff
		}
	}
}
