// Package command implements the two-queue, priority-dequeue command
// scheduler: a bounded ad-hoc queue that always pre-empts a bounded
// continuous queue, plus a bounded idempotency set so each command_id
// executes at most once in the agent's lifetime.
package command

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/contprof/agent/internal/constants"
)

// Type distinguishes a start from a stop command.
type Type string

const (
	TypeStart Type = "start"
	TypeStop  Type = "stop"
)

// ErrQueueFull is returned by Enqueue when the matching queue is already at
// capacity; the incoming command is dropped, not the oldest one.
var ErrQueueFull = errors.New("command: queue is full")

// Profiling is the server-side profiling configuration a start command
// carries, translated from the collector's combined_config (see the
// heartbeat protocol).
type Profiling struct {
	Duration              time.Duration
	FrequencyHz           int
	Mode                  string
	TargetHostnames       []string
	PIDs                  []int
	Continuous            bool
	EnableHardwareMetrics bool
	MaxProcesses          int
	ProfilerConfigs       map[string]string

	// CgroupScoped is true when the collector's combined_config carried a
	// max_docker_containers field, i.e. this command explicitly asked for
	// cgroup-scoped sampling rather than host-wide. A plain start command
	// that never mentions it must never trigger cgroup enumeration.
	CgroupScoped        bool
	MaxDockerContainers int
}

// Command is one unit of work dequeued and executed exactly once.
type Command struct {
	ID            string
	Type          Type
	Config        Profiling
	IsContinuous  bool
	Timestamp     time.Time
}

// Scheduler holds the two bounded deques and dispatches dequeue requests
// with ad-hoc priority over continuous, FIFO within each queue.
type Scheduler struct {
	mu         sync.Mutex
	adhoc      []Command
	continuous []Command
}

// NewScheduler builds an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Enqueue appends c to its matching queue (determined by c.IsContinuous),
// or returns ErrQueueFull without mutating the queue if it is already at
// capacity.
func (s *Scheduler) Enqueue(c Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.IsContinuous {
		if len(s.continuous) >= constants.ContinuousQueueMaxSize {
			return fmt.Errorf("%w: continuous queue at %d", ErrQueueFull, constants.ContinuousQueueMaxSize)
		}
		s.continuous = append(s.continuous, c)
		return nil
	}

	if len(s.adhoc) >= constants.AdhocQueueMaxSize {
		return fmt.Errorf("%w: adhoc queue at %d", ErrQueueFull, constants.AdhocQueueMaxSize)
	}
	s.adhoc = append(s.adhoc, c)
	return nil
}

// Dequeue atomically returns the oldest ad-hoc command if any, else the
// oldest continuous command, else (Command{}, false).
func (s *Scheduler) Dequeue() (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.adhoc) > 0 {
		c := s.adhoc[0]
		s.adhoc = s.adhoc[1:]
		return c, true
	}
	if len(s.continuous) > 0 {
		c := s.continuous[0]
		s.continuous = s.continuous[1:]
		return c, true
	}
	return Command{}, false
}

// HasQueuedCommands reports whether either queue is non-empty.
func (s *Scheduler) HasQueuedCommands() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.adhoc) > 0 || len(s.continuous) > 0
}

// ClearQueues empties both queues, e.g. on a hard shutdown.
func (s *Scheduler) ClearQueues() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adhoc = nil
	s.continuous = nil
}

// AdhocLen and ContinuousLen report current queue depths, for tests and
// diagnostics.
func (s *Scheduler) AdhocLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.adhoc)
}

func (s *Scheduler) ContinuousLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.continuous)
}
