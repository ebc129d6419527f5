// Package procreg is the centralized registry of helper processes the agent
// spawns. It exists because managed-language runtimes do not close OS pipes
// or reap child exit status when the wrapping object becomes unreachable —
// left alone, the process's file descriptor table and kernel process table
// grow without bound. Every helper the agent starts must be registered here
// before anything else touches its pipes.
package procreg

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// State is the lifecycle state of a registered handle.
type State int

const (
	// StateRunning means the OS process has not yet reported an exit status.
	StateRunning State = iota
	// StateExited means Wait() (or a poll of it) has observed an exit status.
	StateExited
)

// Handle is one registry entry: the spawned command plus its three standard
// pipes and bookkeeping for a single, idempotent reap.
type Handle struct {
	ID string

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	createdAt time.Time

	mu       sync.Mutex
	state    State
	waitErr  error
	waitDone chan struct{}
}

// Cmd returns the underlying *exec.Cmd, for callers that need to send it a
// rotation signal or inspect its Process directly.
func (h *Handle) Cmd() *exec.Cmd { return h.cmd }

// Stdout returns the process's stdout pipe.
func (h *Handle) Stdout() io.ReadCloser { return h.stdout }

// Stderr returns the process's stderr pipe.
func (h *Handle) Stderr() io.ReadCloser { return h.stderr }

// CreatedAt returns the spawn timestamp.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// IsRunning reports whether the OS process has not yet exited, without
// blocking.
func (h *Handle) IsRunning() bool {
	select {
	case <-h.waitDone:
		return false
	default:
		return true
	}
}

// Pid returns the OS process id, or -1 if the handle is not associated with
// a live process object.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// Done returns a channel closed once the process has exited, for callers
// that need to wait without calling cmd.Wait() themselves (exec.Cmd allows
// only one Wait per process; the registry's own reaper goroutine already
// owns it).
func (h *Handle) Done() <-chan struct{} { return h.waitDone }

// WaitErr returns the error cmd.Wait() produced, or nil if the process is
// still running or exited cleanly. Only meaningful after Done() is closed.
func (h *Handle) WaitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Stats summarizes the outcome of a single ReapExited pass.
type Stats struct {
	Scanned     int
	Cleaned     int
	StillRunning int
	PipesClosed int
}

// Registry tracks every helper process spawned by the agent.
type Registry struct {
	logger zerolog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	seq     uint64
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:  logger.With().Str("component", "procreg").Logger(),
		handles: make(map[string]*Handle),
	}
}

// Spawn starts argv[0] with the given arguments, wiring up the three
// standard pipes, and records the resulting handle before returning it. No
// caller should read/write the handle's pipes until Spawn has returned
// successfully; this ordering is the registry's core invariant.
func (r *Registry) Spawn(argv []string, configure func(*exec.Cmd)) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("procreg: empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if configure != nil {
		configure(cmd)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("procreg: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("procreg: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("procreg: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procreg: start %s: %w", argv[0], err)
	}

	r.mu.Lock()
	r.seq++
	id := fmt.Sprintf("h%d-%d", r.seq, cmd.Process.Pid)
	h := &Handle{
		ID:        id,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		createdAt: time.Now(),
		waitDone:  make(chan struct{}),
	}
	r.handles[id] = h
	r.mu.Unlock()

	go func() {
		err := h.cmd.Wait()
		h.mu.Lock()
		h.state = StateExited
		h.waitErr = err
		h.mu.Unlock()
		close(h.waitDone)
	}()

	r.logger.Debug().Str("handle", id).Int("pid", h.Pid()).Strs("argv", argv).Msg("spawned helper process")
	return h, nil
}

// ReapExited walks the registry once. For every handle whose OS exit status
// is available it closes any still-open pipes and drops the entry. It never
// blocks on a still-running handle.
func (r *Registry) ReapExited() Stats {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var stats Stats
	stats.Scanned = len(handles)

	for _, h := range handles {
		if h.IsRunning() {
			stats.StillRunning++
			continue
		}

		closed := closeQuietly(r.logger, h)
		stats.PipesClosed += closed
		stats.Cleaned++

		r.mu.Lock()
		delete(r.handles, h.ID)
		r.mu.Unlock()
	}

	if stats.Cleaned > 0 || stats.StillRunning > 0 {
		r.logger.Debug().
			Int("scanned", stats.Scanned).
			Int("cleaned", stats.Cleaned).
			Int("still_running", stats.StillRunning).
			Int("pipes_closed", stats.PipesClosed).
			Msg("reap pass complete")
	}
	return stats
}

func closeQuietly(logger zerolog.Logger, h *Handle) int {
	closed := 0
	for _, c := range []io.Closer{h.stdin, h.stdout, h.stderr} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Debug().Str("handle", h.ID).Err(err).Msg("pipe already closed")
			continue
		}
		closed++
	}
	return closed
}

// TerminateAll signals every registered handle's process group to
// terminate, waits up to grace, then force-kills any stragglers. It always
// invokes ReapExited on the way out, even if signalling failed.
func (r *Registry) TerminateAll(grace time.Duration) Stats {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		if !h.IsRunning() {
			continue
		}
		r.signalGroup(h, unix.SIGTERM)
	}

	deadline := time.After(grace)
wait:
	for _, h := range handles {
		select {
		case <-h.waitDone:
			continue
		case <-deadline:
			break wait
		}
	}

	for _, h := range handles {
		if h.IsRunning() {
			r.signalGroup(h, unix.SIGKILL)
		}
	}

	return r.ReapExited()
}

func (r *Registry) signalGroup(h *Handle, sig syscall.Signal) {
	pid := h.Pid()
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, sig); err != nil {
		r.logger.Debug().Str("handle", h.ID).Int("pid", pid).Err(err).Msg("signal delivery failed")
	}
}
