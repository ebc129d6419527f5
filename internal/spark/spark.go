// Package spark implements the optional Spark-application registry: a
// localhost HTTP endpoint that instrumented applications heartbeat against,
// staleness tracking, and an allowed-app-id poller backed by the collector.
package spark

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/contprof/agent/internal/constants"
	"github.com/contprof/agent/internal/retry"
)

// MessageType distinguishes the two message kinds a local agent may post.
type MessageType string

const (
	MessageHeartbeat  MessageType = "heartbeat"
	MessageThreadInfo MessageType = "thread_info"
)

// Message is the JSON body posted to /spark.
type Message struct {
	Type      MessageType `json:"type"`
	PID       int         `json:"pid"`
	AppID     string      `json:"spark.app.id"`
	ThreadIDs []int       `json:"thread_ids,omitempty"`
}

// entry is the registry's per-PID bookkeeping.
type entry struct {
	appID         string
	lastHeartbeat time.Time
	threads       []int
}

// AllowedAppIDsFunc polls the collector for the current set of allowed app
// ids.
type AllowedAppIDsFunc func(ctx context.Context) (map[string]bool, error)

// Registry tracks known Spark application processes and filters profiling
// candidates down to those whose app id is currently allowed.
type Registry struct {
	logger           zerolog.Logger
	stalenessTimeout time.Duration

	mu      sync.Mutex
	entries map[int]*entry
	allowed map[string]bool
}

// NewRegistry builds an empty registry with the given staleness timeout
// (use constants.DefaultSparkStalenessTimeout for the documented default).
func NewRegistry(stalenessTimeout time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		logger:           logger.With().Str("component", "spark").Logger(),
		stalenessTimeout: stalenessTimeout,
		entries:          make(map[int]*entry),
		allowed:          make(map[string]bool),
	}
}

// HandleMessage processes one posted Message and returns the response body:
// {"profile": bool} for a heartbeat, {} for thread_info.
func (r *Registry) HandleMessage(msg Message) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Type {
	case MessageHeartbeat:
		e, ok := r.entries[msg.PID]
		if !ok {
			e = &entry{}
			r.entries[msg.PID] = e
		}
		e.appID = msg.AppID
		e.lastHeartbeat = time.Now()
		return map[string]any{"profile": r.allowed[msg.AppID]}
	case MessageThreadInfo:
		e, ok := r.entries[msg.PID]
		if ok {
			e.threads = msg.ThreadIDs
		}
		return map[string]any{}
	default:
		return map[string]any{}
	}
}

// SetAllowed replaces the set of currently allowed app ids.
func (r *Registry) SetAllowed(allowed map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowed = allowed
}

// PruneStale drops entries whose last heartbeat is older than the
// staleness timeout and returns how many were dropped.
func (r *Registry) PruneStale(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for pid, e := range r.entries {
		if now.Sub(e.lastHeartbeat) > r.stalenessTimeout {
			delete(r.entries, pid)
			dropped++
		}
	}
	return dropped
}

// FilterProcesses keeps any PID not known to the registry (not a Spark
// process at all), and among known PIDs keeps only those whose app id is
// currently allowed.
func (r *Registry) FilterProcesses(pids []int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]int, 0, len(pids))
	for _, pid := range pids {
		e, known := r.entries[pid]
		if !known {
			kept = append(kept, pid)
			continue
		}
		if r.allowed[e.appID] {
			kept = append(kept, pid)
		}
	}
	return kept
}

// pollRetryConfig bounds the in-tick retry attempts for one poll before
// falling back to the next tick, absorbing single dropped requests without
// leaving the allowed-app-id set stale for a full interval.
var pollRetryConfig = retry.Config{
	MaxRetries:     3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Jitter:         0.2,
}

// PollAllowedAppIDs runs fn on the given interval until ctx is canceled,
// applying successful results via SetAllowed. Each tick retries transient
// failures a few times with backoff before giving up and waiting for the
// next tick, rather than aborting the loop.
func (r *Registry) PollAllowedAppIDs(ctx context.Context, interval time.Duration, fn AllowedAppIDsFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var allowed map[string]bool
			err := retry.Do(ctx, pollRetryConfig, func() error {
				a, err := fn(ctx)
				if err != nil {
					return err
				}
				allowed = a
				return nil
			}, nil)
			if err != nil {
				r.logger.Warn().Err(err).Msg("failed to poll allowed spark app ids")
				continue
			}
			r.SetAllowed(allowed)
		}
	}
}

// Handler returns an http.Handler serving POST /spark on the given mux
// path conventions, suitable for mounting on a *http.ServeMux at "/spark".
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var msg Message
		if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		resp := r.HandleMessage(msg)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// DefaultListenAddr is the conventional localhost bind address.
const DefaultListenAddr = constants.DefaultSparkListenAddr
