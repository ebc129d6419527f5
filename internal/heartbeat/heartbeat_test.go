package heartbeat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contprof/agent/internal/command"
	"github.com/contprof/agent/internal/heartbeat"
	"github.com/contprof/agent/internal/logging"
)

type fakeLifecycle struct {
	mu       sync.Mutex
	started  []command.Profiling
	stopped  int
	startErr error

	// onDoneDelay, when set, defers invoking onDone to simulate a cycle that
	// takes real time to finish, so tests can assert completion is reported
	// only once the cycle actually ends rather than immediately on Start.
	onDoneDelay time.Duration
}

func (f *fakeLifecycle) Start(_ context.Context, cfg command.Profiling, onDone func(string, error)) (bool, error) {
	f.mu.Lock()
	if f.startErr != nil {
		err := f.startErr
		f.mu.Unlock()
		return false, err
	}
	f.started = append(f.started, cfg)
	delay := f.onDoneDelay
	f.mu.Unlock()

	if onDone != nil {
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			onDone("", nil)
		}()
	}
	return true, nil
}

func (f *fakeLifecycle) Stop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeLifecycle) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *heartbeat.Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv, heartbeat.NewClient(srv.URL, "test-token", time.Second, logging.New(logging.Config{Level: "error"}))
}

func TestTickEnqueuesStartAndExecutesOnDrain(t *testing.T) {
	var completions []heartbeat.CompletionRequest
	var mu sync.Mutex

	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/metrics/heartbeat":
			_ = json.NewEncoder(w).Encode(heartbeat.Response{
				Success:   true,
				CommandID: "cmd-1",
				ProfilingCommand: &heartbeat.ProfilingCommandPayload{
					CommandType: "start",
					CombinedConfig: map[string]any{
						"duration":  float64(30),
						"frequency": float64(50),
					},
				},
			})
		case "/api/metrics/command_completion":
			var req heartbeat.CompletionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			mu.Lock()
			completions = append(completions, req)
			mu.Unlock()
		}
	})

	scheduler := command.NewScheduler()
	idemp := command.NewIdempotencySet()
	lc := &fakeLifecycle{}
	logger := logging.New(logging.Config{Level: "error"})

	agent := heartbeat.NewAgent(client, scheduler, idemp, lc, "host-1", "10.0.0.1", "svc", logger)

	runCtx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	agent.Run(runCtx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return lc.startCount() > 0
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completions) > 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "completed", completions[0].Status)
}

func TestExecuteReportsCompletionOnlyWhenCycleActuallyFinishes(t *testing.T) {
	var completions []heartbeat.CompletionRequest
	var mu sync.Mutex

	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/metrics/heartbeat":
			_ = json.NewEncoder(w).Encode(heartbeat.Response{
				Success:   true,
				CommandID: "cmd-slow",
				ProfilingCommand: &heartbeat.ProfilingCommandPayload{
					CommandType:    "start",
					CombinedConfig: map[string]any{"duration": float64(1)},
				},
			})
		case "/api/metrics/command_completion":
			var req heartbeat.CompletionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			mu.Lock()
			completions = append(completions, req)
			mu.Unlock()
		}
	})

	scheduler := command.NewScheduler()
	idemp := command.NewIdempotencySet()
	lc := &fakeLifecycle{onDoneDelay: 60 * time.Millisecond}
	logger := logging.New(logging.Config{Level: "error"})

	agent := heartbeat.NewAgent(client, scheduler, idemp, lc, "host-1", "10.0.0.1", "svc", logger)

	runCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	agent.Run(runCtx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return lc.startCount() > 0
	}, time.Second, 5*time.Millisecond)

	// The cycle hasn't finished yet (onDoneDelay hasn't elapsed): no
	// completion should have been reported merely because Start was called.
	mu.Lock()
	noneYet := len(completions) == 0
	mu.Unlock()
	assert.True(t, noneYet, "completion reported before the cycle actually finished")

	// Once the simulated cycle finishes, exactly one completion should follow.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completions) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTickSkipsDuplicateCommandIDs(t *testing.T) {
	calls := 0
	var mu sync.Mutex

	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/metrics/heartbeat" {
			mu.Lock()
			calls++
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(heartbeat.Response{
				Success:   true,
				CommandID: "dup-1",
				ProfilingCommand: &heartbeat.ProfilingCommandPayload{
					CommandType: "stop",
				},
			})
		} else {
			_ = json.NewEncoder(w).Encode(map[string]any{})
		}
	})

	scheduler := command.NewScheduler()
	idemp := command.NewIdempotencySet()
	idemp.MarkExecuted("dup-1")
	lc := &fakeLifecycle{}
	logger := logging.New(logging.Config{Level: "error"})

	agent := heartbeat.NewAgent(client, scheduler, idemp, lc, "host-1", "10.0.0.1", "svc", logger)

	runCtx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	agent.Run(runCtx, 5*time.Millisecond)

	assert.Equal(t, 0, scheduler.AdhocLen()+scheduler.ContinuousLen())
	assert.Equal(t, 0, lc.stopped)
}
