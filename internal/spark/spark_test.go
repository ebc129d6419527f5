package spark_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/contprof/agent/internal/logging"
	"github.com/contprof/agent/internal/spark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry() *spark.Registry {
	return spark.NewRegistry(300*time.Second, logging.New(logging.Config{Level: "error"}))
}

func TestHandleHeartbeatReturnsProfileDecision(t *testing.T) {
	r := newRegistry()
	r.SetAllowed(map[string]bool{"app-1": true})

	resp := r.HandleMessage(spark.Message{Type: spark.MessageHeartbeat, PID: 1, AppID: "app-1"})
	assert.Equal(t, true, resp["profile"])

	resp2 := r.HandleMessage(spark.Message{Type: spark.MessageHeartbeat, PID: 2, AppID: "app-2"})
	assert.Equal(t, false, resp2["profile"])
}

func TestFilterProcessesKeepsUnknownAndAllowed(t *testing.T) {
	r := newRegistry()
	r.SetAllowed(map[string]bool{"app-1": true})
	r.HandleMessage(spark.Message{Type: spark.MessageHeartbeat, PID: 1, AppID: "app-1"})
	r.HandleMessage(spark.Message{Type: spark.MessageHeartbeat, PID: 2, AppID: "app-2"})

	kept := r.FilterProcesses([]int{1, 2, 3})
	assert.ElementsMatch(t, []int{1, 3}, kept)
}

func TestPruneStale(t *testing.T) {
	r := newRegistry()
	r.HandleMessage(spark.Message{Type: spark.MessageHeartbeat, PID: 1, AppID: "app-1"})

	dropped := r.PruneStale(time.Now().Add(301 * time.Second))
	assert.Equal(t, 1, dropped)
}

func TestHandlerServesHTTP(t *testing.T) {
	r := newRegistry()
	r.SetAllowed(map[string]bool{"app-1": true})

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	body, err := json.Marshal(spark.Message{Type: spark.MessageHeartbeat, PID: 5, AppID: "app-1"})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, true, decoded["profile"])
}

func TestPollAllowedAppIDsAppliesResults(t *testing.T) {
	r := newRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	r.PollAllowedAppIDs(ctx, 20*time.Millisecond, func(ctx context.Context) (map[string]bool, error) {
		return map[string]bool{"app-x": true}, nil
	})

	kept := r.FilterProcesses([]int{1})
	resp := r.HandleMessage(spark.Message{Type: spark.MessageHeartbeat, PID: 1, AppID: "app-x"})
	assert.NotNil(t, kept)
	assert.Equal(t, true, resp["profile"])
}
