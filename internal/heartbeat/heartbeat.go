// Package heartbeat drives the periodic agent-to-collector state exchange:
// it posts status, interprets the collector's next command, and dispatches
// it through the command scheduler's idempotency gate to the lifecycle
// manager.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/contprof/agent/internal/command"
	"github.com/contprof/agent/internal/constants"
	agenterrors "github.com/contprof/agent/internal/errors"
)

// Request is the JSON body posted to /api/metrics/heartbeat.
type Request struct {
	IPAddress     string `json:"ip_address"`
	Hostname      string `json:"hostname"`
	ServiceName   string `json:"service_name"`
	LastCommandID string `json:"last_command_id"`
	Status        string `json:"status"`
	Timestamp     int64  `json:"timestamp"`
}

// ProfilingCommandPayload is the collector's embedded command, if any.
type ProfilingCommandPayload struct {
	CommandType    string         `json:"command_type"`
	CombinedConfig map[string]any `json:"combined_config"`
}

// Response is the JSON body the collector returns from /api/metrics/heartbeat.
type Response struct {
	Success          bool                     `json:"success"`
	ProfilingCommand *ProfilingCommandPayload `json:"profiling_command,omitempty"`
	CommandID        string                   `json:"command_id,omitempty"`
}

// CompletionRequest is posted to /api/metrics/command_completion.
type CompletionRequest struct {
	CommandID     string  `json:"command_id"`
	Hostname      string  `json:"hostname"`
	Status        string  `json:"status"` // "completed" or "failed"
	ExecutionTime float64 `json:"execution_time"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	ResultsPath   string  `json:"results_path,omitempty"`
}

// Lifecycle is the subset of the profiling lifecycle manager the heartbeat
// loop drives; see package lifecycle for the implementation. Start reports
// started=false when the command was a no-op (e.g. this host wasn't
// targeted) rather than actually launching a cycle; when a cycle is
// launched, onDone is invoked exactly once — asynchronously, after Start
// has already returned — with the cycle's outcome, once it actually
// finishes (naturally or via Stop).
type Lifecycle interface {
	Start(ctx context.Context, cfg command.Profiling, onDone func(artifactPath string, err error)) (started bool, err error)
	Stop(ctx context.Context) error
}

// Client posts heartbeats and completions to the collector over HTTPS with
// bearer-token auth, using a plain net/http client — the collector here is
// a flat JSON API, not a generated RPC service.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	bearerToken string
	logger      zerolog.Logger
}

// NewClient builds a Client for baseURL (e.g. "https://collector:8443").
func NewClient(baseURL, bearerToken string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		bearerToken: bearerToken,
		logger:      logger.With().Str("component", "heartbeat-client").Logger(),
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("heartbeat: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("heartbeat: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat: post %s: %w", path, err)
	}
	defer agenterrors.DeferClose(c.logger, resp.Body, "close heartbeat response body")

	if resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat: post %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Heartbeat posts req to /api/metrics/heartbeat and returns the decoded response.
func (c *Client) Heartbeat(ctx context.Context, req Request) (Response, error) {
	var resp Response
	err := c.post(ctx, "/api/metrics/heartbeat", req, &resp)
	return resp, err
}

// ReportCompletion posts req to /api/metrics/command_completion. Transport
// errors here are logged by the caller and not retried, per the error
// handling policy for this endpoint.
func (c *Client) ReportCompletion(ctx context.Context, req CompletionRequest) error {
	return c.post(ctx, "/api/metrics/command_completion", req, nil)
}

// Agent runs the fixed-cadence heartbeat loop.
type Agent struct {
	client    *Client
	scheduler *command.Scheduler
	idemp     *command.IdempotencySet
	lifecycle Lifecycle
	logger    zerolog.Logger

	hostname    string
	ipAddress   string
	serviceName string

	lastCommandID string
}

// NewAgent builds an Agent.
func NewAgent(client *Client, scheduler *command.Scheduler, idemp *command.IdempotencySet, lc Lifecycle,
	hostname, ipAddress, serviceName string, logger zerolog.Logger) *Agent {
	return &Agent{
		client:      client,
		scheduler:   scheduler,
		idemp:       idemp,
		lifecycle:   lc,
		logger:      logger.With().Str("component", "heartbeat").Logger(),
		hostname:    hostname,
		ipAddress:   ipAddress,
		serviceName: serviceName,
	}
}

// Run ticks every interval until ctx is canceled, interruptible promptly on
// cancellation even mid-wait, and drains the command scheduler between
// ticks so an ad-hoc command enqueued by one heartbeat executes before the
// next heartbeat fires.
func (a *Agent) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = constants.DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
			a.drainQueue(ctx)
		}
	}
}

func (a *Agent) tick(ctx context.Context) {
	hbCtx, cancel := context.WithTimeout(ctx, constants.DefaultHeartbeatTimeout)
	defer cancel()

	resp, err := a.client.Heartbeat(hbCtx, Request{
		IPAddress:     a.ipAddress,
		Hostname:      a.hostname,
		ServiceName:   a.serviceName,
		LastCommandID: a.lastCommandID,
		Status:        "ok",
		Timestamp:     time.Now().Unix(),
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("heartbeat transport error, retrying next tick")
		return
	}
	if resp.ProfilingCommand == nil {
		return
	}

	commandID := resp.CommandID
	if a.idemp.Contains(commandID) {
		a.logger.Debug().Str("command_id", commandID).Msg("duplicate command, skipping")
		return
	}

	cfg := translateConfig(resp.ProfilingCommand.CombinedConfig)
	c := command.Command{
		ID:           commandID,
		Config:       cfg,
		IsContinuous: cfg.Continuous,
		Timestamp:    time.Now(),
	}
	switch resp.ProfilingCommand.CommandType {
	case string(command.TypeStop):
		c.Type = command.TypeStop
	case string(command.TypeStart):
		c.Type = command.TypeStart
	default:
		a.reportCompletion(ctx, commandID, time.Now(), fmt.Errorf("unknown command_type %q", resp.ProfilingCommand.CommandType), "")
		return
	}

	if err := a.scheduler.Enqueue(c); err != nil {
		a.logger.Warn().Err(err).Str("command_id", commandID).Msg("dropping command, queue full")
		a.reportCompletion(ctx, commandID, time.Now(), err, "")
		return
	}
	a.idemp.MarkExecuted(commandID)
	a.lastCommandID = commandID
}

// drainQueue executes every command currently queued, ad-hoc before
// continuous, stopping as soon as the scheduler reports both queues empty.
func (a *Agent) drainQueue(ctx context.Context) {
	for {
		c, ok := a.scheduler.Dequeue()
		if !ok {
			return
		}
		a.execute(ctx, c)
	}
}

func (a *Agent) execute(ctx context.Context, c command.Command) {
	start := time.Now()

	switch c.Type {
	case command.TypeStop:
		err := a.lifecycle.Stop(ctx)
		a.reportCompletion(ctx, c.ID, start, err, "")
	case command.TypeStart:
		// Always stop any prior cycle before starting a new one.
		_ = a.lifecycle.Stop(ctx)

		commandID := c.ID
		started, err := a.lifecycle.Start(ctx, c.Config, func(artifactPath string, runErr error) {
			// The cycle finishes well after this tick's context has been
			// canceled, so report completion on a fresh background context.
			a.reportCompletion(context.Background(), commandID, start, runErr, artifactPath)
		})
		if err != nil {
			a.reportCompletion(ctx, commandID, start, err, "")
			return
		}
		if !started {
			// No cycle ran (e.g. this host wasn't targeted); the command is
			// trivially complete, and no onDone callback will ever fire.
			a.reportCompletion(ctx, commandID, start, nil, "")
		}
		// Otherwise, completion is reported asynchronously by onDone once
		// the cycle actually finishes (spec §4.7).
	}
}

func (a *Agent) reportCompletion(ctx context.Context, commandID string, start time.Time, err error, resultsPath string) {
	req := CompletionRequest{
		CommandID:     commandID,
		Hostname:      a.hostname,
		Status:        "completed",
		ExecutionTime: time.Since(start).Seconds(),
		ResultsPath:   resultsPath,
	}
	if err != nil {
		req.Status = "failed"
		req.ErrorMessage = err.Error()
	}
	if postErr := a.client.ReportCompletion(ctx, req); postErr != nil {
		a.logger.Error().Err(postErr).Str("command_id", commandID).Msg("failed to report command completion")
	}
}
