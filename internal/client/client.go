// ABOUTME: Client facade multiplexing concurrent agent runs over the single gateway connection.
// ABOUTME: Owns stream demux by session key and run id, and wires sessions, usage, and reconciliation.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/fold-client/internal/auth"
	"github.com/2389/fold-client/internal/config"
	"github.com/2389/fold-client/internal/conn"
	"github.com/2389/fold-client/internal/pending"
	"github.com/2389/fold-client/internal/reconcile"
	"github.com/2389/fold-client/internal/run"
	"github.com/2389/fold-client/internal/session"
	"github.com/2389/fold-client/internal/usagelog"
	"github.com/2389/fold-client/internal/wire"
)

// Client-local error codes surfaced on streams for failures that never
// reached the remote side. Gateway error codes are positive and small;
// this range stays clear of them.
const (
	codeCancelled      = 4000
	codeTimeout        = 4001
	codeConnectionLost = 4002
)

// RunRequest describes one "run an agent" call.
type RunRequest struct {
	AgentID        string
	TenantID       string
	ConversationID string
	Prompt         string
	// Model overrides routing for this call only. Empty falls back to
	// the session override, then the static agent config.
	Model string
	// Overrides are per-call outbound attributes, highest precedence in
	// the merge order.
	Overrides map[string]string
	// IdempotencyKey prevents duplicate remote execution of a retried
	// call. Generated when empty; callers retrying a failed call must
	// reuse the key from the first attempt.
	IdempotencyKey string
}

// RunResult is the reconciled outcome of one run.
type RunResult struct {
	Text     string
	Diverged bool
	Usage    *run.Usage
}

// usageBufferSize is the channel buffer between the connection read
// loop and the usage journaling worker.
const usageBufferSize = 64

// usageEntry is one usage report queued for out-of-band journaling.
type usageEntry struct {
	key   string
	runID string
	usage run.Usage
}

// Client is the embedding application's handle on the gateway. One
// instance owns one connection manager; every concurrent logical call
// shares it. Construct once and inject, never ambient.
type Client struct {
	conn     *conn.Manager
	sessions *session.Registry
	usage    *usagelog.Journal // nil when journaling is disabled
	agents   map[string]config.AgentConfig
	policy   reconcile.Policy
	logger   *slog.Logger

	usageCh   chan usageEntry // nil when journaling is disabled
	usageDone chan struct{}

	mu      sync.Mutex
	streams map[string]*run.Stream // sessionKey + "\x00" + runID
}

// New builds a client from configuration: auth provider, connection
// manager, session registry, and (optionally) the usage journal.
func New(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var tokens conn.TokenSource
	if cfg.Auth.Secret != "" {
		tokens = auth.NewHSProvider([]byte(cfg.Auth.Secret), cfg.Auth.Subject, cfg.Auth.TokenTTL)
	} else {
		tokens = auth.NewStaticProvider(cfg.Auth.Token)
	}

	manager := conn.NewManager(conn.Config{
		URL:         cfg.Gateway.URL,
		MinProtocol: cfg.Gateway.MinProtocol,
		MaxProtocol: cfg.Gateway.MaxProtocol,
		Client: wire.ClientInfo{
			ID:       cfg.Client.ID,
			Version:  cfg.Client.Version,
			Platform: cfg.Client.Platform,
			Mode:     cfg.Client.Mode,
		},
		Tokens:         tokens,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		RunTimeout:     cfg.Gateway.RunTimeout,
		BackoffMin:     cfg.Gateway.BackoffMin,
		BackoffMax:     cfg.Gateway.BackoffMax,
		Logger:         logger,
	})

	var journal *usagelog.Journal
	if cfg.Usage.Enabled {
		var err error
		journal, err = usagelog.Open(cfg.Usage.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening usage journal: %w", err)
		}
	}

	c := newClient(manager, cfg.Agents, journal, reconcile.Policy(cfg.Reconcile.Policy), logger)
	return c, nil
}

// newClient wires a client around an existing connection manager. Tests
// use it directly with a fake transport behind the manager.
func newClient(manager *conn.Manager, agents map[string]config.AgentConfig, journal *usagelog.Journal, policy reconcile.Policy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := make(map[string]map[string]string, len(agents))
	for id, agent := range agents {
		defaults[id] = agent.Attributes
	}

	c := &Client{
		conn:     manager,
		sessions: session.NewRegistry(manager, defaults, logger),
		usage:    journal,
		agents:   agents,
		policy:   policy,
		logger:   logger.With("component", "client"),
		streams:  make(map[string]*run.Stream),
	}
	if journal != nil {
		c.usageCh = make(chan usageEntry, usageBufferSize)
		c.usageDone = make(chan struct{})
		go c.journalUsage()
	}
	manager.OnEvent(c.routeEvent)
	return c
}

// journalUsage drains queued usage reports into the journal. Runs in
// its own goroutine so a slow journal write never stalls the connection
// read loop.
func (c *Client) journalUsage() {
	defer close(c.usageDone)
	for entry := range c.usageCh {
		if err := c.usage.RecordUsage(context.Background(), entry.key, entry.runID, entry.usage); err != nil {
			c.logger.Warn("usage journaling failed", "run_id", entry.runID, "error", err)
		}
	}
}

// Connect supervises the gateway connection until ctx is cancelled.
// Run it in its own goroutine; calls made before the first successful
// handshake fail with a not-connected error.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Run(ctx)
}

// Sessions exposes the session registry for patch and fetch operations.
func (c *Client) Sessions() *session.Registry {
	return c.sessions
}

// ConnectionState returns the current connection state.
func (c *Client) ConnectionState() conn.State {
	return c.conn.State()
}

// SubscribeState registers an observer of connection-state transitions.
func (c *Client) SubscribeState(ctx context.Context) (<-chan conn.State, string) {
	return c.conn.Subscribe(ctx)
}

// Run starts one agent run and returns its event stream. The stream
// yields the provisional acceptance first (when the gateway sends one),
// then every server-pushed event scoped to this call, and terminates
// exactly once on done or error.
func (c *Client) Run(ctx context.Context, req RunRequest) (*run.Stream, error) {
	if req.AgentID == "" || req.TenantID == "" || req.ConversationID == "" {
		return nil, fmt.Errorf("agent, tenant, and conversation ids are required")
	}
	if req.Overrides != nil {
		if err := session.ValidateAttributes(req.Overrides); err != nil {
			return nil, err
		}
	}

	key := session.Key(req.AgentID, req.TenantID, req.ConversationID)
	c.sessions.Touch(key)

	runID := uuid.New().String()
	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}

	model := req.Model
	if model == "" {
		model = c.sessions.ModelOverride(key)
	}
	if model == "" {
		model = c.agents[req.AgentID].Model
	}

	params := wire.AgentRunParams{
		Key:            key,
		RunID:          runID,
		IdempotencyKey: idempotencyKey,
		Prompt:         req.Prompt,
		Model:          model,
		Attributes:     c.sessions.EffectiveAttributes(key, req.AgentID, req.Overrides),
	}

	stream := run.NewStream(c.logger)
	c.register(key, runID, stream)

	go c.drive(ctx, key, runID, params, stream)

	return stream, nil
}

// drive issues the run request and terminates the stream exactly once
// when its terminal response arrives or the call fails locally.
func (c *Client) drive(ctx context.Context, key, runID string, params wire.AgentRunParams, stream *run.Stream) {
	defer c.unregister(key, runID)

	resp, err := c.conn.CallExpectFinal(ctx, wire.MethodAgentRun, params, func(*wire.Response) {
		stream.Accepted()
	})
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			stream.Fail(codeCancelled, "cancelled")
		case errors.Is(err, pending.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			stream.Fail(codeTimeout, "run timed out")
		case errors.Is(err, pending.ErrConnectionLost):
			stream.Fail(codeConnectionLost, "connection lost")
		default:
			stream.Fail(codeConnectionLost, err.Error())
		}
		return
	}

	if !resp.OK {
		stream.FailWith(resp.Error)
		return
	}

	// The terminal payload carries the authoritative content. When the
	// gateway did not push assistant_final as a discrete event,
	// synthesize it here so downstream reconciliation always sees the
	// authoritative text.
	var payload struct {
		Status string `json:"status"`
		Result struct {
			Content string `json:"content"`
		} `json:"result"`
	}
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &payload); err != nil {
			c.logger.Warn("malformed terminal run payload", "run_id", runID, "error", err)
		}
	}
	if !stream.SawFinal() && payload.Result.Content != "" {
		stream.Push(run.Event{Kind: run.KindAssistantFinal, Content: payload.Result.Content})
	}
	stream.Done()
}

// routeEvent demultiplexes one server-pushed event to the stream it
// belongs to. Usage reports are journaled whether or not the stream is
// still registered; malformed or unscoped events are dropped — lost
// telemetry never fails a user-visible call.
func (c *Client) routeEvent(ev *wire.Event) {
	key, runID, event, ok := run.FromWireEvent(ev)
	if !ok {
		c.logger.Debug("unhandled event dropped", "event", ev.Event)
		return
	}

	if event.Kind == run.KindUsageReport && c.usageCh != nil {
		// Non-blocking hand-off to the journaling worker: this runs on
		// the connection read loop, which must never wait on disk.
		select {
		case c.usageCh <- usageEntry{key: key, runID: runID, usage: *event.Usage}:
		default:
			c.logger.Warn("usage journal queue full, report dropped", "run_id", runID)
		}
	}

	c.mu.Lock()
	stream, found := c.streams[streamKey(key, runID)]
	c.mu.Unlock()
	if !found {
		c.logger.Debug("event for unknown run dropped", "event", ev.Event, "run_id", runID)
		return
	}

	stream.Push(event)
}

// RunReconciled runs an agent call and pipes its text through a
// reconciler into sink, returning the complete reconciled output. This
// is the call shape route handlers use: sink is their response stream.
func (c *Client) RunReconciled(ctx context.Context, req RunRequest, sink reconcile.Sink) (*RunResult, error) {
	stream, err := c.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	rec := reconcile.New(sink, c.policy, c.logger)
	var usage *run.Usage
	var runErr *wire.Error

	for ev := range stream.Events() {
		switch ev.Kind {
		case run.KindTextDelta:
			if err := rec.OnDelta(ctx, ev.Text); err != nil {
				return nil, err
			}
		case run.KindAssistantFinal:
			if err := rec.OnFinal(ctx, ev.Content); err != nil {
				return nil, err
			}
		case run.KindUsageReport:
			usage = ev.Usage
		case run.KindError:
			runErr = ev.Err
		}
	}

	if runErr != nil {
		// Remote execution errors surface verbatim as the call's result.
		return nil, runErr
	}
	if err := rec.Done(ctx); err != nil {
		return nil, err
	}

	return &RunResult{Text: rec.Text(), Diverged: rec.Diverged(), Usage: usage}, nil
}

// Close releases client resources. Call after Connect has returned;
// queued usage reports are drained before the journal closes.
func (c *Client) Close() error {
	c.conn.Close()
	if c.usage != nil {
		close(c.usageCh)
		<-c.usageDone
		return c.usage.Close()
	}
	return nil
}

func (c *Client) register(key, runID string, stream *run.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[streamKey(key, runID)] = stream
}

func (c *Client) unregister(key, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, streamKey(key, runID))
}

func streamKey(key, runID string) string {
	return key + "\x00" + runID
}
