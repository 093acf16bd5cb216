// ABOUTME: Integration tests for the client facade over a scripted fake transport.
// ABOUTME: Covers run streaming, event demux, reconciliation, errors, and usage journaling.

package client

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-client/internal/config"
	"github.com/2389/fold-client/internal/conn"
	"github.com/2389/fold-client/internal/reconcile"
	"github.com/2389/fold-client/internal/run"
	"github.com/2389/fold-client/internal/session"
	"github.com/2389/fold-client/internal/usagelog"
	"github.com/2389/fold-client/internal/wire"
)

// gwTransport is a scriptable in-memory gateway link. writeHook runs on
// every frame the client sends, typically to push scripted replies.
type gwTransport struct {
	mu        sync.Mutex
	writeHook func(data []byte)

	inbound   chan []byte
	readErr   error
	closed    chan struct{}
	closeOnce sync.Once
}

func newGwTransport() *gwTransport {
	return &gwTransport{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (t *gwTransport) Read() ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.readErr != nil {
			return nil, t.readErr
		}
		return nil, io.EOF
	}
}

func (t *gwTransport) Write(data []byte) error {
	t.mu.Lock()
	hook := t.writeHook
	t.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (t *gwTransport) SetReadDeadline(time.Time) error { return nil }

func (t *gwTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *gwTransport) push(frame any) {
	data, err := wire.Encode(frame)
	if err != nil {
		panic(err)
	}
	t.inbound <- data
}

func (t *gwTransport) setWriteHook(hook func(data []byte)) {
	t.mu.Lock()
	t.writeHook = hook
	t.mu.Unlock()
}

type gwDialer struct {
	transport conn.Transport
}

func (d *gwDialer) Dial(context.Context, string) (conn.Transport, error) {
	return d.transport, nil
}

type testTokens struct{}

func (testTokens) Token() (string, error) { return "test-token", nil }

// scriptGateway preloads the handshake challenge and auto-answers the
// connect request, then hands other requests to onRequest.
func scriptGateway(t *gwTransport, onRequest func(req *wire.Request)) {
	t.push(&wire.Event{
		Event:   wire.EventChallenge,
		Payload: json.RawMessage(`{"nonce":"n","ts":1}`),
	})
	t.setWriteHook(func(data []byte) {
		frame, err := wire.Decode(data)
		if err != nil {
			return
		}
		req, ok := frame.(*wire.Request)
		if !ok {
			return
		}
		if req.Method == wire.MethodConnect {
			t.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"ok","protocol":1}`)})
			return
		}
		if onRequest != nil {
			onRequest(req)
		}
	})
}

// startClient builds a client over a scripted transport, starts its
// connection supervisor, and blocks until connected.
func startClient(t *testing.T, transport *gwTransport, journal *usagelog.Journal, policy reconcile.Policy) *Client {
	t.Helper()

	manager := conn.NewManager(conn.Config{
		URL:            "ws://gateway.test/connect",
		MinProtocol:    1,
		MaxProtocol:    1,
		Client:         wire.ClientInfo{ID: "test", Version: "0.0.1", Platform: "test", Mode: "cli"},
		Tokens:         testTokens{},
		RequestTimeout: time.Second,
		RunTimeout:     2 * time.Second,
		BackoffMin:     5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		Dialer:         &gwDialer{transport: transport},
	})

	agents := map[string]config.AgentConfig{
		"support": {
			Model:      "fold-base",
			Attributes: map[string]string{"tone": "formal", "lang": "en"},
		},
	}
	c := newClient(manager, agents, journal, policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { _ = c.Close() })

	states, _ := c.SubscribeState(ctx)
	go func() { _ = c.Connect(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-states:
			if state == conn.StateConnected {
				return c
			}
		case <-deadline:
			t.Fatal("client never connected")
		}
	}
}

// scopedPayload builds a run event payload carrying the correlation
// envelope plus extra fields.
func scopedPayload(key, runID string, extra map[string]any) json.RawMessage {
	body := map[string]any{"key": key, "runId": runID}
	for k, v := range extra {
		body[k] = v
	}
	data, _ := json.Marshal(body)
	return data
}

func decodeRunParams(t *testing.T, req *wire.Request) wire.AgentRunParams {
	t.Helper()
	var params wire.AgentRunParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	return params
}

func collectEvents(t *testing.T, stream *run.Stream) []run.Event {
	t.Helper()
	var events []run.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("stream never terminated")
		}
	}
}

func TestRunStreamsScopedEvents(t *testing.T) {
	transport := newGwTransport()
	scriptGateway(transport, func(req *wire.Request) {
		params := decodeRunParams(t, req)
		assert.Equal(t, "agent:support:t1:c1", params.Key)
		assert.Equal(t, "fold-base", params.Model)
		assert.NotEmpty(t, params.RunID)
		assert.NotEmpty(t, params.IdempotencyKey)
		assert.Equal(t, "formal", params.Attributes["tone"])

		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"accepted"}`)})
		transport.push(&wire.Event{Event: run.EventDelta, Payload: scopedPayload(params.Key, params.RunID, map[string]any{"text": "Hello"})})
		transport.push(&wire.Event{Event: run.EventDelta, Payload: scopedPayload(params.Key, params.RunID, map[string]any{"text": ", world"})})
		transport.push(&wire.Event{Event: run.EventFinal, Payload: scopedPayload(params.Key, params.RunID, map[string]any{"content": "Hello, world"})})
		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"ok","result":{"content":"Hello, world"}}`)})
	})
	c := startClient(t, transport, nil, reconcile.PolicyReplace)

	stream, err := c.Run(context.Background(), RunRequest{
		AgentID:        "support",
		TenantID:       "t1",
		ConversationID: "c1",
		Prompt:         "say hello",
	})
	require.NoError(t, err)

	events := collectEvents(t, stream)
	require.Len(t, events, 5)
	assert.Equal(t, run.KindAccepted, events[0].Kind)
	assert.Equal(t, "Hello", events[1].Text)
	assert.Equal(t, ", world", events[2].Text)
	assert.Equal(t, run.KindAssistantFinal, events[3].Kind)
	assert.Equal(t, "Hello, world", events[3].Content)
	assert.Equal(t, run.KindDone, events[4].Kind)
}

func TestRunSynthesizesFinalFromTerminalPayload(t *testing.T) {
	// Some call shapes never push a discrete final event; the terminal
	// response payload is then the only carrier of the full content.
	transport := newGwTransport()
	scriptGateway(transport, func(req *wire.Request) {
		params := decodeRunParams(t, req)
		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"accepted"}`)})
		transport.push(&wire.Event{Event: run.EventDelta, Payload: scopedPayload(params.Key, params.RunID, map[string]any{"text": "part"})})
		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"ok","result":{"content":"partial answer"}}`)})
	})
	c := startClient(t, transport, nil, reconcile.PolicyReplace)

	stream, err := c.Run(context.Background(), RunRequest{
		AgentID: "support", TenantID: "t1", ConversationID: "c1", Prompt: "p",
	})
	require.NoError(t, err)

	events := collectEvents(t, stream)
	var final *run.Event
	for i := range events {
		if events[i].Kind == run.KindAssistantFinal {
			final = &events[i]
		}
	}
	require.NotNil(t, final)
	assert.Equal(t, "partial answer", final.Content)
}

func TestRunRemoteErrorTerminatesStream(t *testing.T) {
	transport := newGwTransport()
	scriptGateway(transport, func(req *wire.Request) {
		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"accepted"}`)})
		transport.push(&wire.Response{ID: req.ID, OK: false, Error: &wire.Error{Code: 1102, Message: "agent crashed"}})
	})
	c := startClient(t, transport, nil, reconcile.PolicyReplace)

	stream, err := c.Run(context.Background(), RunRequest{
		AgentID: "support", TenantID: "t1", ConversationID: "c1", Prompt: "p",
	})
	require.NoError(t, err)

	events := collectEvents(t, stream)
	last := events[len(events)-1]
	require.Equal(t, run.KindError, last.Kind)
	assert.Equal(t, 1102, last.Err.Code)
	assert.Equal(t, "agent crashed", last.Err.Message)
}

func TestRunValidatesIdentifiers(t *testing.T) {
	transport := newGwTransport()
	scriptGateway(transport, nil)
	c := startClient(t, transport, nil, reconcile.PolicyReplace)

	_, err := c.Run(context.Background(), RunRequest{AgentID: "support", ConversationID: "c1", Prompt: "p"})
	assert.Error(t, err)

	_, err = c.Run(context.Background(), RunRequest{
		AgentID: "support", TenantID: "t1", ConversationID: "c1",
		Overrides: map[string]string{"bad": "ctrl\x01char"},
	})
	assert.Error(t, err)
}

// memorySink collects reconciled output in memory. Flush marks the
// delivery barrier so ordering can be asserted.
type memorySink struct {
	deltas   []string
	replaced []string
	flushed  bool
}

func (s *memorySink) WriteDelta(_ context.Context, text string) error {
	s.deltas = append(s.deltas, text)
	return nil
}

func (s *memorySink) Replace(_ context.Context, text string) error {
	s.replaced = append(s.replaced, text)
	return nil
}

func (s *memorySink) Flush(context.Context) error {
	s.flushed = true
	return nil
}

func TestRunReconciledForwardsLostSuffix(t *testing.T) {
	// The gateway drops the trailing delta; the final content recovers it.
	transport := newGwTransport()
	scriptGateway(transport, func(req *wire.Request) {
		params := decodeRunParams(t, req)
		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"accepted"}`)})
		transport.push(&wire.Event{Event: run.EventDelta, Payload: scopedPayload(params.Key, params.RunID, map[string]any{"text": "The answer "})})
		transport.push(&wire.Event{Event: run.EventFinal, Payload: scopedPayload(params.Key, params.RunID, map[string]any{"content": "The answer is 42."})})
		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"ok","result":{"content":"The answer is 42."}}`)})
	})
	c := startClient(t, transport, nil, reconcile.PolicyReplace)

	sink := &memorySink{}
	result, err := c.RunReconciled(context.Background(), RunRequest{
		AgentID: "support", TenantID: "t1", ConversationID: "c1", Prompt: "p",
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, "The answer is 42.", result.Text)
	assert.False(t, result.Diverged)
	assert.Equal(t, []string{"The answer ", "is 42."}, sink.deltas)
	assert.Empty(t, sink.replaced)
	assert.True(t, sink.flushed)
}

func TestRunReconciledReplacesOnDivergence(t *testing.T) {
	transport := newGwTransport()
	scriptGateway(transport, func(req *wire.Request) {
		params := decodeRunParams(t, req)
		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"accepted"}`)})
		transport.push(&wire.Event{Event: run.EventDelta, Payload: scopedPayload(params.Key, params.RunID, map[string]any{"text": "draft text"})})
		transport.push(&wire.Event{Event: run.EventFinal, Payload: scopedPayload(params.Key, params.RunID, map[string]any{"content": "rewritten text"})})
		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"ok","result":{"content":"rewritten text"}}`)})
	})
	c := startClient(t, transport, nil, reconcile.PolicyReplace)

	sink := &memorySink{}
	result, err := c.RunReconciled(context.Background(), RunRequest{
		AgentID: "support", TenantID: "t1", ConversationID: "c1", Prompt: "p",
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, "rewritten text", result.Text)
	assert.True(t, result.Diverged)
	assert.Equal(t, []string{"rewritten text"}, sink.replaced)
}

func TestRunReconciledSurfacesRemoteError(t *testing.T) {
	transport := newGwTransport()
	scriptGateway(transport, func(req *wire.Request) {
		transport.push(&wire.Response{ID: req.ID, OK: false, Error: &wire.Error{Code: 1101, Message: "agent unavailable"}})
	})
	c := startClient(t, transport, nil, reconcile.PolicyReplace)

	_, err := c.RunReconciled(context.Background(), RunRequest{
		AgentID: "support", TenantID: "t1", ConversationID: "c1", Prompt: "p",
	}, &memorySink{})
	require.Error(t, err)

	var werr *wire.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 1101, werr.Code)
}

func TestUsageReportsAreJournaled(t *testing.T) {
	journal, err := usagelog.Open(filepath.Join(t.TempDir(), "usage.db"), nil)
	require.NoError(t, err)

	transport := newGwTransport()
	scriptGateway(transport, func(req *wire.Request) {
		params := decodeRunParams(t, req)
		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"accepted"}`)})
		transport.push(&wire.Event{Event: run.EventUsage, Payload: scopedPayload(params.Key, params.RunID, map[string]any{
			"inputTokens": 100, "outputTokens": 250,
		})})
		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"ok","result":{"content":"done"}}`)})
	})
	c := startClient(t, transport, journal, reconcile.PolicyReplace)

	stream, err := c.Run(context.Background(), RunRequest{
		AgentID: "support", TenantID: "t1", ConversationID: "c1", Prompt: "p",
	})
	require.NoError(t, err)
	collectEvents(t, stream)

	// Journaling is handed off the read loop to a worker; the run
	// completes without waiting for the write to land.
	key := session.Key("support", "t1", "c1")
	require.Eventually(t, func() bool {
		records, err := journal.SessionUsage(context.Background(), key)
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	records, err := journal.SessionUsage(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(100), records[0].Usage.InputTokens)
	assert.Equal(t, int64(250), records[0].Usage.OutputTokens)
}

func TestConcurrentRunsDemuxIndependently(t *testing.T) {
	transport := newGwTransport()
	scriptGateway(transport, func(req *wire.Request) {
		params := decodeRunParams(t, req)
		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"accepted"}`)})
		// Echo the conversation segment back so each stream's content is
		// distinguishable.
		transport.push(&wire.Event{Event: run.EventFinal, Payload: scopedPayload(params.Key, params.RunID, map[string]any{"content": params.Key})})
		transport.push(&wire.Response{ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"ok","result":{"content":"x"}}`)})
	})
	c := startClient(t, transport, nil, reconcile.PolicyReplace)

	var wg sync.WaitGroup
	results := make([]string, 3)
	for i, conv := range []string{"c1", "c2", "c3"} {
		wg.Add(1)
		go func(i int, conv string) {
			defer wg.Done()
			stream, err := c.Run(context.Background(), RunRequest{
				AgentID: "support", TenantID: "t1", ConversationID: conv, Prompt: "p",
			})
			if err != nil {
				return
			}
			for ev := range stream.Events() {
				if ev.Kind == run.KindAssistantFinal {
					results[i] = ev.Content
				}
			}
		}(i, conv)
	}
	wg.Wait()

	assert.Equal(t, session.Key("support", "t1", "c1"), results[0])
	assert.Equal(t, session.Key("support", "t1", "c2"), results[1])
	assert.Equal(t, session.Key("support", "t1", "c3"), results[2])
}
