// ABOUTME: Connection manager owning the single persistent gateway link.
// ABOUTME: Performs the challenge handshake, supervises reconnect with backoff, dispatches frames.

package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fold-client/internal/pending"
	"github.com/2389/fold-client/internal/wire"
)

// State is the connection lifecycle state surfaced to observers.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
)

// ErrProtocolMismatch indicates the negotiated protocol version fell
// outside the client's supported bounds.
var ErrProtocolMismatch = errors.New("negotiated protocol out of range")

// handshakeTimeout bounds the challenge/connect exchange on a fresh
// connection.
const handshakeTimeout = 10 * time.Second

// stateBufferSize is the channel buffer for each state subscriber.
const stateBufferSize = 16

// TokenSource supplies the bearer credential for the connect handshake.
// The credential/identity layer implements it; auth.Provider is the
// in-tree implementation.
type TokenSource interface {
	Token() (string, error)
}

// Config configures a Manager.
type Config struct {
	URL            string
	MinProtocol    int
	MaxProtocol    int
	Client         wire.ClientInfo
	Tokens         TokenSource
	RequestTimeout time.Duration // short control-plane calls
	RunTimeout     time.Duration // long-lived agent runs
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	Dialer         Dialer
	Logger         *slog.Logger
}

// Manager owns exactly one logical connection to the gateway. All
// concurrent calls share it: outbound requests go through the pending
// table, inbound responses are dispatched by id, and inbound events are
// handed to a single registered handler. The manager holds no domain
// knowledge of sessions or runs.
type Manager struct {
	cfg    Config
	table  *pending.Table
	logger *slog.Logger

	onEvent func(*wire.Event)

	mu        sync.Mutex
	transport Transport
	state     State
	protocol  int

	writeMu sync.Mutex

	subMu       sync.RWMutex
	subscribers map[string]chan State
}

// NewManager creates a manager. Run must be called to connect.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &WebsocketDialer{HandshakeTimeout: handshakeTimeout}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	logger := cfg.Logger.With("component", "conn")
	return &Manager{
		cfg:         cfg,
		table:       pending.NewTable(cfg.Logger),
		logger:      logger,
		state:       StateClosed,
		subscribers: make(map[string]chan State),
	}
}

// OnEvent registers the handler for unsolicited server events. Must be
// set before Run; the manager invokes it from the read loop.
func (m *Manager) OnEvent(handler func(*wire.Event)) {
	m.onEvent = handler
}

// Run connects and keeps the connection alive until ctx is cancelled.
// On unexpected close every pending request is rejected with a
// connection-lost error before a reconnect is attempted: remote request
// state does not survive a reconnect, so old-connection resolutions
// never interleave with new-connection traffic.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		m.setState(StateConnecting)

		transport, err := m.connect(ctx)
		if err != nil {
			m.setState(StateClosed)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := m.backoff(attempt)
			attempt++
			m.logger.Warn("connection attempt failed",
				"attempt", attempt,
				"retry_in", wait,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		attempt = 0
		m.setTransport(transport)
		m.setState(StateConnected)
		m.logger.Info("connected to gateway", "url", m.cfg.URL, "protocol", m.Protocol())

		readErr := m.readLoop(ctx, transport)

		m.setTransport(nil)
		_ = transport.Close()
		m.table.FailAll(pending.ErrConnectionLost)
		m.setState(StateClosed)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("connection lost", "error", readErr)
	}
}

// connect dials and performs the challenge/connect handshake. The
// remote pushes a challenge event immediately on open; the client must
// answer with a connect request before anything else, and any other
// first frame gets the connection closed with the invalid-frame code.
func (m *Manager) connect(ctx context.Context) (Transport, error) {
	transport, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		return nil, err
	}

	if err := m.handshake(transport); err != nil {
		_ = transport.Close()
		if errors.Is(err, ErrHandshakeRejected) {
			return nil, fmt.Errorf("handshake failed: %w", err)
		}
		return nil, err
	}
	return transport, nil
}

// handshake runs the challenge/connect exchange on a fresh transport.
func (m *Manager) handshake(transport Transport) error {
	deadline := time.Now().Add(handshakeTimeout)
	if err := transport.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("setting handshake deadline: %w", err)
	}
	defer func() { _ = transport.SetReadDeadline(time.Time{}) }()

	// First frame must be the challenge.
	raw, err := transport.Read()
	if err != nil {
		return fmt.Errorf("reading challenge: %w", err)
	}
	frame, err := wire.Decode(raw)
	if err != nil {
		return fmt.Errorf("decoding challenge: %w", err)
	}
	challenge, ok := frame.(*wire.Event)
	if !ok || challenge.Event != wire.EventChallenge {
		return fmt.Errorf("expected %s event, got %T", wire.EventChallenge, frame)
	}
	var body wire.ChallengePayload
	if err := json.Unmarshal(challenge.Payload, &body); err != nil {
		return fmt.Errorf("decoding challenge payload: %w", err)
	}

	token, err := m.cfg.Tokens.Token()
	if err != nil {
		return fmt.Errorf("obtaining auth token: %w", err)
	}

	connectID := uuid.New().String()
	params, err := json.Marshal(wire.ConnectParams{
		MinProtocol: m.cfg.MinProtocol,
		MaxProtocol: m.cfg.MaxProtocol,
		Client:      m.cfg.Client,
		Auth:        wire.AuthInfo{Token: token},
	})
	if err != nil {
		return fmt.Errorf("encoding connect params: %w", err)
	}
	data, err := wire.Encode(wire.NewRequest(connectID, wire.MethodConnect, params))
	if err != nil {
		return fmt.Errorf("encoding connect request: %w", err)
	}
	if err := transport.Write(data); err != nil {
		return fmt.Errorf("sending connect request: %w", err)
	}

	m.logger.Debug("connect request sent", "nonce", body.Nonce)

	// Read until the terminal connect response. The gateway sends
	// nothing else before the handshake completes; stray frames are
	// dropped with a warning.
	for {
		raw, err := transport.Read()
		if err != nil {
			return fmt.Errorf("reading connect response: %w", err)
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			m.logger.Warn("malformed frame during handshake dropped", "error", err)
			continue
		}
		resp, ok := frame.(*wire.Response)
		if !ok || resp.ID != connectID {
			m.logger.Warn("unexpected frame during handshake dropped")
			continue
		}
		if !resp.OK {
			return fmt.Errorf("connect rejected: %w", resp.Error)
		}

		var result wire.ConnectResult
		if err := json.Unmarshal(resp.Payload, &result); err != nil {
			return fmt.Errorf("decoding connect result: %w", err)
		}
		if result.Protocol < m.cfg.MinProtocol || result.Protocol > m.cfg.MaxProtocol {
			return fmt.Errorf("%w: %d not in [%d, %d]",
				ErrProtocolMismatch, result.Protocol, m.cfg.MinProtocol, m.cfg.MaxProtocol)
		}

		m.mu.Lock()
		m.protocol = result.Protocol
		m.mu.Unlock()
		return nil
	}
}

// readLoop pumps inbound frames until the connection dies or ctx is
// cancelled. Responses are dispatched by id; events go to the
// registered handler; a malformed frame is dropped with a warning and
// never takes down an otherwise-healthy connection.
func (m *Manager) readLoop(ctx context.Context, transport Transport) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := transport.Read()
		if err != nil {
			return err
		}

		frame, err := wire.Decode(raw)
		if err != nil {
			m.logger.Warn("malformed inbound frame dropped", "error", err)
			continue
		}

		switch f := frame.(type) {
		case *wire.Response:
			m.table.Dispatch(f)
		case *wire.Event:
			if m.onEvent != nil {
				m.onEvent(f)
			} else {
				m.logger.Debug("event with no handler dropped", "event", f.Event)
			}
		case *wire.Request:
			m.logger.Warn("unexpected inbound request dropped", "method", f.Method)
		}
	}
}

// Call issues a request that resolves on the first response received,
// whichever it is, bounded by the configured request timeout.
func (m *Manager) Call(ctx context.Context, method string, params any) (*wire.Response, error) {
	return m.call(ctx, method, params, false, nil, m.cfg.RequestTimeout)
}

// CallExpectFinal issues a request known to produce two responses: a
// provisional acknowledgement followed by the authoritative terminal
// result. The returned response is always the terminal one; the
// provisional response is surfaced through onAccepted if non-nil.
func (m *Manager) CallExpectFinal(ctx context.Context, method string, params any, onAccepted func(*wire.Response)) (*wire.Response, error) {
	return m.call(ctx, method, params, true, onAccepted, m.cfg.RunTimeout)
}

func (m *Manager) call(ctx context.Context, method string, params any, expectFinal bool, onAccepted func(*wire.Response), timeout time.Duration) (*wire.Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", method, err)
	}

	id := uuid.New().String()
	waiter, err := m.table.Track(id, expectFinal, onAccepted)
	if err != nil {
		return nil, err
	}

	if err := m.send(wire.NewRequest(id, method, raw)); err != nil {
		m.table.Remove(id)
		return nil, err
	}

	return m.table.Wait(ctx, waiter, timeout)
}

// send serializes and writes one frame. Writes are serialized so
// concurrent calls never interleave partial frames.
func (m *Manager) send(frame any) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}

	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	if transport == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return transport.Write(data)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Protocol returns the negotiated protocol version, zero before the
// first successful handshake.
func (m *Manager) Protocol() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protocol
}

// Pending returns the number of in-flight requests.
func (m *Manager) Pending() int {
	return m.table.Len()
}

// Subscribe registers an observer of connection-state transitions.
// The subscription is cleaned up when ctx is cancelled. Non-blocking
// publish: transitions are dropped for subscribers that fall behind.
func (m *Manager) Subscribe(ctx context.Context) (<-chan State, string) {
	subID := uuid.New().String()
	ch := make(chan State, stateBufferSize)

	m.subMu.Lock()
	m.subscribers[subID] = ch
	m.subMu.Unlock()

	go func() {
		<-ctx.Done()
		m.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a state observer.
func (m *Manager) Unsubscribe(subID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if ch, ok := m.subscribers[subID]; ok {
		close(ch)
		delete(m.subscribers, subID)
	}
}

// setState records a transition and publishes it to subscribers.
func (m *Manager) setState(state State) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()
	if !changed {
		return
	}

	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- state:
		default:
		}
	}
}

func (m *Manager) setTransport(transport Transport) {
	m.mu.Lock()
	m.transport = transport
	m.mu.Unlock()
}

// backoff returns the wait before reconnect attempt n, exponential from
// BackoffMin with a ceiling at BackoffMax.
func (m *Manager) backoff(attempt int) time.Duration {
	if attempt > 20 {
		return m.cfg.BackoffMax
	}
	wait := m.cfg.BackoffMin << uint(attempt)
	if wait > m.cfg.BackoffMax || wait <= 0 {
		return m.cfg.BackoffMax
	}
	return wait
}

// Close releases table resources. Call after Run has returned.
func (m *Manager) Close() {
	m.table.Close()
}
