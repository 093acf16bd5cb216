// ABOUTME: Transport abstraction over the persistent gateway link plus the websocket dialer.
// ABOUTME: Injectable so tests substitute a fake transport for the real connection.

package conn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/fold-client/internal/wire"
)

// Transport errors.
var (
	// ErrHandshakeRejected indicates the remote closed the connection
	// with the "invalid request frame" code during the handshake.
	// Fatal for this connection attempt, not for the process.
	ErrHandshakeRejected = errors.New("handshake rejected by gateway")
	// ErrNotConnected indicates a send was attempted with no live connection.
	ErrNotConnected = errors.New("not connected")
)

// Transport is one live bidirectional link to the gateway. Read blocks
// until the next raw frame arrives; Write sends one raw frame. A fake
// implementation stands in for the websocket in tests.
type Transport interface {
	Read() ([]byte, error)
	Write(data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer establishes a Transport. The production dialer speaks
// websocket; tests inject their own.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials the gateway over websocket.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the websocket upgrade. Zero means the
	// library default.
	HandshakeTimeout time.Duration
}

// Dial opens a websocket connection to url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return &websocketTransport{ws: ws}, nil
}

// websocketTransport adapts a gorilla websocket connection to Transport.
type websocketTransport struct {
	ws *websocket.Conn
}

// Read returns the next text frame. A close with the "invalid request
// frame" code is mapped to ErrHandshakeRejected so the manager can tell
// a handshake failure apart from an arbitrary disconnect.
func (t *websocketTransport) Read() ([]byte, error) {
	_, data, err := t.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, wire.CloseInvalidFrame) {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
		}
		return nil, err
	}
	return data, nil
}

func (t *websocketTransport) Write(data []byte) error {
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketTransport) SetReadDeadline(deadline time.Time) error {
	return t.ws.SetReadDeadline(deadline)
}

func (t *websocketTransport) Close() error {
	return t.ws.Close()
}
