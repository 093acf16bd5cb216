// Package conn owns the single persistent connection to the fold
// gateway.
//
// # Lifecycle
//
// A Manager is constructed once and injected into everything that needs
// the connection; there is no ambient singleton. Run supervises the
// link for the life of its context:
//
//	manager := conn.NewManager(cfg)
//	go manager.Run(ctx)
//
// Each cycle dials, performs the challenge/connect handshake, and pumps
// inbound frames until the connection dies. On unexpected close every
// pending request is rejected with a connection-lost error before a
// reconnect is attempted, because remote request state does not survive
// a reconnect.
//
// # Handshake
//
// The remote pushes a connect.challenge event immediately on open. The
// client answers with a connect request carrying protocol version
// bounds, a client identity descriptor, and credentials, and waits for
// the terminal response confirming the negotiated version. A close with
// the invalid-frame code (1008) during this exchange is a handshake
// failure for that attempt only; the manager logs it and retries with
// backoff.
//
// # Requests
//
// Call resolves on the first response for its id. CallExpectFinal is
// for methods that produce a provisional acknowledgement before the
// authoritative terminal result; it always returns the terminal
// response and surfaces the acknowledgement through a callback. The
// disambiguation rule itself lives in the pending package.
package conn
