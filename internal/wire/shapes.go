// ABOUTME: Pinned parameter and payload shapes for the gateway protocol methods.
// ABOUTME: Field names here are wire contracts; renaming any of them breaks interop.

package wire

// Gateway method names.
const (
	MethodConnect      = "connect"
	MethodSessionGet   = "session.get"
	MethodSessionPatch = "session.patch"
	MethodAgentRun     = "agent.run"
)

// EventChallenge is pushed by the remote side immediately on open; the
// client must answer it with a connect request before sending anything
// else.
const EventChallenge = "connect.challenge"

// CloseInvalidFrame is the close code the remote uses when the first
// frame on a fresh connection is malformed or out of order. Receiving
// it means the handshake failed, not that the link flapped.
const CloseInvalidFrame = 1008

// ChallengePayload is the body of the connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// ConnectParams is the body of the connect request.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Auth        AuthInfo   `json:"auth"`
}

// ClientInfo identifies the connecting client to the gateway.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// AuthInfo carries the bearer credential for the handshake.
type AuthInfo struct {
	Token string `json:"token"`
}

// ConnectResult is the terminal response payload of a successful
// handshake.
type ConnectResult struct {
	Status   string `json:"status"`
	Protocol int    `json:"protocol"`
}

// SessionPatchParams is the body of a session.patch request. The fields
// sit at the top level of params, not nested. A nil OutboundAttributes
// marshals to JSON null, which is the wire sentinel for "clear all
// outbound attributes".
type SessionPatchParams struct {
	Key                string            `json:"key"`
	OutboundAttributes map[string]string `json:"outboundAttributes"`
}

// SessionGetParams is the body of a session.get request.
type SessionGetParams struct {
	Key string `json:"key"`
}

// AgentRunParams is the body of an agent.run request. IdempotencyKey is
// caller-generated so a retried run is not executed twice remotely.
type AgentRunParams struct {
	Key            string            `json:"key"`
	RunID          string            `json:"runId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Prompt         string            `json:"prompt"`
	Model          string            `json:"model,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}
