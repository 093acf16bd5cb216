// ABOUTME: Tests for the frame codec covering round-trips and shape validation.
// ABOUTME: Validates the provisional/terminal response classification rule.

package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripRequest(t *testing.T) {
	original := NewRequest("req-1", "agent.run", json.RawMessage(`{"key":"agent:a:t:c"}`))

	data, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	req, ok := decoded.(*Request)
	require.True(t, ok)
	assert.Equal(t, original.ID, req.ID)
	assert.Equal(t, original.Method, req.Method)
	assert.JSONEq(t, string(original.Params), string(req.Params))
}

func TestRoundTripResponse(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		original := &Response{ID: "req-2", OK: true, Payload: json.RawMessage(`{"status":"ok"}`)}

		data, err := Encode(original)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)

		resp, ok := decoded.(*Response)
		require.True(t, ok)
		assert.Equal(t, "req-2", resp.ID)
		assert.True(t, resp.OK)
		assert.JSONEq(t, `{"status":"ok"}`, string(resp.Payload))
	})

	t.Run("error", func(t *testing.T) {
		original := &Response{ID: "req-3", OK: false, Error: &Error{Code: 42, Message: "boom"}}

		data, err := Encode(original)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)

		resp, ok := decoded.(*Response)
		require.True(t, ok)
		assert.False(t, resp.OK)
		require.NotNil(t, resp.Error)
		assert.Equal(t, 42, resp.Error.Code)
		assert.Equal(t, "boom", resp.Error.Message)
	})
}

func TestRoundTripEvent(t *testing.T) {
	original := &Event{Event: "run.delta", Payload: json.RawMessage(`{"text":"hi"}`)}

	data, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	ev, ok := decoded.(*Event)
	require.True(t, ok)
	assert.Equal(t, "run.delta", ev.Event)
	assert.JSONEq(t, `{"text":"hi"}`, string(ev.Payload))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"missing type", `{"id":"x"}`},
		{"unknown type", `{"type":"ping"}`},
		{"request missing id", `{"type":"req","method":"connect"}`},
		{"request missing method", `{"type":"req","id":"x"}`},
		{"response missing id", `{"type":"res","ok":true}`},
		{"failed response missing error", `{"type":"res","id":"x","ok":false}`},
		{"event missing name", `{"type":"event","payload":{}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestResponseClassification(t *testing.T) {
	t.Run("accepted is provisional", func(t *testing.T) {
		resp := &Response{ID: "r", OK: true, Payload: json.RawMessage(`{"status":"accepted"}`)}
		assert.True(t, resp.Provisional())
		assert.False(t, resp.Terminal())
	})

	t.Run("ok status is terminal", func(t *testing.T) {
		resp := &Response{ID: "r", OK: true, Payload: json.RawMessage(`{"status":"ok","result":{}}`)}
		assert.False(t, resp.Provisional())
		assert.True(t, resp.Terminal())
	})

	t.Run("error is always terminal", func(t *testing.T) {
		resp := &Response{ID: "r", OK: false, Error: &Error{Code: 1, Message: "nope"}}
		assert.True(t, resp.Terminal())
	})

	t.Run("no payload is terminal", func(t *testing.T) {
		resp := &Response{ID: "r", OK: true}
		assert.True(t, resp.Terminal())
	})
}

func TestSessionPatchNullSentinel(t *testing.T) {
	data, err := json.Marshal(SessionPatchParams{Key: "agent:a:t:c", OutboundAttributes: nil})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"agent:a:t:c","outboundAttributes":null}`, string(data))
}
