// ABOUTME: Typed agent execution events and their mapping from server-pushed wire events.
// ABOUTME: One run call produces an ordered sequence of these and nothing else.

package run

import (
	"encoding/json"

	"github.com/2389/fold-client/internal/wire"
)

// Kind tags one agent execution event.
type Kind string

const (
	KindAccepted       Kind = "accepted"
	KindTextDelta      Kind = "text_delta"
	KindToolCallStart  Kind = "tool_call_start"
	KindToolCallResult Kind = "tool_call_result"
	KindUsageReport    Kind = "usage_report"
	KindAssistantFinal Kind = "assistant_final"
	KindError          Kind = "error"
	KindDone           Kind = "done"
)

// Event is one element of a run's ordered event sequence. Exactly one
// of the payload fields matching Kind is set. AssistantFinal content is
// authoritative: it may be a superset, subset, or divergent rewrite of
// the concatenated prior deltas, and the reconciler is what squares the
// two.
type Event struct {
	Kind       Kind
	Text       string      // KindTextDelta
	Content    string      // KindAssistantFinal
	ToolCall   *ToolCall   // KindToolCallStart
	ToolResult *ToolResult // KindToolCallResult
	Usage      *Usage      // KindUsageReport
	Err        *wire.Error // KindError
}

// ToolCall describes a tool invocation started by the remote agent.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult carries the outcome of a tool invocation.
type ToolResult struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Usage is one token usage report for a run.
type Usage struct {
	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens"`
	CacheWriteTokens int64 `json:"cacheWriteTokens"`
	ThinkingTokens   int64 `json:"thinkingTokens"`
}

// Server-pushed event names carrying run execution traffic.
const (
	EventDelta      = "run.delta"
	EventToolCall   = "run.tool_call"
	EventToolResult = "run.tool_result"
	EventUsage      = "run.usage"
	EventFinal      = "run.final"
)

// scope is the correlation envelope every run event payload carries.
type scope struct {
	Key   string `json:"key"`
	RunID string `json:"runId"`
}

// deltaPayload is the body of a run.delta event.
type deltaPayload struct {
	scope
	Text string `json:"text"`
}

// finalPayload is the body of a run.final event.
type finalPayload struct {
	scope
	Content string `json:"content"`
}

// toolCallPayload is the body of a run.tool_call event.
type toolCallPayload struct {
	scope
	ToolCall
}

// toolResultPayload is the body of a run.tool_result event.
type toolResultPayload struct {
	scope
	ToolResult
}

// usagePayload is the body of a run.usage event.
type usagePayload struct {
	scope
	Usage
}

// FromWireEvent maps a server-pushed event to a run event plus its
// session key and run id. Returns ok=false for event names that do not
// belong to run execution or payloads that fail to parse; the caller
// logs and drops those rather than failing the call — lost telemetry
// never fails a user-visible run.
func FromWireEvent(ev *wire.Event) (key, runID string, event Event, ok bool) {
	switch ev.Event {
	case EventDelta:
		var p deltaPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return "", "", Event{}, false
		}
		return p.Key, p.RunID, Event{Kind: KindTextDelta, Text: p.Text}, true

	case EventFinal:
		var p finalPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return "", "", Event{}, false
		}
		return p.Key, p.RunID, Event{Kind: KindAssistantFinal, Content: p.Content}, true

	case EventToolCall:
		var p toolCallPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return "", "", Event{}, false
		}
		tc := p.ToolCall
		return p.Key, p.RunID, Event{Kind: KindToolCallStart, ToolCall: &tc}, true

	case EventToolResult:
		var p toolResultPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return "", "", Event{}, false
		}
		tr := p.ToolResult
		return p.Key, p.RunID, Event{Kind: KindToolCallResult, ToolResult: &tr}, true

	case EventUsage:
		var p usagePayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return "", "", Event{}, false
		}
		u := p.Usage
		return p.Key, p.RunID, Event{Kind: KindUsageReport, Usage: &u}, true

	default:
		return "", "", Event{}, false
	}
}
