// ABOUTME: Ordered event stream for one agent run with exactly-once termination.
// ABOUTME: Producer side is fed by the connection layer; consumers range over Events.

package run

import (
	"log/slog"
	"sync"

	"github.com/2389/fold-client/internal/wire"
)

// streamBufferSize is the channel buffer for one run's events.
const streamBufferSize = 64

// Stream is the ordered event sequence for one agent run. It terminates
// exactly once, on KindDone or KindError, and never yields afterwards.
// The producer is the client facade; consumers range over Events until
// the channel closes.
type Stream struct {
	ch     chan Event
	logger *slog.Logger

	mu         sync.Mutex
	terminated bool
	sawFinal   bool
}

// NewStream creates an open stream.
func NewStream(logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		ch:     make(chan Event, streamBufferSize),
		logger: logger.With("component", "run"),
	}
}

// Events returns the consumer side of the stream. The channel closes
// after the terminal event.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Push appends one non-terminal event. Events after termination are
// dropped; events for a full buffer are dropped with a warning rather
// than blocking the shared read loop.
func (s *Stream) Push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		s.logger.Warn("event after stream termination dropped", "kind", string(ev.Kind))
		return
	}
	if ev.Kind == KindAssistantFinal {
		s.sawFinal = true
	}

	select {
	case s.ch <- ev:
	default:
		s.logger.Warn("stream buffer full, event dropped", "kind", string(ev.Kind))
	}
}

// Accepted surfaces the provisional acknowledgement as the stream's
// first event.
func (s *Stream) Accepted() {
	s.Push(Event{Kind: KindAccepted})
}

// SawFinal reports whether a discrete assistant_final event was pushed.
// The facade uses it to decide whether to synthesize one from the
// terminal response payload.
func (s *Stream) SawFinal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawFinal
}

// Done terminates the stream successfully. Idempotent; only the first
// terminal event is delivered.
func (s *Stream) Done() {
	s.terminate(Event{Kind: KindDone})
}

// Fail terminates the stream with an error event.
func (s *Stream) Fail(code int, message string) {
	s.terminate(Event{Kind: KindError, Err: &wire.Error{Code: code, Message: message}})
}

// FailWith terminates the stream with a remote error surfaced verbatim.
func (s *Stream) FailWith(err *wire.Error) {
	s.terminate(Event{Kind: KindError, Err: err})
}

func (s *Stream) terminate(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return
	}
	s.terminated = true

	// The terminal event must not be lost to a full buffer; the channel
	// is buffered beyond any realistic backlog, but fall back to
	// draining the oldest event if a consumer stopped reading entirely.
	for {
		select {
		case s.ch <- ev:
			close(s.ch)
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}
