// ABOUTME: Pending request table correlating request ids to awaiting callers.
// ABOUTME: Implements the ACK-versus-terminal disambiguation rule in one place.

package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fold-client/internal/recent"
	"github.com/2389/fold-client/internal/wire"
)

// Table errors.
var (
	// ErrTimeout indicates no terminal response arrived within the deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrConnectionLost indicates the connection dropped with the request in flight.
	ErrConnectionLost = errors.New("connection lost")
	// ErrDuplicateID indicates a request id is already being tracked.
	ErrDuplicateID = errors.New("request id already pending")
)

// resolvedTTL bounds how long a resolved id is remembered for late
// duplicate detection. Late responses after this window are logged as
// unknown rather than duplicate, which is acceptable.
const resolvedTTL = 5 * time.Minute

// resolvedMaxSize caps the resolved-id cache.
const resolvedMaxSize = 4096

// Outcome is the terminal result of a tracked request: a terminal
// response or a local failure, never both.
type Outcome struct {
	Response *wire.Response
	Err      error
}

// entry is one in-flight request. Owned exclusively by the table from
// Track until resolution, failure, or removal.
type entry struct {
	id          string
	expectFinal bool
	onAccepted  func(*wire.Response)
	ch          chan Outcome
	createdAt   time.Time
}

// Waiter is the caller-side handle for one tracked request.
type Waiter struct {
	id string
	ch <-chan Outcome
}

// ID returns the request id this waiter is bound to.
func (w *Waiter) ID() string { return w.id }

// Table maps request ids to awaiting callers and applies the protocol's
// two-response rule: an entry tracked with expectFinal ignores the
// provisional "accepted" response and resolves only on the terminal
// one; every other entry resolves on the first response received.
type Table struct {
	mu       sync.Mutex
	entries  map[string]*entry
	resolved *recent.Cache
	logger   *slog.Logger
}

// NewTable creates an empty table. Pass nil logger for the default.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		entries:  make(map[string]*entry),
		resolved: recent.New(resolvedTTL, resolvedMaxSize),
		logger:   logger.With("component", "pending"),
	}
}

// Track registers a request id before its frame is sent. If expectFinal
// is set, the provisional "accepted" response does not resolve the
// waiter; onAccepted (optional) is invoked with it instead, and the
// entry keeps waiting for the terminal response.
func (t *Table) Track(id string, expectFinal bool, onAccepted func(*wire.Response)) (*Waiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return nil, ErrDuplicateID
	}

	e := &entry{
		id:          id,
		expectFinal: expectFinal,
		onAccepted:  onAccepted,
		ch:          make(chan Outcome, 1),
		createdAt:   time.Now(),
	}
	t.entries[id] = e
	return &Waiter{id: id, ch: e.ch}, nil
}

// Dispatch routes an inbound response to its waiter. A provisional
// response for an expectFinal entry is surfaced through onAccepted and
// the entry stays pending; a terminal response resolves the waiter and
// removes the entry. Responses for unknown ids are logged and
// discarded: a recently resolved id means a late duplicate, anything
// else a protocol fault. Neither is ever delivered twice.
func (t *Table) Dispatch(resp *wire.Response) {
	t.mu.Lock()
	e, ok := t.entries[resp.ID]
	if !ok {
		t.mu.Unlock()
		if delivered, resolved := t.resolved.Lookup(resp.ID); resolved {
			t.logger.Warn("duplicate terminal response discarded",
				"request_id", resp.ID,
				"delivered", delivered,
			)
		} else {
			t.logger.Warn("response for unknown request discarded", "request_id", resp.ID)
		}
		return
	}

	if e.expectFinal && resp.Provisional() {
		t.mu.Unlock()
		if e.onAccepted != nil {
			e.onAccepted(resp)
		}
		return
	}

	delete(t.entries, resp.ID)
	t.mu.Unlock()

	t.resolved.Remember(resp.ID, outcomeLabel(resp))
	e.ch <- Outcome{Response: resp}
}

// outcomeLabel summarizes a terminal response so a later duplicate can
// be logged with what was already delivered.
func outcomeLabel(resp *wire.Response) string {
	if !resp.OK {
		return fmt.Sprintf("error %d", resp.Error.Code)
	}
	if status := resp.Status(); status != "" {
		return status
	}
	return "ok"
}

// Fail rejects a single pending request with the given error and
// removes its entry. A no-op if the id is not pending.
func (t *Table) Fail(id string, err error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if ok {
		t.resolved.Remember(id, err.Error())
		e.ch <- Outcome{Err: err}
	}
}

// FailAll rejects every pending request with the given error. Called on
// disconnect: remote request state does not survive a reconnect, so
// entries must never be left hanging or silently retried.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	drained := make([]*entry, 0, len(t.entries))
	for id, e := range t.entries {
		drained = append(drained, e)
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, e := range drained {
		t.resolved.Remember(e.id, err.Error())
		e.ch <- Outcome{Err: err}
	}
	if len(drained) > 0 {
		t.logger.Warn("rejected in-flight requests", "count", len(drained), "error", err)
	}
}

// Remove drops a pending entry without resolving it. Used for
// caller-initiated cancellation; a response arriving afterwards is
// logged as late and discarded.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	_, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if ok {
		t.resolved.Remember(id, "cancelled")
	}
}

// Len returns the number of in-flight requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Wait blocks until the waiter resolves, the timeout elapses, or ctx is
// cancelled. Timeout and cancellation both remove the entry; a response
// arriving later is discarded by Dispatch.
func (t *Table) Wait(ctx context.Context, w *Waiter, timeout time.Duration) (*wire.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-w.ch:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Response, nil
	case <-timer.C:
		t.Remove(w.id)
		return nil, ErrTimeout
	case <-ctx.Done():
		t.Remove(w.id)
		return nil, ctx.Err()
	}
}

// Close releases the resolved-id cache's background goroutine.
func (t *Table) Close() {
	t.resolved.Close()
}
