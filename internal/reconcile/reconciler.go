// ABOUTME: Streaming reconciler guaranteeing delivered text is complete and non-truncated.
// ABOUTME: Merges incremental deltas with the authoritative final payload for one run.

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Policy selects how a non-prefix divergence between the accumulated
// deltas and the authoritative final content is handled. The safe
// default is to replace: forwarding a naive diff would corrupt output.
type Policy string

const (
	// PolicyReplace forwards the final content as a single replacement
	// event and logs a divergence warning.
	PolicyReplace Policy = "replace"
	// PolicyKeepStream keeps the streamed text as delivered and only
	// logs the divergence. Opt-in; the streamed text may be incomplete.
	PolicyKeepStream Policy = "keep-stream"
)

// Reconciler errors.
var (
	// ErrAlreadyDone indicates input after the reconciler completed.
	ErrAlreadyDone = errors.New("reconciler already completed")
)

// Sink receives reconciled output. WriteDelta forwards incremental
// text; Replace discards everything forwarded so far in favor of
// complete replacement text; Flush must not return until previously
// written output has actually been handed off to the transport. The
// completion ordering in Done depends on Flush being a real delivery
// barrier, not a hint.
type Sink interface {
	WriteDelta(ctx context.Context, text string) error
	Replace(ctx context.Context, text string) error
	Flush(ctx context.Context) error
}

// Reconciler consumes the text portion of one agent execution stream
// and guarantees the output ultimately delivered equals the
// authoritative final content. A naive consumer that only accumulates
// deltas silently truncates output whenever a delta is dropped
// upstream; the reconciler closes that gap by comparing the
// accumulated text against the final payload before completing.
// One instance serves exactly one stream; discard it after Done.
type Reconciler struct {
	sink        Sink
	policy      Policy
	logger      *slog.Logger
	accumulated strings.Builder
	sawFinal    bool
	diverged    bool
	done        bool
}

// New creates a reconciler writing to sink. An empty policy means
// PolicyReplace. Pass nil logger for the default.
func New(sink Sink, policy Policy, logger *slog.Logger) *Reconciler {
	if policy == "" {
		policy = PolicyReplace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		sink:   sink,
		policy: policy,
		logger: logger.With("component", "reconcile"),
	}
}

// OnDelta accumulates one incremental text fragment and forwards it
// downstream immediately. Deltas are not buffered for correctness;
// holding them back would add latency without being required.
func (r *Reconciler) OnDelta(ctx context.Context, text string) error {
	if r.done {
		return ErrAlreadyDone
	}
	r.accumulated.WriteString(text)
	return r.sink.WriteDelta(ctx, text)
}

// OnFinal reconciles the authoritative final content against the
// accumulated deltas. Three cases:
//
//   - content equals the accumulated text: nothing to do.
//   - accumulated text is a strict prefix of content: the trailing
//     deltas were lost; forward exactly the missing suffix.
//   - anything else: the remote diverged in a non-prefix way. Apply the
//     configured policy (replace by default) and log a divergence
//     warning — never silently drop the divergence, never fail the call.
func (r *Reconciler) OnFinal(ctx context.Context, content string) error {
	if r.done {
		return ErrAlreadyDone
	}
	r.sawFinal = true

	streamed := r.accumulated.String()
	switch {
	case content == streamed:
		return nil

	case len(content) > len(streamed) && strings.HasPrefix(content, streamed):
		remainder := content[len(streamed):]
		r.accumulated.WriteString(remainder)
		r.logger.Debug("appended lost trailing deltas", "bytes", len(remainder))
		return r.sink.WriteDelta(ctx, remainder)

	default:
		r.diverged = true
		r.logger.Warn("final content diverges from streamed deltas",
			"streamed_bytes", len(streamed),
			"final_bytes", len(content),
			"policy", string(r.policy),
		)
		if r.policy == PolicyKeepStream {
			return nil
		}
		r.accumulated.Reset()
		r.accumulated.WriteString(content)
		return r.sink.Replace(ctx, content)
	}
}

// Done completes the reconciliation. With no intervening final content
// the accumulated text is already final — some call shapes never
// produce a distinct final event. Completion only returns after Flush
// confirms delivery: a synchronous write followed by stream closure is
// not enough when the transport buffers with backpressure, so the
// flush is the contract here, not an optimization.
func (r *Reconciler) Done(ctx context.Context) error {
	if r.done {
		return ErrAlreadyDone
	}
	if err := r.sink.Flush(ctx); err != nil {
		return fmt.Errorf("flushing reconciled output: %w", err)
	}
	r.done = true
	return nil
}

// Text returns the reconciled text so far. After Done this is the
// complete output delivered downstream (under PolicyReplace).
func (r *Reconciler) Text() string {
	return r.accumulated.String()
}

// Diverged reports whether a non-prefix divergence was observed.
func (r *Reconciler) Diverged() bool {
	return r.diverged
}

// SawFinal reports whether authoritative final content was observed.
func (r *Reconciler) SawFinal() bool {
	return r.sawFinal
}
