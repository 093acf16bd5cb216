// ABOUTME: Tests for streaming reconciliation of deltas against authoritative final content.
// ABOUTME: Covers prefix extension, divergence policies, and the flush-before-completion contract.

package reconcile

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures everything the reconciler forwards and the
// order of operations, so tests can assert the flush happened before
// completion.
type recordingSink struct {
	out      strings.Builder
	replaced bool
	ops      []string
}

func (s *recordingSink) WriteDelta(_ context.Context, text string) error {
	s.out.WriteString(text)
	s.ops = append(s.ops, "delta")
	return nil
}

func (s *recordingSink) Replace(_ context.Context, text string) error {
	s.out.Reset()
	s.out.WriteString(text)
	s.replaced = true
	s.ops = append(s.ops, "replace")
	return nil
}

func (s *recordingSink) Flush(_ context.Context) error {
	s.ops = append(s.ops, "flush")
	return nil
}

func TestFinalMatchesStreamedExactly(t *testing.T) {
	// Scenario: deltas ["Hel","lo"] then final "Hello" — nothing extra
	// may be appended.
	sink := &recordingSink{}
	rec := New(sink, PolicyReplace, nil)
	ctx := context.Background()

	require.NoError(t, rec.OnDelta(ctx, "Hel"))
	require.NoError(t, rec.OnDelta(ctx, "lo"))
	require.NoError(t, rec.OnFinal(ctx, "Hello"))
	require.NoError(t, rec.Done(ctx))

	assert.Equal(t, "Hello", sink.out.String())
	assert.Equal(t, []string{"delta", "delta", "flush"}, sink.ops)
	assert.False(t, rec.Diverged())
}

func TestFinalExtendsStreamedPrefix(t *testing.T) {
	// Scenario: deltas ["Hel"] then final "Hello world" — exactly
	// " world" plus the missing "lo" arrive as the remainder.
	sink := &recordingSink{}
	rec := New(sink, PolicyReplace, nil)
	ctx := context.Background()

	require.NoError(t, rec.OnDelta(ctx, "Hel"))
	require.NoError(t, rec.OnFinal(ctx, "Hello world"))
	require.NoError(t, rec.Done(ctx))

	assert.Equal(t, "Hello world", sink.out.String())
	assert.Equal(t, "Hello world", rec.Text())
	assert.False(t, sink.replaced)
	assert.False(t, rec.Diverged())
}

func TestFinalWithNoDeltas(t *testing.T) {
	// Scenario: no deltas, final "Hi".
	sink := &recordingSink{}
	rec := New(sink, PolicyReplace, nil)
	ctx := context.Background()

	require.NoError(t, rec.OnFinal(ctx, "Hi"))
	require.NoError(t, rec.Done(ctx))

	assert.Equal(t, "Hi", sink.out.String())
}

func TestNoFinalTreatsStreamAsComplete(t *testing.T) {
	sink := &recordingSink{}
	rec := New(sink, PolicyReplace, nil)
	ctx := context.Background()

	require.NoError(t, rec.OnDelta(ctx, "all "))
	require.NoError(t, rec.OnDelta(ctx, "there is"))
	require.NoError(t, rec.Done(ctx))

	assert.Equal(t, "all there is", sink.out.String())
	assert.False(t, rec.SawFinal())
}

func TestDivergenceReplacePolicy(t *testing.T) {
	// Final is not a prefix extension: the remote re-ran internally and
	// rewrote the text. Replace wholesale rather than patching a diff.
	sink := &recordingSink{}
	rec := New(sink, PolicyReplace, nil)
	ctx := context.Background()

	require.NoError(t, rec.OnDelta(ctx, "first draft"))
	require.NoError(t, rec.OnFinal(ctx, "second thoughts"))
	require.NoError(t, rec.Done(ctx))

	assert.True(t, sink.replaced)
	assert.Equal(t, "second thoughts", sink.out.String())
	assert.Equal(t, "second thoughts", rec.Text())
	assert.True(t, rec.Diverged())
}

func TestDivergenceKeepStreamPolicy(t *testing.T) {
	sink := &recordingSink{}
	rec := New(sink, PolicyKeepStream, nil)
	ctx := context.Background()

	require.NoError(t, rec.OnDelta(ctx, "first draft"))
	require.NoError(t, rec.OnFinal(ctx, "second thoughts"))
	require.NoError(t, rec.Done(ctx))

	assert.False(t, sink.replaced)
	assert.Equal(t, "first draft", sink.out.String())
	assert.True(t, rec.Diverged())
}

func TestFlushPrecedesCompletion(t *testing.T) {
	sink := &recordingSink{}
	rec := New(sink, PolicyReplace, nil)
	ctx := context.Background()

	require.NoError(t, rec.OnDelta(ctx, "Hel"))
	require.NoError(t, rec.OnFinal(ctx, "Hello"))
	require.NoError(t, rec.Done(ctx))

	// The flush is the delivery barrier: it must be the last operation
	// before Done returns, after every forwarded write.
	require.NotEmpty(t, sink.ops)
	assert.Equal(t, "flush", sink.ops[len(sink.ops)-1])
}

func TestNoInputAfterDone(t *testing.T) {
	sink := &recordingSink{}
	rec := New(sink, PolicyReplace, nil)
	ctx := context.Background()

	require.NoError(t, rec.OnDelta(ctx, "x"))
	require.NoError(t, rec.Done(ctx))

	assert.ErrorIs(t, rec.OnDelta(ctx, "y"), ErrAlreadyDone)
	assert.ErrorIs(t, rec.OnFinal(ctx, "y"), ErrAlreadyDone)
	assert.ErrorIs(t, rec.Done(ctx), ErrAlreadyDone)
}

func TestReconciliationIdempotent(t *testing.T) {
	// Re-running the same event sequence through a fresh reconciler
	// yields the same output.
	sequence := func() string {
		sink := &recordingSink{}
		rec := New(sink, PolicyReplace, nil)
		ctx := context.Background()
		_ = rec.OnDelta(ctx, "Hel")
		_ = rec.OnFinal(ctx, "Hello world")
		_ = rec.Done(ctx)
		return sink.out.String()
	}

	assert.Equal(t, sequence(), sequence())
}
