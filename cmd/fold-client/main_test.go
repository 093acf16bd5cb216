// ABOUTME: Tests for the CLI render loop and its divergence policy handling.
// ABOUTME: Feeds scripted run streams and asserts what lands on the output writer.

package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-client/internal/reconcile"
	"github.com/2389/fold-client/internal/run"
)

// divergentStream yields streamed deltas that the final content rewrites.
func divergentStream() *run.Stream {
	stream := run.NewStream(nil)
	stream.Push(run.Event{Kind: run.KindTextDelta, Text: "draft text"})
	stream.Push(run.Event{Kind: run.KindAssistantFinal, Content: "rewritten text"})
	stream.Done()
	return stream
}

func TestRenderReplacePolicy(t *testing.T) {
	var out strings.Builder
	err := render(context.Background(), divergentStream(), reconcile.PolicyReplace, &out, nil)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "corrected output")
	assert.Contains(t, out.String(), "rewritten text")
}

func TestRenderKeepStreamPolicy(t *testing.T) {
	// The configured policy must reach the reconciler: under keep-stream
	// the streamed text stands and no correction marker is printed.
	var out strings.Builder
	err := render(context.Background(), divergentStream(), reconcile.PolicyKeepStream, &out, nil)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "draft text")
	assert.NotContains(t, out.String(), "corrected output")
	assert.NotContains(t, out.String(), "rewritten text")
}
