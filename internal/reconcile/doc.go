// Package reconcile guarantees the text delivered for one run equals
// the authoritative final content.
//
// Deltas are forwarded downstream as they stream. When the final
// content arrives, three cases apply: it equals the accumulated text
// (nothing to do), it extends the accumulated text (exactly the
// missing suffix is forwarded), or it diverges (the configured policy
// decides: replace wholesale by default, or keep the streamed text as
// delivered). Completion only returns after the sink's flush confirms
// delivery; with no final content at all the accumulated text is
// already final.
package reconcile
