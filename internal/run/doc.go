// Package run models one agent execution as an ordered event stream:
// accepted, text deltas, tool call traffic, usage reports, the
// authoritative final content, and exactly one terminal event (done or
// error), after which the stream never yields again. FromWireEvent maps
// server-pushed frames into these events and recovers the session key
// and run id that scope them.
package run
