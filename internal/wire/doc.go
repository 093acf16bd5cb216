// Package wire defines the gateway frame codec: the three tagged frame
// kinds (request, response, event) and the pinned parameter shapes for
// protocol methods. Field names are wire contracts shared with the
// remote service. Everything inbound passes through Decode before any
// correlation logic sees it; frames that fail validation are dropped by
// the caller with a logged warning rather than propagated as domain
// errors.
package wire
