// Package pending correlates outgoing requests to their eventual
// responses by request id.
//
// The defining rule of the protocol lives here and nowhere else: a
// request tracked with expectFinal may receive a provisional
// {status:"accepted"} response before its authoritative terminal
// response. The table suppresses resolution on the provisional one and
// resolves exactly once, on the terminal response or an error. Requests
// not opted in resolve on the first response received.
//
// Late or duplicate responses are logged and discarded; a small TTL
// cache of recently resolved ids makes the two cases distinguishable in
// the logs.
package pending
