// Package recent is a small TTL + capacity bounded cache of recently
// seen keys with optional associated values. The pending table uses it
// to tell a late duplicate response (and what it already delivered)
// apart from a response for an id that was never issued; the usage
// journal uses it to skip re-recording a re-emitted usage report.
package recent
