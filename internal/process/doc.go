// Package process implements the message processor, the correctness-critical
// core of the collector. It classifies inbound feed messages, enforces
// per-market sequence continuity, records gaps as auditable provenance, and
// hands normalized records to the storage writer.
//
// The feed manager calls Handle synchronously from its single read loop, so
// messages for a market are processed in strict arrival order without locks
// on the hot path. The periodic snapshot loop is the only other goroutine
// touching processor state.
package process
