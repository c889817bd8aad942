// Package reconstruct answers point-in-time order book queries from the
// collector's durable history.
//
// A reconstruction picks the latest snapshot at or before the requested
// instant as its basis and replays every stored delta between the basis and
// the instant, in sequence order. The result carries a discontinuity flag
// when a recorded sequence gap falls inside the replay window, meaning the
// book is best-effort rather than exact. Results can optionally be served
// from a Redis cache keyed by (ticker, instant, depth).
package reconstruct
