// Package feed owns the single WebSocket connection to the exchange.
//
// The manager dials, authenticates, subscribes, and reconnects with
// exponential backoff; after every reconnect it replays the full active
// subscription set so no market is silently dropped. Data messages are
// handed to the processor synchronously from the read loop, preserving
// arrival order, after the storage gate admits them.
package feed
