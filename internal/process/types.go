package process

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clouvelai/kalshibook-sub001/internal/model"
)

// Sink receives normalized records from the processor. Implemented by
// storage.Writer.
type Sink interface {
	AddSnapshot(model.OrderbookSnapshot)
	AddDelta(model.OrderbookDelta)
	AddTrade(model.TradeExecution)
	AddGap(model.SequenceGap)
}

// Subscriptions receives market lifecycle notifications. Implemented by
// subscription.Manager.
type Subscriptions interface {
	OnMarketDiscovered(ticker string)
	OnMarketTerminal(ticker string)
}

// MarketStore persists market metadata mutations.
type MarketStore interface {
	Upsert(ctx context.Context, m model.Market) error
}

// TrackState is the per-market sequence-tracking state.
type TrackState int

const (
	// StateUnseen: no snapshot or delta has ever been observed.
	StateUnseen TrackState = iota

	// StateTracking: sequence is known and contiguous.
	StateTracking

	// StateGapDetected: sequence is known but discontinuous; book state is
	// provably unknown until the next snapshot resets tracking.
	StateGapDetected
)

func (s TrackState) String() string {
	switch s {
	case StateTracking:
		return "tracking"
	case StateGapDetected:
		return "gap_detected"
	default:
		return "unseen"
	}
}

// Config holds processor settings.
type Config struct {
	// SnapshotInterval is how often a synthetic full snapshot is emitted
	// for every market in tracking state. Snapshots bound replay cost and
	// are the recovery point after a gap.
	SnapshotInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval: 300 * time.Second,
	}
}

// Stats holds cumulative processor counters.
type Stats struct {
	Received           int64
	Snapshots          int64
	Deltas             int64
	Trades             int64
	Lifecycles         int64
	Duplicates         int64
	Gaps               int64
	Orphans            int64 // deltas for markets with no snapshot ever
	SyntheticSnapshots int64
	ParseErrors        int64
	Unknown            int64
}

// Wire types for JSON parsing.

// messageEnvelope is used for fast type extraction.
type messageEnvelope struct {
	Type string `json:"type"`
}

// snapshotWire is the wire format for orderbook_snapshot messages.
// Levels are [price_cents, quantity] pairs.
type snapshotWire struct {
	Type string `json:"type"`
	SID  int64  `json:"sid"`
	Seq  int64  `json:"seq"`
	Msg  struct {
		MarketTicker string    `json:"market_ticker"`
		Yes          [][]int64 `json:"yes"`
		No           [][]int64 `json:"no"`
		Ts           int64     `json:"ts"`
	} `json:"msg"`
}

// deltaWire is the wire format for orderbook_delta messages.
type deltaWire struct {
	Type string `json:"type"`
	SID  int64  `json:"sid"`
	Seq  int64  `json:"seq"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
		Price        int    `json:"price"`
		Delta        int    `json:"delta"`
		Side         string `json:"side"`
		Ts           int64  `json:"ts"`
	} `json:"msg"`
}

// tradeWire is the wire format for trade messages.
type tradeWire struct {
	Type string `json:"type"`
	SID  int64  `json:"sid"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
		TradeID      string `json:"trade_id"`
		YesPrice     int    `json:"yes_price"`
		NoPrice      int    `json:"no_price"`
		Count        int    `json:"count"`
		TakerSide    string `json:"taker_side"`
		Ts           int64  `json:"ts"`
	} `json:"msg"`
}

// lifecycleWire is the wire format for market_lifecycle messages.
type lifecycleWire struct {
	Type string `json:"type"`
	SID  int64  `json:"sid"`
	Msg  struct {
		MarketTicker string          `json:"market_ticker"`
		EventTicker  string          `json:"event_ticker"`
		Status       string          `json:"status"`
		Metadata     json.RawMessage `json:"metadata"`
		Ts           int64           `json:"ts"`
	} `json:"msg"`
}
