package model

import (
	"time"

	"github.com/google/uuid"
)

// MarketStatus is the lifecycle status of a market.
type MarketStatus string

const (
	StatusAnnounced  MarketStatus = "announced"
	StatusActive     MarketStatus = "active"
	StatusClosed     MarketStatus = "closed"
	StatusDetermined MarketStatus = "determined"
	StatusSettled    MarketStatus = "settled"
)

// Terminal reports whether a market in this status will never trade again.
func (s MarketStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusDetermined, StatusSettled:
		return true
	}
	return false
}

// Side identifies which side of the book a level or taker belongs to.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Market is a discovered tradable instrument. Rows are created on the first
// lifecycle event naming an unseen ticker and never deleted; status changes
// are appended to market_status_history.
type Market struct {
	Ticker       string
	EventTicker  string
	Status       MarketStatus
	Metadata     map[string]string
	DiscoveredAt time.Time
	UpdatedAt    time.Time
}

// PriceLevel is one price point of a book side.
type PriceLevel struct {
	PriceCents int   `json:"price"`
	Quantity   int64 `json:"qty"`
}

// OrderbookSnapshot is a full book capture for one market at one instant.
// Immutable once written; the replay basis for reconstruction.
type OrderbookSnapshot struct {
	Ticker     string
	CapturedAt time.Time
	Sequence   int64
	YesLevels  []PriceLevel
	NoLevels   []PriceLevel
	ReceivedAt time.Time
}

// OrderbookDelta is one signed change to a single price level. Seq is the
// per-market monotonic counter that orders deltas independent of timestamp
// ties. ID is assigned by the collector and keys keyset pagination.
type OrderbookDelta struct {
	ID          uuid.UUID
	Ticker      string
	TS          time.Time
	Seq         int64
	PriceCents  int
	DeltaAmount int
	Side        Side
	ReceivedAt  time.Time
}

// TradeExecution is an executed trade. Same ingestion pipeline as book data
// but no sequence-integrity coupling.
type TradeExecution struct {
	TradeID       string
	Ticker        string
	TS            time.Time
	YesPriceCents int
	NoPriceCents  int
	Count         int
	TakerSide     Side
	ReceivedAt    time.Time
}

// SequenceGap records a detected discontinuity in a market's delta stream.
// FromSeq..ToSeq (inclusive) are the sequence values that were never
// observed. Book state is provably unknown from DetectedAt until the next
// snapshot for the market.
type SequenceGap struct {
	ID         uuid.UUID
	Ticker     string
	FromSeq    int64
	ToSeq      int64
	DetectedAt time.Time
}

// MinPriceCents and MaxPriceCents bound valid price levels.
const (
	MinPriceCents = 1
	MaxPriceCents = 99
)

// ValidPrice reports whether a price in cents is inside the tradable range.
func ValidPrice(cents int) bool {
	return cents >= MinPriceCents && cents <= MaxPriceCents
}
