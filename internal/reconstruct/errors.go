package reconstruct

import (
	"errors"
	"fmt"
	"time"

	"github.com/clouvelai/kalshibook-sub001/internal/model"
)

// ErrMarketUnknown means the ticker has never been observed by the
// collector.
var ErrMarketUnknown = errors.New("market unknown")

// NoDataError means the requested instant predates all stored snapshots for
// the market, so no basis exists to replay from.
type NoDataError struct {
	Ticker            string
	EarliestAvailable time.Time
}

func (e *NoDataError) Error() string {
	if e.EarliestAvailable.IsZero() {
		return fmt.Sprintf("no snapshot data for %s", e.Ticker)
	}
	return fmt.Sprintf("no snapshot data for %s before requested time (earliest %s)",
		e.Ticker, e.EarliestAvailable.Format(time.RFC3339))
}

// IntegrityError means replay under the strict policy drove a price level
// negative, which only happens when the stored stream is inconsistent.
type IntegrityError struct {
	Ticker     string
	Seq        int64
	Side       model.Side
	PriceCents int
	Quantity   int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("replay integrity violation for %s: seq %d drove %s@%d to %d",
		e.Ticker, e.Seq, e.Side, e.PriceCents, e.Quantity)
}
