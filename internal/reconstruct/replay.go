package reconstruct

import (
	"sort"

	"github.com/clouvelai/kalshibook-sub001/internal/model"
)

// Policy selects how replay treats a delta that would drive a level's
// quantity negative.
type Policy int

const (
	// PolicyClamp removes the offending level and keeps going. The default:
	// a best-effort book is more useful than none.
	PolicyClamp Policy = iota

	// PolicyStrict fails the reconstruction with an IntegrityError.
	PolicyStrict
)

// Replay applies deltas to the basis levels and returns both sides sorted
// descending by price. Deltas must already be in sequence order; entries at
// or below the basis sequence are skipped as already reflected in the basis,
// and a sequence is applied at most once. Stored rows can repeat a sequence
// when the feed redelivers a delta across a collector restart, so the seq
// guard here is what keeps replay deterministic.
func Replay(basis model.OrderbookSnapshot, deltas []model.OrderbookDelta, policy Policy) (yes, no []model.PriceLevel, err error) {
	yesBook := levelMap(basis.YesLevels)
	noBook := levelMap(basis.NoLevels)

	applied := basis.Sequence
	for _, d := range deltas {
		if d.Seq <= applied {
			continue
		}
		applied = d.Seq
		book := yesBook
		if d.Side == model.SideNo {
			book = noBook
		}
		q := book[d.PriceCents] + int64(d.DeltaAmount)
		switch {
		case q < 0 && policy == PolicyStrict:
			return nil, nil, &IntegrityError{
				Ticker:     d.Ticker,
				Seq:        d.Seq,
				Side:       d.Side,
				PriceCents: d.PriceCents,
				Quantity:   q,
			}
		case q <= 0:
			delete(book, d.PriceCents)
		default:
			book[d.PriceCents] = q
		}
	}

	return sortedLevels(yesBook), sortedLevels(noBook), nil
}

func levelMap(levels []model.PriceLevel) map[int]int64 {
	m := make(map[int]int64, len(levels))
	for _, l := range levels {
		m[l.PriceCents] = l.Quantity
	}
	return m
}

func sortedLevels(m map[int]int64) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(m))
	for p, q := range m {
		out = append(out, model.PriceLevel{PriceCents: p, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents > out[j].PriceCents })
	return out
}

// truncateDepth keeps the top n levels of a side; n <= 0 means all.
func truncateDepth(levels []model.PriceLevel, n int) []model.PriceLevel {
	if n <= 0 || len(levels) <= n {
		return levels
	}
	return levels[:n]
}
