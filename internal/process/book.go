package process

import (
	"sort"

	"github.com/clouvelai/kalshibook-sub001/internal/model"
)

// liveBook mirrors the current book for one tracked market so the processor
// can emit periodic synthetic snapshots without a read from storage.
type liveBook struct {
	yes map[int]int64
	no  map[int]int64
}

func bookFromLevels(yes, no []model.PriceLevel) *liveBook {
	b := &liveBook{
		yes: make(map[int]int64, len(yes)),
		no:  make(map[int]int64, len(no)),
	}
	for _, l := range yes {
		b.yes[l.PriceCents] = l.Quantity
	}
	for _, l := range no {
		b.no[l.PriceCents] = l.Quantity
	}
	return b
}

// apply adds delta to the level's quantity. A level at or below zero is
// removed entirely, never kept at zero.
func (b *liveBook) apply(side model.Side, price int, delta int) {
	m := b.yes
	if side == model.SideNo {
		m = b.no
	}
	q := m[price] + int64(delta)
	if q <= 0 {
		delete(m, price)
		return
	}
	m[price] = q
}

// levels returns one side sorted descending by price.
func (b *liveBook) levels(side model.Side) []model.PriceLevel {
	m := b.yes
	if side == model.SideNo {
		m = b.no
	}
	out := make([]model.PriceLevel, 0, len(m))
	for p, q := range m {
		out = append(out, model.PriceLevel{PriceCents: p, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents > out[j].PriceCents })
	return out
}
