package process

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clouvelai/kalshibook-sub001/internal/model"
)

type fakeSink struct {
	snapshots []model.OrderbookSnapshot
	deltas    []model.OrderbookDelta
	trades    []model.TradeExecution
	gaps      []model.SequenceGap
}

func (f *fakeSink) AddSnapshot(s model.OrderbookSnapshot) { f.snapshots = append(f.snapshots, s) }
func (f *fakeSink) AddDelta(d model.OrderbookDelta)       { f.deltas = append(f.deltas, d) }
func (f *fakeSink) AddTrade(t model.TradeExecution)       { f.trades = append(f.trades, t) }
func (f *fakeSink) AddGap(g model.SequenceGap)            { f.gaps = append(f.gaps, g) }

type fakeSubs struct {
	discovered []string
	terminal   []string
}

func (f *fakeSubs) OnMarketDiscovered(ticker string) { f.discovered = append(f.discovered, ticker) }
func (f *fakeSubs) OnMarketTerminal(ticker string)   { f.terminal = append(f.terminal, ticker) }

type fakeMarketStore struct {
	upserts []model.Market
	err     error
}

func (f *fakeMarketStore) Upsert(_ context.Context, m model.Market) error {
	f.upserts = append(f.upserts, m)
	return f.err
}

func newTestProcessor(t *testing.T) (*Processor, *fakeSink, *fakeSubs, *fakeMarketStore) {
	t.Helper()
	sink := &fakeSink{}
	subs := &fakeSubs{}
	store := &fakeMarketStore{}
	return New(DefaultConfig(), sink, subs, store, nil), sink, subs, store
}

func snapshotMsg(ticker string, seq int64, yes, no string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"orderbook_snapshot","seq":%d,"msg":{"market_ticker":%q,"yes":%s,"no":%s,"ts":1700000000}}`,
		seq, ticker, yes, no))
}

func deltaMsg(ticker string, seq int64, price, delta int, side string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"orderbook_delta","seq":%d,"msg":{"market_ticker":%q,"price":%d,"delta":%d,"side":%q,"ts":1700000001}}`,
		seq, ticker, price, delta, side))
}

func TestHandle_SnapshotStartsTracking(t *testing.T) {
	p, sink, _, _ := newTestProcessor(t)
	now := time.Now()

	p.Handle(context.Background(), snapshotMsg("MKT-A", 7, `[[45,100],[44,50]]`, `[[55,30]]`), now)

	require.Len(t, sink.snapshots, 1)
	snap := sink.snapshots[0]
	assert.Equal(t, "MKT-A", snap.Ticker)
	assert.Equal(t, int64(7), snap.Sequence)
	assert.Equal(t, []model.PriceLevel{{PriceCents: 45, Quantity: 100}, {PriceCents: 44, Quantity: 50}}, snap.YesLevels)
	assert.Equal(t, []model.PriceLevel{{PriceCents: 55, Quantity: 30}}, snap.NoLevels)
	assert.Equal(t, StateTracking, p.MarketState("MKT-A"))
}

func TestHandle_GapDetection(t *testing.T) {
	p, sink, _, _ := newTestProcessor(t)
	now := time.Now()

	p.Handle(context.Background(), snapshotMsg("MKT-A", 1, `[[50,10]]`, `[]`), now)
	p.Handle(context.Background(), deltaMsg("MKT-A", 2, 50, 5, "yes"), now)
	p.Handle(context.Background(), deltaMsg("MKT-A", 4, 50, 5, "yes"), now)
	p.Handle(context.Background(), deltaMsg("MKT-A", 5, 50, 5, "yes"), now)

	// All deltas are stored even across the gap.
	require.Len(t, sink.deltas, 3)
	assert.Equal(t, []int64{2, 4, 5}, []int64{sink.deltas[0].Seq, sink.deltas[1].Seq, sink.deltas[2].Seq})

	// The missing seq 3 is recorded exactly once.
	require.Len(t, sink.gaps, 1)
	assert.Equal(t, int64(3), sink.gaps[0].FromSeq)
	assert.Equal(t, int64(3), sink.gaps[0].ToSeq)
	assert.Equal(t, StateGapDetected, p.MarketState("MKT-A"))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Gaps)
	assert.Equal(t, int64(3), stats.Deltas)
}

func TestHandle_SnapshotClearsGapState(t *testing.T) {
	p, sink, _, _ := newTestProcessor(t)
	now := time.Now()

	p.Handle(context.Background(), snapshotMsg("MKT-A", 1, `[]`, `[]`), now)
	p.Handle(context.Background(), deltaMsg("MKT-A", 10, 50, 5, "yes"), now)
	require.Equal(t, StateGapDetected, p.MarketState("MKT-A"))

	p.Handle(context.Background(), snapshotMsg("MKT-A", 3, `[[60,1]]`, `[]`), now)
	assert.Equal(t, StateTracking, p.MarketState("MKT-A"))

	// Sequence restarts from the snapshot's value, so 4 is contiguous.
	p.Handle(context.Background(), deltaMsg("MKT-A", 4, 60, 1, "yes"), now)
	assert.Len(t, sink.gaps, 1)
	assert.Equal(t, StateTracking, p.MarketState("MKT-A"))
}

func TestHandle_DuplicateDropped(t *testing.T) {
	p, sink, _, _ := newTestProcessor(t)
	now := time.Now()

	p.Handle(context.Background(), snapshotMsg("MKT-A", 5, `[[50,10]]`, `[]`), now)
	p.Handle(context.Background(), deltaMsg("MKT-A", 6, 50, 5, "yes"), now)
	p.Handle(context.Background(), deltaMsg("MKT-A", 6, 50, 5, "yes"), now)
	p.Handle(context.Background(), deltaMsg("MKT-A", 3, 50, 5, "yes"), now)

	assert.Len(t, sink.deltas, 1)
	assert.Empty(t, sink.gaps)
	assert.Equal(t, int64(2), p.Stats().Duplicates)
	assert.Equal(t, StateTracking, p.MarketState("MKT-A"))
}

func TestHandle_OrphanDelta(t *testing.T) {
	p, sink, _, _ := newTestProcessor(t)
	now := time.Now()

	p.Handle(context.Background(), deltaMsg("MKT-NEW", 9, 40, 2, "no"), now)

	// Kept for the record, but flagged: nothing is known before seq 9.
	require.Len(t, sink.deltas, 1)
	require.Len(t, sink.gaps, 1)
	assert.Equal(t, int64(0), sink.gaps[0].FromSeq)
	assert.Equal(t, int64(8), sink.gaps[0].ToSeq)
	assert.Equal(t, StateGapDetected, p.MarketState("MKT-NEW"))
	assert.Equal(t, int64(1), p.Stats().Orphans)
}

func TestHandle_InvalidDeltaRejected(t *testing.T) {
	p, sink, _, _ := newTestProcessor(t)
	now := time.Now()
	p.Handle(context.Background(), snapshotMsg("MKT-A", 1, `[]`, `[]`), now)

	p.Handle(context.Background(), deltaMsg("MKT-A", 2, 0, 5, "yes"), now)
	p.Handle(context.Background(), deltaMsg("MKT-A", 2, 100, 5, "yes"), now)
	p.Handle(context.Background(), deltaMsg("MKT-A", 2, 50, 5, "maybe"), now)

	assert.Empty(t, sink.deltas)
	assert.Equal(t, int64(3), p.Stats().ParseErrors)
}

func TestHandle_Trade(t *testing.T) {
	p, sink, _, _ := newTestProcessor(t)
	msg := []byte(`{"type":"trade","msg":{"market_ticker":"MKT-A","trade_id":"t-1","yes_price":45,"no_price":55,"count":10,"taker_side":"yes","ts":1700000000}}`)

	p.Handle(context.Background(), msg, time.Now())

	require.Len(t, sink.trades, 1)
	tr := sink.trades[0]
	assert.Equal(t, "t-1", tr.TradeID)
	assert.Equal(t, 45, tr.YesPriceCents)
	assert.Equal(t, 55, tr.NoPriceCents)
	assert.Equal(t, model.SideYes, tr.TakerSide)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), tr.TS)
}

func TestHandle_LifecycleDiscovered(t *testing.T) {
	p, _, subs, store := newTestProcessor(t)
	msg := []byte(`{"type":"market_lifecycle_v2","msg":{"market_ticker":"MKT-A","event_ticker":"EVT-1","status":"active","metadata":{"category":"politics"},"ts":1700000000}}`)

	p.Handle(context.Background(), msg, time.Now())

	require.Len(t, store.upserts, 1)
	m := store.upserts[0]
	assert.Equal(t, model.StatusActive, m.Status)
	assert.Equal(t, "EVT-1", m.EventTicker)
	assert.Equal(t, map[string]string{"category": "politics"}, m.Metadata)
	assert.Equal(t, []string{"MKT-A"}, subs.discovered)
	assert.Empty(t, subs.terminal)
}

func TestHandle_LifecycleTerminal(t *testing.T) {
	p, _, subs, _ := newTestProcessor(t)
	msg := []byte(`{"type":"market_lifecycle_v2","msg":{"market_ticker":"MKT-A","status":"settled","ts":1700000000}}`)

	p.Handle(context.Background(), msg, time.Now())

	assert.Equal(t, []string{"MKT-A"}, subs.terminal)
	assert.Empty(t, subs.discovered)
}

func TestHandle_UnknownAndUnparseable(t *testing.T) {
	p, sink, _, _ := newTestProcessor(t)
	now := time.Now()

	p.Handle(context.Background(), []byte(`{"type":"heartbeat"}`), now)
	p.Handle(context.Background(), []byte(`{not json`), now)

	assert.Empty(t, sink.deltas)
	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Unknown)
	assert.Equal(t, int64(1), stats.ParseErrors)
}

func TestEmitSyntheticSnapshots(t *testing.T) {
	p, sink, _, _ := newTestProcessor(t)
	now := time.Now()

	p.Handle(context.Background(), snapshotMsg("MKT-A", 1, `[[50,10]]`, `[]`), now)
	p.Handle(context.Background(), deltaMsg("MKT-A", 2, 50, -10, "yes"), now)
	p.Handle(context.Background(), deltaMsg("MKT-A", 3, 60, 7, "yes"), now)

	// A gapped market is skipped.
	p.Handle(context.Background(), snapshotMsg("MKT-B", 1, `[[20,5]]`, `[]`), now)
	p.Handle(context.Background(), deltaMsg("MKT-B", 5, 20, 1, "yes"), now)

	sink.snapshots = nil
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.emitSyntheticSnapshots(at)

	require.Len(t, sink.snapshots, 1)
	snap := sink.snapshots[0]
	assert.Equal(t, "MKT-A", snap.Ticker)
	assert.Equal(t, at, snap.CapturedAt)
	assert.Equal(t, int64(3), snap.Sequence)
	// Level 50 dropped to zero and was removed; 60 was added.
	assert.Equal(t, []model.PriceLevel{{PriceCents: 60, Quantity: 7}}, snap.YesLevels)
	assert.Equal(t, int64(1), p.Stats().SyntheticSnapshots)
}

func TestParseLevels(t *testing.T) {
	got := parseLevels([][]int64{
		{45, 100},
		{0, 5},    // price below range
		{100, 5},  // price above range
		{44},      // malformed pair
		{43, 0},   // empty level
		{42, -1},  // negative quantity
		{41, 250}, // valid
	})
	assert.Equal(t, []model.PriceLevel{{PriceCents: 45, Quantity: 100}, {PriceCents: 41, Quantity: 250}}, got)
}

func TestStartStop(t *testing.T) {
	p, _, _, _ := newTestProcessor(t)
	p.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}
