package process

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clouvelai/kalshibook-sub001/internal/model"
)

// Processor normalizes raw feed messages, tracks per-market sequence
// continuity, and hands validated records to the sink. Handle is called
// synchronously from the feed read loop so arrival order is preserved end
// to end; the periodic snapshot loop is the only goroutine the processor
// owns.
type Processor struct {
	cfg     Config
	logger  *slog.Logger
	sink    Sink
	subs    Subscriptions
	markets MarketStore

	mu      sync.Mutex
	lastSeq map[string]int64
	states  map[string]TrackState
	books   map[string]*liveBook
	metrics Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a processor. Any of subs and markets may be nil in tests.
func New(cfg Config, sink Sink, subs Subscriptions, markets MarketStore, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:     cfg,
		logger:  logger.With("component", "processor"),
		sink:    sink,
		subs:    subs,
		markets: markets,
		lastSeq: make(map[string]int64),
		states:  make(map[string]TrackState),
		books:   make(map[string]*liveBook),
	}
}

// Start launches the synthetic snapshot loop.
func (p *Processor) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.snapshotLoop()
	p.logger.Info("processor started", "snapshot_interval", p.cfg.SnapshotInterval)
}

// Stop halts the snapshot loop. Records already handed to the sink are the
// sink's responsibility to drain.
func (p *Processor) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processor stop: %w", ctx.Err())
	}
}

// Handle parses and dispatches a single raw feed message. receivedAt is the
// local wall-clock time the message was read off the socket.
func (p *Processor) Handle(ctx context.Context, data []byte, receivedAt time.Time) {
	p.mu.Lock()
	p.metrics.Received++
	p.mu.Unlock()

	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		p.countParseError()
		p.logger.Error("unparseable message", "error", err)
		return
	}

	switch env.Type {
	case "orderbook_snapshot":
		p.handleSnapshot(data, receivedAt)
	case "orderbook_delta":
		p.handleDelta(data, receivedAt)
	case "trade":
		p.handleTrade(data, receivedAt)
	case "market_lifecycle_v2", "market_lifecycle":
		p.handleLifecycle(ctx, data, receivedAt)
	case "subscribed", "ok", "error":
		// Command responses are consumed by the feed manager.
	default:
		p.mu.Lock()
		p.metrics.Unknown++
		p.mu.Unlock()
		p.logger.Debug("unknown message type", "type", env.Type)
	}
}

func (p *Processor) handleSnapshot(data []byte, receivedAt time.Time) {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		p.countParseError()
		p.logger.Error("bad snapshot payload", "error", err)
		return
	}
	ticker := w.Msg.MarketTicker
	if ticker == "" {
		p.countParseError()
		return
	}

	snap := model.OrderbookSnapshot{
		Ticker:     ticker,
		CapturedAt: wireTime(w.Msg.Ts, receivedAt),
		Sequence:   w.Seq,
		YesLevels:  parseLevels(w.Msg.Yes),
		NoLevels:   parseLevels(w.Msg.No),
		ReceivedAt: receivedAt,
	}

	p.mu.Lock()
	prev := p.states[ticker]
	p.lastSeq[ticker] = w.Seq
	p.states[ticker] = StateTracking
	p.books[ticker] = bookFromLevels(snap.YesLevels, snap.NoLevels)
	p.metrics.Snapshots++
	p.mu.Unlock()

	if prev == StateGapDetected {
		p.logger.Info("snapshot cleared gap state", "ticker", ticker, "seq", w.Seq)
	}
	p.sink.AddSnapshot(snap)
}

func (p *Processor) handleDelta(data []byte, receivedAt time.Time) {
	var w deltaWire
	if err := json.Unmarshal(data, &w); err != nil {
		p.countParseError()
		p.logger.Error("bad delta payload", "error", err)
		return
	}
	ticker := w.Msg.MarketTicker
	side := model.Side(w.Msg.Side)
	if ticker == "" || !side.Valid() || !model.ValidPrice(w.Msg.Price) {
		p.countParseError()
		p.logger.Error("invalid delta", "ticker", ticker, "side", w.Msg.Side, "price", w.Msg.Price)
		return
	}

	var gap *model.SequenceGap

	p.mu.Lock()
	last, seen := p.lastSeq[ticker]
	switch {
	case !seen:
		// Delta for a market that never produced a snapshot. Stored so the
		// record is complete, but the book is unknown until a snapshot.
		p.metrics.Orphans++
		p.states[ticker] = StateGapDetected
		p.lastSeq[ticker] = w.Seq
		gap = &model.SequenceGap{
			ID:         uuid.New(),
			Ticker:     ticker,
			FromSeq:    0,
			ToSeq:      w.Seq - 1,
			DetectedAt: receivedAt,
		}
	case w.Seq <= last:
		p.metrics.Duplicates++
		p.mu.Unlock()
		p.logger.Debug("duplicate delta dropped", "ticker", ticker, "seq", w.Seq, "last_seq", last)
		return
	case w.Seq == last+1:
		p.lastSeq[ticker] = w.Seq
	default:
		p.metrics.Gaps++
		p.states[ticker] = StateGapDetected
		p.lastSeq[ticker] = w.Seq
		gap = &model.SequenceGap{
			ID:         uuid.New(),
			Ticker:     ticker,
			FromSeq:    last + 1,
			ToSeq:      w.Seq - 1,
			DetectedAt: receivedAt,
		}
	}
	if b, ok := p.books[ticker]; ok {
		b.apply(side, w.Msg.Price, w.Msg.Delta)
	}
	p.metrics.Deltas++
	p.mu.Unlock()

	if gap != nil {
		p.logger.Warn("sequence gap detected",
			"ticker", ticker, "from_seq", gap.FromSeq, "to_seq", gap.ToSeq)
		p.sink.AddGap(*gap)
	}
	p.sink.AddDelta(model.OrderbookDelta{
		ID:          uuid.New(),
		Ticker:      ticker,
		TS:          wireTime(w.Msg.Ts, receivedAt),
		Seq:         w.Seq,
		PriceCents:  w.Msg.Price,
		DeltaAmount: w.Msg.Delta,
		Side:        side,
		ReceivedAt:  receivedAt,
	})
}

func (p *Processor) handleTrade(data []byte, receivedAt time.Time) {
	var w tradeWire
	if err := json.Unmarshal(data, &w); err != nil {
		p.countParseError()
		p.logger.Error("bad trade payload", "error", err)
		return
	}
	if w.Msg.MarketTicker == "" || w.Msg.TradeID == "" {
		p.countParseError()
		return
	}
	taker := model.Side(w.Msg.TakerSide)
	if !taker.Valid() {
		p.countParseError()
		p.logger.Error("invalid trade taker side", "ticker", w.Msg.MarketTicker, "taker_side", w.Msg.TakerSide)
		return
	}

	p.mu.Lock()
	p.metrics.Trades++
	p.mu.Unlock()

	p.sink.AddTrade(model.TradeExecution{
		TradeID:       w.Msg.TradeID,
		Ticker:        w.Msg.MarketTicker,
		TS:            wireTime(w.Msg.Ts, receivedAt),
		YesPriceCents: w.Msg.YesPrice,
		NoPriceCents:  w.Msg.NoPrice,
		Count:         w.Msg.Count,
		TakerSide:     taker,
		ReceivedAt:    receivedAt,
	})
}

func (p *Processor) handleLifecycle(ctx context.Context, data []byte, receivedAt time.Time) {
	var w lifecycleWire
	if err := json.Unmarshal(data, &w); err != nil {
		p.countParseError()
		p.logger.Error("bad lifecycle payload", "error", err)
		return
	}
	ticker := w.Msg.MarketTicker
	if ticker == "" {
		p.countParseError()
		return
	}

	status := model.MarketStatus(w.Msg.Status)
	m := model.Market{
		Ticker:       ticker,
		EventTicker:  w.Msg.EventTicker,
		Status:       status,
		DiscoveredAt: wireTime(w.Msg.Ts, receivedAt),
		UpdatedAt:    receivedAt,
	}
	if len(w.Msg.Metadata) > 0 {
		if err := json.Unmarshal(w.Msg.Metadata, &m.Metadata); err != nil {
			p.logger.Debug("unparseable lifecycle metadata", "ticker", ticker, "error", err)
		}
	}

	p.mu.Lock()
	p.metrics.Lifecycles++
	p.mu.Unlock()

	if p.markets != nil {
		if err := p.markets.Upsert(ctx, m); err != nil {
			p.logger.Error("market upsert failed", "ticker", ticker, "error", err)
		}
	}
	if p.subs == nil {
		return
	}
	if status.Terminal() {
		p.subs.OnMarketTerminal(ticker)
	} else {
		p.subs.OnMarketDiscovered(ticker)
	}
}

// MarketState returns the sequence-tracking state for a ticker.
func (p *Processor) MarketState(ticker string) TrackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[ticker]
}

// Stats returns a copy of the cumulative counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

func (p *Processor) countParseError() {
	p.mu.Lock()
	p.metrics.ParseErrors++
	p.mu.Unlock()
}

func (p *Processor) snapshotLoop() {
	defer p.wg.Done()
	interval := p.cfg.SnapshotInterval
	if interval <= 0 {
		interval = DefaultConfig().SnapshotInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.emitSyntheticSnapshots(time.Now().UTC())
		}
	}
}

// emitSyntheticSnapshots writes a full snapshot for every market in tracking
// state. Synthetic snapshots bound how many deltas a reconstruction has to
// replay; markets in gap state are skipped because their mirrored book is
// not trustworthy until a feed snapshot resets it.
func (p *Processor) emitSyntheticSnapshots(now time.Time) {
	var snaps []model.OrderbookSnapshot

	p.mu.Lock()
	for ticker, st := range p.states {
		if st != StateTracking {
			continue
		}
		b, ok := p.books[ticker]
		if !ok {
			continue
		}
		snaps = append(snaps, model.OrderbookSnapshot{
			Ticker:     ticker,
			CapturedAt: now,
			Sequence:   p.lastSeq[ticker],
			YesLevels:  b.levels(model.SideYes),
			NoLevels:   b.levels(model.SideNo),
			ReceivedAt: now,
		})
	}
	p.metrics.SyntheticSnapshots += int64(len(snaps))
	p.mu.Unlock()

	for _, s := range snaps {
		p.sink.AddSnapshot(s)
	}
	if len(snaps) > 0 {
		p.logger.Debug("synthetic snapshots emitted", "count", len(snaps))
	}
}

// parseLevels converts wire [price_cents, quantity] pairs, dropping malformed
// or out-of-range entries and empty levels.
func parseLevels(pairs [][]int64) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		price := int(pair[0])
		if !model.ValidPrice(price) || pair[1] <= 0 {
			continue
		}
		out = append(out, model.PriceLevel{PriceCents: price, Quantity: pair[1]})
	}
	return out
}

// wireTime converts an epoch-seconds timestamp, falling back to the local
// receive time when the feed omitted it.
func wireTime(ts int64, fallback time.Time) time.Time {
	if ts <= 0 {
		return fallback.UTC()
	}
	return time.Unix(ts, 0).UTC()
}
