package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/clouvelai/kalshibook-sub001/internal/model"
)

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	// BatchSize is the pending-row count that triggers an early flush.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// HighWater is the pending-row count above which Gate blocks the
	// feed from reading further messages. Must be >= BatchSize.
	HighWater int
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: 1 * time.Second,
		HighWater:     50000,
	}
}

// WriterStats holds cumulative writer counters.
type WriterStats struct {
	SnapshotInserts int64
	DeltaInserts    int64
	TradeInserts    int64
	GapInserts      int64
	Conflicts       int64
	Errors          int64
	Flushes         int64
	Pending         int
}

// Writer decouples message processing from storage I/O. Records accumulate
// in per-type batches and are flushed when either the size threshold or the
// flush interval is reached. Accepted, sequence-validated records are never
// dropped: a failed flush requeues its rows and the Gate applies
// backpressure to the feed until storage catches up.
// batchSender is the slice of the pgx pool the writer needs, narrowed so
// flush behavior is testable without a database.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Writer struct {
	cfg        WriterConfig
	db         batchSender
	partitions *PartitionManager
	logger     *slog.Logger

	mu        sync.Mutex
	snapshots []model.OrderbookSnapshot
	deltas    []model.OrderbookDelta
	trades    []model.TradeExecution
	gaps      []model.SequenceGap
	release   chan struct{} // closed after each flush; recreated immediately
	metrics   WriterStats

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates a Writer. partitions may not be nil: every flush ensures
// the target day partitions exist before inserting.
func NewWriter(cfg WriterConfig, db *pgxpool.Pool, partitions *PartitionManager, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:        cfg,
		db:         db,
		partitions: partitions,
		logger:     logger,
		snapshots:  make([]model.OrderbookSnapshot, 0, 100),
		deltas:     make([]model.OrderbookDelta, 0, cfg.BatchSize),
		trades:     make([]model.TradeExecution, 0, cfg.BatchSize),
		gaps:       make([]model.SequenceGap, 0, 16),
		release:    make(chan struct{}),
		kick:       make(chan struct{}, 1),
	}
}

// Start begins the flush loop.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("storage writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"high_water", w.cfg.HighWater,
	)
	return nil
}

// Stop drains the buffers with a final flush before returning. The feed
// connection must already be closed or paused by the caller.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping storage writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("storage writer stop timed out")
	}

	// Final drain. Uses the caller's ctx since w.ctx is already cancelled.
	w.flush(ctx)

	w.logger.Info("storage writer stopped")
	return nil
}

// AddSnapshot buffers a snapshot row.
func (w *Writer) AddSnapshot(s model.OrderbookSnapshot) {
	w.mu.Lock()
	w.snapshots = append(w.snapshots, s)
	full := w.pendingLocked() >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.requestFlush()
	}
}

// AddDelta buffers a delta row.
func (w *Writer) AddDelta(d model.OrderbookDelta) {
	w.mu.Lock()
	w.deltas = append(w.deltas, d)
	full := w.pendingLocked() >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.requestFlush()
	}
}

// AddTrade buffers a trade row.
func (w *Writer) AddTrade(t model.TradeExecution) {
	w.mu.Lock()
	w.trades = append(w.trades, t)
	full := w.pendingLocked() >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.requestFlush()
	}
}

// AddGap buffers a sequence-gap row.
func (w *Writer) AddGap(g model.SequenceGap) {
	w.mu.Lock()
	w.gaps = append(w.gaps, g)
	w.mu.Unlock()
}

// Gate blocks while the pending-row count is at or above the high-water
// mark. The feed manager calls it before every read so a stalled database
// pauses consumption instead of dropping validated data.
func (w *Writer) Gate(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.pendingLocked() < w.cfg.HighWater {
			w.mu.Unlock()
			return nil
		}
		release := w.release
		w.mu.Unlock()

		w.requestFlush()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
		}
	}
}

// Stats returns the current counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.metrics
	s.Pending = w.pendingLocked()
	return s
}

func (w *Writer) pendingLocked() int {
	return len(w.snapshots) + len(w.deltas) + len(w.trades) + len(w.gaps)
}

func (w *Writer) requestFlush() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		case <-w.kick:
			w.flush(w.ctx)
		}
	}
}

// flush swaps out the current batches and writes them. On error the rows are
// requeued so nothing validated is lost; the Gate keeps the feed paused
// while storage is unavailable.
func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	snapshots := w.snapshots
	deltas := w.deltas
	trades := w.trades
	gaps := w.gaps
	w.snapshots = make([]model.OrderbookSnapshot, 0, 100)
	w.deltas = make([]model.OrderbookDelta, 0, w.cfg.BatchSize)
	w.trades = make([]model.TradeExecution, 0, w.cfg.BatchSize)
	w.gaps = make([]model.SequenceGap, 0, 16)
	w.mu.Unlock()

	if len(snapshots) == 0 && len(deltas) == 0 && len(trades) == 0 && len(gaps) == 0 {
		w.signalRelease()
		return
	}

	start := time.Now()

	if err := w.ensurePartitions(ctx, snapshots, deltas, trades); err != nil {
		w.logger.Error("partition ensure failed, requeueing batch", "error", err)
		w.requeue(snapshots, deltas, trades, gaps)
		return
	}

	// The four tables are independent, so their batches insert
	// concurrently. Each goroutine requeues its own rows before returning
	// the error; every goroutine runs to completion regardless.
	var g errgroup.Group

	if len(deltas) > 0 {
		g.Go(func() error {
			conflicts, err := w.insertDeltas(ctx, deltas)
			if err != nil {
				w.logger.Error("delta batch insert failed", "error", err, "count", len(deltas))
				w.requeue(nil, deltas, nil, nil)
				return err
			}
			w.mu.Lock()
			w.metrics.DeltaInserts += int64(len(deltas) - conflicts)
			w.metrics.Conflicts += int64(conflicts)
			w.mu.Unlock()
			return nil
		})
	}

	if len(snapshots) > 0 {
		g.Go(func() error {
			if err := w.insertSnapshots(ctx, snapshots); err != nil {
				w.logger.Error("snapshot batch insert failed", "error", err, "count", len(snapshots))
				w.requeue(snapshots, nil, nil, nil)
				return err
			}
			w.mu.Lock()
			w.metrics.SnapshotInserts += int64(len(snapshots))
			w.mu.Unlock()
			return nil
		})
	}

	if len(trades) > 0 {
		g.Go(func() error {
			conflicts, err := w.insertTrades(ctx, trades)
			if err != nil {
				w.logger.Error("trade batch insert failed", "error", err, "count", len(trades))
				w.requeue(nil, nil, trades, nil)
				return err
			}
			w.mu.Lock()
			w.metrics.TradeInserts += int64(len(trades) - conflicts)
			w.metrics.Conflicts += int64(conflicts)
			w.mu.Unlock()
			return nil
		})
	}

	if len(gaps) > 0 {
		g.Go(func() error {
			if err := w.insertGaps(ctx, gaps); err != nil {
				w.logger.Error("gap batch insert failed", "error", err, "count", len(gaps))
				w.requeue(nil, nil, nil, gaps)
				return err
			}
			w.mu.Lock()
			w.metrics.GapInserts += int64(len(gaps))
			w.mu.Unlock()
			return nil
		})
	}

	flushErr := g.Wait()

	w.mu.Lock()
	w.metrics.Flushes++
	if flushErr != nil {
		w.metrics.Errors++
	}
	w.mu.Unlock()

	if flushErr == nil {
		w.signalRelease()
	}

	w.logger.Debug("flushed",
		"snapshots", len(snapshots),
		"deltas", len(deltas),
		"trades", len(trades),
		"gaps", len(gaps),
		"duration", time.Since(start),
	)
}

// signalRelease wakes any goroutine parked in Gate.
func (w *Writer) signalRelease() {
	w.mu.Lock()
	close(w.release)
	w.release = make(chan struct{})
	w.mu.Unlock()
}

// requeue puts failed rows back at the front of their batches.
func (w *Writer) requeue(
	snapshots []model.OrderbookSnapshot,
	deltas []model.OrderbookDelta,
	trades []model.TradeExecution,
	gaps []model.SequenceGap,
) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(snapshots) > 0 {
		w.snapshots = append(snapshots, w.snapshots...)
	}
	if len(deltas) > 0 {
		w.deltas = append(deltas, w.deltas...)
	}
	if len(trades) > 0 {
		w.trades = append(trades, w.trades...)
	}
	if len(gaps) > 0 {
		w.gaps = append(gaps, w.gaps...)
	}
}

// ensurePartitions makes sure a partition exists for every UTC day the batch
// touches. Almost always a no-op thanks to the manager's ensured-set.
func (w *Writer) ensurePartitions(
	ctx context.Context,
	snapshots []model.OrderbookSnapshot,
	deltas []model.OrderbookDelta,
	trades []model.TradeExecution,
) error {
	for _, s := range snapshots {
		if !w.partitions.Ensured(s.CapturedAt) {
			if err := w.partitions.EnsureDay(ctx, s.CapturedAt); err != nil {
				return err
			}
		}
	}
	for _, d := range deltas {
		if !w.partitions.Ensured(d.TS) {
			if err := w.partitions.EnsureDay(ctx, d.TS); err != nil {
				return err
			}
		}
	}
	for _, t := range trades {
		if !w.partitions.Ensured(t.TS) {
			if err := w.partitions.EnsureDay(ctx, t.TS); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) insertDeltas(ctx context.Context, rows []model.OrderbookDelta) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO orderbook_deltas (id, ticker, ts, seq, price_cents, delta_amount, side, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (ticker, ts, seq, id) DO NOTHING
		`, r.ID, r.Ticker, r.TS, r.Seq, r.PriceCents, r.DeltaAmount, string(r.Side), r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}

func (w *Writer) insertSnapshots(ctx context.Context, rows []model.OrderbookSnapshot) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		yes, _ := json.Marshal(r.YesLevels)
		no, _ := json.Marshal(r.NoLevels)
		batch.Queue(`
			INSERT INTO orderbook_snapshots (ticker, captured_at, sequence, yes_levels, no_levels, received_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (ticker, captured_at, sequence) DO NOTHING
		`, r.Ticker, r.CapturedAt, r.Sequence, yes, no, r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) insertTrades(ctx context.Context, rows []model.TradeExecution) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO trades (trade_id, ticker, ts, yes_price_cents, no_price_cents, count, taker_side, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (ts, trade_id) DO NOTHING
		`, r.TradeID, r.Ticker, r.TS, r.YesPriceCents, r.NoPriceCents, r.Count, string(r.TakerSide), r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}

func (w *Writer) insertGaps(ctx context.Context, rows []model.SequenceGap) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO sequence_gaps (id, ticker, from_seq, to_seq, detected_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, r.Ticker, r.FromSeq, r.ToSeq, r.DetectedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
