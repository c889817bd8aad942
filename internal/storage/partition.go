package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// partitionedTables are the parent tables that receive one child per UTC day.
var partitionedTables = []string{
	"orderbook_snapshots",
	"orderbook_deltas",
	"trades",
}

// PartitionConfig holds partition manager settings.
type PartitionConfig struct {
	// DaysAhead is how many future days to precreate on each scheduler run.
	DaysAhead int

	// CheckInterval is how often the scheduler re-runs EnsureAhead.
	CheckInterval time.Duration
}

// DefaultPartitionConfig returns sensible defaults.
func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{
		DaysAhead:     7,
		CheckInterval: 6 * time.Hour,
	}
}

// PartitionManager idempotently creates daily partitions before writes land
// in them, and precreates partitions for the near future so the hot write
// path never waits on DDL.
type PartitionManager struct {
	cfg    PartitionConfig
	db     *pgxpool.Pool
	logger *slog.Logger

	// ensured remembers days already created so repeat calls skip the DDL.
	mu      sync.Mutex
	ensured map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPartitionManager creates a PartitionManager.
func NewPartitionManager(cfg PartitionConfig, db *pgxpool.Pool, logger *slog.Logger) *PartitionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = DefaultPartitionConfig().CheckInterval
	}
	return &PartitionManager{
		cfg:     cfg,
		db:      db,
		logger:  logger,
		ensured: make(map[string]struct{}),
	}
}

// Start precreates current and near-future partitions, then runs the
// background scheduler.
func (p *PartitionManager) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.EnsureAhead(p.ctx); err != nil {
		p.cancel()
		return fmt.Errorf("initial partition creation: %w", err)
	}

	p.wg.Add(1)
	go p.scheduleLoop()

	p.logger.Info("partition manager started",
		"days_ahead", p.cfg.DaysAhead,
		"check_interval", p.cfg.CheckInterval,
	)
	return nil
}

// Stop shuts down the scheduler.
func (p *PartitionManager) Stop(ctx context.Context) error {
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
	case <-ctx.Done():
		p.logger.Warn("partition manager stop timed out")
	}
	return nil
}

// EnsureAhead creates partitions for today through today+DaysAhead.
func (p *PartitionManager) EnsureAhead(ctx context.Context) error {
	day := time.Now().UTC().Truncate(24 * time.Hour)
	for i := 0; i <= p.cfg.DaysAhead; i++ {
		if err := p.EnsureDay(ctx, day.AddDate(0, 0, i)); err != nil {
			return err
		}
	}
	return nil
}

// EnsureDay creates the daily partition of every partitioned table for the
// UTC day containing t. Idempotent and cheap when already done.
func (p *PartitionManager) EnsureDay(ctx context.Context, t time.Time) error {
	day := t.UTC().Truncate(24 * time.Hour)
	key := day.Format("20060102")

	p.mu.Lock()
	if _, ok := p.ensured[key]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	for _, table := range partitionedTables {
		if _, err := p.db.Exec(ctx, partitionDDL(table, day)); err != nil {
			return fmt.Errorf("create partition %s_%s: %w", table, key, err)
		}
	}

	p.mu.Lock()
	p.ensured[key] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("partitions ensured", "day", key)
	return nil
}

// Ensured reports whether the UTC day containing t has already been created
// by this manager. Used by tests and the writer's fast path.
func (p *PartitionManager) Ensured(t time.Time) bool {
	key := t.UTC().Truncate(24 * time.Hour).Format("20060102")
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ensured[key]
	return ok
}

// partitionDDL builds the CREATE TABLE statement for one table's daily
// partition. day must already be truncated to a UTC day boundary.
func partitionDDL(table string, day time.Time) string {
	next := day.AddDate(0, 0, 1)
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s_%s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		table, day.Format("20060102"), table,
		day.Format("2006-01-02"), next.Format("2006-01-02"),
	)
}

func (p *PartitionManager) scheduleLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.EnsureAhead(p.ctx); err != nil {
				p.logger.Error("scheduled partition creation failed", "error", err)
			}
		}
	}
}
