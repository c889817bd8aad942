package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// CommandSink sends subscription commands to the feed. Implemented by
// feed.Manager.
type CommandSink interface {
	SubscribeMarkets(ctx context.Context, tickers []string) error
	UnsubscribeMarkets(ctx context.Context, tickers []string) error
}

// Config holds subscription manager settings.
type Config struct {
	// Ceiling is the maximum number of concurrently subscribed markets.
	Ceiling int

	// BatchSize is the maximum number of tickers per subscribe command.
	BatchSize int

	// CommandsPerSecond throttles outgoing feed commands.
	CommandsPerSecond float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Ceiling:           1000,
		BatchSize:         100,
		CommandsPerSecond: 10.0,
	}
}

// Stats is a point-in-time view of the manager's queues.
type Stats struct {
	Active              int
	Overflow            int
	PendingSubscribes   int
	PendingUnsubscribes int
}

// Manager owns the active subscription set and the overflow queue. Lifecycle
// notifications arrive synchronously from the processor; the actual feed
// commands go out asynchronously from the run loop so ingestion is never
// blocked on the feed's command channel.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu           sync.Mutex
	sink         CommandSink
	active       map[string]struct{}
	overflow     []string
	overflowSet  map[string]struct{}
	pendingSub   []string
	pendingUnsub []string

	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a subscription manager. The command sink is attached
// separately with SetSink because the feed manager needs this manager at
// construction time too.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultConfig().Ceiling
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.CommandsPerSecond <= 0 {
		cfg.CommandsPerSecond = DefaultConfig().CommandsPerSecond
	}
	return &Manager{
		cfg:         cfg,
		logger:      logger.With("component", "subscriptions"),
		limiter:     rate.NewLimiter(rate.Limit(cfg.CommandsPerSecond), 1),
		active:      make(map[string]struct{}),
		overflowSet: make(map[string]struct{}),
		kick:        make(chan struct{}, 1),
	}
}

// SetSink attaches the feed command sink. Must be called before Start.
func (m *Manager) SetSink(sink CommandSink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// Start launches the command dispatch loop.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
	m.logger.Info("subscription manager started",
		"ceiling", m.cfg.Ceiling, "batch_size", m.cfg.BatchSize)
}

// Stop halts the dispatch loop. Pending commands are dropped; a reconnect
// replays the full active set anyway.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("subscription manager stop: %w", ctx.Err())
	}
}

// Seed registers tickers as wanted without emitting subscribe commands,
// used at startup before the feed connects. Tickers past the ceiling go to
// the overflow queue in the given order.
func (m *Manager) Seed(tickers []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tickers {
		if _, ok := m.active[t]; ok {
			continue
		}
		if _, ok := m.overflowSet[t]; ok {
			continue
		}
		if len(m.active) < m.cfg.Ceiling {
			m.active[t] = struct{}{}
		} else {
			m.overflow = append(m.overflow, t)
			m.overflowSet[t] = struct{}{}
		}
	}
}

// OnMarketDiscovered subscribes a market if a slot is free, otherwise queues
// it. Already-known tickers are ignored.
func (m *Manager) OnMarketDiscovered(ticker string) {
	m.mu.Lock()
	if _, ok := m.active[ticker]; ok {
		m.mu.Unlock()
		return
	}
	if _, ok := m.overflowSet[ticker]; ok {
		m.mu.Unlock()
		return
	}
	if len(m.active) >= m.cfg.Ceiling {
		m.overflow = append(m.overflow, ticker)
		m.overflowSet[ticker] = struct{}{}
		n := len(m.overflow)
		m.mu.Unlock()
		m.logger.Debug("subscription ceiling reached, market queued",
			"ticker", ticker, "overflow", n)
		return
	}
	m.active[ticker] = struct{}{}
	m.pendingSub = append(m.pendingSub, ticker)
	m.mu.Unlock()
	m.requestDispatch()
}

// OnMarketTerminal unsubscribes a market and promotes queued markets into
// the freed slots, oldest first.
func (m *Manager) OnMarketTerminal(ticker string) {
	m.mu.Lock()
	if _, ok := m.overflowSet[ticker]; ok {
		// Never subscribed; just forget it.
		delete(m.overflowSet, ticker)
		for i, t := range m.overflow {
			if t == ticker {
				m.overflow = append(m.overflow[:i], m.overflow[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return
	}
	if _, ok := m.active[ticker]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, ticker)
	m.pendingUnsub = append(m.pendingUnsub, ticker)
	m.promoteLocked()
	m.mu.Unlock()
	m.requestDispatch()
}

// promoteLocked moves overflow entries into free slots. Caller holds mu.
func (m *Manager) promoteLocked() {
	for len(m.overflow) > 0 && len(m.active) < m.cfg.Ceiling {
		t := m.overflow[0]
		m.overflow = m.overflow[1:]
		delete(m.overflowSet, t)
		m.active[t] = struct{}{}
		m.pendingSub = append(m.pendingSub, t)
	}
}

// ResubscribeList returns the full active set for replay after a reconnect.
func (m *Manager) ResubscribeList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for t := range m.active {
		out = append(out, t)
	}
	return out
}

// Stats returns current queue depths.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:              len(m.active),
		Overflow:            len(m.overflow),
		PendingSubscribes:   len(m.pendingSub),
		PendingUnsubscribes: len(m.pendingUnsub),
	}
}

func (m *Manager) requestDispatch() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.kick:
			m.dispatch()
		}
	}
}

// dispatch drains the pending queues in rate-limited batches.
func (m *Manager) dispatch() {
	for {
		m.mu.Lock()
		sink := m.sink
		var batch []string
		var unsub bool
		switch {
		case len(m.pendingUnsub) > 0:
			batch, m.pendingUnsub = takeBatch(m.pendingUnsub, m.cfg.BatchSize)
			unsub = true
		case len(m.pendingSub) > 0:
			batch, m.pendingSub = takeBatch(m.pendingSub, m.cfg.BatchSize)
		}
		m.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		if sink == nil {
			m.logger.Warn("no command sink attached, dropping batch", "count", len(batch))
			continue
		}
		if err := m.limiter.Wait(m.ctx); err != nil {
			return
		}

		var err error
		if unsub {
			err = sink.UnsubscribeMarkets(m.ctx, batch)
		} else {
			err = sink.SubscribeMarkets(m.ctx, batch)
		}
		if err != nil {
			// The feed replays the active set on reconnect, so a failed
			// subscribe is healed there; only log it.
			m.logger.Error("subscription command failed",
				"unsubscribe", unsub, "count", len(batch), "error", err)
		}
	}
}

func takeBatch(queue []string, size int) (batch, rest []string) {
	if len(queue) <= size {
		return queue, nil
	}
	return queue[:size], queue[size:]
}
