package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Channel names on the exchange feed.
const (
	channelOrderbook = "orderbook_delta"
	channelTrade     = "trade"
	channelLifecycle = "market_lifecycle_v2"
)

// resubscribeBatchSize bounds the tickers per command when replaying the
// active set after a reconnect.
const resubscribeBatchSize = 100

// Handler consumes data messages in arrival order. Implemented by
// process.Processor.
type Handler interface {
	Handle(ctx context.Context, data []byte, receivedAt time.Time)
}

// Gate admits a message into the pipeline, blocking while storage is
// saturated. Implemented by storage.Writer.
type Gate interface {
	Gate(ctx context.Context) error
}

// Resubscriber supplies the full set of markets to replay after a
// reconnect. Implemented by subscription.Manager.
type Resubscriber interface {
	ResubscribeList() []string
}

// ManagerStats provides statistics about the feed manager.
type ManagerStats struct {
	Connected    bool
	Reconnects   int64
	MessagesRead int64
}

// Manager owns the single WebSocket connection: dialing, subscription
// replay after reconnects, command/response correlation, and the read loop
// that feeds the handler. It also implements subscription.CommandSink.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	handler Handler
	gate    Gate
	resub   Resubscriber

	clientMu sync.RWMutex
	client   Client

	// Command/response correlation
	pendingMu sync.Mutex
	pending   map[int64]chan Response
	cmdID     int64 // atomic

	// Orderbook channel subscription; commands against it are serialized.
	subMu        sync.Mutex
	orderbookSID int64

	fatal chan error

	reconnects   atomic.Int64
	messagesRead atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a feed manager.
func NewManager(cfg ManagerConfig, handler Handler, gate Gate, resub Resubscriber, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "feed"),
		handler: handler,
		gate:    gate,
		resub:   resub,
		pending: make(map[int64]chan Response),
		fatal:   make(chan error, 1),
	}
}

// Start launches the connection loop.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
	m.logger.Info("feed manager started", "url", m.cfg.URL)
	return nil
}

// Stop shuts the connection down.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.closeClient()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("feed manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("feed shutdown timeout, forcing close")
		return fmt.Errorf("feed manager stop: %w", ctx.Err())
	}
}

// Fatal reports unrecoverable feed errors, currently only rejected
// credentials. At most one error is ever sent.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.clientMu.RLock()
	c := m.client
	m.clientMu.RUnlock()
	return ManagerStats{
		Connected:    c != nil && c.IsConnected(),
		Reconnects:   m.reconnects.Load(),
		MessagesRead: m.messagesRead.Load(),
	}
}

// run is the connect/consume/reconnect loop. It exits on context
// cancellation or a fatal auth error.
func (m *Manager) run() {
	defer m.wg.Done()

	wait := m.cfg.ReconnectBaseWait
	first := true

	for {
		if m.ctx.Err() != nil {
			return
		}

		client := NewClient(ClientConfig{
			URL:          m.cfg.URL,
			APIKey:       m.cfg.APIKey,
			PingTimeout:  m.cfg.PingTimeout,
			WriteTimeout: m.cfg.WriteTimeout,
			BufferSize:   m.cfg.MessageBufferSize,
		}, m.logger)

		if err := client.Connect(m.ctx); err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				m.logger.Error("feed authentication rejected", "status", authErr.Status)
				select {
				case m.fatal <- err:
				default:
				}
				return
			}
			m.logger.Warn("feed connect failed", "error", err, "retry_in", wait)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(wait):
			}
			wait *= 2
			if wait > m.cfg.ReconnectMaxWait {
				wait = m.cfg.ReconnectMaxWait
			}
			continue
		}

		wait = m.cfg.ReconnectBaseWait
		if !first {
			m.reconnects.Add(1)
		}
		first = false

		m.setClient(client)
		m.resetSubscriptionState()

		// Subscriptions are established concurrently: subscribe commands
		// block on responses that only the consume loop reads.
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.establishSubscriptions()
		}()

		m.consume(client)
		client.Close()

		if m.ctx.Err() != nil {
			return
		}
		m.logger.Warn("feed connection lost, reconnecting")
	}
}

// consume reads from one connection until it fails or the manager stops.
// Every data message passes the storage gate and then the handler, in
// arrival order.
func (m *Manager) consume(client Client) {
	for {
		select {
		case <-m.ctx.Done():
			return

		case err := <-client.Errors():
			m.logger.Warn("connection error", "error", err)
			return

		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			m.messagesRead.Add(1)

			if resp, ok := m.tryParseResponse(msg.Data); ok {
				m.routeResponse(resp)
				continue
			}

			if err := m.gate.Gate(m.ctx); err != nil {
				return
			}
			m.handler.Handle(m.ctx, msg.Data, msg.ReceivedAt)
		}
	}
}

// establishSubscriptions sets up the global channels and replays the
// active market set in batches.
func (m *Manager) establishSubscriptions() {
	for _, ch := range []string{channelTrade, channelLifecycle} {
		if _, err := m.sendCommand(m.ctx, "subscribe", SubscribeParams{Channels: []string{ch}}); err != nil {
			m.logger.Error("global channel subscribe failed", "channel", ch, "error", err)
		}
	}

	tickers := m.resub.ResubscribeList()
	if len(tickers) == 0 {
		return
	}
	m.logger.Info("replaying market subscriptions", "count", len(tickers))

	for start := 0; start < len(tickers); start += resubscribeBatchSize {
		end := start + resubscribeBatchSize
		if end > len(tickers) {
			end = len(tickers)
		}
		if err := m.SubscribeMarkets(m.ctx, tickers[start:end]); err != nil {
			m.logger.Error("subscription replay failed",
				"batch_start", start, "error", err)
			return
		}
	}
}

// SubscribeMarkets adds markets to the orderbook channel, creating the
// subscription on first use.
func (m *Manager) SubscribeMarkets(ctx context.Context, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if m.orderbookSID == 0 {
		resp, err := m.sendCommand(ctx, "subscribe", SubscribeParams{
			Channels:      []string{channelOrderbook},
			MarketTickers: tickers,
		})
		if err != nil {
			return err
		}
		var sub SubscribedMsg
		if err := json.Unmarshal(resp.Msg, &sub); err != nil {
			return fmt.Errorf("parse subscribed response: %w", err)
		}
		m.orderbookSID = sub.SID
		m.logger.Debug("orderbook channel subscribed", "sid", sub.SID, "markets", len(tickers))
		return nil
	}

	_, err := m.sendCommand(ctx, "update_subscription", UpdateSubscriptionParams{
		SIDs:          []int64{m.orderbookSID},
		Action:        "add_markets",
		MarketTickers: tickers,
	})
	return err
}

// UnsubscribeMarkets removes markets from the orderbook channel.
func (m *Manager) UnsubscribeMarkets(ctx context.Context, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if m.orderbookSID == 0 {
		return nil
	}
	_, err := m.sendCommand(ctx, "update_subscription", UpdateSubscriptionParams{
		SIDs:          []int64{m.orderbookSID},
		Action:        "delete_markets",
		MarketTickers: tickers,
	})
	return err
}

// sendCommand sends one command and waits for its correlated response.
func (m *Manager) sendCommand(ctx context.Context, cmd string, params interface{}) (Response, error) {
	m.clientMu.RLock()
	client := m.client
	m.clientMu.RUnlock()
	if client == nil || !client.IsConnected() {
		return Response{}, ErrNotConnected
	}

	id := atomic.AddInt64(&m.cmdID, 1)
	respCh := make(chan Response, 1)

	m.pendingMu.Lock()
	m.pending[id] = respCh
	m.pendingMu.Unlock()

	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
	}()

	data, err := json.Marshal(Command{ID: id, Cmd: cmd, Params: params})
	if err != nil {
		return Response{}, err
	}
	if err := client.Send(data); err != nil {
		return Response{}, err
	}

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-time.After(m.cfg.SubscribeTimeout):
		return Response{}, ErrTimeout
	case resp := <-respCh:
		if resp.Type == "error" {
			return Response{}, commandError(resp)
		}
		return resp, nil
	}
}

// commandError turns an error response into a Go error, falling back to
// the raw payload when the body does not parse as an ErrorMsg.
func commandError(resp Response) error {
	var errMsg ErrorMsg
	if err := json.Unmarshal(resp.Msg, &errMsg); err != nil || errMsg.Message == "" {
		return fmt.Errorf("feed error: %s", resp.Msg)
	}
	return fmt.Errorf("%s: %s", errMsg.Code, errMsg.Message)
}

// tryParseResponse attempts to parse a message as a command response.
func (m *Manager) tryParseResponse(data []byte) (Response, bool) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}
	if resp.ID == 0 {
		return Response{}, false
	}

	switch resp.Type {
	case "subscribed", "unsubscribed", "error", "ok":
		return resp, true
	}

	return Response{}, false
}

// routeResponse sends a response to the waiting goroutine.
func (m *Manager) routeResponse(resp Response) {
	m.pendingMu.Lock()
	ch, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
	}
	m.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (m *Manager) setClient(client Client) {
	m.clientMu.Lock()
	m.client = client
	m.clientMu.Unlock()
}

func (m *Manager) closeClient() {
	m.clientMu.Lock()
	c := m.client
	m.clientMu.Unlock()
	if c != nil {
		c.Close()
	}
}

// resetSubscriptionState forgets server-side IDs after a reconnect; the new
// connection assigns fresh ones.
func (m *Manager) resetSubscriptionState() {
	m.subMu.Lock()
	m.orderbookSID = 0
	m.subMu.Unlock()

	// In-flight commands from the old connection will never get a
	// response; let them expire on their own timeout.
	m.pendingMu.Lock()
	for id := range m.pending {
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()
}
