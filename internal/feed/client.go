package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a single authenticated WebSocket connection to the feed.
type Client interface {
	// Connect performs the handshake and starts the read and keepalive
	// loops.
	Connect(ctx context.Context) error

	// Close tears the connection down. Safe to call more than once.
	Close() error

	// Send writes raw bytes to the connection.
	Send(data []byte) error

	// Messages returns every raw inbound message (data and command
	// responses alike), stamped with its local arrival time.
	Messages() <-chan TimestampedMessage

	// Errors reports read failures and staleness.
	Errors() <-chan error

	// IsConnected reports whether the socket is currently up.
	IsConnected() bool
}

type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	connected atomic.Bool
	closeOnce sync.Once

	contactMu   sync.Mutex
	lastContact time.Time
}

// NewClient creates an unconnected client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Connect dials the feed. A 401/403 handshake response is surfaced as
// *AuthError so callers can distinguish bad credentials from transient
// failures.
func (c *client) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrAlreadyClosed
	default:
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthError{Status: resp.StatusCode}
		}
		return err
	}

	c.conn = conn
	c.connected.Store(true)
	c.touch()

	// The server pings us; answer with a pong carrying the same payload.
	// Both directions of control traffic count as liveness.
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop()
	go c.keepaliveLoop()

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	return nil
}

// Close tears the connection down.
func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			err = c.conn.Close()
		}
	})
	return err
}

// Send writes raw bytes to the connection.
func (c *client) Send(data []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) Messages() <-chan TimestampedMessage {
	return c.messages
}

func (c *client) Errors() <-chan error {
	return c.errors
}

func (c *client) IsConnected() bool {
	return c.connected.Load()
}

// touch records contact from the server for staleness tracking.
func (c *client) touch() {
	c.contactMu.Lock()
	c.lastContact = time.Now()
	c.contactMu.Unlock()
}

func (c *client) sinceContact() time.Duration {
	c.contactMu.Lock()
	defer c.contactMu.Unlock()
	return time.Since(c.lastContact)
}

// reportErr hands one error to the owner; the channel holds a single
// slot and the first error wins.
func (c *client) reportErr(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

// readLoop pulls frames off the socket and delivers them in order.
// Delivery BLOCKS when the buffer is full: the socket stops being read
// and TCP flow control stalls the feed, so a paused consumer never
// causes data to be shed here.
func (c *client) readLoop() {
	defer c.connected.Store(false)

	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-c.done:
			default:
				c.reportErr(err)
			}
			return
		}

		msg := TimestampedMessage{Data: data, ReceivedAt: receivedAt}
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

// keepaliveLoop pings the server and declares the connection stale when
// nothing has been heard for PingTimeout.
func (c *client) keepaliveLoop() {
	interval := c.cfg.PingTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
			}

			if since := c.sinceContact(); since > c.cfg.PingTimeout {
				c.logger.Warn("connection stale",
					"since_contact", since,
					"timeout", c.cfg.PingTimeout,
				)
				c.reportErr(ErrStaleConnection)
				return
			}
		}
	}
}
