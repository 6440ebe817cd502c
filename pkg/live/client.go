// Package live implements the duplex streaming transport for the remote
// generative-response service.
//
// It owns the single persistent WebSocket connection and exchanges JSON
// envelopes according to the BidiGenerateContent protocol: connect, send,
// receive, reconnect-with-backoff, disconnect. The transport has no knowledge
// of turn semantics — inbound frames are parsed once into a [ServerEnvelope]
// tagged union and handed to the registered envelope callback; everything else
// is the caller's concern.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Default connection parameters.
const (
	defaultMaxReconnects = 5
	defaultReconnectBase = 1 * time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultDialTimeout   = 15 * time.Second
	keepaliveInterval    = 20 * time.Second
	keepaliveTimeout     = 5 * time.Second
)

// Sentinel errors returned by [Client] methods.
var (
	// ErrNotConnected is returned by Send when the connection is not open.
	ErrNotConnected = errors.New("live: not connected")

	// ErrClosed is returned by Connect after the client has been disconnected
	// manually or exhausted its retry budget.
	ErrClosed = errors.New("live: client closed")
)

// State is the lifecycle state of the connection.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Config configures a [Client].
type Config struct {
	// URL is the full WebSocket endpoint, without the credential.
	URL string

	// Credential is the opaque API credential appended as the key query
	// parameter. It is never parsed by the transport.
	Credential string

	// Setup is the configuration envelope marshalled and sent first on every
	// (re)established connection, before any other traffic. Required.
	Setup any

	// MaxReconnectAttempts caps automatic reconnections after an abnormal
	// close. Defaults to 5 if zero.
	MaxReconnectAttempts int

	// ReconnectBase is the initial reconnect delay. It doubles per failed
	// attempt up to ReconnectMax. Defaults to 1s if zero.
	ReconnectBase time.Duration

	// ReconnectMax is the upper limit on the reconnect delay. Defaults to 30s
	// if zero.
	ReconnectMax time.Duration
}

// Client maintains the persistent duplex connection to the remote service.
//
// All exported methods are safe for concurrent use. Callbacks are invoked
// sequentially from the client's receive goroutine and must not block for
// extended periods.
type Client struct {
	url        string
	credential string
	setup      any
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	onOpen     func()
	onClose    func(code websocket.StatusCode, reason string)
	onError    func(error)
	onEnvelope func(*ServerEnvelope)

	mu          sync.Mutex
	conn        *websocket.Conn
	connCtx     context.Context
	connStop    context.CancelFunc
	state       State
	attempts    int
	manual      bool
	retryCancel chan struct{} // closed by Disconnect(true) to abort a pending retry
	gen         uint64        // connection generation; stale receive loops are ignored
}

// NewClient creates a Client from cfg. Callbacks must be registered before
// Connect is called.
func NewClient(cfg Config) *Client {
	maxRetries := cfg.MaxReconnectAttempts
	if maxRetries <= 0 {
		maxRetries = defaultMaxReconnects
	}
	baseDelay := cfg.ReconnectBase
	if baseDelay <= 0 {
		baseDelay = defaultReconnectBase
	}
	maxDelay := cfg.ReconnectMax
	if maxDelay <= 0 {
		maxDelay = defaultReconnectMax
	}
	return &Client{
		url:        cfg.URL,
		credential: cfg.Credential,
		setup:      cfg.Setup,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// OnOpen registers cb to run each time a connection (initial or reconnected)
// becomes open. Subsequent calls replace the previous registration.
func (c *Client) OnOpen(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = cb
}

// OnClose registers cb to run when the connection closes, with the WebSocket
// status code and reason. It fires for both clean and abnormal closes.
func (c *Client) OnClose(cb func(code websocket.StatusCode, reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = cb
}

// OnError registers cb for transport and parse errors. Parse failures are
// reported as [*ParseError] and do not stop subsequent message processing.
func (c *Client) OnError(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = cb
}

// OnEnvelope registers cb to receive each parsed inbound envelope.
func (c *Client) OnEnvelope(cb func(*ServerEnvelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnvelope = cb
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the duplex channel and sends the setup envelope. It
// resolves once the channel is open. A manual [Client.Disconnect] must precede
// any further Connect call.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClosed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("live: connect in state %s", state)
	}
	c.manual = false
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return err
	}
	return nil
}

// dial opens a WebSocket connection, sends the setup envelope, and starts the
// receive and keepalive goroutines. On success the client is StateOpen and the
// reconnect attempt counter is reset.
func (c *Client) dial(ctx context.Context) error {
	wsURL := c.url
	if c.credential != "" {
		wsURL = fmt.Sprintf("%s?key=%s", c.url, c.credential)
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return fmt.Errorf("live: dial: %w", err)
	}

	connCtx, connStop := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.manual {
		// A manual disconnect raced the dial; abandon the fresh connection.
		c.state = StateClosed
		c.mu.Unlock()
		connStop()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrClosed
	}
	c.conn = conn
	c.connCtx = connCtx
	c.connStop = connStop
	c.state = StateOpen
	c.attempts = 0
	c.gen++
	gen := c.gen
	onOpen := c.onOpen
	c.mu.Unlock()

	if err := c.writeJSON(connCtx, conn, c.setup); err != nil {
		connStop()
		conn.Close(websocket.StatusInternalError, "setup failed")
		c.mu.Lock()
		c.conn = nil
		c.state = StateClosed
		c.mu.Unlock()
		return fmt.Errorf("live: setup: %w", err)
	}

	go c.receiveLoop(connCtx, conn, gen)
	go c.keepaliveLoop(connCtx, conn)

	if onOpen != nil {
		onOpen()
	}
	return nil
}

// Send transmits a structured envelope as a text frame. It fails with
// [ErrNotConnected] if the channel is not open; the failure is non-fatal and
// does not tear down the connection.
func (c *Client) Send(ctx context.Context, envelope any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}
	return c.writeJSON(ctx, conn, envelope)
}

// Disconnect closes the channel. With manual=true, automatic reconnection is
// suppressed and any pending retry is abandoned. Safe to call more than once.
func (c *Client) Disconnect(manual bool) error {
	c.mu.Lock()
	c.manual = c.manual || manual
	if manual && c.retryCancel != nil {
		close(c.retryCancel)
		c.retryCancel = nil
	}
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	conn := c.conn
	stop := c.connStop
	c.conn = nil
	c.connStop = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *Client) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads frames from conn until it fails or the connection context
// is cancelled. Each frame is parsed once; parse failures go to the error
// callback, parsed envelopes to the envelope callback.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleReadError(ctx, err, gen)
			return
		}

		env, perr := ParseEnvelope(data)
		if perr != nil {
			c.emitError(perr)
			continue
		}

		c.mu.Lock()
		cb := c.onEnvelope
		c.mu.Unlock()
		if cb != nil {
			cb(env)
		}
	}
}

// handleReadError classifies a connection loss and decides whether to
// reconnect. It is a no-op for stale connection generations (a reconnect has
// already replaced this connection).
func (c *Client) handleReadError(ctx context.Context, err error, gen uint64) {
	code := websocket.CloseStatus(err)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	manual := c.manual || ctx.Err() != nil
	c.conn = nil
	c.state = StateClosed
	onClose := c.onClose
	c.mu.Unlock()

	reason := ""
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		reason = closeErr.Reason
	}
	if onClose != nil {
		onClose(code, reason)
	}

	if manual {
		slog.Debug("connection closed", "code", int(code), "manual", true)
		return
	}

	switch code {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		slog.Info("connection closed by peer", "code", int(code), "reason", reason)
		return
	case websocket.StatusProtocolError, websocket.StatusUnsupportedData,
		websocket.StatusPolicyViolation, websocket.StatusMessageTooBig:
		// Protocol-level rejection: the server already refused what we sent,
		// so retrying the same traffic cannot succeed.
		slog.Error("connection rejected by peer, not retrying",
			"code", int(code),
			"reason", reason,
		)
		c.emitError(fmt.Errorf("live: protocol rejection (code %d): %s", int(code), reason))
		return
	}

	slog.Warn("connection lost", "code", int(code), "err", err)
	c.emitError(fmt.Errorf("live: connection lost: %w", err))
	go c.reconnectLoop()
}

// reconnectLoop retries the connection with exponential backoff until it
// succeeds, the retry budget is exhausted, or a manual disconnect intervenes.
func (c *Client) reconnectLoop() {
	cancel := make(chan struct{})

	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	c.retryCancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.retryCancel == cancel {
			c.retryCancel = nil
		}
		c.mu.Unlock()
	}()

	delay := c.baseDelay

	for {
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		if attempt > c.maxRetries {
			c.state = StateClosed
			c.mu.Unlock()
			slog.Error("reconnection failed after max attempts", "max_attempts", c.maxRetries)
			c.emitError(fmt.Errorf("live: reconnect: exhausted %d attempts: %w", c.maxRetries, ErrClosed))
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		slog.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", c.maxRetries,
			"backoff", delay,
		)

		select {
		case <-cancel:
			c.mu.Lock()
			c.state = StateClosed
			c.mu.Unlock()
			return
		case <-time.After(delay):
		}

		err := c.dial(context.Background())
		if err == nil {
			slog.Info("reconnection successful", "attempt", attempt)
			return
		}
		slog.Warn("reconnection attempt failed", "attempt", attempt, "error", err)

		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the connection alive.
func (c *Client) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			_ = conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	cb := c.onError
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
