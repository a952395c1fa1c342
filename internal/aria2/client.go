// Package aria2 implements a persistent-connection JSON-RPC client for the
// aria2 transfer daemon: request/response correlation over one WebSocket,
// push notifications, liveness probing and automatic reconnection with
// forced daemon recovery when the socket is alive but the daemon is wedged.
package aria2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Sentinel errors.
var (
	ErrNotConnected = errors.New("aria2: not connected")
	ErrTimeout      = errors.New("aria2: request timed out")
	ErrClosed       = errors.New("aria2: client closed")
)

// NotFoundError reports an RPC error for a gid the daemon no longer knows.
// Callers treat it as success when removing.
type NotFoundError struct{ GID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("aria2: gid %s not found", e.GID) }

// Tuning constants.
const (
	// DefaultCallTimeout bounds every RPC round trip.
	DefaultCallTimeout = 10 * time.Second

	// timeoutRecoveryThreshold consecutive timeouts trigger one forced
	// recovery cycle (daemon restart + reconnect).
	timeoutRecoveryThreshold = 2

	// heartbeatInterval is the WebSocket ping cadence.
	heartbeatInterval = 15 * time.Second

	// livenessInterval is the cadence of the cheap getVersion probe, a
	// second liveness signal beyond transport pings.
	livenessInterval = 45 * time.Second

	// reconnect backoff bounds.
	reconnectInitialDelay = 500 * time.Millisecond
	reconnectMaxDelay     = 30 * time.Second
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type pendingCall struct {
	result chan rpcMessage
}

// NotificationHandler receives daemon push events keyed by gid.
type NotificationHandler func(event NotificationEvent, gid string)

// Client is the RPC client. All exported methods are safe for concurrent
// use.
type Client struct {
	rpcURL     string
	secret     string
	supervisor Supervisor
	logger     *zap.Logger
	dialer     *websocket.Dialer

	callTimeout time.Duration

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	closed      bool
	connecting  chan struct{} // non-nil while a connect attempt is in flight
	connectErr  error
	generation  uint64 // bumped on every (re)connect, stops stale loops
	pending     map[string]*pendingCall
	onNotify    NotificationHandler
	onConnected func()

	writeMu sync.Mutex

	nextID              atomic.Uint64
	consecutiveTimeouts atomic.Int32
	recovering          atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout overrides the per-request timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithDialer replaces the WebSocket dialer (tests).
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// NewClient creates a Client for the given RPC endpoint. supervisor may be
// NopSupervisor when the daemon is managed externally. A nil logger
// defaults to zap.NewNop().
func NewClient(rpcURL, secret string, supervisor Supervisor, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if supervisor == nil {
		supervisor = NopSupervisor{}
	}
	c := &Client{
		rpcURL:      rpcURL,
		secret:      secret,
		supervisor:  supervisor,
		logger:      logger,
		dialer:      websocket.DefaultDialer,
		callTimeout: DefaultCallTimeout,
		pending:     make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetNotificationHandler registers the push-event handler. Must be called
// before Connect.
func (c *Client) SetNotificationHandler(h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotify = h
}

// SetOnConnected registers a hook fired after every successful (re)connect,
// on its own goroutine. The transfer adapter reconciles state there.
func (c *Client) SetOnConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = fn
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect opens the persistent connection. Idempotent: concurrent callers
// share a single in-flight attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting != nil {
		wait := c.connecting
		c.mu.Unlock()
		select {
		case <-wait:
			c.mu.Lock()
			err := c.connectErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	wait := make(chan struct{})
	c.connecting = wait
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.connectErr = err
	c.connecting = nil
	close(wait)
	c.mu.Unlock()
	return err
}

func (c *Client) dial(ctx context.Context) error {
	if err := c.supervisor.EnsureRunning(ctx); err != nil {
		return fmt.Errorf("ensure daemon running: %w", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.rpcURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.rpcURL, err)
	}

	c.mu.Lock()
	if c.closed {
		// Close won the race with this connect attempt; the fresh socket
		// must not outlive the client.
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connected = true
	c.generation++
	gen := c.generation
	onConnected := c.onConnected
	c.mu.Unlock()

	c.consecutiveTimeouts.Store(0)
	c.logger.Info("aria2 connected", zap.String("url", c.rpcURL))

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(conn, gen)
	go c.livenessLoop(gen)

	// Reconciliation must not block the resolved connection.
	if onConnected != nil {
		go onConnected()
	}
	return nil
}

// Close shuts the client down permanently.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.failPendingLocked(ErrClosed)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// failPendingLocked rejects every in-flight request. Callers must never be
// left hanging on a dead socket.
func (c *Client) failPendingLocked(err error) {
	for id, call := range c.pending {
		delete(c.pending, id)
		select {
		case call.result <- rpcMessage{Error: &rpcError{Code: -1, Message: err.Error()}}:
		default:
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, gen, err)
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("aria2: malformed frame", zap.Error(err))
			continue
		}
		if msg.ID != "" {
			c.mu.Lock()
			call, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				call.result <- msg
			}
			continue
		}
		if msg.Method != "" {
			c.dispatchNotification(msg)
		}
	}
}

func (c *Client) dispatchNotification(msg rpcMessage) {
	c.mu.Lock()
	handler := c.onNotify
	c.mu.Unlock()
	if handler == nil {
		return
	}

	var params []struct {
		GID string `json:"gid"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
		return
	}
	event := NotificationEvent(msg.Method)
	for _, p := range params {
		gid := p.GID
		go handler(event, gid)
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !c.isCurrent(gen) {
			return
		}
		c.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// livenessLoop issues a cheap getVersion on a longer cadence. A wedged
// daemon answers transport pings but not RPC; the timeout path feeds the
// forced-recovery counter.
func (c *Client) livenessLoop(gen uint64) {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !c.isCurrent(gen) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
		_, err := c.GetVersion(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("aria2 liveness probe failed", zap.Error(err))
		}
	}
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.connected && c.generation == gen
}

// handleDisconnect rejects pending requests immediately and starts the
// reconnect loop, unless a newer generation already took over.
func (c *Client) handleDisconnect(conn *websocket.Conn, gen uint64, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.closed || c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	c.failPendingLocked(ErrNotConnected)
	c.mu.Unlock()

	c.logger.Warn("aria2 connection lost, reconnecting", zap.Error(cause))
	go c.reconnectLoop()
}

// reconnectLoop retries indefinitely with capped exponential backoff until
// connected or the client is closed.
func (c *Client) reconnectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialDelay
	bo.MaxInterval = reconnectMaxDelay
	bo.MaxElapsedTime = 0 // retry forever

	for {
		c.mu.Lock()
		if c.closed || c.connected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		delay := bo.NextBackOff()
		c.logger.Debug("aria2 reconnect attempt failed",
			zap.Error(err), zap.Duration("retry_in", delay))
		time.Sleep(delay)
	}
}

// forceRecovery tears down the socket, restarts the daemon process and
// reconnects. Exactly one cycle runs at a time regardless of how many
// timeouts pile up.
func (c *Client) forceRecovery() {
	if !c.recovering.CompareAndSwap(false, true) {
		return
	}
	defer c.recovering.Store(false)

	c.logger.Warn("aria2 unresponsive, forcing daemon recovery")

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.generation++ // invalidate the old read/heartbeat loops
	c.failPendingLocked(ErrTimeout)
	closed := c.closed
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.supervisor.Restart(ctx); err != nil {
		c.logger.Error("daemon restart failed", zap.Error(err))
	}
	c.consecutiveTimeouts.Store(0)

	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("reconnect after recovery failed, entering retry loop", zap.Error(err))
		go c.reconnectLoop()
	}
}

// call performs one RPC round trip. The shared secret is prepended as the
// first positional parameter.
func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	finalParams := make([]any, 0, len(params)+1)
	if c.secret != "" {
		finalParams = append(finalParams, "token:"+c.secret)
	}
	finalParams = append(finalParams, params...)

	id := fmt.Sprintf("dlengine-%d", c.nextID.Add(1))
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: finalParams}

	call := &pendingCall{result: make(chan rpcMessage, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.pending[id] = call
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case msg := <-call.result:
		if msg.Error != nil {
			c.consecutiveTimeouts.Store(0)
			if isNotFoundMessage(msg.Error.Message) {
				return nil, &NotFoundError{GID: extractGID(params)}
			}
			return nil, fmt.Errorf("aria2 %s: rpc error %d: %s", method, msg.Error.Code, msg.Error.Message)
		}
		c.consecutiveTimeouts.Store(0)
		return msg.Result, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if n := c.consecutiveTimeouts.Add(1); n >= timeoutRecoveryThreshold {
			go c.forceRecovery()
		}
		return nil, fmt.Errorf("%w: %s", ErrTimeout, method)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func isNotFoundMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not found") || strings.Contains(lower, "no such download")
}

func extractGID(params []any) string {
	for _, p := range params {
		if s, ok := p.(string); ok {
			return s
		}
	}
	return ""
}
