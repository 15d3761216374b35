// Package client maintains one authenticated WebSocket session to a claw
// gateway: the device-signed handshake, silent reconnection with
// exponential backoff, and request/response correlation over the shared
// channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/clawdeck/internal/identity"
	"github.com/basket/clawdeck/internal/protocol"
)

// Status of the connection state machine.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

var (
	// ErrNotConnected is returned by Request when the session is not in
	// the connected state.
	ErrNotConnected = errors.New("client: not connected")
	// ErrRequestTimeout is returned when the gateway does not answer a
	// request within the per-request deadline.
	ErrRequestTimeout = errors.New("client: request timed out")
	// ErrConnectionClosed fails pending requests when the channel drops.
	ErrConnectionClosed = errors.New("client: connection closed")
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultHandshakeDebounce = 150 * time.Millisecond

	readLimit = 4 << 20
)

// FrameHandler receives inbound event frames.
type FrameHandler func(protocol.Frame)

// StatusHandler observes connection state transitions.
type StatusHandler func(Status)

// Options configures a Conn.
type Options struct {
	// URL is the gateway WebSocket endpoint.
	URL string
	// Role requested during the handshake, e.g. "operator".
	Role string
	// Scopes requested for the role.
	Scopes []string

	// Client descriptor sent in the connect request.
	ClientID   string
	ClientMode string
	Version    string

	// AuthToken is an optional explicit bearer token; when empty the
	// cached per-role device token is offered instead.
	AuthToken string

	Identity *identity.Identity
	Logger   *slog.Logger

	// Dial lets tests inject HTTP client / header options.
	Dial *websocket.DialOptions

	HandshakeTimeout  time.Duration
	RequestTimeout    time.Duration
	HandshakeDebounce time.Duration
}

// Snapshot is a point-in-time view of the connection state.
type Snapshot struct {
	Status            Status
	LastError         string
	LastConnectAt     time.Time
	LastDisconnectAt  time.Time
	ReconnectAttempts int
}

type pendingRequest struct {
	ch chan protocol.Frame
}

// Conn owns one physical channel to one gateway endpoint.
type Conn struct {
	opts Options
	log  *slog.Logger

	mu                sync.Mutex
	status            Status
	ws                *websocket.Conn
	lastError         error
	lastConnectAt     time.Time
	lastDisconnectAt  time.Time
	reconnectAttempts int
	userClosed        bool

	handshakeSent bool
	handshakeID   string
	connectDone   chan error

	debounceTimer  *time.Timer
	reconnectTimer *time.Timer
	readCancel     context.CancelFunc

	pending map[string]*pendingRequest

	subMu      sync.Mutex
	eventSubs  map[int]FrameHandler
	statusSubs map[int]StatusHandler
	nextSubID  int

	writeMu sync.Mutex
}

// New builds a disconnected Conn. Call Connect to bring it up.
func New(opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.HandshakeDebounce <= 0 {
		opts.HandshakeDebounce = defaultHandshakeDebounce
	}
	if opts.ClientID == "" {
		opts.ClientID = "clawdeck"
	}
	if opts.ClientMode == "" {
		opts.ClientMode = "backend"
	}
	if opts.Role == "" {
		opts.Role = "operator"
	}
	return &Conn{
		opts:       opts,
		log:        opts.Logger.With("gateway", opts.URL),
		status:     StatusDisconnected,
		pending:    make(map[string]*pendingRequest),
		eventSubs:  make(map[int]FrameHandler),
		statusSubs: make(map[int]StatusHandler),
	}
}

// Status returns the current connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns a snapshot of the connection diagnostics.
func (c *Conn) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Status:            c.status,
		LastConnectAt:     c.lastConnectAt,
		LastDisconnectAt:  c.lastDisconnectAt,
		ReconnectAttempts: c.reconnectAttempts,
	}
	if c.lastError != nil {
		snap.LastError = c.lastError.Error()
	}
	return snap
}

// OnEvent registers a handler for inbound event frames and returns its
// unsubscribe func. Handshake-internal frames are not forwarded.
func (c *Conn) OnEvent(fn FrameHandler) func() {
	c.subMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.eventSubs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.eventSubs, id)
		c.subMu.Unlock()
	}
}

// OnStatusChange registers a state transition observer and returns its
// unsubscribe func.
func (c *Conn) OnStatusChange(fn StatusHandler) func() {
	c.subMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.statusSubs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.statusSubs, id)
		c.subMu.Unlock()
	}
}

// Connect opens the channel and performs the device handshake. It is a
// no-op while a connection attempt is in flight or the session is already
// connected. A failed attempt schedules an automatic retry unless
// Disconnect was called.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(StatusConnecting)
	c.userClosed = false
	c.handshakeSent = false
	c.handshakeID = ""
	done := make(chan error, 1)
	c.connectDone = done
	c.mu.Unlock()

	// One deadline covers the dial and the handshake together.
	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, c.opts.URL, c.opts.Dial)
	if err != nil {
		err = fmt.Errorf("dial gateway: %w", err)
		c.failAttempt(err)
		return err
	}
	ws.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.userClosed {
		err := errors.New("connect aborted: session disconnected")
		c.lastError = err
		c.deliverConnectLocked(err)
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "client disconnect")
		return err
	}
	readCtx, readCancel := context.WithCancel(context.Background())
	c.ws = ws
	c.lastConnectAt = time.Now()
	c.readCancel = readCancel
	// The handshake send is debounced so a same-tick challenge event,
	// if the gateway offers one, is consumed first.
	c.debounceTimer = time.AfterFunc(c.opts.HandshakeDebounce, func() {
		c.sendHandshake("")
	})
	c.mu.Unlock()

	go c.readLoop(readCtx, ws)

	handshakeTimer := time.NewTimer(time.Until(deadline))
	defer handshakeTimer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return nil
	case <-handshakeTimer.C:
		err := fmt.Errorf("handshake not completed within %s", c.opts.HandshakeTimeout)
		c.log.Warn("client: handshake timeout")
		// Closing the channel routes the failure through the same close
		// handling as any channel error, including reconnect scheduling.
		_ = ws.Close(websocket.StatusPolicyViolation, "handshake timeout")
		return err
	case <-ctx.Done():
		_ = ws.Close(websocket.StatusNormalClosure, "connect cancelled")
		return ctx.Err()
	}
}

// Disconnect tears the session down without scheduling a retry.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "client disconnect")
		return
	}
	c.mu.Lock()
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.handleClose(ws, err)
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// A single malformed frame must not stall the stream.
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Conn) dispatch(frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeEvent:
		if frame.Event == protocol.EventChallenge {
			c.handleChallenge(frame)
			return
		}
		c.notifyEvent(frame)
	case protocol.TypeResponse:
		c.mu.Lock()
		isHandshake := c.handshakeID != "" && frame.ID == c.handshakeID
		c.mu.Unlock()
		if isHandshake {
			c.handleHandshakeResponse(frame)
			return
		}
		c.resolveRequest(frame)
	case protocol.TypeHelloOK:
		c.finishHandshake(frame.Payload)
	}
}

func (c *Conn) handleChallenge(frame protocol.Frame) {
	var p protocol.ChallengePayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.log.Warn("client: malformed challenge payload", "error", err)
			return
		}
	}
	if p.Nonce == "" {
		return
	}
	c.mu.Lock()
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	c.mu.Unlock()
	c.sendHandshake(p.Nonce)
}

func (c *Conn) handleClose(ws *websocket.Conn, cause error) {
	code := websocket.CloseStatus(cause)
	reason := ""
	var ce websocket.CloseError
	if errors.As(cause, &ce) {
		reason = ce.Reason
	}

	c.mu.Lock()
	if c.ws != ws {
		// A socket retired by a failed handshake can close long after the
		// session has moved on; only the current channel's close counts.
		c.mu.Unlock()
		return
	}
	wasConnected := c.status == StatusConnected
	c.ws = nil
	c.lastDisconnectAt = time.Now()
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	userClosed := c.userClosed

	closeErr := fmt.Errorf("channel closed (code=%d reason=%q): %w", code, reason, cause)
	if !wasConnected {
		c.lastError = closeErr
		c.deliverConnectLocked(closeErr)
	} else if !userClosed {
		c.lastError = closeErr
	}
	c.setStatusLocked(StatusDisconnected)
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	// A stale-token rejection invalidates the cache before any retry so
	// the next handshake requests a fresh token.
	if code == websocket.StatusPolicyViolation &&
		strings.Contains(strings.ToLower(reason), "device token mismatch") &&
		c.opts.Identity != nil {
		c.log.Info("client: cached device token rejected, clearing", "role", c.opts.Role)
		c.opts.Identity.ClearToken(c.opts.Role)
	}

	for _, p := range pending {
		p.ch <- protocol.Frame{
			Type:  protocol.TypeResponse,
			Error: &protocol.FrameError{Message: ErrConnectionClosed.Error()},
		}
	}

	if !userClosed {
		c.scheduleReconnect()
	}
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userClosed || c.reconnectTimer != nil {
		return
	}
	delay := reconnectDelay(c.reconnectAttempts)
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	c.log.Info("client: scheduling reconnect", "attempt", attempt, "delay", delay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		_ = c.Connect(context.Background())
	})
}

// failAttempt tears down the current connect attempt, including the
// socket itself, so a gateway that rejects the handshake without closing
// cannot leave a stale channel behind.
func (c *Conn) failAttempt(err error) {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	c.lastError = err
	c.deliverConnectLocked(err)
	c.setStatusLocked(StatusDisconnected)
	userClosed := c.userClosed
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "handshake failed")
	}
	if !userClosed {
		c.scheduleReconnect()
	}
}

// deliverConnectLocked resolves the in-flight Connect call at most once.
func (c *Conn) deliverConnectLocked(err error) {
	if c.connectDone == nil {
		return
	}
	select {
	case c.connectDone <- err:
	default:
	}
	c.connectDone = nil
}

func (c *Conn) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	go c.notifyStatus(s)
}

func (c *Conn) notifyStatus(s Status) {
	c.subMu.Lock()
	handlers := make([]StatusHandler, 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		handlers = append(handlers, fn)
	}
	c.subMu.Unlock()
	for _, fn := range handlers {
		fn(s)
	}
}

func (c *Conn) notifyEvent(frame protocol.Frame) {
	c.subMu.Lock()
	handlers := make([]FrameHandler, 0, len(c.eventSubs))
	for _, fn := range c.eventSubs {
		handlers = append(handlers, fn)
	}
	c.subMu.Unlock()
	for _, fn := range handlers {
		fn(frame)
	}
}

func (c *Conn) writeFrame(ctx context.Context, frame protocol.Frame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.Write(ctx, websocket.MessageText, data)
}
