// Package connection maintains a single logical message channel to the
// chat server over a websocket, with automatic reconnection, keepalive
// and outbound buffering.
package connection

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relaychat/models"
)

// Defaults for the reconnection and keepalive schedule.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 10 * time.Second
	DefaultRetryBase    = 3 * time.Second
	DefaultRetryCap     = 30 * time.Second
	DefaultMaxRetries   = 5
)

// ErrClosed is returned by Send after Close has been called.
var ErrClosed = errors.New("connection: manager is closed")

// MessageHandler receives every parsed inbound frame except pong.
type MessageHandler func(models.Frame)

// StateHandler receives the new state on every transition, plus the
// current state once at subscription time.
type StateHandler func(State)

// Options configures a Manager. Zero fields fall back to defaults.
type Options struct {
	URL    string
	Logger *zap.Logger
	Dialer *websocket.Dialer

	PingInterval time.Duration
	PongTimeout  time.Duration
	RetryBase    time.Duration
	RetryCap     time.Duration
	MaxRetries   int
}

// Manager owns exactly one transport connection at a time and drives the
// connection state machine. All exported methods are safe for concurrent
// use.
type Manager struct {
	url          string
	log          *zap.Logger
	dialer       *websocket.Dialer
	pingInterval time.Duration
	pongTimeout  time.Duration
	retryBase    time.Duration
	retryCap     time.Duration
	maxRetries   int

	queue     *outboundQueue
	msgSubs   *registry[MessageHandler]
	stateSubs *registry[StateHandler]

	// writeMu serializes all writes to the websocket; gorilla/websocket
	// supports at most one concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	retries    int
	lastPong   time.Time
	retryTimer *time.Timer
	pingStop   chan struct{}
	closed     bool
}

// NewManager creates a Manager for the given websocket URL. The manager
// does not connect until Connect is called.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = DefaultRetryCap
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Manager{
		url:          opts.URL,
		log:          opts.Logger,
		dialer:       opts.Dialer,
		pingInterval: opts.PingInterval,
		pongTimeout:  opts.PongTimeout,
		retryBase:    opts.RetryBase,
		retryCap:     opts.RetryCap,
		maxRetries:   opts.MaxRetries,
		queue:        &outboundQueue{},
		msgSubs:      &registry[MessageHandler]{},
		stateSubs:    &registry[StateHandler]{},
		state:        StateDisconnected,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueuedFrames reports how many outbound frames are waiting for the
// connection to become ready.
func (m *Manager) QueuedFrames() int {
	return m.queue.len()
}

// Connect starts a connection attempt. It is a no-op while an attempt is
// already in flight or a connection is open. Calling Connect from the
// Error state resets the retry counter and starts over.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.closed = false
	m.retries = 0
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notify()
	go m.dial()
}

// Send transmits the frame immediately when connected, otherwise appends
// it to the outbound queue for the next drain.
func (m *Manager) Send(f models.Frame) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateConnected || m.conn == nil {
		m.queue.enqueue(f)
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	if err := m.transmit(conn, f); err != nil {
		// The read loop will notice the dead connection shortly; keep
		// the frame for the next drain.
		m.log.Warn("send failed, frame queued", zap.Error(err))
		m.queue.enqueue(f)
	}
	return nil
}

// SubscribeMessages registers a handler for inbound frames. The returned
// cancel function is idempotent.
func (m *Manager) SubscribeMessages(h MessageHandler) (cancel func()) {
	token := m.msgSubs.add(h)
	return func() { m.msgSubs.remove(token) }
}

// SubscribeState registers a handler for state transitions. The handler
// is invoked immediately with the current state, so late subscribers do
// not wait for the next transition.
func (m *Manager) SubscribeState(h StateHandler) (cancel func()) {
	token := m.stateSubs.add(h)
	m.mu.Lock()
	current := m.state
	m.mu.Unlock()
	m.invokeState(h, current)
	return func() { m.stateSubs.remove(token) }
}

// Close tears the manager down: it cancels the keepalive and any pending
// retry, clears the outbound queue and both listener registries, and
// forces the state to Disconnected. No retry is scheduled.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
	conn := m.conn
	m.conn = nil
	m.retries = 0
	m.queue.clear()
	notify := m.setStateLocked(StateDisconnected)
	m.msgSubs.clear()
	m.stateSubs.clear()
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	notify()
}

// dial performs one connection attempt and, on success, installs the
// connection, drains the outbound queue and starts the read and
// keepalive loops.
func (m *Manager) dial() {
	conn, _, err := m.dialer.Dial(m.url, nil)

	// Hold writeMu across the queue drain so concurrent Send calls that
	// observe the Connected state cannot jump ahead of buffered frames.
	m.writeMu.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.writeMu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		notify := m.scheduleRetryLocked(err)
		m.mu.Unlock()
		m.writeMu.Unlock()
		notify()
		return
	}

	m.conn = conn
	m.retries = 0
	m.lastPong = time.Now()
	stop := make(chan struct{})
	m.pingStop = stop
	notify := m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.readLoop(conn)
	go m.keepalive(conn, stop)

	m.queue.drainInto(
		func() bool { return m.currentConn() == conn },
		func(f models.Frame) error { return conn.WriteJSON(f) },
	)
	m.writeMu.Unlock()

	m.log.Info("connected", zap.String("url", m.url))
	notify()
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		frame, perr := models.ParseFrame(data)
		if perr != nil || frame == nil {
			m.log.Warn("dropping malformed frame", zap.Error(perr))
			continue
		}
		if frame.Type() == models.FrameTypePong {
			m.mu.Lock()
			m.lastPong = time.Now()
			m.mu.Unlock()
			continue
		}
		m.dispatch(frame)
	}
}

// keepalive sends a ping every pingInterval and force-closes the
// connection when no pong has been seen for pongTimeout+pingInterval.
func (m *Manager) keepalive(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := time.Since(m.lastPong) > m.pongTimeout+m.pingInterval
			m.mu.Unlock()
			if stale {
				m.log.Warn("no pong within deadline, forcing reconnect")
				conn.Close() // unblocks the read loop, which schedules the retry
				return
			}
			if err := m.transmit(conn, models.Frame{"type": models.FrameTypePing}); err != nil {
				return
			}
		}
	}
}

// handleClose runs once per connection when its read loop exits.
func (m *Manager) handleClose(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// Already superseded or torn down by Close.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
	conn.Close()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.log.Warn("connection lost", zap.Error(err))
	notify := m.scheduleRetryLocked(err)
	m.mu.Unlock()
	notify()
}

// scheduleRetryLocked advances the failed-attempt counter and either
// arms the backoff timer or, at maxRetries failures, parks the manager
// in StateError without issuing another attempt.
func (m *Manager) scheduleRetryLocked(cause error) func() {
	m.retries++
	if m.retries >= m.maxRetries {
		m.log.Error("reconnect attempts exhausted",
			zap.Int("attempts", m.maxRetries), zap.Error(cause))
		return m.setStateLocked(StateError)
	}
	delay := retryDelay(m.retryBase, m.retryCap, m.retries)
	m.log.Info("scheduling reconnect",
		zap.Int("attempt", m.retries), zap.Duration("delay", delay))
	notify := m.setStateLocked(StateDisconnected)
	m.retryTimer = time.AfterFunc(delay, m.retry)
	return notify
}

func (m *Manager) retry() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notify()
	m.dial()
}

// dispatch delivers the frame to every message handler in registration
// order. A panicking handler is logged and does not stop delivery to the
// handlers after it.
func (m *Manager) dispatch(f models.Frame) {
	for _, h := range m.msgSubs.snapshot() {
		m.invokeMessage(h, f)
	}
}

func (m *Manager) invokeMessage(h MessageHandler, f models.Frame) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("message handler panicked", zap.Any("panic", r))
		}
	}()
	h(f)
}

func (m *Manager) invokeState(h StateHandler, s State) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("state handler panicked", zap.Any("panic", r))
		}
	}()
	h(s)
}

// setStateLocked changes the state and returns the notification to run
// after the manager lock is released.
func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	subs := m.stateSubs.snapshot()
	return func() {
		for _, h := range subs {
			m.invokeState(h, s)
		}
	}
}

func (m *Manager) currentConn() *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

func (m *Manager) transmit(conn *websocket.Conn, f models.Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// retryDelay is the backoff schedule: base * 1.5^(n-1), capped.
func retryDelay(base, ceiling time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
	if d > ceiling {
		return ceiling
	}
	return d
}
