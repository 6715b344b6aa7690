// Package client provides the browser-side half of the relay protocol as
// a Go library: a reconnecting connection manager plus viewer and
// streamer sessions built on top of it. Transport failures never surface
// as errors; consumers observe them only through status transitions.
package client

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Status of the logical connection. Ended and NotFound are terminal and
// reached only by viewer sessions.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusEnded        Status = "ended"
	StatusNotFound     Status = "not_found"
)

const (
	defaultInitialDelay     = 2 * time.Second
	defaultMaxDelay         = 30 * time.Second
	defaultBackoffFactor    = 2
	defaultHandshakeTimeout = 3 * time.Second
	defaultWriteDeadline    = 5 * time.Second
)

type Config struct {
	URL    string
	Logger *zerolog.Logger

	// Clock drives reconnect timers; tests inject a fake one.
	Clock  clockwork.Clock
	Dialer *websocket.Dialer

	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// OnOpen fires on every successful open, including reconnects, before
	// any inbound message is delivered. OnMessage receives each valid JSON
	// frame; non-JSON frames are dropped. OnStatus fires on transitions.
	OnOpen    func()
	OnMessage func(raw json.RawMessage)
	OnStatus  func(status Status)
}

// Manager presents one logical always-reconnecting connection. It owns
// exactly one live socket and at most one pending reconnect timer; a
// generation counter captured at connect time keeps stale timers and
// read loops from acting on a manager that has since moved on.
type Manager struct {
	url           string
	logger        zerolog.Logger
	clock         clockwork.Clock
	dialer        *websocket.Dialer
	initialDelay  time.Duration
	maxDelay      time.Duration
	backoffFactor float64
	onOpen        func()
	onMessage     func(json.RawMessage)
	onStatus      func(Status)

	mx           sync.Mutex
	status       Status
	conn         *websocket.Conn
	timer        clockwork.Timer
	retries      int
	wasConnected bool
	started      bool
	closed       bool
	gen          uint64

	writeMx sync.Mutex
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		url:           cfg.URL,
		logger:        cfg.Logger.With().Str("component", "ws-client").Logger(),
		clock:         cfg.Clock,
		dialer:        cfg.Dialer,
		initialDelay:  cfg.InitialDelay,
		maxDelay:      cfg.MaxDelay,
		backoffFactor: cfg.BackoffFactor,
		onOpen:        cfg.OnOpen,
		onMessage:     cfg.OnMessage,
		onStatus:      cfg.OnStatus,
		status:        StatusDisconnected,
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.dialer == nil {
		m.dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	if m.initialDelay <= 0 {
		m.initialDelay = defaultInitialDelay
	}
	if m.maxDelay <= 0 {
		m.maxDelay = defaultMaxDelay
	}
	if m.backoffFactor <= 1 {
		m.backoffFactor = defaultBackoffFactor
	}
	return m
}

// Start begins connecting. It returns immediately; progress is reported
// through OnStatus. Only the first call does anything: the manager owns
// at most one connect loop.
func (m *Manager) Start() {
	m.mx.Lock()
	if m.closed || m.started {
		m.mx.Unlock()
		return
	}
	m.started = true
	gen := m.gen
	m.mx.Unlock()
	go m.connect(gen)
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.status
}

// Send marshals v and writes it to the live socket. Outside the connected
// state it is a silent no-op: frames are dropped, never queued.
func (m *Manager) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to marshal outgoing message")
		return
	}

	m.mx.Lock()
	conn := m.conn
	if m.status != StatusConnected || conn == nil {
		m.mx.Unlock()
		m.logger.Debug().Msg("send dropped, not connected")
		return
	}
	m.mx.Unlock()

	m.writeMx.Lock()
	defer m.writeMx.Unlock()
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		m.logger.Debug().Err(err).Msg("failed to set write deadline")
		return
	}
	if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.logger.Debug().Err(err).Msg("write failed")
	}
}

// Close tears the manager down: the pending reconnect timer is cancelled
// and the live socket, if any, is closed without triggering the manager's
// own reconnect logic. The manager cannot be restarted.
func (m *Manager) Close() {
	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return
	}
	m.closed = true
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	m.status = StatusDisconnected
	m.mx.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Debug().Msg("manager closed")
}

func (m *Manager) connect(gen uint64) {
	m.mx.Lock()
	if m.closed || gen != m.gen {
		m.mx.Unlock()
		return
	}
	next := StatusConnecting
	if m.wasConnected {
		next = StatusReconnecting
	}
	changed := m.status != next
	m.status = next
	m.mx.Unlock()
	m.notifyStatus(changed, next)

	conn, _, err := m.dialer.Dial(m.url, nil) //nolint:bodyclose // response unused on handshake failure

	m.mx.Lock()
	if m.closed || gen != m.gen {
		m.mx.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.logger.Debug().Err(err).Str("url", m.url).Msg("dial failed")
		st, ch := m.scheduleReconnectLocked(gen)
		m.mx.Unlock()
		m.notifyStatus(ch, st)
		return
	}

	m.conn = conn
	m.retries = 0
	m.wasConnected = true
	changed = m.status != StatusConnected
	m.status = StatusConnected
	m.mx.Unlock()

	m.logger.Debug().Str("url", m.url).Msg("connected")
	m.notifyStatus(changed, StatusConnected)
	if m.onOpen != nil {
		m.onOpen()
	}
	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if !json.Valid(data) {
			m.logger.Debug().Msg("dropped non-JSON frame")
			continue
		}
		if m.onMessage != nil {
			m.onMessage(json.RawMessage(data))
		}
	}
	_ = conn.Close()

	m.mx.Lock()
	if m.closed || gen != m.gen {
		m.mx.Unlock()
		return
	}
	m.conn = nil
	st, ch := m.scheduleReconnectLocked(gen)
	m.mx.Unlock()
	m.logger.Debug().Str("status", string(st)).Msg("connection lost")
	m.notifyStatus(ch, st)
}

// scheduleReconnectLocked arms the single reconnect timer with the exact
// exponential delay and returns the status the manager moved to. Must be
// called with mx held.
func (m *Manager) scheduleReconnectLocked(gen uint64) (Status, bool) {
	delay := backoff(m.initialDelay, m.maxDelay, m.backoffFactor, m.retries)
	m.retries++

	next := StatusDisconnected
	if m.wasConnected {
		next = StatusReconnecting
	}
	changed := m.status != next
	m.status = next

	m.timer = m.clock.AfterFunc(delay, func() {
		m.connect(gen)
	})
	return next, changed
}

func (m *Manager) notifyStatus(changed bool, st Status) {
	if changed && m.onStatus != nil {
		m.onStatus(st)
	}
}

// backoff computes the delay before retry number attempt (0-based):
// min(max, initial * factor^attempt).
func backoff(initial, max time.Duration, factor float64, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(initial) * math.Pow(factor, float64(attempt))
	if d >= float64(max) || d <= 0 {
		return max
	}
	return time.Duration(d)
}
