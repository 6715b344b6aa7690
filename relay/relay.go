package relay

import (
	"sync"

	"github.com/castlab/castrelay/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultSendBuffer = 16

// Conn is one attached socket: an id for logging plus a buffered outbound
// queue drained by the transport's sender goroutine. Send never blocks; a
// full queue means the frame is dropped and the slow socket misses it.
type Conn struct {
	id string
	tx chan []byte
}

func NewConn(buffer int) *Conn {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Conn{
		id: uuid.NewString(),
		tx: make(chan []byte, buffer),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// TX is the outbound queue consumed by the sender goroutine.
func (c *Conn) TX() <-chan []byte {
	return c.tx
}

// Send queues data for delivery. Best-effort: false means dropped.
func (c *Conn) Send(data []byte) bool {
	select {
	case c.tx <- data:
		return true
	default:
		return false
	}
}

// Relay is the table of every currently-connected socket, independent of
// room membership. It backs the legacy global relay channel and the
// control plane's connected-client counts.
type Relay struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	conns  map[*Conn]struct{}
}

func NewRelay(logger *zerolog.Logger) *Relay {
	return &Relay{
		logger: logger.With().Str("component", "relay").Logger(),
		mx:     &sync.RWMutex{},
		conns:  make(map[*Conn]struct{}),
	}
}

func (r *Relay) Add(c *Conn) {
	r.mx.Lock()
	r.conns[c] = struct{}{}
	total := len(r.conns)
	r.mx.Unlock()
	r.logger.Debug().Str("connID", c.id).Int("total", total).Msg("connection attached")
}

func (r *Relay) Remove(c *Conn) {
	r.mx.Lock()
	delete(r.conns, c)
	total := len(r.conns)
	r.mx.Unlock()
	r.logger.Debug().Str("connID", c.id).Int("total", total).Msg("connection detached")
}

// Count returns the number of attached connections.
func (r *Relay) Count() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.conns)
}

// Forward sends raw bytes verbatim to every connection except src. This
// is the legacy server-wide channel; room-scoped frames never travel
// through it.
func (r *Relay) Forward(src model.Connection, data []byte) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	for c := range r.conns {
		if model.Connection(c) == src {
			continue
		}
		if !c.Send(data) {
			r.logger.Debug().Str("connID", c.id).Msg("forward dropped, queue full")
		}
	}
}

// SendAll delivers raw bytes to every attached connection and reports how
// many accepted the frame.
func (r *Relay) SendAll(data []byte) int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	var sent int
	for c := range r.conns {
		if c.Send(data) {
			sent++
		} else {
			r.logger.Debug().Str("connID", c.id).Msg("broadcast dropped, queue full")
		}
	}
	return sent
}
