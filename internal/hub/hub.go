package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"unimart/services/msg-durable/internal/metrics"
)

type Conn struct {
	UID int64
	WS  *websocket.Conn
	// bounded outbound queue (backpressure)
	Out chan []byte
}

type Hub struct {
	mu    sync.RWMutex
	conns map[int64]*Conn
}

func New() *Hub {
	return &Hub{conns: make(map[int64]*Conn)}
}

func (h *Hub) Set(uid int64, c *Conn) {
	h.mu.Lock()
	h.conns[uid] = c
	h.mu.Unlock()
	metrics.OnlineConns.Set(float64(h.Len()))
}

func (h *Hub) Get(uid int64) (*Conn, bool) {
	h.mu.RLock()
	c, ok := h.conns[uid]
	h.mu.RUnlock()
	return c, ok
}

// Drop removes c only while it is still the registered conn for uid. A
// reconnect replaces the map entry, so the stale socket's teardown must not
// evict the fresh one.
func (h *Hub) Drop(uid int64, c *Conn) {
	h.mu.Lock()
	if h.conns[uid] == c {
		delete(h.conns, uid)
	}
	h.mu.Unlock()
	metrics.OnlineConns.Set(float64(h.Len()))
}

func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return n
}

// Push hands payload to the receiver's outbound queue. Best effort: offline
// receivers and full queues are counted and skipped, durability is the
// store's job, not the socket's.
func (h *Hub) Push(uid int64, payload []byte) bool {
	c, ok := h.Get(uid)
	if !ok {
		metrics.WSPushOffline.Inc()
		return false
	}
	select {
	case c.Out <- payload:
		metrics.WSPushOK.Inc()
		return true
	default:
		metrics.WSPushBackpressure.Inc()
		return false
	}
}

// WriteLoop drains the connection's outbound queue onto the socket until the
// queue closes or a write fails. onClose runs exactly once on exit.
func (h *Hub) WriteLoop(c *Conn, writeTimeout time.Duration, onClose func()) {
	defer func() {
		_ = c.WS.Close()
		if onClose != nil {
			onClose()
		}
	}()
	for b := range c.Out {
		_ = c.WS.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WS.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}
