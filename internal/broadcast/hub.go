// Package broadcast fans entries out to websocket subscribers.
package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ppiankov/logcatd/internal/buffers"
	"github.com/ppiankov/logcatd/internal/diag"
	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/pipeline"
)

const (
	defaultBuffer = 256
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	pongTimeout   = 60 * time.Second
)

// Hooks are optional metrics callbacks.
type Hooks struct {
	OnSubscribers func(n int)
	OnDrop        func()
}

// Config configures a Hub.
type Config struct {
	Buffer int // per-subscriber queue; zero means 256
	Hooks  Hooks
	Logger diag.Logger
}

type subscriber struct {
	send chan []byte
	min  logtypes.Severity
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.done) }) }

// Hub is a Consumer that relays every entry to all websocket subscribers
// and keeps recent history in a ring for replay. A subscriber whose queue
// is full misses entries instead of slowing the pipeline.
type Hub struct {
	ring     *buffers.LogRing
	buffer   int
	hooks    Hooks
	log      diag.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewHub creates a hub replaying from ring. ring may be nil.
func NewHub(ring *buffers.LogRing, cfg Config) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = diag.Nop()
	}
	return &Hub{
		ring:   ring,
		buffer: cfg.Buffer,
		hooks:  cfg.Hooks,
		log:    cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Consume records e and queues it for every subscriber at or above their
// minimum severity.
func (h *Hub) Consume(e logtypes.LogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return pipeline.ErrClosed
	}
	if h.ring != nil {
		h.ring.Push(e)
	}
	for s := range h.subs {
		if !e.Severity.AtLeast(s.min) {
			continue
		}
		select {
		case s.send <- data:
		default:
			if h.hooks.OnDrop != nil {
				h.hooks.OnDrop()
			}
		}
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Later entries are rejected.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for s := range h.subs {
		s.stop()
		delete(h.subs, s)
	}
	h.notifyLocked()
	return nil
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[s] = struct{}{}
	h.notifyLocked()
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		h.notifyLocked()
	}
}

func (h *Hub) notifyLocked() {
	if h.hooks.OnSubscribers != nil {
		h.hooks.OnSubscribers(len(h.subs))
	}
}

// ServeHTTP upgrades the request to a websocket stream of JSON entries.
//
// Query parameters: min is the minimum severity (name or letter), tail is
// the number of recent entries replayed before live ones (default 100,
// 0 disables replay).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	min := logtypes.Verbose
	if v := r.URL.Query().Get("min"); v != "" {
		sev, err := logtypes.ParseSeverity(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		min = sev
	}
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid tail", http.StatusBadRequest)
			return
		}
		tail = n
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	s := &subscriber{send: make(chan []byte, h.buffer), min: min, done: make(chan struct{})}

	// replay before registering so history precedes live entries
	if tail > 0 && h.ring != nil {
		for _, e := range h.ring.Tail(tail, func(e logtypes.LogEntry) bool { return e.Severity.AtLeast(min) }) {
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := write(conn, websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
	if !h.add(s) {
		return
	}
	defer h.remove(s)

	go h.readLoop(conn, s)
	h.writeLoop(conn, s)
}

// readLoop discards client messages and stops s when the peer goes away.
func (h *Hub) readLoop(conn *websocket.Conn, s *subscriber) {
	defer s.stop()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, s *subscriber) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case data := <-s.send:
			if err := write(conn, websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func write(conn *websocket.Conn, kind int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(kind, data)
}
