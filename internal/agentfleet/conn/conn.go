// Package conn is the connection manager (C5): tracks live agent WebSocket
// sessions under a three-way index (agent_id, fqdn, host_id) and serializes
// writes per session. Grounded on the register/unregister hub idiom surveyed
// in the example pack's dashboard hub, adapted to gorilla/websocket's
// read-pump/write-pump split and to this server's host-identity model.
package conn

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/store"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

// Session is one agent's live WebSocket connection (spec.md §4.5).
type Session struct {
	conn *websocket.Conn
	hub  *Hub

	AgentID  uuid.UUID
	FQDN     string
	IPv4     string
	IPv6     string
	HostID   uuid.UUID // uuid.Nil until the agent registers
	hasHost  atomic.Bool

	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
}

// Send enqueues data for the write pump, returning false if the session's
// buffer is full or already closed — callers never block on a slow peer.
func (s *Session) Send(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// BoundHostID returns the session's bound host_id and whether registration
// (spec.md §4.6.2) has completed for it.
func (s *Session) BoundHostID() (uuid.UUID, bool) {
	return s.HostID, s.hasHost.Load()
}

// SendJSON marshals v and enqueues it, the typical path for router replies.
func (s *Session) SendJSON(v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	return s.Send(data), nil
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.send)
	})
}

// Hub is the connection manager (C5).
type Hub struct {
	store *store.Store
	log   *logging.Logger

	mu       sync.RWMutex
	byAgent  map[uuid.UUID]*Session
	byFQDN   map[string]*Session
	byHostID map[uuid.UUID]*Session

	register   chan *Session
	unregister chan *Session
}

// New creates a Hub.
func New(s *store.Store, log *logging.Logger) *Hub {
	return &Hub{
		store:      s,
		log:        log,
		byAgent:    make(map[uuid.UUID]*Session),
		byFQDN:     make(map[string]*Session),
		byHostID:   make(map[uuid.UUID]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
	}
}

// Accept wraps a validated websocket connection as a new Session, pumps its
// I/O in two goroutines, and registers/unregisters it around their lifetime.
// Called once per accepted agent connection, after C2 cert validation.
func (h *Hub) Accept(c *websocket.Conn, fqdn, ipv4, ipv6 string, onMessage func(*Session, []byte)) *Session {
	s := &Session{
		conn:    c,
		hub:     h,
		AgentID: uuid.New(),
		FQDN:    fqdn,
		IPv4:    ipv4,
		IPv6:    ipv6,
		send:    make(chan []byte, sendBufferSize),
	}
	h.register <- s
	go s.writePump()
	go s.readPump(onMessage)
	return s
}

// RegisterAgent binds agent_id -> fqdn -> host_id for a session that has
// just completed the registration handshake (spec.md §4.5).
func (h *Hub) RegisterAgent(s *Session, hostID uuid.UUID) {
	h.mu.Lock()
	if old, ok := h.byHostID[hostID]; ok && old != s {
		delete(h.byAgent, old.AgentID)
		delete(h.byFQDN, old.FQDN)
		old.close()
	}
	s.HostID = hostID
	s.hasHost.Store(true)
	h.byAgent[s.AgentID] = s
	h.byFQDN[s.FQDN] = s
	h.byHostID[hostID] = s
	count := len(h.byHostID)
	h.mu.Unlock()
	metrics.ConnectedAgents.Set(float64(count))
}

// SendToHost writes msg (marshaled to JSON) to the session currently mapped
// to host_id, returning false if no session is mapped (spec.md §4.5).
func (h *Hub) SendToHost(hostID uuid.UUID, msg any) bool {
	h.mu.RLock()
	s, ok := h.byHostID[hostID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	sent, err := s.SendJSON(msg)
	if err != nil {
		h.log.Warn("failed to marshal message for host", "host_id", hostID, "error", err)
		return false
	}
	return sent
}

// SessionForHost returns the live session for a host, or nil if disconnected.
func (h *Hub) SessionForHost(hostID uuid.UUID) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byHostID[hostID]
}

// ConnectedHostIDs snapshots every host_id currently mapped to a live
// session, the dispatch loop's per-tick fan-out set (spec.md §4.8 step 1).
func (h *Hub) ConnectedHostIDs() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(h.byHostID))
	for id := range h.byHostID {
		ids = append(ids, id)
	}
	return ids
}

// Run processes register/unregister events until ctx is canceled. Must run
// in its own goroutine for the lifetime of the server.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case s := <-h.register:
			h.mu.Lock()
			h.byAgent[s.AgentID] = s
			h.mu.Unlock()
		case s := <-h.unregister:
			h.handleUnregister(s)
		}
	}
}

// handleUnregister evicts all three indexes and marks the host down, leaving
// active unchanged (spec.md §4.5). Database I/O happens outside the lock.
func (h *Hub) handleUnregister(s *Session) {
	var hostID uuid.UUID
	var hadHost bool

	h.mu.Lock()
	delete(h.byAgent, s.AgentID)
	delete(h.byFQDN, s.FQDN)
	if s.hasHost.Load() {
		if current, ok := h.byHostID[s.HostID]; ok && current == s {
			delete(h.byHostID, s.HostID)
			hostID = s.HostID
			hadHost = true
		}
	}
	count := len(h.byHostID)
	h.mu.Unlock()
	metrics.ConnectedAgents.Set(float64(count))

	s.close()

	if hadHost {
		if err := h.store.MarkDisconnected(context.Background(), h.store.Pool(), hostID); err != nil {
			h.log.Warn("failed to mark host disconnected", "host_id", hostID, "error", err)
		}
	}
}

// readPump owns the socket's read side; must run on exactly one goroutine
// per session (spec.md §4.5's "Reads ... owned by a single reader task").
func (s *Session) readPump(onMessage func(*Session, []byte)) {
	defer func() {
		s.hub.unregister <- s
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if onMessage != nil {
			onMessage(s, data)
		}
	}
}

// writePump serializes every write to the connection (spec.md §4.5's
// "each Session serializes its writes") and drives the ping keepalive.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
