package conn

import (
	"testing"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/store"
	"github.com/sysmanage/sysmanage-server/internal/logging"
)

func newTestHub() *Hub {
	return New(store.New(nil), logging.New(false))
}

func newTestSession(fqdn string) *Session {
	return &Session{
		AgentID: uuid.New(),
		FQDN:    fqdn,
		send:    make(chan []byte, sendBufferSize),
	}
}

func TestSendToHost_NoSessionMapped(t *testing.T) {
	h := newTestHub()
	if h.SendToHost(uuid.New(), map[string]string{"type": "ping"}) {
		t.Error("SendToHost should return false when no session is mapped to the host")
	}
}

func TestRegisterAgent_IndexesAllThreeKeys(t *testing.T) {
	h := newTestHub()
	s := newTestSession("agent-1.example.com")
	hostID := uuid.New()

	h.RegisterAgent(s, hostID)

	if h.byAgent[s.AgentID] != s {
		t.Error("RegisterAgent did not index by agent_id")
	}
	if h.byFQDN["agent-1.example.com"] != s {
		t.Error("RegisterAgent did not index by fqdn")
	}
	if h.byHostID[hostID] != s {
		t.Error("RegisterAgent did not index by host_id")
	}
	if h.SessionForHost(hostID) != s {
		t.Error("SessionForHost did not return the registered session")
	}
}

func TestRegisterAgent_ReplacesExistingSessionForHost(t *testing.T) {
	h := newTestHub()
	hostID := uuid.New()

	first := newTestSession("old.example.com")
	h.RegisterAgent(first, hostID)

	second := newTestSession("new.example.com")
	h.RegisterAgent(second, hostID)

	if h.SessionForHost(hostID) != second {
		t.Error("RegisterAgent should replace the prior session for the same host_id")
	}
	if _, stillIndexed := h.byAgent[first.AgentID]; stillIndexed {
		t.Error("the replaced session's agent_id index should have been evicted")
	}
	if _, stillIndexed := h.byFQDN["old.example.com"]; stillIndexed {
		t.Error("the replaced session's fqdn index should have been evicted")
	}
	if !first.closed.Load() {
		t.Error("the replaced session should be closed")
	}
}

func TestSendToHost_DeliversToSessionBuffer(t *testing.T) {
	h := newTestHub()
	s := newTestSession("agent-2.example.com")
	hostID := uuid.New()
	h.RegisterAgent(s, hostID)

	if !h.SendToHost(hostID, map[string]string{"type": "heartbeat_ack"}) {
		t.Fatal("SendToHost returned false for a registered host")
	}

	select {
	case data := <-s.send:
		if len(data) == 0 {
			t.Error("expected non-empty payload on the session's send buffer")
		}
	default:
		t.Error("expected a message queued on the session's send channel")
	}
}

func TestSessionSend_FalseAfterClose(t *testing.T) {
	s := newTestSession("agent-3.example.com")
	s.close()
	if s.Send([]byte("x")) {
		t.Error("Send should return false on a closed session")
	}
}

func TestHandleUnregister_EvictsIndexesWithoutHost(t *testing.T) {
	h := newTestHub()
	s := newTestSession("agent-4.example.com")
	h.mu.Lock()
	h.byAgent[s.AgentID] = s
	h.byFQDN[s.FQDN] = s
	h.mu.Unlock()

	// s never completed registration (hasHost is false), so eviction must not
	// attempt a host-status database write.
	h.handleUnregister(s)

	if _, ok := h.byAgent[s.AgentID]; ok {
		t.Error("handleUnregister did not evict the agent_id index")
	}
	if _, ok := h.byFQDN[s.FQDN]; ok {
		t.Error("handleUnregister did not evict the fqdn index")
	}
	if !s.closed.Load() {
		t.Error("handleUnregister should close the session")
	}
}
