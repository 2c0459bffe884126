package router

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/conn"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/queue"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/reboot"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/store"
	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/logging"
)

func newTestRouter() *Router {
	s := store.New(nil)
	q := queue.New(s, clock.Real{}, logging.New(false))
	hub := conn.New(s, logging.New(false))
	rb := reboot.New(s, q, clock.Real{}, logging.New(false))
	return New(s, q, hub, rb, clock.Real{}, logging.New(false))
}

// unboundSession mirrors a freshly accepted connection that has not
// completed the registration handshake, so BoundHostID reports false.
func unboundSession() *conn.Session {
	return &conn.Session{}
}

// boundSession registers a bare session against the router's own hub so
// BoundHostID reports true without any database round-trip — RegisterAgent
// only touches in-memory indexes.
func boundSession(r *Router, hostID uuid.UUID) *conn.Session {
	sess := &conn.Session{}
	r.hub.RegisterAgent(sess, hostID)
	return sess
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert failed: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(wrapped) {
		t.Error("expected a wrapped 23505 PgError to be detected as a unique violation")
	}
	if isUniqueViolation(errors.New("some other failure")) {
		t.Error("a plain error must not be treated as a unique violation")
	}
	if isUniqueViolation(fmt.Errorf("fk failure: %w", &pgconn.PgError{Code: "23503"})) {
		t.Error("a foreign-key violation must not be treated as a unique violation")
	}
}

func TestAckEnvelope_EchoesMessageID(t *testing.T) {
	ack := ackEnvelope("msg-123")
	if ack["message_type"] != "ack" {
		t.Errorf("message_type = %v, want ack", ack["message_type"])
	}
	if ack["message_id"] != "msg-123" {
		t.Errorf("message_id = %v, want msg-123 (echoed)", ack["message_id"])
	}
	data, ok := ack["data"].(map[string]any)
	if !ok || data["status"] != "received" {
		t.Errorf("data = %v, want {status: received}", ack["data"])
	}
}

func TestHandleHeartbeat_RejectsUnboundSessionWithNoIdentity(t *testing.T) {
	r := newTestRouter()
	sess := unboundSession()
	_, err := r.handleHeartbeat(context.Background(), sess, Envelope{MessageID: "m1"}, false)
	if err == nil {
		t.Fatal("expected an error for a heartbeat with no bound host and no session identity")
	}
}

func TestHandleUpdateApplyResult_RejectsUnregisteredSession(t *testing.T) {
	r := newTestRouter()
	sess := unboundSession()
	_, err := r.handleUpdateApplyResult(context.Background(), sess, Envelope{MessageID: "m1", Data: []byte(`{"packages":[]}`)}, false)
	if err == nil {
		t.Fatal("expected update_apply_result from an unregistered session to be rejected")
	}
}

func TestHandleHardwareUpdateResult_RejectsUnregisteredSession(t *testing.T) {
	r := newTestRouter()
	sess := unboundSession()
	_, err := r.handleHardwareUpdateResult(context.Background(), sess, Envelope{MessageID: "m1", Data: []byte(`{}`)}, false)
	if err == nil {
		t.Fatal("expected hardware_update_result from an unregistered session to be rejected")
	}
}

func TestHandleChildHostStatus_RejectsUnrecognizedStatus(t *testing.T) {
	r := newTestRouter()
	sess := boundSession(r, uuid.New())
	_, err := r.handleChildHostStatus(context.Background(), sess, Envelope{
		MessageID: "m1",
		Data:      []byte(`{"child_name":"db","status":"paused"}`),
	}, false)
	if err == nil {
		t.Fatal("expected an unrecognized child status to be rejected before touching storage")
	}
}

func TestHandleChildHostStatus_RejectsMissingChildName(t *testing.T) {
	r := newTestRouter()
	sess := boundSession(r, uuid.New())
	_, err := r.handleChildHostStatus(context.Background(), sess, Envelope{
		MessageID: "m1",
		Data:      []byte(`{"status":"started"}`),
	}, false)
	if err == nil {
		t.Fatal("expected a missing child_name to be rejected before touching storage")
	}
}

func TestHandleCommandResult_RejectsMissingCorrelation(t *testing.T) {
	r := newTestRouter()
	sess := unboundSession()
	_, err := r.handleCommandResult(context.Background(), sess, Envelope{
		MessageID: "m1",
		Data:      []byte(`{}`),
	}, false)
	if err == nil {
		t.Fatal("expected a command_result with neither execution_id nor message_id to be rejected")
	}
}
