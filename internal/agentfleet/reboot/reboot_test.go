package reboot

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/store"
)

func snapshotOf(names ...string) []store.ChildSnapshotEntry {
	out := make([]store.ChildSnapshotEntry, len(names))
	for i, n := range names {
		out[i] = store.ChildSnapshotEntry{ID: uuid.New(), ChildName: n, ChildType: "container"}
	}
	return out
}

func TestAdvance_ShuttingDown_WaitsForAllChildrenStopped(t *testing.T) {
	t0 := time.Now()
	o := store.RebootOrchestration{
		Status:                 store.RebootShuttingDown,
		ChildHostsSnapshot:     snapshotOf("db", "cache"),
		InitiatedAt:            t0,
		ShutdownTimeoutSeconds: 300,
		ChildHostsRestartStatus: []store.ChildRestartEntry{
			{ChildName: "db", Status: "stopped"},
		},
	}
	next, effects := Advance(o, eventChildStopped, t0.Add(10*time.Second))
	if next.Status != store.RebootShuttingDown {
		t.Fatalf("status = %v, want unchanged shutting_down (cache still running)", next.Status)
	}
	if len(effects) != 0 {
		t.Errorf("expected no side effects while children are still stopping, got %d", len(effects))
	}
}

func TestAdvance_ShuttingDown_AllStoppedTransitionsToRebooting(t *testing.T) {
	t0 := time.Now()
	o := store.RebootOrchestration{
		Status:                 store.RebootShuttingDown,
		ChildHostsSnapshot:     snapshotOf("db", "cache"),
		InitiatedAt:            t0,
		ShutdownTimeoutSeconds: 300,
		ChildHostsRestartStatus: []store.ChildRestartEntry{
			{ChildName: "db", Status: "stopped"},
			{ChildName: "cache", Status: "stopped"},
		},
	}
	next, effects := Advance(o, eventChildStopped, t0.Add(10*time.Second))
	if next.Status != store.RebootRebooting {
		t.Fatalf("status = %v, want rebooting", next.Status)
	}
	if next.ShutdownCompletedAt == nil || next.RebootIssuedAt == nil {
		t.Error("expected shutdown_completed_at and reboot_issued_at to be stamped")
	}
	if next.ErrorMessage != "" {
		t.Errorf("expected no error message on a clean shutdown, got %q", next.ErrorMessage)
	}
	if len(effects) != 1 || effects[0].MessageType != "reboot" {
		t.Fatalf("expected a single reboot side effect, got %+v", effects)
	}
}

func TestAdvance_ShuttingDown_TimeoutProceedsAnyway(t *testing.T) {
	t0 := time.Now()
	o := store.RebootOrchestration{
		Status:                 store.RebootShuttingDown,
		ChildHostsSnapshot:     snapshotOf("db", "cache"),
		InitiatedAt:            t0,
		ShutdownTimeoutSeconds: 60,
	}
	// No children reported stopped, but the timeout has elapsed.
	next, effects := Advance(o, eventTimeoutCheck, t0.Add(90*time.Second))
	if next.Status != store.RebootRebooting {
		t.Fatalf("status = %v, want rebooting after timeout", next.Status)
	}
	if next.ErrorMessage == "" {
		t.Error("expected a timeout warning in error_message")
	}
	if len(effects) != 1 {
		t.Fatalf("expected the reboot command to still be enqueued, got %d effects", len(effects))
	}
}

func TestAdvance_Rebooting_AgentReconnectStartsChildren(t *testing.T) {
	t0 := time.Now()
	o := store.RebootOrchestration{
		Status:             store.RebootRebooting,
		ChildHostsSnapshot: snapshotOf("db", "cache"),
	}
	next, effects := Advance(o, eventAgentReconnected, t0)
	if next.Status != store.RebootRestarting {
		t.Fatalf("status = %v, want restarting", next.Status)
	}
	if next.AgentReconnectedAt == nil {
		t.Error("expected agent_reconnected_at to be stamped")
	}
	if len(next.ChildHostsRestartStatus) != 2 {
		t.Fatalf("expected 2 restart_status entries, got %d", len(next.ChildHostsRestartStatus))
	}
	for _, c := range next.ChildHostsRestartStatus {
		if c.Status != store.ChildRestartPending {
			t.Errorf("child %s restart status = %v, want pending", c.ChildName, c.Status)
		}
	}
	if len(effects) != 2 {
		t.Fatalf("expected one start_child_host effect per child, got %d", len(effects))
	}
}

func TestAdvance_Rebooting_IgnoresUnrelatedEvents(t *testing.T) {
	o := store.RebootOrchestration{Status: store.RebootRebooting}
	next, effects := Advance(o, eventChildStopped, time.Now())
	if next.Status != store.RebootRebooting {
		t.Errorf("status should not change on an unrelated event, got %v", next.Status)
	}
	if len(effects) != 0 {
		t.Errorf("expected no side effects, got %d", len(effects))
	}
}

func TestAdvance_Restarting_WaitsUntilAllChildrenResolved(t *testing.T) {
	o := store.RebootOrchestration{
		Status: store.RebootRestarting,
		ChildHostsRestartStatus: []store.ChildRestartEntry{
			{ChildName: "db", Status: store.ChildRestartRunning},
			{ChildName: "cache", Status: store.ChildRestartPending},
		},
	}
	next, _ := Advance(o, eventChildRestartUpdate, time.Now())
	if next.Status != store.RebootRestarting {
		t.Fatalf("status = %v, want unchanged restarting", next.Status)
	}
}

func TestAdvance_Restarting_AllResolvedCleanCompletes(t *testing.T) {
	o := store.RebootOrchestration{
		Status: store.RebootRestarting,
		ChildHostsRestartStatus: []store.ChildRestartEntry{
			{ChildName: "db", Status: store.ChildRestartRunning},
			{ChildName: "cache", Status: store.ChildRestartRunning},
		},
	}
	next, _ := Advance(o, eventChildRestartUpdate, time.Now())
	if next.Status != store.RebootCompleted {
		t.Fatalf("status = %v, want completed", next.Status)
	}
	if next.ErrorMessage != "" {
		t.Errorf("expected no error message when every child restarted cleanly, got %q", next.ErrorMessage)
	}
}

// TestAdvance_Restarting_PartialFailureStillCompletes implements the spec's
// "normal partial failures still resolve to completed with an error message".
func TestAdvance_Restarting_PartialFailureStillCompletes(t *testing.T) {
	o := store.RebootOrchestration{
		Status: store.RebootRestarting,
		ChildHostsRestartStatus: []store.ChildRestartEntry{
			{ChildName: "db", Status: store.ChildRestartRunning},
			{ChildName: "cache", Status: store.ChildRestartFailed},
		},
	}
	next, _ := Advance(o, eventChildRestartUpdate, time.Now())
	if next.Status != store.RebootCompleted {
		t.Fatalf("status = %v, want completed even with a failed child", next.Status)
	}
	if next.ErrorMessage == "" {
		t.Error("expected error_message to enumerate the failed child")
	}
}

func TestAdvance_Noop_LeavesOrchestrationUnchanged(t *testing.T) {
	o := store.RebootOrchestration{Status: store.RebootShuttingDown, ErrorMessage: "untouched"}
	next, effects := Advance(o, eventNoop, time.Now())
	if next.Status != o.Status || next.ErrorMessage != o.ErrorMessage {
		t.Error("eventNoop must leave the orchestration exactly as given")
	}
	if len(effects) != 0 {
		t.Error("eventNoop must never produce side effects")
	}
}
