package dispatch

import (
	"context"
	"testing"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/conn"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/queue"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/store"
	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/logging"
)

func newTestLoop() *Loop {
	s := store.New(nil)
	q := queue.New(s, clock.Real{}, logging.New(false))
	hub := conn.New(s, logging.New(false))
	return New(q, hub, clock.Real{}, logging.New(false))
}

// TestRunTick_NoConnectedHosts exercises the "nobody is connected" path,
// which must never reach the store (a nil pool would panic otherwise).
func TestRunTick_NoConnectedHosts(t *testing.T) {
	l := newTestLoop()
	l.runTick(context.Background())
}

func TestNew_AppliesSpecDefaults(t *testing.T) {
	l := newTestLoop()
	if l.tickInterval != defaultTickInterval {
		t.Errorf("tickInterval = %v, want %v", l.tickInterval, defaultTickInterval)
	}
	if l.retrySweepEvery != defaultRetrySweepEvery {
		t.Errorf("retrySweepEvery = %v, want %v", l.retrySweepEvery, defaultRetrySweepEvery)
	}
}
