// Package reboot is the reboot orchestrator (C7): a multi-phase state
// machine per parent host, advanced only by external events (handler
// callbacks, heartbeat reconnect) — never by a polling thread. The state
// transition itself is a pure function (Advance) so its branching can be
// tested without a database; the surrounding Engine wires it to storage.
package reboot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/ferrors"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/queue"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/store"
	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/metrics"
)

// SideEffect is a command the Engine must enqueue as a result of a
// transition, kept out of Advance so the transition stays pure.
type SideEffect struct {
	MessageType string
	HostID      uuid.UUID
	Data        map[string]any
}

// Engine drives reboot orchestrations, persisting Advance's output and
// executing its side effects via the queue engine.
type Engine struct {
	store *store.Store
	queue *queue.Engine
	clock clock.Clock
	log   *logging.Logger
}

// New creates an Engine.
func New(s *store.Store, q *queue.Engine, clk clock.Clock, log *logging.Logger) *Engine {
	return &Engine{store: s, queue: q, clock: clk, log: log}
}

// Start initiates a new orchestration for the given parent host and its
// currently-running children snapshot, enforcing at most one non-terminal
// orchestration per parent (spec.md §4.7 edge case, DB-enforced via a
// partial unique index).
func (e *Engine) Start(ctx context.Context, parentHostID uuid.UUID, runningChildren []store.ChildSnapshotEntry, timeoutSeconds int) (*store.RebootOrchestration, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}
	existing, err := e.store.GetNonTerminalOrchestration(ctx, e.store.Pool(), parentHostID)
	if err == nil && existing != nil {
		return nil, fmt.Errorf("%w: parent host %s already has an in-flight reboot orchestration", ferrors.ErrOrchestrationInFlight, parentHostID)
	} else if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	o, err := e.store.CreateOrchestration(ctx, e.store.Pool(), parentHostID, runningChildren, timeoutSeconds)
	if err == nil {
		metrics.RebootOrchestrationsActive.WithLabelValues(string(o.Status)).Inc()
	}
	return o, err
}

// event identifies what triggered a transition attempt.
type event int

const (
	eventNoop event = iota - 1
	eventChildStopped
	eventTimeoutCheck
	eventAgentReconnected
	eventChildRestartUpdate
)

// Advance computes the next orchestration state for one event, plus any
// queue side effects, without touching storage — the pure core of C7
// (spec.md §4.7's state diagram).
func Advance(o store.RebootOrchestration, ev event, now time.Time) (store.RebootOrchestration, []SideEffect) {
	if ev == eventNoop {
		return o, nil
	}
	switch o.Status {
	case store.RebootShuttingDown:
		return advanceShuttingDown(o, now)
	case store.RebootRebooting:
		if ev == eventAgentReconnected {
			return advanceRebooting(o, now)
		}
	case store.RebootRestarting:
		if ev == eventChildRestartUpdate {
			return advanceRestarting(o)
		}
	}
	return o, nil
}

func advanceShuttingDown(o store.RebootOrchestration, now time.Time) (store.RebootOrchestration, []SideEffect) {
	allStopped := true
	for _, child := range o.ChildHostsSnapshot {
		if !childIsStopped(o, child) {
			allStopped = false
			break
		}
	}

	elapsed := now.Sub(o.InitiatedAt)
	timedOut := elapsed >= time.Duration(o.ShutdownTimeoutSeconds)*time.Second

	if !allStopped && !timedOut {
		return o, nil
	}

	next := o
	next.Status = store.RebootRebooting
	next.ShutdownCompletedAt = &now
	next.RebootIssuedAt = &now
	if timedOut && !allStopped {
		next.ErrorMessage = "shutdown timeout exceeded with children still running; rebooting anyway"
	}

	return next, []SideEffect{{
		MessageType: "reboot",
		HostID:      o.ParentHostID,
		Data:        map[string]any{"orchestration_id": o.ID},
	}}
}

// childIsStopped reports whether a snapshot child has a tracked entry in
// ChildHostsRestartStatus whose status is anything but pending. Those
// entries are filled in by the Engine (setChildStatus) before it calls
// Advance; a child with no entry counts as still running.
func childIsStopped(o store.RebootOrchestration, child store.ChildSnapshotEntry) bool {
	for _, c := range o.ChildHostsRestartStatus {
		if c.ChildName == child.ChildName {
			return c.Status != store.ChildRestartPending
		}
	}
	return false
}

func advanceRebooting(o store.RebootOrchestration, now time.Time) (store.RebootOrchestration, []SideEffect) {
	next := o
	next.Status = store.RebootRestarting
	next.AgentReconnectedAt = &now
	next.ChildHostsRestartStatus = make([]store.ChildRestartEntry, len(o.ChildHostsSnapshot))

	effects := make([]SideEffect, 0, len(o.ChildHostsSnapshot))
	for i, child := range o.ChildHostsSnapshot {
		next.ChildHostsRestartStatus[i] = store.ChildRestartEntry{
			ChildName: child.ChildName,
			Status:    store.ChildRestartPending,
		}
		effects = append(effects, SideEffect{
			MessageType: "start_child_host",
			HostID:      o.ParentHostID,
			Data:        map[string]any{"child_name": child.ChildName, "child_type": child.ChildType},
		})
	}
	return next, effects
}

func advanceRestarting(o store.RebootOrchestration) (store.RebootOrchestration, []SideEffect) {
	var failedNames []string
	for _, c := range o.ChildHostsRestartStatus {
		if c.Status == store.ChildRestartPending || c.Status == store.ChildRestartRunning {
			return o, nil // not all entries resolved yet
		}
		if c.Status == store.ChildRestartFailed {
			failedNames = append(failedNames, c.ChildName)
		}
	}

	next := o
	next.Status = store.RebootCompleted
	if len(failedNames) > 0 {
		next.ErrorMessage = fmt.Sprintf("%d of %d children failed to restart: %s",
			len(failedNames), len(o.ChildHostsRestartStatus), strings.Join(failedNames, ", "))
	}
	return next, nil
}

// CheckShutdownProgress is called when a child host reports status=stopped
// (spec.md §4.7). It loads the in-flight orchestration for the parent,
// updates its tracked restart-status entry, advances, persists, and enqueues
// side effects.
func (e *Engine) CheckShutdownProgress(ctx context.Context, parentHostID uuid.UUID, childName string) error {
	return e.transact(ctx, parentHostID, func(o *store.RebootOrchestration) (event, error) {
		if o.Status != store.RebootShuttingDown {
			return eventNoop, nil
		}
		setChildStatus(o, childName, store.ChildRestartStatus("stopped"))
		return eventChildStopped, nil
	})
}

// HandleAgentReconnect is called from C6 when the parent host's agent
// heartbeats again while an orchestration is in the rebooting phase.
func (e *Engine) HandleAgentReconnect(ctx context.Context, parentHostID uuid.UUID) error {
	return e.transact(ctx, parentHostID, func(o *store.RebootOrchestration) (event, error) {
		if o.Status != store.RebootRebooting {
			return eventNoop, nil
		}
		return eventAgentReconnected, nil
	})
}

// CheckRestartProgress is called when a child host reports running/error
// status during the restarting phase.
func (e *Engine) CheckRestartProgress(ctx context.Context, parentHostID uuid.UUID, childName string, childErr bool) error {
	return e.transact(ctx, parentHostID, func(o *store.RebootOrchestration) (event, error) {
		if o.Status != store.RebootRestarting {
			return eventNoop, nil
		}
		status := store.ChildRestartRunning
		if childErr {
			status = store.ChildRestartFailed
		}
		setChildStatus(o, childName, status)
		return eventChildRestartUpdate, nil
	})
}

// CheckTimeout is invoked opportunistically (e.g. from a heartbeat or
// dispatch tick that already touches the parent host) to let a
// shutting_down orchestration proceed past its deadline even with no new
// child event (spec.md §4.7 edge case).
func (e *Engine) CheckTimeout(ctx context.Context, parentHostID uuid.UUID) error {
	return e.transact(ctx, parentHostID, func(o *store.RebootOrchestration) (event, error) {
		if o.Status != store.RebootShuttingDown {
			return eventNoop, nil
		}
		return eventTimeoutCheck, nil
	})
}

func setChildStatus(o *store.RebootOrchestration, childName string, status store.ChildRestartStatus) {
	for i, c := range o.ChildHostsRestartStatus {
		if c.ChildName == childName {
			o.ChildHostsRestartStatus[i].Status = status
			return
		}
	}
	o.ChildHostsRestartStatus = append(o.ChildHostsRestartStatus, store.ChildRestartEntry{
		ChildName: childName,
		Status:    status,
	})
}

// transact loads the non-terminal orchestration for parentHostID under a
// row lock, applies mutate, advances state, and persists the result plus any
// side effects within the same transaction (spec.md §4.7: "each transition
// is a short transaction").
func (e *Engine) transact(ctx context.Context, parentHostID uuid.UUID, mutate func(*store.RebootOrchestration) (event, error)) error {
	return e.store.WithTx(ctx, func(tx pgx.Tx) error {
		o, err := e.store.LockOrchestrationForUpdate(ctx, tx, parentHostID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // no in-flight orchestration for this parent; nothing to do
		}
		if err != nil {
			return err
		}

		ev, err := mutate(o)
		if err != nil {
			return err
		}

		prevStatus := o.Status
		next, effects := Advance(*o, ev, e.clock.Now())
		if err := e.store.SaveOrchestration(ctx, tx, &next); err != nil {
			return err
		}
		if next.Status != prevStatus {
			metrics.RebootOrchestrationsActive.WithLabelValues(string(prevStatus)).Dec()
			if !next.Status.IsTerminal() {
				metrics.RebootOrchestrationsActive.WithLabelValues(string(next.Status)).Inc()
			}
		}

		for _, eff := range effects {
			hostID := eff.HostID
			if _, err := e.queue.Enqueue(ctx, queue.EnqueueParams{
				MessageType: eff.MessageType,
				MessageData: eff.Data,
				Direction:   store.Outbound,
				HostID:      &hostID,
				Priority:    store.PriorityHigh,
				Tx:          tx,
			}); err != nil {
				return fmt.Errorf("enqueuing reboot side effect %s for host %s: %w", eff.MessageType, hostID, err)
			}
		}
		return nil
	})
}
