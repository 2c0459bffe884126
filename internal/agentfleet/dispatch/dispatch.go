// Package dispatch is the dispatch loop (C8): a single background task that,
// on every tick, drains each connected host's outbound queue through the
// connection manager, and periodically sweeps for unacknowledged sends.
// Grounded on the teacher's scheduler loop idiom (clock.After in a select,
// cooperatively yielding between ticks rather than spawning per-tick
// goroutines).
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/conn"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/queue"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/store"
	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/metrics"
)

const (
	// defaultTickInterval is spec.md §4.8's "every tick (e.g., 250 ms)".
	defaultTickInterval = 250 * time.Millisecond
	// defaultPerHostLimit bounds how many pending messages are dequeued for
	// one host on a single tick, keeping a tick's work bounded.
	defaultPerHostLimit = 20
	// defaultRetrySweepEvery is spec.md §4.8's "every M ticks".
	defaultRetrySweepEvery = 40 // ~10s at the default tick interval
	// defaultRetryTimeout is the "sent but never acked" staleness window
	// passed to retry_unacknowledged.
	defaultRetryTimeout = 30 * time.Second
)

// Loop is the dispatch loop (C8).
type Loop struct {
	queue *queue.Engine
	hub   *conn.Hub
	clock clock.Clock
	log   *logging.Logger

	tickInterval    time.Duration
	perHostLimit    int
	retrySweepEvery int
	retryTimeout    time.Duration
}

// New creates a Loop with spec.md §4.8's defaults.
func New(q *queue.Engine, hub *conn.Hub, clk clock.Clock, log *logging.Logger) *Loop {
	return &Loop{
		queue:           q,
		hub:             hub,
		clock:           clk,
		log:             log,
		tickInterval:    defaultTickInterval,
		perHostLimit:    defaultPerHostLimit,
		retrySweepEvery: defaultRetrySweepEvery,
		retryTimeout:    defaultRetryTimeout,
	}
}

// Run drains each connected host's outbound queue on every tick until ctx is
// canceled. Intended to run in its own goroutine for the server's lifetime.
func (l *Loop) Run(ctx context.Context) {
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(l.tickInterval):
			tick++
			l.runTick(ctx)
			if tick%l.retrySweepEvery == 0 {
				l.runRetrySweep(ctx)
				l.reportQueueDepth(ctx)
			}
		}
	}
}

// runTick implements spec.md §4.8 steps 1-4 for every host currently mapped
// in the connection manager. Ordering guarantee: within one host, messages
// are sent in dequeue order (priority then FIFO); acks match by message_id,
// never by position, so the loop does not wait for one send to be
// acknowledged before issuing the next.
func (l *Loop) runTick(ctx context.Context) {
	start := l.clock.Now()
	defer func() {
		metrics.DispatchTickDuration.Observe(l.clock.Since(start).Seconds())
	}()
	for _, hostID := range l.hub.ConnectedHostIDs() {
		msgs, err := l.queue.Dequeue(ctx, &hostID, store.Outbound, l.perHostLimit, true)
		if err != nil {
			l.log.Warn("dequeue failed for host", "host_id", hostID, "error", err)
			continue
		}
		for _, msg := range msgs {
			l.dispatchOne(ctx, hostID, msg)
		}
	}
}

// dispatchOne sends one dequeued message to its host and advances its
// status, per spec.md §4.8 steps 2-4.
func (l *Loop) dispatchOne(ctx context.Context, hostID uuid.UUID, msg *store.QueueMessage) {
	var data map[string]any
	if len(msg.MessageData) > 0 {
		if err := json.Unmarshal(msg.MessageData, &data); err != nil {
			l.log.Warn("failed to deserialize queued message data", "message_id", msg.MessageID, "error", err)
			if err := l.queue.MarkFailed(ctx, msg.MessageID, "stored message_data is not valid JSON", false); err != nil {
				l.log.Warn("failed to mark corrupt message failed", "message_id", msg.MessageID, "error", err)
			}
			return
		}
	}

	envelope := map[string]any{
		"message_type":   msg.MessageType,
		"message_id":     msg.MessageID,
		"data":           data,
		"correlation_id": msg.CorrelationID,
		"reply_to":       msg.ReplyTo,
	}

	if l.hub.SendToHost(hostID, envelope) {
		metrics.MessagesSentTotal.WithLabelValues("sent").Inc()
		if err := l.queue.MarkSent(ctx, msg.MessageID); err != nil {
			l.log.Warn("failed to mark message sent", "message_id", msg.MessageID, "host_id", hostID, "error", err)
		}
		return
	}

	metrics.MessagesSentTotal.WithLabelValues("failed").Inc()
	if err := l.queue.MarkFailed(ctx, msg.MessageID, "send failed", true); err != nil {
		l.log.Warn("failed to mark message failed", "message_id", msg.MessageID, "host_id", hostID, "error", err)
	}
}

// reportQueueDepth refreshes the queue_depth gauge for both directions,
// piggybacking on the retry sweep's cadence rather than querying every tick.
func (l *Loop) reportQueueDepth(ctx context.Context) {
	for _, dir := range []store.Direction{store.Outbound, store.Inbound} {
		stats := l.queue.GetStats(ctx, nil, &dir)
		for status, n := range stats.ByStatus {
			metrics.QueueDepth.WithLabelValues(string(dir), string(status)).Set(float64(n))
		}
	}
}

// runRetrySweep implements spec.md §4.8 step 5: periodically reclaim sent
// messages that were never acknowledged.
func (l *Loop) runRetrySweep(ctx context.Context) {
	n, err := l.queue.RetryUnacknowledged(ctx, l.retryTimeout)
	if err != nil {
		l.log.Warn("retry_unacknowledged sweep failed", "error", err)
		return
	}
	if n > 0 {
		metrics.RetrySweepRescheduled.Add(float64(n))
		l.log.Info("retry_unacknowledged sweep rescheduled messages", "count", n)
	}
}
