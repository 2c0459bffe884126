// Package queue is the queue engine (C4): enqueue, dequeue, mark-sent/ack/
// failed, retry with backoff, dedupe, and stats, layered as domain logic over
// the plain CRUD primitives in internal/agentfleet/store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/ferrors"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/store"
	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/logging"
)

const dedupWindow = 10 * time.Second

// Engine is the queue engine, holding the store adapter, clock, and logger.
type Engine struct {
	store *store.Store
	clock clock.Clock
	log   *logging.Logger
}

// New creates an Engine.
func New(s *store.Store, clk clock.Clock, log *logging.Logger) *Engine {
	return &Engine{store: s, clock: clk, log: log}
}

// EnqueueParams mirrors spec.md §4.4.1's enqueue inputs.
type EnqueueParams struct {
	MessageType   string
	MessageData   map[string]any
	Direction     store.Direction
	HostID        *uuid.UUID
	Priority      store.Priority
	MessageID     string
	ScheduledAt   *time.Time
	MaxRetries    int
	CorrelationID string
	ReplyTo       string
	// Tx, when non-nil, is used instead of the pool; the caller decides the
	// commit point (spec.md §4.1).
	Tx pgx.Tx
}

// Enqueue inserts a new durable message, applying script-execution dedup and
// the read-your-writes verification required by spec.md §4.4.1. Returns the
// message_id of either the newly inserted row or, on dedup, the existing one.
func (e *Engine) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if p.Priority == "" {
		p.Priority = store.PriorityNormal
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.MessageID == "" {
		p.MessageID = uuid.NewString()
	}

	var db store.DBTX = e.store.Pool()
	if p.Tx != nil {
		db = p.Tx
	}

	if p.HostID != nil {
		if _, err := e.store.GetHostByID(ctx, db, *p.HostID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", fmt.Errorf("%w: host %s", ferrors.ErrHostNotFound, *p.HostID)
			}
			return "", err
		}
	}

	if p.Direction == store.Outbound {
		if dup, err := e.findDuplicate(ctx, db, p.MessageData); err != nil {
			return "", err
		} else if dup != "" {
			return dup, nil
		}
	}

	dataJSON, err := json.Marshal(p.MessageData)
	if err != nil {
		return "", fmt.Errorf("encoding message_data: %w", err)
	}

	msg, err := e.store.InsertQueueMessage(ctx, db, store.InsertParams{
		MessageID:     p.MessageID,
		HostID:        p.HostID,
		Direction:     p.Direction,
		MessageType:   p.MessageType,
		MessageData:   dataJSON,
		Priority:      p.Priority,
		ScheduledAt:   p.ScheduledAt,
		MaxRetries:    p.MaxRetries,
		CorrelationID: p.CorrelationID,
		ReplyTo:       p.ReplyTo,
	})
	if err != nil {
		return "", err
	}

	// Read-your-writes verification (spec.md §4.1, §4.4.1; §9 allows skipping
	// this when storage guarantees read-your-writes within the session, but
	// we keep it — it is cheap and catches adapter bugs early).
	if _, err := e.store.GetByMessageID(ctx, db, msg.MessageID); err != nil {
		return "", fmt.Errorf("verifying enqueued message %s: %w", msg.MessageID, err)
	}

	return msg.MessageID, nil
}

// findDuplicate applies spec.md §4.4.1's dedup rules to outbound command
// messages carrying an execution_id. Returns "" when no duplicate exists.
func (e *Engine) findDuplicate(ctx context.Context, db store.DBTX, data map[string]any) (string, error) {
	executionID, _ := data["execution_id"].(string)
	if executionID == "" {
		return "", nil
	}

	if existing, err := e.store.FindActiveByExecutionID(ctx, db, executionID); err == nil {
		return existing.MessageID, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	scriptContent, _ := data["script_content"].(string)
	if scriptContent == "" {
		return "", nil
	}
	prefix := scriptContent
	if len(prefix) > 100 {
		prefix = prefix[:100]
	}
	if existing, err := e.store.FindRecentByContentPrefix(ctx, db, prefix, dedupWindow); err == nil {
		return existing.MessageID, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}
	return "", nil
}

// Dequeue selects eligible pending rows for a host (nil = broadcast),
// optionally sorted by priority rank desc then created_at asc, stable for
// ties (spec.md §4.4.2, property P3).
func (e *Engine) Dequeue(ctx context.Context, hostID *uuid.UUID, direction store.Direction, limit int, priorityOrder bool) ([]*store.QueueMessage, error) {
	msgs, err := e.store.DequeueCandidates(ctx, e.store.Pool(), hostID, direction, limit)
	if err != nil {
		return nil, err
	}
	if priorityOrder {
		sortByPriority(msgs)
	}
	return msgs, nil
}

// sortByPriority stable-sorts by priority rank desc; equal-rank entries keep
// their input order, which DequeueCandidates returns as created_at asc.
// Extracted so it can be unit-tested without a database (spec.md §4.4.2,
// property P3).
func sortByPriority(msgs []*store.QueueMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Priority.Rank() > msgs[j].Priority.Rank()
	})
}

// MarkProcessing transitions pending -> in_progress, only if the row is
// currently pending (spec.md §4.4.3).
func (e *Engine) MarkProcessing(ctx context.Context, messageID string) (bool, error) {
	now := e.clock.Now()
	return e.store.CompareAndUpdateStatus(ctx, e.store.Pool(), messageID,
		[]store.Status{store.StatusPending},
		store.StatusUpdate{Status: store.StatusInProgress, StartedAt: &now})
}

// MarkSent transitions to sent, always succeeding if the row exists.
func (e *Engine) MarkSent(ctx context.Context, messageID string) error {
	now := e.clock.Now()
	return e.store.UpdateStatus(ctx, e.store.Pool(), messageID,
		store.StatusUpdate{Status: store.StatusSent, StartedAt: &now})
}

// MarkAcknowledged transitions sent -> completed (idempotent on completed ->
// completed), false for any other current state (spec.md §4.4.3).
func (e *Engine) MarkAcknowledged(ctx context.Context, messageID string) (bool, error) {
	now := e.clock.Now()
	ok, err := e.store.CompareAndUpdateStatus(ctx, e.store.Pool(), messageID,
		[]store.Status{store.StatusSent},
		store.StatusUpdate{Status: store.StatusCompleted, CompletedAt: &now})
	if err != nil || ok {
		return ok, err
	}
	// From completed -> no-op success.
	msg, err := e.store.GetByMessageID(ctx, e.store.Pool(), messageID)
	if err != nil {
		return false, nil
	}
	return msg.Status == store.StatusCompleted, nil
}

// MarkCompleted unconditionally sets completed, used by C6 handlers that
// already know the command delivery succeeded.
func (e *Engine) MarkCompleted(ctx context.Context, messageID string) error {
	now := e.clock.Now()
	return e.store.UpdateStatus(ctx, e.store.Pool(), messageID,
		store.StatusUpdate{Status: store.StatusCompleted, CompletedAt: &now})
}

// MarkFailed increments retry_count and, if retry is requested and the
// retry budget remains, reschedules with exponential backoff
// min(60*2^(retry_count-1), 3600) seconds; otherwise marks the row
// terminally failed (spec.md §4.4.3).
func (e *Engine) MarkFailed(ctx context.Context, messageID, errMsg string, retry bool) error {
	now := e.clock.Now()
	msg, err := e.store.GetByMessageID(ctx, e.store.Pool(), messageID)
	if err != nil {
		return fmt.Errorf("loading message %s to mark failed: %w", messageID, err)
	}

	nextRetryCount := msg.RetryCount + 1

	if retry && nextRetryCount < msg.MaxRetries {
		backoff := backoffFor(nextRetryCount)
		scheduledAt := now.Add(backoff)
		return e.store.UpdateStatus(ctx, e.store.Pool(), messageID, store.StatusUpdate{
			Status:       store.StatusPending,
			ScheduledAt:  &scheduledAt,
			RetryCount:   &nextRetryCount,
			ErrorMessage: &errMsg,
			LastErrorAt:  &now,
			ClearStarted: true,
		})
	}

	return e.store.UpdateStatus(ctx, e.store.Pool(), messageID, store.StatusUpdate{
		Status:       store.StatusFailed,
		CompletedAt:  &now,
		RetryCount:   &nextRetryCount,
		ErrorMessage: &errMsg,
		LastErrorAt:  &now,
	})
}

// backoffFor returns the exponential backoff for the given retry count,
// capped at 1 hour: min(60*2^(retryCount-1), 3600) seconds.
func backoffFor(retryCount int) time.Duration {
	seconds := 60 * (1 << uint(retryCount-1))
	if seconds > 3600 {
		seconds = 3600
	}
	return time.Duration(seconds) * time.Second
}

// RetryUnacknowledged finds sent messages whose started_at predates
// now-timeout and marks each failed-with-retry, implementing at-least-once
// delivery (spec.md §4.4.3, property P4). Returns the count processed.
func (e *Engine) RetryUnacknowledged(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := e.clock.Now().Add(-timeout)
	msgs, err := e.store.ListUnacknowledgedSentBefore(ctx, e.store.Pool(), cutoff)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		if err := e.MarkFailed(ctx, m.MessageID, "no acknowledgment received", true); err != nil {
			e.log.Warn("failed to retry unacknowledged message", "message_id", m.MessageID, "error", err)
		}
	}
	return len(msgs), nil
}

// Stats is the queue depth summary returned by get_stats (spec.md §4.4.4).
type Stats struct {
	ByStatus map[store.Status]int
	Total    int
}

// GetStats returns per-status counts, optionally filtered by host/direction.
// On any DB error this swallows it and returns a zero-valued Stats rather
// than propagating, per spec.md §4.4.4.
func (e *Engine) GetStats(ctx context.Context, hostID *uuid.UUID, direction *store.Direction) Stats {
	counts, err := e.store.CountsByStatus(ctx, e.store.Pool(), hostID, direction)
	if err != nil {
		e.log.Warn("queue stats query failed, returning zero stats", "error", err)
		return Stats{ByStatus: map[store.Status]int{}}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return Stats{ByStatus: counts, Total: total}
}

// GetFailedMessages returns the most recent failed/expired rows, newest first.
func (e *Engine) GetFailedMessages(ctx context.Context, limit int) ([]*store.QueueMessage, error) {
	msgs, err := e.store.ListFailedOrExpired(ctx, e.store.Pool(), limit)
	if err != nil {
		e.log.Warn("failed-messages query failed, returning empty list", "error", err)
		return nil, nil
	}
	return msgs, nil
}
