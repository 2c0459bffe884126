package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const queueColumns = `id, message_id, host_id, direction, message_type, message_data,
	status, priority, retry_count, max_retries,
	created_at, scheduled_at, started_at, completed_at, expired_at,
	error_message, last_error_at, correlation_id, reply_to`

func scanQueueMessage(row pgx.Row) (*QueueMessage, error) {
	var m QueueMessage
	if err := row.Scan(
		&m.ID, &m.MessageID, &m.HostID, &m.Direction, &m.MessageType, &m.MessageData,
		&m.Status, &m.Priority, &m.RetryCount, &m.MaxRetries,
		&m.CreatedAt, &m.ScheduledAt, &m.StartedAt, &m.CompletedAt, &m.ExpiredAt,
		&m.ErrorMessage, &m.LastErrorAt, &m.CorrelationID, &m.ReplyTo,
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanQueueMessages(rows pgx.Rows) ([]*QueueMessage, error) {
	defer rows.Close()
	var out []*QueueMessage
	for rows.Next() {
		m, err := scanQueueMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue message rows: %w", err)
	}
	return out, nil
}

// InsertParams holds the fields accepted by InsertQueueMessage (spec.md §4.4.1).
type InsertParams struct {
	MessageID     string
	HostID        *uuid.UUID
	Direction     Direction
	MessageType   string
	MessageData   []byte
	Priority      Priority
	ScheduledAt   *time.Time
	MaxRetries    int
	CorrelationID string
	ReplyTo       string
}

// InsertQueueMessage inserts a new pending queue row.
func (s *Store) InsertQueueMessage(ctx context.Context, db DBTX, p InsertParams) (*QueueMessage, error) {
	row := db.QueryRow(ctx, `
		INSERT INTO message_queue
			(message_id, host_id, direction, message_type, message_data,
			 status, priority, retry_count, max_retries,
			 created_at, scheduled_at, correlation_id, reply_to)
		VALUES
			($1, $2, $3, $4, $5, 'pending', $6, 0, $7, now(), $8, $9, $10)
		RETURNING `+queueColumns,
		p.MessageID, p.HostID, p.Direction, p.MessageType, p.MessageData,
		p.Priority, p.MaxRetries, p.ScheduledAt, p.CorrelationID, p.ReplyTo)
	m, err := scanQueueMessage(row)
	if err != nil {
		return nil, fmt.Errorf("inserting queue message %s: %w", p.MessageID, err)
	}
	return m, nil
}

// GetByMessageID looks up a queue row by its globally-unique message_id.
// Used for the read-your-writes verification required by spec.md §4.1/§4.4.1.
func (s *Store) GetByMessageID(ctx context.Context, db DBTX, messageID string) (*QueueMessage, error) {
	row := db.QueryRow(ctx, `SELECT `+queueColumns+` FROM message_queue WHERE message_id = $1`, messageID)
	m, err := scanQueueMessage(row)
	if err != nil {
		return nil, fmt.Errorf("getting queue message %s: %w", messageID, err)
	}
	return m, nil
}

// FindActiveByExecutionID returns a pending|in_progress row whose message_data
// carries the given execution_id, used for script-execution dedup (spec.md
// §4.4.1). The execution_id is matched via a generated column / expression
// index on message_data->>'execution_id', not a substring scan (spec.md §9
// open question resolved: a systems-language implementation should expose a
// proper indexed key rather than the original's raw substring scan).
func (s *Store) FindActiveByExecutionID(ctx context.Context, db DBTX, executionID string) (*QueueMessage, error) {
	row := db.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM message_queue
		WHERE status IN ('pending','in_progress')
		  AND message_data->>'execution_id' = $1
		ORDER BY created_at ASC
		LIMIT 1`, executionID)
	m, err := scanQueueMessage(row)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// FindRecentByContentPrefix returns a pending|in_progress|sent row created
// within the last window whose script_content shares the given 100-byte
// prefix, the second leg of script dedup (spec.md §4.4.1).
func (s *Store) FindRecentByContentPrefix(ctx context.Context, db DBTX, contentPrefix string, within time.Duration) (*QueueMessage, error) {
	row := db.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM message_queue
		WHERE status IN ('pending','in_progress','sent')
		  AND substring(convert_to(message_data->>'script_content', 'UTF8') from 1 for 100) = $1
		  AND created_at >= now() - $2::interval
		ORDER BY created_at ASC
		LIMIT 1`, []byte(contentPrefix), within.String())
	m, err := scanQueueMessage(row)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DequeueCandidates selects eligible pending rows for a host (or broadcast
// when hostID is nil), per spec.md §4.4.2. Priority ordering is applied by
// the caller (queue engine), not here, to keep the store a thin data gateway.
func (s *Store) DequeueCandidates(ctx context.Context, db DBTX, hostID *uuid.UUID, direction Direction, limit int) ([]*QueueMessage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	const base = `SELECT ` + queueColumns + ` FROM message_queue
		WHERE direction = $1 AND status = 'pending' AND expired_at IS NULL
		  AND (scheduled_at IS NULL OR scheduled_at <= now())`
	if hostID == nil {
		rows, err = db.Query(ctx, base+` AND host_id IS NULL ORDER BY created_at ASC LIMIT $2`, direction, limit)
	} else {
		rows, err = db.Query(ctx, base+` AND host_id = $2 ORDER BY created_at ASC LIMIT $3`, direction, *hostID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("dequeuing candidates: %w", err)
	}
	return scanQueueMessages(rows)
}

// UpdateStatus performs the generic state-transition write for the message
// row. The queue engine (C4) computes the target fields per spec.md §4.4.3
// and this method applies them unconditionally — transition legality is the
// engine's responsibility, not the store's.
type StatusUpdate struct {
	Status       Status
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ScheduledAt  *time.Time
	RetryCount   *int
	ErrorMessage *string
	LastErrorAt  *time.Time
	ClearStarted bool
}

func (s *Store) UpdateStatus(ctx context.Context, db DBTX, messageID string, u StatusUpdate) error {
	startedAt := u.StartedAt
	_, err := db.Exec(ctx, `
		UPDATE message_queue SET
			status = $2,
			started_at = CASE WHEN $7 THEN NULL ELSE COALESCE($3, started_at) END,
			completed_at = COALESCE($4, completed_at),
			scheduled_at = CASE WHEN $8 THEN $5 ELSE scheduled_at END,
			retry_count = COALESCE($6, retry_count),
			error_message = COALESCE($9, error_message),
			last_error_at = COALESCE($10, last_error_at)
		WHERE message_id = $1`,
		messageID, u.Status, startedAt, u.CompletedAt, u.ScheduledAt, u.RetryCount,
		u.ClearStarted, u.ScheduledAt != nil || u.ClearStarted, u.ErrorMessage, u.LastErrorAt)
	if err != nil {
		return fmt.Errorf("updating status for queue message %s: %w", messageID, err)
	}
	return nil
}

// CompareAndUpdateStatus applies u.Status etc. only if the row's current
// status is one of from. Returns false if no row matched (wrong state or
// absent), matching mark_processing/mark_acknowledged's conditional contract
// (spec.md §4.4.3).
func (s *Store) CompareAndUpdateStatus(ctx context.Context, db DBTX, messageID string, from []Status, u StatusUpdate) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE message_queue SET
			status = $2,
			started_at = CASE WHEN $8 THEN NULL ELSE COALESCE($3, started_at) END,
			completed_at = COALESCE($4, completed_at),
			scheduled_at = CASE WHEN $9 THEN $5 ELSE scheduled_at END,
			retry_count = COALESCE($6, retry_count),
			error_message = COALESCE($10, error_message),
			last_error_at = COALESCE($11, last_error_at)
		WHERE message_id = $1 AND status = ANY($7)`,
		messageID, u.Status, u.StartedAt, u.CompletedAt, u.ScheduledAt, u.RetryCount,
		statusesToStrings(from), u.ClearStarted, u.ScheduledAt != nil || u.ClearStarted,
		u.ErrorMessage, u.LastErrorAt)
	if err != nil {
		return false, fmt.Errorf("conditionally updating status for queue message %s: %w", messageID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func statusesToStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// ListUnacknowledgedSentBefore returns sent rows whose started_at predates
// the cutoff, the input to retry_unacknowledged (spec.md §4.4.3).
func (s *Store) ListUnacknowledgedSentBefore(ctx context.Context, db DBTX, cutoff time.Time) ([]*QueueMessage, error) {
	rows, err := db.Query(ctx, `
		SELECT `+queueColumns+` FROM message_queue
		WHERE status = 'sent' AND started_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing unacknowledged sent messages: %w", err)
	}
	return scanQueueMessages(rows)
}

// CountsByStatus returns per-status counts, optionally filtered by host and
// direction. On any DB error the queue engine is expected to swallow it and
// return a zero-valued struct (spec.md §4.4.4) — the store itself still
// surfaces the error so the caller can decide and log.
func (s *Store) CountsByStatus(ctx context.Context, db DBTX, hostID *uuid.UUID, direction *Direction) (map[Status]int, error) {
	query := `SELECT status, count(*) FROM message_queue WHERE 1=1`
	var args []any
	n := 0
	if hostID != nil {
		n++
		query += fmt.Sprintf(" AND host_id = $%d", n)
		args = append(args, *hostID)
	}
	if direction != nil {
		n++
		query += fmt.Sprintf(" AND direction = $%d", n)
		args = append(args, *direction)
	}
	query += ` GROUP BY status`
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting queue messages by status: %w", err)
	}
	defer rows.Close()
	out := map[Status]int{}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// ListFailedOrExpired returns the most recent failed/expired rows, newest first.
func (s *Store) ListFailedOrExpired(ctx context.Context, db DBTX, limit int) ([]*QueueMessage, error) {
	rows, err := db.Query(ctx, `
		SELECT `+queueColumns+` FROM message_queue
		WHERE status IN ('failed', 'expired')
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing failed/expired messages: %w", err)
	}
	return scanQueueMessages(rows)
}
