package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const rebootColumns = `id, parent_host_id, status, child_hosts_snapshot, child_hosts_restart_status,
	initiated_at, shutdown_completed_at, reboot_issued_at, agent_reconnected_at, restart_completed_at,
	shutdown_timeout_seconds, error_message`

func scanRebootOrchestration(row pgx.Row) (*RebootOrchestration, error) {
	var o RebootOrchestration
	var snapshot, restartStatus json.RawMessage
	if err := row.Scan(
		&o.ID, &o.ParentHostID, &o.Status, &snapshot, &restartStatus,
		&o.InitiatedAt, &o.ShutdownCompletedAt, &o.RebootIssuedAt, &o.AgentReconnectedAt, &o.RestartCompletedAt,
		&o.ShutdownTimeoutSeconds, &o.ErrorMessage,
	); err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &o.ChildHostsSnapshot); err != nil {
			return nil, fmt.Errorf("decoding child_hosts_snapshot: %w", err)
		}
	}
	if len(restartStatus) > 0 {
		if err := json.Unmarshal(restartStatus, &o.ChildHostsRestartStatus); err != nil {
			return nil, fmt.Errorf("decoding child_hosts_restart_status: %w", err)
		}
	}
	return &o, nil
}

// GetNonTerminalOrchestration enforces "at most one non-terminal
// orchestration per parent_host_id" (spec.md §3, §4.7) by returning the
// single in-flight row, if any.
func (s *Store) GetNonTerminalOrchestration(ctx context.Context, db DBTX, parentHostID uuid.UUID) (*RebootOrchestration, error) {
	row := db.QueryRow(ctx, `
		SELECT `+rebootColumns+` FROM reboot_orchestration
		WHERE parent_host_id = $1 AND status IN ('shutting_down','rebooting','pending_restart','restarting')
		LIMIT 1`, parentHostID)
	o, err := scanRebootOrchestration(row)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CreateOrchestration inserts a new shutting_down orchestration with a frozen
// child snapshot (spec.md §4.7).
func (s *Store) CreateOrchestration(ctx context.Context, db DBTX, parentHostID uuid.UUID, snapshot []ChildSnapshotEntry, shutdownTimeoutSeconds int) (*RebootOrchestration, error) {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encoding child snapshot: %w", err)
	}
	row := db.QueryRow(ctx, `
		INSERT INTO reboot_orchestration
			(parent_host_id, status, child_hosts_snapshot, child_hosts_restart_status,
			 initiated_at, shutdown_timeout_seconds)
		VALUES ($1, 'shutting_down', $2, '[]', now(), $3)
		RETURNING `+rebootColumns,
		parentHostID, snapshotJSON, shutdownTimeoutSeconds)
	o, err := scanRebootOrchestration(row)
	if err != nil {
		return nil, fmt.Errorf("creating reboot orchestration for %s: %w", parentHostID, err)
	}
	return o, nil
}

// SaveOrchestration persists the full row after a state-transition function
// (internal/agentfleet/reboot) computes the next state. Reboot orchestration
// concurrency is serialized by a row-level lock acquired via the caller's
// transaction (spec.md §9: "concurrency is serialized by a row-level lock on
// reboot_orchestration").
func (s *Store) SaveOrchestration(ctx context.Context, db DBTX, o *RebootOrchestration) error {
	snapshotJSON, err := json.Marshal(o.ChildHostsSnapshot)
	if err != nil {
		return fmt.Errorf("encoding child snapshot: %w", err)
	}
	restartJSON, err := json.Marshal(o.ChildHostsRestartStatus)
	if err != nil {
		return fmt.Errorf("encoding child restart status: %w", err)
	}
	_, err = db.Exec(ctx, `
		UPDATE reboot_orchestration SET
			status = $2, child_hosts_snapshot = $3, child_hosts_restart_status = $4,
			shutdown_completed_at = $5, reboot_issued_at = $6, agent_reconnected_at = $7,
			restart_completed_at = $8, error_message = $9
		WHERE id = $1`,
		o.ID, o.Status, snapshotJSON, restartJSON,
		o.ShutdownCompletedAt, o.RebootIssuedAt, o.AgentReconnectedAt, o.RestartCompletedAt, o.ErrorMessage)
	if err != nil {
		return fmt.Errorf("saving reboot orchestration %d: %w", o.ID, err)
	}
	return nil
}

// LockOrchestrationForUpdate selects the parent's non-terminal orchestration
// row with FOR UPDATE, giving the caller exclusive access for the duration
// of its transaction while it computes and saves the next state.
func (s *Store) LockOrchestrationForUpdate(ctx context.Context, tx pgx.Tx, parentHostID uuid.UUID) (*RebootOrchestration, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+rebootColumns+` FROM reboot_orchestration
		WHERE parent_host_id = $1 AND status IN ('shutting_down','rebooting','pending_restart','restarting')
		FOR UPDATE LIMIT 1`, parentHostID)
	return scanRebootOrchestration(row)
}
