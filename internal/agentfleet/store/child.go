package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const childColumns = `id, parent_host_id, child_name, child_type, status, error_message, updated_at`

func scanHostChild(row pgx.Row) (*HostChild, error) {
	var c HostChild
	if err := row.Scan(&c.ID, &c.ParentHostID, &c.ChildName, &c.ChildType, &c.Status, &c.ErrorMessage, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertHostChild records or updates a reported child workload's status,
// keyed by (parent_host_id, child_name) — spec.md §3 HostChild, §4.6.6.
func (s *Store) UpsertHostChild(ctx context.Context, db DBTX, parentHostID uuid.UUID, childName, childType string, status HostChildStatus, errorMessage string) (*HostChild, error) {
	row := db.QueryRow(ctx, `
		INSERT INTO host_child (parent_host_id, child_name, child_type, status, error_message, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (parent_host_id, child_name) DO UPDATE SET
			child_type = EXCLUDED.child_type,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			updated_at = now()
		RETURNING `+childColumns,
		parentHostID, childName, childType, status, errorMessage)
	c, err := scanHostChild(row)
	if err != nil {
		return nil, fmt.Errorf("upserting host child %s/%s: %w", parentHostID, childName, err)
	}
	return c, nil
}

// ListHostChildren returns all children currently recorded for a parent host.
func (s *Store) ListHostChildren(ctx context.Context, db DBTX, parentHostID uuid.UUID) ([]*HostChild, error) {
	rows, err := db.Query(ctx, `SELECT `+childColumns+` FROM host_child WHERE parent_host_id = $1`, parentHostID)
	if err != nil {
		return nil, fmt.Errorf("listing host children of %s: %w", parentHostID, err)
	}
	defer rows.Close()
	var out []*HostChild
	for rows.Next() {
		c, err := scanHostChild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning host child row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetHostChild returns one child by parent and name.
func (s *Store) GetHostChild(ctx context.Context, db DBTX, parentHostID uuid.UUID, childName string) (*HostChild, error) {
	row := db.QueryRow(ctx, `
		SELECT `+childColumns+` FROM host_child WHERE parent_host_id = $1 AND child_name = $2`,
		parentHostID, childName)
	return scanHostChild(row)
}
