package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const hostColumns = `id, fqdn, ipv4, ipv6, approval_status, active, status, last_access,
	platform, hardware_snapshot_at, reboot_required, reboot_required_reason,
	is_agent_privileged, script_execution_enabled, enabled_shells,
	client_certificate, certificate_serial,
	virtualization_types, virtualization_capabilities, diagnostics_request_status,
	created_at, updated_at`

func scanHost(row pgx.Row) (*Host, error) {
	var h Host
	var shells []string
	if err := row.Scan(
		&h.ID, &h.FQDN, &h.IPv4, &h.IPv6, &h.ApprovalStatus, &h.Active, &h.Status, &h.LastAccess,
		&h.Platform, &h.HardwareSnapshotAt, &h.RebootRequired, &h.RebootRequiredReason,
		&h.IsAgentPrivileged, &h.ScriptExecutionEnabled, &shells,
		&h.ClientCertificatePEM, &h.CertificateSerial,
		&h.VirtualizationTypes, &h.VirtualizationCapabilities, &h.DiagnosticsRequestStatus,
		&h.CreatedAt, &h.UpdatedAt,
	); err != nil {
		return nil, err
	}
	h.EnabledShells = shells
	return &h, nil
}

// GetHostByID looks up a host by its primary key. Returns pgx.ErrNoRows if absent.
func (s *Store) GetHostByID(ctx context.Context, db DBTX, id uuid.UUID) (*Host, error) {
	row := db.QueryRow(ctx, `SELECT `+hostColumns+` FROM host WHERE id = $1`, id)
	h, err := scanHost(row)
	if err != nil {
		return nil, fmt.Errorf("getting host %s: %w", id, err)
	}
	return h, nil
}

// GetHostByFQDN looks up a host by its unique fqdn. Returns pgx.ErrNoRows if absent.
func (s *Store) GetHostByFQDN(ctx context.Context, db DBTX, fqdn string) (*Host, error) {
	row := db.QueryRow(ctx, `SELECT `+hostColumns+` FROM host WHERE fqdn = $1`, fqdn)
	h, err := scanHost(row)
	if err != nil {
		return nil, fmt.Errorf("getting host by fqdn %s: %w", fqdn, err)
	}
	return h, nil
}

// CreateHost inserts a new host row with approval_status=pending, as required
// whenever an unknown fqdn registers (spec.md §4.6.2).
func (s *Store) CreateHost(ctx context.Context, db DBTX, fqdn, ipv4, ipv6, platform string) (*Host, error) {
	row := db.QueryRow(ctx, `
		INSERT INTO host (fqdn, ipv4, ipv6, approval_status, active, status, platform, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', true, 'up', $4, now(), now())
		RETURNING `+hostColumns,
		fqdn, ipv4, ipv6, platform)
	h, err := scanHost(row)
	if err != nil {
		return nil, fmt.Errorf("creating host %s: %w", fqdn, err)
	}
	return h, nil
}

// TouchRegistration upserts registration-time fields: active/status always
// refreshed; last_access only when isReplay is false, per spec.md §4.6.2.
func (s *Store) TouchRegistration(ctx context.Context, db DBTX, id uuid.UUID, ipv4, ipv6, platform string, isReplay bool) error {
	query := `UPDATE host SET active = true, status = 'up', ipv4 = $2, ipv6 = $3, platform = $4, updated_at = now()`
	args := []any{id, ipv4, ipv6, platform}
	if !isReplay {
		query += `, last_access = now()`
	}
	query += ` WHERE id = $1`
	_, err := db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("touching registration for host %s: %w", id, err)
	}
	return nil
}

// TouchHeartbeat refreshes liveness fields on a heartbeat, per spec.md §4.6.3.
func (s *Store) TouchHeartbeat(ctx context.Context, db DBTX, id uuid.UUID, isReplay bool) error {
	query := `UPDATE host SET active = true, status = 'up', updated_at = now()`
	if !isReplay {
		query += `, last_access = now()`
	}
	query += ` WHERE id = $1`
	_, err := db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("touching heartbeat for host %s: %w", id, err)
	}
	return nil
}

// SetHeartbeatCapabilities overwrites the optional heartbeat capability fields
// only when present, per spec.md §4.6.3.
func (s *Store) SetHeartbeatCapabilities(ctx context.Context, db DBTX, id uuid.UUID, isPrivileged, scriptExecEnabled *bool, enabledShells []string) error {
	if isPrivileged == nil && scriptExecEnabled == nil && enabledShells == nil {
		return nil
	}
	_, err := db.Exec(ctx, `
		UPDATE host SET
			is_agent_privileged = COALESCE($2, is_agent_privileged),
			script_execution_enabled = COALESCE($3, script_execution_enabled),
			enabled_shells = COALESCE($4, enabled_shells),
			updated_at = now()
		WHERE id = $1`,
		id, isPrivileged, scriptExecEnabled, enabledShells)
	if err != nil {
		return fmt.Errorf("setting heartbeat capabilities for host %s: %w", id, err)
	}
	return nil
}

// MarkDisconnected sets status=down on session close, leaving active unchanged
// (spec.md §4.5).
func (s *Store) MarkDisconnected(ctx context.Context, db DBTX, id uuid.UUID) error {
	_, err := db.Exec(ctx, `UPDATE host SET status = 'down', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking host %s disconnected: %w", id, err)
	}
	return nil
}

// SetApprovalStatus updates the operator-gated admission state.
func (s *Store) SetApprovalStatus(ctx context.Context, db DBTX, id uuid.UUID, status ApprovalStatus) error {
	_, err := db.Exec(ctx, `UPDATE host SET approval_status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("setting approval status for host %s: %w", id, err)
	}
	return nil
}

// SetCertificate stores the minted client certificate PEM and its serial on the host row.
func (s *Store) SetCertificate(ctx context.Context, db DBTX, id uuid.UUID, certPEM, serial string) error {
	_, err := db.Exec(ctx, `
		UPDATE host SET client_certificate = $2, certificate_serial = $3, updated_at = now() WHERE id = $1`,
		id, certPEM, serial)
	if err != nil {
		return fmt.Errorf("setting certificate for host %s: %w", id, err)
	}
	return nil
}

// RevokeCertificate clears the client certificate and serial and sets
// approval_status=revoked, per spec.md §4.9 and end-to-end scenario 6.
func (s *Store) RevokeCertificate(ctx context.Context, db DBTX, id uuid.UUID) error {
	_, err := db.Exec(ctx, `
		UPDATE host SET client_certificate = NULL, certificate_serial = NULL,
			approval_status = 'revoked', updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoking certificate for host %s: %w", id, err)
	}
	return nil
}

// SetRebootRequired sets the reboot flag and its reason, but only if no
// reason is already recorded — reason strings are protected once set
// (spec.md §4.6.6).
func (s *Store) SetRebootRequired(ctx context.Context, db DBTX, id uuid.UUID, reason string) error {
	_, err := db.Exec(ctx, `
		UPDATE host SET reboot_required = true,
			reboot_required_reason = CASE WHEN reboot_required_reason = '' OR reboot_required_reason IS NULL
				THEN $2 ELSE reboot_required_reason END,
			updated_at = now()
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("setting reboot-required for host %s: %w", id, err)
	}
	return nil
}

// ClearRebootRequired resets the reboot flag and reason, e.g. once a reboot
// orchestration completes for the host.
func (s *Store) ClearRebootRequired(ctx context.Context, db DBTX, id uuid.UUID) error {
	_, err := db.Exec(ctx, `
		UPDATE host SET reboot_required = false, reboot_required_reason = '', updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clearing reboot-required for host %s: %w", id, err)
	}
	return nil
}

// SetVirtualizationCapabilities merges reported virtualization type/capability JSON.
func (s *Store) SetVirtualizationCapabilities(ctx context.Context, db DBTX, id uuid.UUID, types, capabilities json.RawMessage) error {
	_, err := db.Exec(ctx, `
		UPDATE host SET virtualization_types = COALESCE($2, virtualization_types),
			virtualization_capabilities = COALESCE($3, virtualization_capabilities),
			updated_at = now()
		WHERE id = $1`, id, types, capabilities)
	if err != nil {
		return fmt.Errorf("setting virtualization capabilities for host %s: %w", id, err)
	}
	return nil
}

// Now returns the current time in UTC. The store's queries take their
// default timestamps from the database's now(), not from this function.
func Now() time.Time { return time.Now().UTC() }
