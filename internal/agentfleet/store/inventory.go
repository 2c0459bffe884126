package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// StorageDevice mirrors one reported disk/mount on a host.
type StorageDevice struct {
	DeviceName string
	MountPoint string
	Filesystem string
	TotalBytes int64
	UsedBytes  int64
}

// ReplaceStorageDevices deletes the host's existing storage_device rows and
// inserts the reported set, the delete-then-insert pattern required for
// hardware update results (spec.md §4.6.5). Also stamps hardware_snapshot_at.
func (s *Store) ReplaceStorageDevices(ctx context.Context, db DBTX, hostID uuid.UUID, devices []StorageDevice) error {
	if _, err := db.Exec(ctx, `DELETE FROM storage_device WHERE host_id = $1`, hostID); err != nil {
		return fmt.Errorf("clearing storage devices for host %s: %w", hostID, err)
	}
	for _, d := range devices {
		if _, err := db.Exec(ctx, `
			INSERT INTO storage_device (host_id, device_name, mount_point, filesystem, total_bytes, used_bytes, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())`,
			hostID, d.DeviceName, d.MountPoint, d.Filesystem, d.TotalBytes, d.UsedBytes); err != nil {
			return fmt.Errorf("inserting storage device %s for host %s: %w", d.DeviceName, hostID, err)
		}
	}
	_, err := db.Exec(ctx, `UPDATE host SET hardware_snapshot_at = now(), updated_at = now() WHERE id = $1`, hostID)
	if err != nil {
		return fmt.Errorf("stamping hardware_snapshot_at for host %s: %w", hostID, err)
	}
	return nil
}

// NetworkInterface mirrors one reported NIC on a host.
type NetworkInterface struct {
	InterfaceName string
	MACAddress    string
	IPv4          string
	IPv6          string
}

// ReplaceNetworkInterfaces follows the same delete-then-insert contract as
// ReplaceStorageDevices, for the network_interface hardware sub-table.
func (s *Store) ReplaceNetworkInterfaces(ctx context.Context, db DBTX, hostID uuid.UUID, ifaces []NetworkInterface) error {
	if _, err := db.Exec(ctx, `DELETE FROM network_interface WHERE host_id = $1`, hostID); err != nil {
		return fmt.Errorf("clearing network interfaces for host %s: %w", hostID, err)
	}
	for _, n := range ifaces {
		if _, err := db.Exec(ctx, `
			INSERT INTO network_interface (host_id, interface_name, mac_address, ipv4, ipv6, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())`,
			hostID, n.InterfaceName, n.MACAddress, n.IPv4, n.IPv6); err != nil {
			return fmt.Errorf("inserting network interface %s for host %s: %w", n.InterfaceName, hostID, err)
		}
	}
	return nil
}

// UserAccount mirrors one reported local user account on a host.
type UserAccount struct {
	Username      string
	UID           *int
	HomeDirectory string
	Shell         string
}

// ReplaceUserAccounts applies the same delete-then-insert contract to the
// user-account sub-table, the `user_accounts_update` message (spec.md §4.6.5).
func (s *Store) ReplaceUserAccounts(ctx context.Context, db DBTX, hostID uuid.UUID, users []UserAccount) error {
	if _, err := db.Exec(ctx, `DELETE FROM user_account WHERE host_id = $1`, hostID); err != nil {
		return fmt.Errorf("clearing user accounts for host %s: %w", hostID, err)
	}
	for _, u := range users {
		if _, err := db.Exec(ctx, `
			INSERT INTO user_account (host_id, username, uid, home_directory, shell, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())`,
			hostID, u.Username, u.UID, u.HomeDirectory, u.Shell); err != nil {
			return fmt.Errorf("inserting user account %s for host %s: %w", u.Username, hostID, err)
		}
	}
	return nil
}

// SoftwarePackage mirrors one reported installed package on a host.
type SoftwarePackage struct {
	PackageName string
	Version     string
}

// ReplaceSoftwarePackages applies the delete-then-insert contract to the
// installed-package inventory (spec.md §4.6.5).
func (s *Store) ReplaceSoftwarePackages(ctx context.Context, db DBTX, hostID uuid.UUID, pkgs []SoftwarePackage) error {
	if _, err := db.Exec(ctx, `DELETE FROM software_package WHERE host_id = $1`, hostID); err != nil {
		return fmt.Errorf("clearing software packages for host %s: %w", hostID, err)
	}
	for _, p := range pkgs {
		if _, err := db.Exec(ctx, `
			INSERT INTO software_package (host_id, package_name, version, updated_at)
			VALUES ($1, $2, $3, now())`,
			hostID, p.PackageName, p.Version); err != nil {
			return fmt.Errorf("inserting software package %s for host %s: %w", p.PackageName, hostID, err)
		}
	}
	return nil
}

// PackageUpdate is one pending OS-package update tracked for a host.
type PackageUpdate struct {
	PackageName      string
	CurrentVersion   string
	AvailableVersion string
	RequiresReboot   bool
}

// DeletePackageUpdate removes a successfully-applied update row, the
// `update_apply_result` success path (spec.md §4.6.4).
func (s *Store) DeletePackageUpdate(ctx context.Context, db DBTX, hostID uuid.UUID, packageName string) error {
	_, err := db.Exec(ctx, `DELETE FROM package_update WHERE host_id = $1 AND package_name = $2`, hostID, packageName)
	if err != nil {
		return fmt.Errorf("deleting package update %s for host %s: %w", packageName, hostID, err)
	}
	return nil
}

// MarkPackageUpdateFailed sets status=failed on an update row that the agent
// reported it could not apply.
func (s *Store) MarkPackageUpdateFailed(ctx context.Context, db DBTX, hostID uuid.UUID, packageName string) error {
	_, err := db.Exec(ctx, `
		UPDATE package_update SET status = 'failed', updated_at = now()
		WHERE host_id = $1 AND package_name = $2`, hostID, packageName)
	if err != nil {
		return fmt.Errorf("marking package update %s failed for host %s: %w", packageName, hostID, err)
	}
	return nil
}

// InsertExecutionLog records one script/command execution's outcome, used by
// the script-result handler (spec.md §4.6.4).
func (s *Store) InsertExecutionLog(ctx context.Context, db DBTX, hostID uuid.UUID, executionID, command, stdout, stderr string, exitCode *int) error {
	_, err := db.Exec(ctx, `
		INSERT INTO update_execution_log (host_id, execution_id, command, stdout, stderr, exit_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		hostID, executionID, command, stdout, stderr, exitCode)
	if err != nil {
		return fmt.Errorf("recording execution log %s for host %s: %w", executionID, hostID, err)
	}
	return nil
}

// InsertInstallationLogRow records one package's row under a shared
// installation_id, the per-package bookkeeping behind POST
// /packages/install/{id} (spec.md §4.9).
func (s *Store) InsertInstallationLogRow(ctx context.Context, db DBTX, installationID string, hostID uuid.UUID, packageName string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO software_installation_log (installation_id, host_id, package_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', now(), now())`,
		installationID, hostID, packageName)
	if err != nil {
		return fmt.Errorf("recording installation log row %s/%s for host %s: %w", installationID, packageName, hostID, err)
	}
	return nil
}
