// Package router is the message router & handler set (C6): it inspects an
// inbound envelope's message_type, records it as an inbound queue row for
// audit/replay, and dispatches to a typed handler. Handlers are idempotent
// with respect to message_id — a replay (detected via the row's unique
// constraint on message_id) still runs the handler, but skips the fields
// that must only advance once (last_access, audit completion).
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/conn"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/ferrors"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/queue"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/reboot"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/store"
	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/logging"
)

// Envelope is the wire format carried in both directions (spec.md §6.1).
type Envelope struct {
	MessageType   string          `json:"message_type"`
	MessageID     string          `json:"message_id"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
}

// handlerFunc is the handler contract of spec.md §4.6.1, bound to a Router so
// it can reach the store/queue/hub/reboot collaborators. isReplay is true
// when this message_id has already been recorded (a retransmit).
type handlerFunc func(ctx context.Context, sess *conn.Session, env Envelope, isReplay bool) (any, error)

// Router dispatches inbound envelopes to their handlers.
type Router struct {
	store  *store.Store
	queue  *queue.Engine
	hub    *conn.Hub
	reboot *reboot.Engine
	clock  clock.Clock
	log    *logging.Logger

	handlers map[string]handlerFunc
}

// New builds a Router with its dispatch table populated for every recognized
// message_type (spec.md §6.2).
func New(s *store.Store, q *queue.Engine, hub *conn.Hub, rb *reboot.Engine, clk clock.Clock, log *logging.Logger) *Router {
	r := &Router{store: s, queue: q, hub: hub, reboot: rb, clock: clk, log: log}
	r.handlers = map[string]handlerFunc{
		"system_info":             r.handleRegistration,
		"heartbeat":               r.handleHeartbeat,
		"command_result":          r.handleCommandResult,
		"script_execution_result": r.handleCommandResult,
		"update_apply_result":     r.handleUpdateApplyResult,
		"hardware_update_result":  r.handleHardwareUpdateResult,
		"user_accounts_update":    r.handleUserAccountsUpdateResult,
		"software_update_result":  r.handleSoftwareUpdateResult,
		"virtualization_info":     r.handleVirtualizationInfo,
		"wsl_info":                r.handleVirtualizationInfo,
		"lxd_info":                r.handleVirtualizationInfo,
		"vmm_info":                r.handleVirtualizationInfo,
		"child_host_status":       r.handleChildHostStatus,
	}
	return r
}

// Dispatch is the onMessage callback passed to conn.Hub.Accept. It records
// the inbound envelope, runs its handler, marks the audit row completed on
// success, and writes back any reply on the session.
func (r *Router) Dispatch(ctx context.Context, sess *conn.Session, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.log.Warn("discarding malformed inbound envelope", "error", err)
		return
	}
	if env.MessageType == "" || env.MessageID == "" {
		r.log.Warn("discarding inbound envelope missing message_type or message_id")
		return
	}

	isReplay, err := r.recordInbound(ctx, env, raw)
	if err != nil {
		r.log.Error("failed to record inbound envelope", "message_id", env.MessageID, "error", err)
		return
	}

	handler, ok := r.handlers[env.MessageType]
	if !ok {
		r.log.Warn("no handler registered for message_type", "message_type", env.MessageType, "message_id", env.MessageID)
		return
	}

	reply, err := handler(ctx, sess, env, isReplay)
	if err != nil {
		r.log.Error("handler failed", "message_type", env.MessageType, "message_id", env.MessageID, "error", err)
		return
	}

	if !isReplay {
		if err := r.queue.MarkCompleted(ctx, env.MessageID); err != nil {
			r.log.Warn("failed to mark inbound envelope completed", "message_id", env.MessageID, "error", err)
		}
	}

	if reply == nil {
		return
	}
	if sent, err := sess.SendJSON(reply); err != nil {
		r.log.Warn("failed to marshal reply", "message_type", env.MessageType, "error", err)
	} else if !sent {
		r.log.Warn("reply dropped, session send buffer unavailable", "message_type", env.MessageType, "message_id", env.MessageID)
	}
}

// recordInbound inserts the envelope as an inbound audit row. A unique
// violation on message_id means this exact envelope was already processed —
// the caller treats that as a replay rather than a hard error.
func (r *Router) recordInbound(ctx context.Context, env Envelope, raw json.RawMessage) (isReplay bool, err error) {
	_, err = r.store.InsertQueueMessage(ctx, r.store.Pool(), store.InsertParams{
		MessageID:     env.MessageID,
		Direction:     store.Inbound,
		MessageType:   env.MessageType,
		MessageData:   env.Data,
		Priority:      store.PriorityNormal,
		MaxRetries:    1,
		CorrelationID: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
	})
	if err == nil {
		return false, nil
	}
	if isUniqueViolation(err) {
		return true, nil
	}
	return false, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ackEnvelope is the simple ack reply described in spec.md §4.6.1, echoing
// the inbound message_id being acknowledged.
func ackEnvelope(inboundMessageID string) map[string]any {
	return map[string]any{
		"message_type": "ack",
		"message_id":   inboundMessageID,
		"data":         map[string]any{"status": "received"},
	}
}

// --- 4.6.2 registration ---

type systemInfoPayload struct {
	FQDN     string `json:"fqdn"`
	IPv4     string `json:"ipv4"`
	IPv6     string `json:"ipv6"`
	Platform string `json:"platform"`
}

func (r *Router) handleRegistration(ctx context.Context, sess *conn.Session, env Envelope, isReplay bool) (any, error) {
	var p systemInfoPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding system_info payload: %v", ferrors.ErrValidation, err)
	}
	if p.FQDN == "" {
		return nil, fmt.Errorf("%w: system_info missing fqdn", ferrors.ErrValidation)
	}

	db := r.store.Pool()
	host, err := r.store.GetHostByFQDN(ctx, db, p.FQDN)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		host, err = r.store.CreateHost(ctx, db, p.FQDN, p.IPv4, p.IPv6, p.Platform)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if err := r.store.TouchRegistration(ctx, db, host.ID, p.IPv4, p.IPv6, p.Platform, isReplay); err != nil {
			return nil, err
		}
	}

	if host.IsApproved() {
		r.hub.RegisterAgent(sess, host.ID)
		return map[string]any{
			"message_type": "registration_success",
			"message_id":   uuid.NewString(),
			"data":         map[string]any{"host_id": host.ID.String()},
		}, nil
	}
	return map[string]any{
		"message_type": "registration_pending",
		"message_id":   uuid.NewString(),
		"data":         map[string]any{"approval_status": string(host.ApprovalStatus)},
	}, nil
}

// --- 4.6.3 heartbeat ---

type heartbeatPayload struct {
	IsPrivileged           *bool    `json:"is_privileged"`
	ScriptExecutionEnabled *bool    `json:"script_execution_enabled"`
	EnabledShells          []string `json:"enabled_shells"`
}

func (r *Router) handleHeartbeat(ctx context.Context, sess *conn.Session, env Envelope, isReplay bool) (any, error) {
	db := r.store.Pool()

	hostID, bound := sess.BoundHostID()
	if bound {
		if _, err := r.store.GetHostByID(ctx, db, hostID); err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return nil, err
			}
			bound = false
		}
	}
	if !bound {
		if sess.FQDN == "" {
			return nil, fmt.Errorf("%w: heartbeat from a session with no bound host and no identity", ferrors.ErrValidation)
		}
		host, err := r.store.CreateHost(ctx, db, sess.FQDN, sess.IPv4, sess.IPv6, "")
		if err != nil {
			return nil, err
		}
		hostID = host.ID
		r.hub.RegisterAgent(sess, hostID)
	}

	if err := r.store.TouchHeartbeat(ctx, db, hostID, isReplay); err != nil {
		return nil, err
	}

	if len(env.Data) > 0 {
		var p heartbeatPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: decoding heartbeat payload: %v", ferrors.ErrValidation, err)
		}
		if err := r.store.SetHeartbeatCapabilities(ctx, db, hostID, p.IsPrivileged, p.ScriptExecutionEnabled, p.EnabledShells); err != nil {
			return nil, err
		}
	}

	if err := r.reboot.HandleAgentReconnect(ctx, hostID); err != nil {
		r.log.Warn("reboot reconnect check failed", "host_id", hostID, "error", err)
	}

	return ackEnvelope(env.MessageID), nil
}

// --- 4.6.4 command result ---

type commandResultPayload struct {
	ExecutionID string `json:"execution_id"`
	MessageID   string `json:"message_id"`
	Command     string `json:"command"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	ExitCode    *int   `json:"exit_code"`
}

func (r *Router) handleCommandResult(ctx context.Context, sess *conn.Session, env Envelope, isReplay bool) (any, error) {
	var p commandResultPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding command result payload: %v", ferrors.ErrValidation, err)
	}

	targetID := p.ExecutionID
	if targetID == "" {
		targetID = p.MessageID
	}
	if targetID == "" {
		return nil, fmt.Errorf("%w: command result carries neither execution_id nor message_id", ferrors.ErrValidation)
	}

	if _, err := r.queue.MarkAcknowledged(ctx, targetID); err != nil {
		r.log.Warn("failed to mark originating command acknowledged", "target_message_id", targetID, "error", err)
	}

	if hostID, bound := sess.BoundHostID(); bound && p.Command != "" {
		if err := r.store.InsertExecutionLog(ctx, r.store.Pool(), hostID, targetID, p.Command, p.Stdout, p.Stderr, p.ExitCode); err != nil {
			r.log.Warn("failed to record execution log", "host_id", hostID, "error", err)
		}
	}

	return ackEnvelope(env.MessageID), nil
}

type packageOutcome struct {
	PackageName    string `json:"package_name"`
	Success        bool   `json:"success"`
	RequiresReboot bool   `json:"requires_reboot"`
	Error          string `json:"error"`
}

type updateApplyResultPayload struct {
	Packages []packageOutcome `json:"packages"`
}

func (r *Router) handleUpdateApplyResult(ctx context.Context, sess *conn.Session, env Envelope, isReplay bool) (any, error) {
	hostID, bound := sess.BoundHostID()
	if !bound {
		return nil, fmt.Errorf("%w: update_apply_result from an unregistered session", ferrors.ErrValidation)
	}
	var p updateApplyResultPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding update_apply_result payload: %v", ferrors.ErrValidation, err)
	}

	db := r.store.Pool()
	rebootNeeded := false
	for _, pkg := range p.Packages {
		if pkg.Success {
			if err := r.store.DeletePackageUpdate(ctx, db, hostID, pkg.PackageName); err != nil {
				return nil, err
			}
			if pkg.RequiresReboot {
				rebootNeeded = true
			}
			continue
		}
		if err := r.store.MarkPackageUpdateFailed(ctx, db, hostID, pkg.PackageName); err != nil {
			return nil, err
		}
	}
	if rebootNeeded {
		if err := r.store.SetRebootRequired(ctx, db, hostID, "applied package updates require a reboot"); err != nil {
			return nil, err
		}
	}
	return ackEnvelope(env.MessageID), nil
}

// --- 4.6.5 hardware/user/software update results ---

type storageRow struct {
	DeviceName string `json:"device_name"`
	MountPoint string `json:"mount_point"`
	Filesystem string `json:"filesystem"`
	TotalBytes int64  `json:"total_bytes"`
	UsedBytes  int64  `json:"used_bytes"`
	Error      string `json:"error,omitempty"`
}

type networkRow struct {
	InterfaceName string `json:"interface_name"`
	MACAddress    string `json:"mac_address"`
	IPv4          string `json:"ipv4"`
	IPv6          string `json:"ipv6"`
	Error         string `json:"error,omitempty"`
}

type hardwareUpdatePayload struct {
	StorageDevices    []storageRow `json:"storage_devices"`
	NetworkInterfaces []networkRow `json:"network_interfaces"`
}

func (r *Router) handleHardwareUpdateResult(ctx context.Context, sess *conn.Session, env Envelope, isReplay bool) (any, error) {
	hostID, bound := sess.BoundHostID()
	if !bound {
		return nil, fmt.Errorf("%w: hardware_update_result from an unregistered session", ferrors.ErrValidation)
	}
	var p hardwareUpdatePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding hardware_update_result payload: %v", ferrors.ErrValidation, err)
	}

	var devices []store.StorageDevice
	for _, d := range p.StorageDevices {
		if d.Error != "" {
			continue
		}
		devices = append(devices, store.StorageDevice{
			DeviceName: d.DeviceName, MountPoint: d.MountPoint, Filesystem: d.Filesystem,
			TotalBytes: d.TotalBytes, UsedBytes: d.UsedBytes,
		})
	}
	var ifaces []store.NetworkInterface
	for _, n := range p.NetworkInterfaces {
		if n.Error != "" {
			continue
		}
		ifaces = append(ifaces, store.NetworkInterface{
			InterfaceName: n.InterfaceName, MACAddress: n.MACAddress, IPv4: n.IPv4, IPv6: n.IPv6,
		})
	}

	db := r.store.Pool()
	if err := r.store.ReplaceStorageDevices(ctx, db, hostID, devices); err != nil {
		return nil, err
	}
	if err := r.store.ReplaceNetworkInterfaces(ctx, db, hostID, ifaces); err != nil {
		return nil, err
	}
	return ackEnvelope(env.MessageID), nil
}

type userAccountRow struct {
	Username      string `json:"username"`
	UID           *int   `json:"uid"`
	HomeDirectory string `json:"home_directory"`
	Shell         string `json:"shell"`
	Error         string `json:"error,omitempty"`
}

type userAccountsUpdatePayload struct {
	Users []userAccountRow `json:"users"`
}

func (r *Router) handleUserAccountsUpdateResult(ctx context.Context, sess *conn.Session, env Envelope, isReplay bool) (any, error) {
	hostID, bound := sess.BoundHostID()
	if !bound {
		return nil, fmt.Errorf("%w: user_accounts_update from an unregistered session", ferrors.ErrValidation)
	}
	var p userAccountsUpdatePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding user_accounts_update payload: %v", ferrors.ErrValidation, err)
	}

	var users []store.UserAccount
	for _, u := range p.Users {
		if u.Error != "" {
			continue
		}
		users = append(users, store.UserAccount{
			Username: u.Username, UID: u.UID, HomeDirectory: u.HomeDirectory, Shell: u.Shell,
		})
	}
	if err := r.store.ReplaceUserAccounts(ctx, r.store.Pool(), hostID, users); err != nil {
		return nil, err
	}
	return ackEnvelope(env.MessageID), nil
}

type softwarePackageRow struct {
	PackageName string `json:"package_name"`
	Version     string `json:"version"`
	Error       string `json:"error,omitempty"`
}

type softwareUpdateResultPayload struct {
	Packages []softwarePackageRow `json:"packages"`
}

func (r *Router) handleSoftwareUpdateResult(ctx context.Context, sess *conn.Session, env Envelope, isReplay bool) (any, error) {
	hostID, bound := sess.BoundHostID()
	if !bound {
		return nil, fmt.Errorf("%w: software_update_result from an unregistered session", ferrors.ErrValidation)
	}
	var p softwareUpdateResultPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding software_update_result payload: %v", ferrors.ErrValidation, err)
	}

	var pkgs []store.SoftwarePackage
	for _, s := range p.Packages {
		if s.Error != "" {
			continue
		}
		pkgs = append(pkgs, store.SoftwarePackage{PackageName: s.PackageName, Version: s.Version})
	}
	if err := r.store.ReplaceSoftwarePackages(ctx, r.store.Pool(), hostID, pkgs); err != nil {
		return nil, err
	}
	return ackEnvelope(env.MessageID), nil
}

// --- 4.6.6 virtualization / WSL / LXD / VMM / child-host lifecycle ---

type virtualizationPayload struct {
	Types          json.RawMessage `json:"types"`
	Capabilities   json.RawMessage `json:"capabilities"`
	RequiresReboot bool            `json:"requires_reboot"`
	RebootReason   string          `json:"reboot_reason"`
	RefreshNeeded  bool            `json:"refresh_needed"`
}

func (r *Router) handleVirtualizationInfo(ctx context.Context, sess *conn.Session, env Envelope, isReplay bool) (any, error) {
	hostID, bound := sess.BoundHostID()
	if !bound {
		return nil, fmt.Errorf("%w: %s from an unregistered session", ferrors.ErrValidation, env.MessageType)
	}
	var p virtualizationPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding %s payload: %v", ferrors.ErrValidation, env.MessageType, err)
	}

	db := r.store.Pool()
	if err := r.store.SetVirtualizationCapabilities(ctx, db, hostID, p.Types, p.Capabilities); err != nil {
		return nil, err
	}

	if p.RequiresReboot {
		reason := p.RebootReason
		if reason == "" {
			reason = env.MessageType + " reported a change requiring reboot"
		}
		if err := r.store.SetRebootRequired(ctx, db, hostID, reason); err != nil {
			return nil, err
		}
	}

	if p.RefreshNeeded {
		if _, err := r.queue.Enqueue(ctx, queue.EnqueueParams{
			MessageType: "check_virtualization_support",
			MessageData: map[string]any{},
			Direction:   store.Outbound,
			HostID:      &hostID,
			Priority:    store.PriorityNormal,
		}); err != nil {
			r.log.Warn("failed to enqueue check_virtualization_support follow-up", "host_id", hostID, "error", err)
		}
	}

	return ackEnvelope(env.MessageID), nil
}

type childHostStatusPayload struct {
	ChildName    string `json:"child_name"`
	ChildType    string `json:"child_type"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

func (r *Router) handleChildHostStatus(ctx context.Context, sess *conn.Session, env Envelope, isReplay bool) (any, error) {
	hostID, bound := sess.BoundHostID()
	if !bound {
		return nil, fmt.Errorf("%w: child_host_status from an unregistered session", ferrors.ErrValidation)
	}
	var p childHostStatusPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding child_host_status payload: %v", ferrors.ErrValidation, err)
	}
	if p.ChildName == "" {
		return nil, fmt.Errorf("%w: child_host_status missing child_name", ferrors.ErrValidation)
	}

	var childStatus store.HostChildStatus
	switch p.Status {
	case "started":
		childStatus = store.ChildRunning
	case "stopped":
		childStatus = store.ChildStopped
	case "error":
		childStatus = store.ChildError
	default:
		return nil, fmt.Errorf("%w: unrecognized child status %q", ferrors.ErrValidation, p.Status)
	}

	if _, err := r.store.UpsertHostChild(ctx, r.store.Pool(), hostID, p.ChildName, p.ChildType, childStatus, p.ErrorMessage); err != nil {
		return nil, err
	}

	var rebootErr error
	switch p.Status {
	case "stopped":
		rebootErr = r.reboot.CheckShutdownProgress(ctx, hostID, p.ChildName)
	case "started":
		rebootErr = r.reboot.CheckRestartProgress(ctx, hostID, p.ChildName, false)
	case "error":
		rebootErr = r.reboot.CheckRestartProgress(ctx, hostID, p.ChildName, true)
	}
	if rebootErr != nil {
		r.log.Warn("reboot orchestration advance failed", "host_id", hostID, "child_name", p.ChildName, "error", rebootErr)
	}

	return ackEnvelope(env.MessageID), nil
}
