// Package store is the persistent store adapter (C1): typed Postgres access
// to hosts, queue rows, certificates, and reboot orchestrations. Every method
// takes a DBTX: pass the pool and each statement commits on its own, or pass
// a pgx.Tx (see WithTx) to group several calls under one commit point that
// the caller decides.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the operator-driven admission gate on a Host.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalRevoked  ApprovalStatus = "revoked"
)

// HostStatus is the connectivity lifecycle flag, distinct from ApprovalStatus.
type HostStatus string

const (
	HostUp   HostStatus = "up"
	HostDown HostStatus = "down"
)

// Host is the managed machine row.
type Host struct {
	ID       uuid.UUID
	FQDN     string
	IPv4     string
	IPv6     string

	ApprovalStatus ApprovalStatus
	Active         bool
	Status         HostStatus
	LastAccess     *time.Time

	Platform              string
	HardwareSnapshotAt     *time.Time
	RebootRequired         bool
	RebootRequiredReason   string
	IsAgentPrivileged      bool
	ScriptExecutionEnabled bool
	EnabledShells          []string

	ClientCertificatePEM string
	CertificateSerial    string

	VirtualizationTypes        json.RawMessage
	VirtualizationCapabilities json.RawMessage
	DiagnosticsRequestStatus   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsApproved reports whether commands may be enqueued for this host.
func (h *Host) IsApproved() bool {
	return h != nil && h.ApprovalStatus == ApprovalApproved
}

// Direction is the queue row's flow relative to the server.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Status is the queue row lifecycle state (spec.md §3, §4.4.3).
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Priority ranks determine dequeue ordering (spec.md §4.4.2).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the numeric ordering weight used for priority-sorted dequeue.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// QueueMessage is one durable message row.
type QueueMessage struct {
	ID        int64
	MessageID string

	HostID    *uuid.UUID
	Direction Direction
	MessageType string
	MessageData json.RawMessage

	Status      Status
	Priority    Priority
	RetryCount  int
	MaxRetries  int

	CreatedAt   time.Time
	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiredAt   *time.Time

	ErrorMessage string
	LastErrorAt  *time.Time

	CorrelationID string
	ReplyTo       string
}

// RebootStatus is the reboot_orchestration lifecycle state (spec.md §4.7).
type RebootStatus string

const (
	RebootShuttingDown   RebootStatus = "shutting_down"
	RebootRebooting      RebootStatus = "rebooting"
	RebootPendingRestart RebootStatus = "pending_restart"
	RebootRestarting     RebootStatus = "restarting"
	RebootCompleted      RebootStatus = "completed"
	RebootFailed         RebootStatus = "failed"
)

// IsTerminal reports whether the orchestration has reached a final state.
func (s RebootStatus) IsTerminal() bool {
	return s == RebootCompleted || s == RebootFailed
}

// ChildSnapshotEntry freezes a child host's identity at orchestration initiation.
type ChildSnapshotEntry struct {
	ID        uuid.UUID `json:"id"`
	ChildName string    `json:"child_name"`
	ChildType string    `json:"child_type"`
}

// ChildRestartStatus is one child's progress tracked during the restart phase.
type ChildRestartStatus string

const (
	ChildRestartPending ChildRestartStatus = "pending"
	ChildRestartRunning ChildRestartStatus = "running"
	ChildRestartFailed  ChildRestartStatus = "failed"
)

// ChildRestartEntry tracks one snapshot child's restart progress.
type ChildRestartEntry struct {
	ChildName string             `json:"child_name"`
	Status    ChildRestartStatus `json:"restart_status"`
	Error     string             `json:"error,omitempty"`
}

// RebootOrchestration is one in-flight (or completed) parent reboot.
type RebootOrchestration struct {
	ID           int64
	ParentHostID uuid.UUID
	Status       RebootStatus

	ChildHostsSnapshot      []ChildSnapshotEntry
	ChildHostsRestartStatus []ChildRestartEntry

	InitiatedAt          time.Time
	ShutdownCompletedAt  *time.Time
	RebootIssuedAt       *time.Time
	AgentReconnectedAt   *time.Time
	RestartCompletedAt   *time.Time
	ShutdownTimeoutSeconds int

	ErrorMessage string
}

// HostChildStatus mirrors the child workload's reported lifecycle state.
type HostChildStatus string

const (
	ChildRunning  HostChildStatus = "running"
	ChildStopped  HostChildStatus = "stopped"
	ChildStarting HostChildStatus = "starting"
	ChildError    HostChildStatus = "error"
)

// HostChild is a VM or container owned by a parent host's agent.
type HostChild struct {
	ID           int64
	ParentHostID uuid.UUID
	ChildName    string
	ChildType    string
	Status       HostChildStatus
	ErrorMessage string
	UpdatedAt    time.Time
}
