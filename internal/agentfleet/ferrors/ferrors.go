// Package ferrors defines the sentinel error taxonomy shared across the
// agent coordination components, so that the HTTP shim layer (C9) and the
// message router (C6) can classify failures with errors.Is instead of
// string matching.
package ferrors

import "errors"

var (
	// ErrHostNotFound means the referenced host_id has no row.
	ErrHostNotFound = errors.New("host not found")
	// ErrHostNotApproved means the host exists but approval_status != approved.
	ErrHostNotApproved = errors.New("host not approved")
	// ErrAgentOffline means the host has no live connection in the connection manager.
	ErrAgentOffline = errors.New("agent offline")
	// ErrValidation covers malformed input: bad UUIDs, missing required fields, bad enums.
	ErrValidation = errors.New("validation error")
	// ErrDuplicateMessage names the case where an enqueue call resolves to an
	// existing row via deduplication. queue.Engine.Enqueue does not return it:
	// on dedup it returns the existing message_id with a nil error.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrOrchestrationInFlight means a non-terminal reboot_orchestration row
	// already exists for the parent host.
	ErrOrchestrationInFlight = errors.New("reboot orchestration already in flight")
	// ErrCryptographic covers bad signatures, expired or malformed certificates,
	// and invalid license tokens. Never retried.
	ErrCryptographic = errors.New("cryptographic failure")
)
