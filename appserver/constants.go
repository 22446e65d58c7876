package appserver

import "time"

const (
	// DefaultCallTimeout bounds how long a JSON-RPC call waits for its reply.
	// Turn-scoped calls use longer, caller-supplied deadlines.
	DefaultCallTimeout = 90 * time.Second

	// ApprovalTimeout is how long a pending approval or input request waits
	// for a user decision before the default (deny) answer is sent.
	ApprovalTimeout = 5 * time.Minute

	// InterruptTimeout bounds the best-effort turn/interrupt call.
	InterruptTimeout = 5 * time.Second

	// StopTimeout is how long Stop waits for a graceful exit before the
	// process is force-killed.
	StopTimeout = 2 * time.Second

	// NotificationBuffer is the per-subscriber notification channel depth.
	// A subscriber that falls this far behind starts losing notifications,
	// with each drop logged.
	NotificationBuffer = 256

	// ServerRequestBuffer is the per-subscriber server-request channel depth.
	ServerRequestBuffer = 32
)
