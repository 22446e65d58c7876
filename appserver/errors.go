package appserver

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when a call's reply does not arrive in time.
// The pending entry is removed, so a late reply is logged and dropped.
var ErrTimeout = errors.New("call timed out")

// ErrNotRunning is returned when an operation requires a live process.
var ErrNotRunning = errors.New("agent process not running")

// SpawnError wraps a failure to launch the agent process.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start agent process: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProcessExitedError rejects in-flight calls when the agent process dies.
type ProcessExitedError struct {
	Code   int
	Stderr string
}

func (e *ProcessExitedError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent process exited with code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("agent process exited with code %d", e.Code)
}
