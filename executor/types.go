package executor

import (
	"context"
	"errors"

	"ignition/protocol"
)

// ExecutionState is the stage an admitted request has reached.
type ExecutionState string

const (
	StateLaunching          ExecutionState = "launching"
	StateAwaitingConnection ExecutionState = "awaiting_connection"
	StateSending            ExecutionState = "sending"
	StateAwaitingStatus     ExecutionState = "awaiting_status"
	StateAwaitingResponse   ExecutionState = "awaiting_response"
	StateCompleted          ExecutionState = "completed"
)

var (
	ErrLaunchFailed      = errors.New("container launch failed")
	ErrRendezvousTimeout = errors.New("container did not connect before the deadline")
	ErrConnection        = errors.New("connection failure")
	ErrSchedulerClosed   = errors.New("scheduler is shut down")
)

// Result is the outcome of one request. Response is set only with
// StatusSuccess. Err and FailedIn describe why a request failed and are
// only used for logging and metrics.
type Result struct {
	Status   protocol.Status
	Response *protocol.Response
	Err      error
	FailedIn ExecutionState
}

// Launcher starts and kills worker containers. Launch passes token to the
// worker so its connection can be matched by the rendezvous listener. Kill
// must treat a container that is already gone as success.
type Launcher interface {
	Launch(ctx context.Context, token string) (string, error)
	Kill(ctx context.Context, containerID string) error
}

// LogFetcher is implemented by launchers that can return a container's
// recent output for diagnostics.
type LogFetcher interface {
	Logs(ctx context.Context, containerID string) (stdout, stderr string, err error)
}

// Stats is a snapshot of the scheduler's queues.
type Stats struct {
	Overflow     int
	InFlight     int
	PeakInFlight int
}

// shortID returns a shortened container ID for logging
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
