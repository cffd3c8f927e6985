package events

import (
	"time"

	"github.com/hanpama/pollgraph/internal/queryid"
)

// PollStarted is emitted when a polling registration starts its timer.
type PollStarted struct {
	QueryID       queryid.ID
	OperationName string
	Interval      time.Duration
}

// PollStopped is emitted once when a registration is stopped.
type PollStopped struct {
	QueryID queryid.ID
}

// PollSkipped is emitted for a tick that did not start an execution.
type PollSkipped struct {
	QueryID queryid.ID
	// Reason is "in-flight" or "concurrency-limit".
	Reason string
}

// PollExecutionStart is emitted before a tick executes its query.
// Context carries the query ID.
type PollExecutionStart struct {
	QueryID       queryid.ID
	OperationName string
}

// PollExecutionFinish is emitted after the execution returned.
type PollExecutionFinish struct {
	QueryID       queryid.ID
	OperationName string
	Err           error
	// Delivered is false when the registration was stopped while the
	// execution was running.
	Delivered bool
	Duration  time.Duration
}
