package events

import "time"

// DocumentRewritten is emitted after directives were applied to a document.
type DocumentRewritten struct {
	OperationName string
	Err           error
	Duration      time.Duration
}
