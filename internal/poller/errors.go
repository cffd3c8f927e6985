package poller

import "errors"

// ErrClosed is returned when registering with a closed Scheduler.
var ErrClosed = errors.New("poller: scheduler closed")

// ConfigurationError reports a polling registration that cannot be started.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "poller: " + e.Reason }

// PanicError wraps a value recovered from a panicking Executor.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return "poller: executor panicked" }
