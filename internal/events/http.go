package events

import (
	"time"
)

// HTTPClientStart is emitted before a GraphQL request is sent.
type HTTPClientStart struct {
	Endpoint      string
	OperationName string
	RequestID     string
}

// HTTPClientFinish is emitted after the response was read.
type HTTPClientFinish struct {
	Endpoint      string
	OperationName string
	RequestID     string
	Status        int
	Err           error
	Duration      time.Duration
}
