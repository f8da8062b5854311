package csm

import "errors"

var (
	// ErrCorrupted is returned when persisted state cannot be decoded
	ErrCorrupted = errors.New("csm: persisted state is corrupted")
	// ErrQueueClosed is returned by Service.Run once the service has been closed
	ErrQueueClosed = errors.New("csm: sending queue is closed")
	// errRecordNotFound is returned by store backends for a missing record
	errRecordNotFound = errors.New("csm: record not found")
)
