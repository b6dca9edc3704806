package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobAlreadyQueued = errors.New("job already queued or processed")
	ErrQueueExists      = errors.New("queue already exists")
	ErrQueueNotFound    = errors.New("queue not found")
	ErrOptionsMismatch  = errors.New("queue options do not match stored configuration")
	ErrInvalidOptions   = errors.New("invalid queue options")
	ErrInvalidQueueName = errors.New("invalid queue name")
	ErrUnsupported      = errors.New("operation not supported by backend")
	ErrStoreClosed      = errors.New("store is closed")
)

// PoisonMessageError is returned by Receive when a row was claimed but its
// payload could not be reconstructed. The row stays claimed so the caller
// can move it to the error queue.
type PoisonMessageError struct {
	ID            MessageID
	CorrelationID string
	Body          []byte
	Headers       []byte
	HeartBeat     time.Time
	Err           error
}

func (e *PoisonMessageError) Error() string {
	return fmt.Sprintf("poison message %s: %v", e.ID, e.Err)
}

func (e *PoisonMessageError) Unwrap() error { return e.Err }
