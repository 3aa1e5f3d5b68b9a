package client

import (
	"errors"
	"fmt"
)

var (
	ErrClientClosed       = errors.New("client: closed")
	ErrAlreadyStarted     = errors.New("client: already started")
	ErrAlreadyClosed      = errors.New("client: resource already closed")
	ErrResourceClosed     = errors.New("client: resource closed")
	ErrAsyncConsumed      = errors.New("client: async handle already consumed")
	ErrInvalidChannel     = errors.New("client: invalid channel")
	ErrInvalidStreamID    = errors.New("client: invalid stream id")
	ErrInvalidCounter     = errors.New("client: invalid counter")
	ErrInvalidContext     = errors.New("client: invalid context")
	ErrCommandChannelFull = errors.New("client: command channel full")
	ErrRegistryExhausted  = errors.New("client: too many pending commands")
	ErrDriverTimeout      = errors.New("client: driver timeout")
	ErrClientTimedOut     = errors.New("client: timed out by driver")
	ErrDriverRejected     = errors.New("client: driver rejected command")
)

// DriverError carries an OnError response from the driver.
type DriverError struct {
	CorrelationID int64
	Code          int32
	Message       string
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("client: driver error code=%d correlation_id=%d: %s", e.Code, e.CorrelationID, e.Message)
}

func (e *DriverError) Unwrap() error {
	return ErrDriverRejected
}
