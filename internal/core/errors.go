package core

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed     = errors.New("malformed envelope")
	ErrConnection    = errors.New("broker connection failed")
	ErrPublish       = errors.New("publish failed")
	ErrTaskExecution = errors.New("task execution failed")
	ErrClosed        = errors.New("connector closed")
	ErrNotConnected  = errors.New("not connected")
)

// DecodeError reports an envelope that could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrMalformed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrMalformed, e.Reason)
}

func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

func (e *DecodeError) Unwrap() error { return e.Err }

// ConnectionError is fatal at startup; callers own retry policy.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s (%s): %v", ErrConnection, e.Endpoint, e.Err)
}

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError is recoverable; the caller decides whether to retry.
type PublishError struct {
	Target string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s to %s: %v", ErrPublish, e.Target, e.Err)
}

func (e *PublishError) Is(target error) bool { return target == ErrPublish }

func (e *PublishError) Unwrap() error { return e.Err }
