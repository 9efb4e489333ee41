package stream

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Errors
var (
	ErrCancelled            = errors.New("playback cancelled")
	ErrUnsupportedOperation = errors.New("operation not supported by source")
	ErrInvalidVolume        = errors.New("invalid volume")
	ErrNoOutput             = errors.New("no output produced")
)

// Cancelled returns the error reported by an operation aborted through ctx.
// The result matches ErrCancelled, context.Canceled and the cancel cause.
func Cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return errors.Mark(errors.Wrap(cause, "playback cancelled"), ErrCancelled)
}

// IsCancelled reports whether err is the result of an intentional abort.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// TransportError reports that a single attempt failed, e.g. the process
// backing it exited abnormally.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Op + ": transport failure"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a TransportError for the given operation.
func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// AggregateError is returned when every attempt of a retrying run ended
// without producing output. Cause holds the last recorded attempt error.
type AggregateError struct {
	Attempts   int
	MaxRetries int
	Cause      error
}

func (e *AggregateError) Error() string {
	msg := fmt.Sprintf("failed to get any output after %d attempts (max retries %d)", e.Attempts, e.MaxRetries)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AggregateError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrNoOutput) match any AggregateError.
func (e *AggregateError) Is(target error) bool {
	return target == ErrNoOutput
}
