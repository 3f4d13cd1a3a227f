// Package errors defines application-specific error types and sentinel errors.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrSinkClosed      = errors.New("sink is closed")
	ErrPublisherClosed = errors.New("publisher is closed")
	ErrSourceClosed    = errors.New("source is closed")
	ErrInvalidEntry    = errors.New("invalid entry")
	ErrEmptyBatch      = errors.New("empty batch")
	ErrWorkerStopped   = errors.New("flush worker is stopped")
	ErrConnectionLost  = errors.New("connection lost")
)

// SinkError represents a failure applying a batch to a sink.
type SinkError struct {
	Sink      string
	Operation string
	BatchID   string
	Err       error

	// Permanent marks failures that will not succeed on retry,
	// such as payloads the sink cannot parse.
	Permanent bool
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink error: sink=%s operation=%s batch_id=%s: %v",
		e.Sink, e.Operation, e.BatchID, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the wrapped failure is transient.
func (e *SinkError) IsRetryable() bool {
	if e.Permanent {
		return false
	}
	return IsRetryable(e.Err)
}

// ValidationError represents an entry that failed validation.
type ValidationError struct {
	Key    string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: key=%s field=%s: %s",
		e.Key, e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrInvalidEntry) match validation failures.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidEntry
}

// StorageError represents a storage operation failure.
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: operation=%s path=%s: %v",
		e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if a StorageError is retryable based on the operation type.
func (e *StorageError) IsRetryable() bool {
	switch e.Operation {
	case "write", "upload", "create", "commit":
		return true
	default:
		return false
	}
}

// DecodeError represents a Kafka message that could not be turned into a
// buffer operation.
type DecodeError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: topic=%s partition=%d offset=%d: %v",
		e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Retryable defines an interface for errors that can indicate if they are retryable.
type Retryable interface {
	error
	IsRetryable() bool
}

// IsRetryable checks if an error is retryable.
// It first checks if the error implements the Retryable interface,
// then falls back to sentinel errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	return errors.Is(err, ErrConnectionLost)
}
