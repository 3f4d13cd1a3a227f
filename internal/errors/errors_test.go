package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"ErrSinkClosed", ErrSinkClosed},
		{"ErrPublisherClosed", ErrPublisherClosed},
		{"ErrSourceClosed", ErrSourceClosed},
		{"ErrInvalidEntry", ErrInvalidEntry},
		{"ErrEmptyBatch", ErrEmptyBatch},
		{"ErrWorkerStopped", ErrWorkerStopped},
		{"ErrConnectionLost", ErrConnectionLost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Fatalf("%s should not be nil", tt.name)
			}
			if tt.err.Error() == "" {
				t.Errorf("%s should have an error message", tt.name)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Key: "report_1", Field: "kind", Reason: "unknown kind"}

	if err.Error() != "validation error: key=report_1 field=kind: unknown kind" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, ErrInvalidEntry) {
		t.Error("ValidationError should match ErrInvalidEntry")
	}
	if IsRetryable(err) {
		t.Error("ValidationError should not be retryable")
	}
}

func TestStorageError_IsRetryable(t *testing.T) {
	tests := []struct {
		operation string
		want      bool
	}{
		{"write", true},
		{"upload", true},
		{"create", true},
		{"commit", true},
		{"encode", false},
		{"delete", false},
	}

	for _, tt := range tests {
		t.Run(tt.operation, func(t *testing.T) {
			err := &StorageError{Operation: tt.operation, Path: "/tmp/x", Err: errors.New("boom")}
			if got := IsRetryable(err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSinkError(t *testing.T) {
	base := &StorageError{Operation: "upload", Path: "s3://b/k", Err: ErrConnectionLost}
	err := &SinkError{Sink: "archive", Operation: "apply", BatchID: "b1", Err: base}

	if !errors.Is(err, ErrConnectionLost) {
		t.Error("SinkError should wrap the storage error chain")
	}
	if !IsRetryable(err) {
		t.Error("SinkError wrapping a retryable storage error should be retryable")
	}

	err.Permanent = true
	if IsRetryable(err) {
		t.Error("permanent SinkError should not be retryable")
	}

	wrapped := fmt.Errorf("flush: %w", &SinkError{Sink: "kv", Operation: "merge", Err: errors.New("bad json")})
	if IsRetryable(wrapped) {
		t.Error("SinkError wrapping a plain error should not be retryable")
	}
}

func TestDecodeError(t *testing.T) {
	base := errors.New("not a cloudevent")
	err := &DecodeError{Topic: "updates", Partition: 2, Offset: 40, Err: base}

	if !errors.Is(err, base) {
		t.Error("DecodeError should wrap base error")
	}
	if err.Error() != "decode error: topic=updates partition=2 offset=40: not a cloudevent" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if !IsRetryable(fmt.Errorf("send: %w", ErrConnectionLost)) {
		t.Error("wrapped ErrConnectionLost should be retryable")
	}
	if IsRetryable(ErrSinkClosed) {
		t.Error("ErrSinkClosed should not be retryable")
	}
}
