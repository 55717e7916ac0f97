package core

import (
	"errors"
	"fmt"
)

var (
	ErrTaskExists      = errors.New("task already registered for job")
	ErrPoolSaturated   = errors.New("worker pool saturated")
	ErrPoolStopped     = errors.New("worker pool stopped")
	ErrJobNotFound     = errors.New("job not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
	ErrJobCancelled    = errors.New("job was cancelled")
)

// ErrorKind is the closed set of reasons a job can fail with.
type ErrorKind string

const (
	KindStorageFailure        ErrorKind = "STORAGE_FAILURE"
	KindDecompressionFailure  ErrorKind = "DECOMPRESSION_FAILURE"
	KindClassificationFailure ErrorKind = "CLASSIFICATION_FAILURE"
	KindColorDisabled         ErrorKind = "COLOR_DISABLED"
	KindInsufficientQuota     ErrorKind = "INSUFFICIENT_QUOTA"
	KindInvalidDestination    ErrorKind = "INVALID_DESTINATION"
	KindTransmitFailure       ErrorKind = "TRANSMIT_FAILURE"
	KindTimedOut              ErrorKind = "TIMED_OUT"
	KindInternal              ErrorKind = "INTERNAL_ERROR"
)

var kindMessages = map[ErrorKind]string{
	KindStorageFailure:        "Failed to store job data",
	KindDecompressionFailure:  "Failed to decompress job data",
	KindClassificationFailure: "Failed to count pages",
	KindColorDisabled:         "Color printing is disabled for this account",
	KindInsufficientQuota:     "Insufficient quota",
	KindInvalidDestination:    "Invalid destination",
	KindTransmitFailure:       "Could not send to destination",
	KindTimedOut:              "Timed out",
	KindInternal:              "Internal error",
}

// Message is the user facing reason stored on a failed job.
func (k ErrorKind) Message() string {
	if m, ok := kindMessages[k]; ok {
		return m
	}
	return kindMessages[KindInternal]
}

// StageError is how a pipeline stage reports failure.
type StageError struct {
	Kind  ErrorKind
	Stage string
	// Reason overrides Kind.Message() when set.
	Reason string
	Err    error
}

func stageErr(kind ErrorKind, err error) *StageError {
	return &StageError{Kind: kind, Err: err}
}

func (e *StageError) Message() string {
	if e.Reason != "" {
		return e.Reason
	}
	return e.Kind.Message()
}

func (e *StageError) Error() string {
	prefix := string(e.Kind)
	if e.Stage != "" {
		prefix = e.Stage + ": " + prefix
	}
	if e.Err == nil {
		return prefix
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
