package entities

import (
	"errors"
	"fmt"
)

// Sentinel errors for capture and playback resources.
var (
	// ErrPermissionDenied means microphone access was refused by the OS.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceBusy means a capture or playback resource is already active.
	// The session guard is supposed to make this unreachable; seeing it is a bug.
	ErrDeviceBusy = errors.New("audio device busy")

	// ErrSessionClosed is returned by operations invoked after Close.
	ErrSessionClosed = errors.New("session closed")
)

// BackendError is the single normalized failure the gateway reports for any
// network, HTTP-status, or malformed-reply condition. The gateway never lets
// raw transport errors cross into the session.
type BackendError struct {
	Op      string // "process_voice", "process_text", "process_voice_chunk", ...
	Message string // server-provided error text, if any
	Err     error
}

func (e *BackendError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError wraps err as a BackendError for the given operation.
func NewBackendError(op, message string, err error) *BackendError {
	return &BackendError{Op: op, Message: message, Err: err}
}

// IsBackendError reports whether err is (or wraps) a BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// ConnectionFailure reports that the supervisor exhausted its retry budget.
// Unlike BackendError it is terminal: the caller must surface it to the user
// rather than silently retrying.
type ConnectionFailure struct {
	Attempts int
	Err      error
}

func (e *ConnectionFailure) Error() string {
	return fmt.Sprintf("connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionFailure) Unwrap() error { return e.Err }
