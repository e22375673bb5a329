package browser

import (
	"errors"
	"fmt"

	bperrors "github.com/odvcencio/browserpool/pkg/errors"
)

var (
	ErrUnavailable          = errors.New("browser runtime unavailable")
	ErrSessionClosed        = errors.New("browser session closed")
	ErrBuildFailure         = errors.New("worker build failed")
	ErrWorkerStartup        = errors.New("worker failed to start")
	ErrWorkerStartupTimeout = errors.New("worker did not announce readiness in time")
	ErrConnectFailure       = errors.New("connect to worker failed")
	ErrCommandTimeout       = errors.New("command timeout")
	ErrDisconnected         = errors.New("worker connection lost")
	ErrMalformedFrame       = errors.New("malformed frame")
)

// WorkerError is a failure the worker reported for one command.
type WorkerError struct {
	Command string
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error [%s]: %s", e.Command, e.Message)
}

// NewWorkerError creates a new WorkerError.
func NewWorkerError(command, message string) *WorkerError {
	return &WorkerError{Command: command, Message: message}
}

// IsRetryableError returns true if a fresh attempt (for example with a new
// session) might succeed. Nothing in this package retries on its own.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrCommandTimeout) ||
		errors.Is(err, ErrConnectFailure) ||
		errors.Is(err, ErrWorkerStartupTimeout)
}

// Code maps an error onto the stable failure codes surfaced to callers.
func Code(err error) bperrors.ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBuildFailure):
		return bperrors.ErrCodeBuildFailure
	case errors.Is(err, ErrWorkerStartupTimeout):
		return bperrors.ErrCodeWorkerStartupTimeout
	case errors.Is(err, ErrWorkerStartup):
		return bperrors.ErrCodeWorkerStartup
	case errors.Is(err, ErrConnectFailure):
		return bperrors.ErrCodeConnectFailure
	case errors.Is(err, ErrCommandTimeout):
		return bperrors.ErrCodeCommandTimeout
	case errors.Is(err, ErrDisconnected):
		return bperrors.ErrCodeDisconnected
	case errors.Is(err, ErrMalformedFrame):
		return bperrors.ErrCodeMalformedFrame
	case errors.Is(err, ErrSessionClosed):
		return bperrors.ErrCodeSessionClosed
	case errors.Is(err, ErrUnavailable):
		return bperrors.ErrCodeUnavailable
	}
	var workerErr *WorkerError
	if errors.As(err, &workerErr) {
		return bperrors.ErrCodeCommandFailed
	}
	return bperrors.ErrCodeInternal
}
