package backend

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotFound  = errors.New("model file not found")
	ErrBinaryNotFound = errors.New("llama-server binary not found")
	ErrStartupTimeout = errors.New("llama-server did not become healthy in time")
	ErrBackendExited  = errors.New("llama-server exited during startup")
	ErrNotReady       = errors.New("inference backend not ready")
	ErrAlreadyStarted = errors.New("inference backend already started")
	ErrBackend        = errors.New("inference backend error")
)

// BackendError reports a failed completion: transport failure, non-2xx status
// or an unparsable payload. StatusCode is 0 when no response was received.
type BackendError struct {
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("inference backend error: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("inference backend error: %v", e.Err)
}

func (e *BackendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}
