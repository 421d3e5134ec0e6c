package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSessionNotFound is returned for live-session operations on unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// ValidationError reports bad input. Never retried.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// TransientError marks a failure that is worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ModelUnavailableError is returned when transcription is disabled or the
// model failed to load.
type ModelUnavailableError struct {
	Reason string
}

func (e *ModelUnavailableError) Error() string {
	return "transcription model unavailable: " + e.Reason
}

// LockTimeoutError is returned when waiting for the model load lock took too
// long. Callers may retry.
type LockTimeoutError struct {
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("load timed out after %s waiting for model load lock", e.Waited)
}

// StepError ties a failure to the pipeline step it happened in.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// IsPermanent reports errors that must not be retried.
func IsPermanent(err error) bool {
	var vErr *ValidationError
	var mErr *ModelUnavailableError
	return errors.As(err, &vErr) || errors.As(err, &mErr) || errors.Is(err, ErrSessionNotFound)
}

// Kind names the error class for status and debug records.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var (
		vErr *ValidationError
		tErr *TransientError
		mErr *ModelUnavailableError
		lErr *LockTimeoutError
	)
	switch {
	case errors.As(err, &vErr):
		return "ValidationError"
	case errors.As(err, &mErr):
		return "ModelUnavailableError"
	case errors.As(err, &lErr):
		return "LockTimeoutError"
	case errors.Is(err, ErrSessionNotFound):
		return "SessionNotFoundError"
	case errors.As(err, &tErr):
		return "TransientProcessingError"
	}
	var sErr *StepError
	if errors.As(err, &sErr) {
		err = sErr.Err
	}
	name := fmt.Sprintf("%T", err)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "errorString", "wrapError", "wrapErrors", "joinError":
		return "Error"
	}
	return name
}

// IsRetryable is the inverse of IsPermanent for non-nil errors.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}
