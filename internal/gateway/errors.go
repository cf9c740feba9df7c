package gateway

import (
	"errors"
	"fmt"
)

// RetryableError marks a delivery failure worth retrying with backoff:
// network faults, timeouts, 5xx responses, rate limiting.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError marks a delivery the backend will never accept:
// validation failures, malformed payloads, revoked credentials.
type PermanentError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// ConflictError reports that the backend rejected a mutation because its
// authoritative state diverged. Server carries that state so the resolver
// can decide without another round trip.
type ConflictError struct {
	Op     string
	Server *ServerState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: conflict with server state", e.Op)
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsPermanent reports whether err will never succeed on retry.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// AsConflict extracts a ConflictError if err is one.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
