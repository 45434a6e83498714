package actor

import (
	"errors"
	"fmt"
)

// ErrRateLimited is returned when the token bucket denies admission.
// No state changes when admission is denied.
var ErrRateLimited = errors.New("rate limited")

// ValidationError reports malformed input. Surfaced to the caller with
// no state change.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UpstreamError wraps an assistant invocation failure. On the inline
// chat path it is surfaced with no turns appended; on the deferred path
// the failing job is logged and dropped.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("assistant invocation failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsUpstream reports whether err is an assistant invocation failure.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
