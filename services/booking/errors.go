package booking

import (
	"errors"
	"fmt"
)

// InvalidTransitionError is returned when a requested state is not reachable
// from the current state. The machine is left untouched.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// DetailsError reports booking details that failed validation before any
// approval surface was created.
type DetailsError struct {
	Code    string
	Message string
}

func (e *DetailsError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewDetailsError(msg string) error {
	return &DetailsError{
		Code:    "invalidBookingDetails",
		Message: msg,
	}
}

// ResponseError reports a confirmation response that failed integrity
// validation. It is distinct from a user decline, which is a normal result.
type ResponseError struct {
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewResponseError(msg string) error {
	return &ResponseError{
		Code:    "invalidConfirmationResponse",
		Message: msg,
	}
}

// ErrQueueCleared is delivered to callers whose queued work was discarded by
// Clear or an emergency stop before it could run.
var ErrQueueCleared = errors.New("operation queue cleared before dispatch")

// ErrSurfaceUnavailable is returned when the approval surface cannot be
// created, so a confirmation request fails immediately instead of waiting
// for its countdown.
var ErrSurfaceUnavailable = errors.New("approval surface unavailable")
