package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrBadRequest     = errors.New("bad request")
	ErrDeliveryFailed = errors.New("delivery failed")
	ErrInternal       = errors.New("internal error")

	// ErrActiveOTPExists is returned by stores when a second active
	// password-reset OTP would be created for the same contact.
	ErrActiveOTPExists = fmt.Errorf("active otp already exists: %w", ErrConflict)
)

// ErrorKind is the coarse category of an engine error.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindDelivery   ErrorKind = "delivery"
	KindSystem     ErrorKind = "system"
)

// DeliveryReason classifies a failed dispatch so callers can pick the user
// facing message ("try again later" vs "check your number").
type DeliveryReason string

const (
	ReasonQuotaExceeded  DeliveryReason = "quota_exceeded"
	ReasonThrottled      DeliveryReason = "throttled"
	ReasonInvalidContact DeliveryReason = "invalid_contact"
	ReasonOptedOut       DeliveryReason = "opted_out"
	ReasonUnavailable    DeliveryReason = "unavailable"
)

// DeliveryError is returned by message dispatchers for a classified provider failure.
type DeliveryError struct {
	Reason DeliveryReason
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return "delivery failed: " + string(e.Reason)
	}
	return fmt.Sprintf("delivery failed (%s): %v", e.Reason, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Error is the single error type crossing the OTP engine boundary.
// Reason is only set for KindDelivery.
type Error struct {
	Kind    ErrorKind
	Reason  DeliveryReason
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match an Error against the sentinel of its kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindValidation:
		return target == ErrBadRequest
	case KindNotFound:
		return target == ErrNotFound
	case KindDelivery:
		return target == ErrDeliveryFailed
	case KindSystem:
		return target == ErrInternal
	}
	return false
}

func ValidationError(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

func NotFoundError(op, msg string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: msg}
}

func SystemError(op string, err error) *Error {
	return &Error{Kind: KindSystem, Op: op, Message: "unexpected failure", Err: err}
}

// DeliveryFailure converts a dispatcher error into an engine error. Errors
// that are not a *DeliveryError are reported as ReasonUnavailable.
func DeliveryFailure(op string, err error) *Error {
	reason := ReasonUnavailable
	var de *DeliveryError
	if errors.As(err, &de) {
		reason = de.Reason
	}
	return &Error{Kind: KindDelivery, Reason: reason, Op: op, Message: "could not deliver code", Err: err}
}
