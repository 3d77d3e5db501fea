package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession signals that no commerce session is current.
	ErrNoSession = errors.New("spend: no current session")
	// ErrNotAuthenticated indicates no token is available.
	ErrNotAuthenticated = errors.New("spend: not authenticated")
	// ErrNotFound indicates a missing persisted record.
	ErrNotFound = errors.New("spend: not found")
)

// ErrorKind classifies failures surfaced to the host.
type ErrorKind int

const (
	KindTransport ErrorKind = iota + 1
	KindAuth
	KindProtocol
	KindTimeout
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindValidation:
		return "validation"
	}
	return "unknown"
}

// GenericErrorCode is used when the server error envelope is malformed.
const GenericErrorCode = "-1"

// Error is the classified error shown to the host.
type Error struct {
	Kind    ErrorKind
	Op      string
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s (%s %s): %s", e.Op, e.Kind, e.Code, statusText(e.Status), msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func statusText(status int) string {
	if status == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", status)
}

// NewTransportError wraps a network or I/O failure.
func NewTransportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// NewAuthError is returned when the server rejects the credential twice.
func NewAuthError(op string, status int) *Error {
	return &Error{Kind: KindAuth, Op: op, Status: status, Message: "credential rejected"}
}

// NewProtocolError reports a non-2xx status or an unparseable body.
func NewProtocolError(op string, status int, code, message string) *Error {
	if code == "" {
		code = GenericErrorCode
	}
	return &Error{Kind: KindProtocol, Op: op, Status: status, Code: code, Message: message}
}

// NewTimeoutError reports an operation that exceeded its budget.
func NewTimeoutError(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err, Message: "operation timed out"}
}

// NewValidationError reports a session that fails the validity predicate.
func NewValidationError(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// KindOf returns the classification of err, or 0 when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}
