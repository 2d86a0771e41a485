package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Resource exhaustion: a fixed-capacity structure is full.
	CodeTableFull   ErrorCode = "TABLE_FULL"
	CodeQueueFull   ErrorCode = "QUEUE_FULL"
	CodeDomainsFull ErrorCode = "DOMAINS_FULL"
	CodeGrantsFull  ErrorCode = "GRANTS_FULL"

	// Protocol errors: caller-side misuse.
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeUnknownProcess    ErrorCode = "UNKNOWN_PROCESS"
	CodeUnknownReceiver   ErrorCode = "UNKNOWN_RECEIVER"
	CodeUnknownDomain     ErrorCode = "UNKNOWN_DOMAIN"
	CodeAlreadyAssigned   ErrorCode = "ALREADY_ASSIGNED"
	CodeInvalidPriority   ErrorCode = "INVALID_PRIORITY"
	CodePayloadTooLarge   ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeDomainInUse       ErrorCode = "DOMAIN_IN_USE"
	CodeDomainExists      ErrorCode = "DOMAIN_EXISTS"
	CodeGrantNotFound     ErrorCode = "GRANT_NOT_FOUND"
	CodeInvalidGrant      ErrorCode = "INVALID_GRANT"
	CodeInvalidDomain     ErrorCode = "INVALID_DOMAIN"
	CodeInvalidCapacity   ErrorCode = "INVALID_CAPACITY"

	// CodeNotAuthorized is the expected outcome of a denied send.
	CodeNotAuthorized ErrorCode = "NOT_AUTHORIZED"

	// CodeFatalInvariant means kernel state is corrupt. The kernel halts.
	CodeFatalInvariant ErrorCode = "FATAL_INVARIANT"
)

// ErrorClass groups codes by how the caller is expected to react.
type ErrorClass string

const (
	ClassResourceExhaustion ErrorClass = "resource_exhaustion"
	ClassProtocol           ErrorClass = "protocol"
	ClassNotAuthorized      ErrorClass = "not_authorized"
	ClassFatal              ErrorClass = "fatal"
)

// Class returns the taxonomy class of the code.
func (c ErrorCode) Class() ErrorClass {
	switch c {
	case CodeTableFull, CodeQueueFull, CodeDomainsFull, CodeGrantsFull:
		return ClassResourceExhaustion
	case CodeNotAuthorized:
		return ClassNotAuthorized
	case CodeFatalInvariant:
		return ClassFatal
	default:
		return ClassProtocol
	}
}

// Error is the single error type returned by the core.
//
// Every field beyond Code is optional context. Two errors compare equal under
// errors.Is when their codes match, so callers can test against the sentinel
// values below without caring about context.
type Error struct {
	// Code identifies the failure.
	Code ErrorCode

	// Op is the operation that failed (e.g. "spawn", "send").
	Op string

	// Message is a human-readable description.
	Message string

	// PID is the process the failure concerns, if any.
	PID ProcessID

	// Domain is the domain the failure concerns, if any.
	Domain DomainID

	// Reason is set for NOT_AUTHORIZED.
	Reason DenyReason
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	var ctx []string
	if e.PID.Valid() {
		ctx = append(ctx, "pid="+e.PID.String())
	}
	if e.Domain != NoDomain {
		ctx = append(ctx, "domain="+e.Domain.String())
	}
	if e.Code == CodeNotAuthorized {
		ctx = append(ctx, "reason="+e.Reason.String())
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	return b.String()
}

// Is matches by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Class returns the taxonomy class of the error.
func (e *Error) Class() ErrorClass {
	return e.Code.Class()
}

// Sentinels for errors.Is.
var (
	ErrTableFull         = &Error{Code: CodeTableFull}
	ErrQueueFull         = &Error{Code: CodeQueueFull}
	ErrDomainsFull       = &Error{Code: CodeDomainsFull}
	ErrGrantsFull        = &Error{Code: CodeGrantsFull}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrUnknownProcess    = &Error{Code: CodeUnknownProcess}
	ErrUnknownReceiver   = &Error{Code: CodeUnknownReceiver}
	ErrUnknownDomain     = &Error{Code: CodeUnknownDomain}
	ErrAlreadyAssigned   = &Error{Code: CodeAlreadyAssigned}
	ErrInvalidPriority   = &Error{Code: CodeInvalidPriority}
	ErrPayloadTooLarge   = &Error{Code: CodePayloadTooLarge}
	ErrDomainInUse       = &Error{Code: CodeDomainInUse}
	ErrDomainExists      = &Error{Code: CodeDomainExists}
	ErrGrantNotFound     = &Error{Code: CodeGrantNotFound}
	ErrInvalidGrant      = &Error{Code: CodeInvalidGrant}
	ErrInvalidDomain     = &Error{Code: CodeInvalidDomain}
	ErrInvalidCapacity   = &Error{Code: CodeInvalidCapacity}
	ErrNotAuthorized     = &Error{Code: CodeNotAuthorized}
	ErrFatalInvariant    = &Error{Code: CodeFatalInvariant}
)

// NewError creates an Error with a formatted message.
func NewError(code ErrorCode, op string, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// NotAuthorized converts a deny decision into the error surfaced to the sender.
func NotAuthorized(op string, d Decision) *Error {
	return &Error{
		Code:    CodeNotAuthorized,
		Op:      op,
		Message: fmt.Sprintf("%s may not send %s to %s", d.Sender, d.Class, d.Receiver),
		PID:     d.Sender,
		Domain:  d.SenderDomain,
		Reason:  d.Reason,
	}
}

// ClassOf returns the taxonomy class of err, or "" if err is not an *Error.
// Uses errors.As to handle wrapped errors.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class()
	}
	return ""
}

// IsResourceExhaustion reports whether err is a capacity failure.
func IsResourceExhaustion(err error) bool {
	return ClassOf(err) == ClassResourceExhaustion
}

// IsProtocolError reports whether err is caller-side misuse.
func IsProtocolError(err error) bool {
	return ClassOf(err) == ClassProtocol
}

// IsNotAuthorized reports whether err is a denied send.
func IsNotAuthorized(err error) bool {
	return ClassOf(err) == ClassNotAuthorized
}

// IsFatal reports whether err is an invariant violation that halted the kernel.
func IsFatal(err error) bool {
	return ClassOf(err) == ClassFatal
}

// DenyReasonOf returns the deny reason carried by a NOT_AUTHORIZED error.
func DenyReasonOf(err error) (DenyReason, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeNotAuthorized {
		return e.Reason, true
	}
	return DenyNone, false
}
