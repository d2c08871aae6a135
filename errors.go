package p4node

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Code classifies a node error. The zero value is CodeUnknown.
type Code int

const (
	// CodeUnknown is reported for errors that carry no Code.
	CodeUnknown Code = iota
	// CodeInvalidParam covers malformed or mismatched ids and missing
	// required arguments.
	CodeInvalidParam
	// CodeNotInitialized is returned for calls made before a
	// successful chassis config push.
	CodeNotInitialized
	// CodeAlreadyExists is a state conflict: an insert of something
	// that is already there.
	CodeAlreadyExists
	// CodeNotFound is returned when operating on an absent id.
	CodeNotFound
	// CodeInUse is a reference conflict: a delete of an object that is
	// still referenced.
	CodeInUse
	// CodeUnimplemented is returned for recognised but unsupported
	// entity kinds.
	CodeUnimplemented
	// CodeInternal indicates a bug or version skew.
	CodeInternal
	// CodeRebootRequired is returned when the node id changes after
	// initialisation.
	CodeRebootRequired
	// CodeAtLeastOneOperFailed is the aggregate status of a batch in
	// which at least one item failed.
	CodeAtLeastOneOperFailed
)

func (c Code) String() string {
	switch c {
	case CodeInvalidParam:
		return "invalid-param"
	case CodeNotInitialized:
		return "not-initialized"
	case CodeAlreadyExists:
		return "already-exists"
	case CodeNotFound:
		return "not-found"
	case CodeInUse:
		return "in-use"
	case CodeUnimplemented:
		return "unimplemented"
	case CodeInternal:
		return "internal"
	case CodeRebootRequired:
		return "reboot-required"
	case CodeAtLeastOneOperFailed:
		return "at-least-one-oper-failed"
	default:
		return "unknown"
	}
}

// GRPC maps a Code onto the canonical gRPC code space.
func (c Code) GRPC() codes.Code {
	switch c {
	case CodeInvalidParam:
		return codes.InvalidArgument
	case CodeNotInitialized:
		return codes.FailedPrecondition
	case CodeAlreadyExists:
		return codes.AlreadyExists
	case CodeNotFound:
		return codes.NotFound
	case CodeInUse:
		return codes.FailedPrecondition
	case CodeUnimplemented:
		return codes.Unimplemented
	case CodeInternal:
		return codes.Internal
	case CodeRebootRequired:
		return codes.FailedPrecondition
	case CodeAtLeastOneOperFailed:
		return codes.Unknown
	default:
		return codes.Unknown
	}
}

// Error is an error carrying a Code.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf returns an *Error with the given code and formatted message.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error with the given code that wraps err.
func Wrap(code Code, err error, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the Code of the first *Error found in err's tree, or
// CodeUnknown. A nil error has no code and also yields CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
