package session

import "fmt"

// Code identifies an error on the wire. Clients switch on these values,
// so they are part of the protocol.
type Code string

const (
	CodeRoomNotFound     Code = "ROOM_NOT_FOUND"
	CodeRoomFull         Code = "ROOM_FULL"
	CodeWrongPassword    Code = "WRONG_PASSWORD"
	CodeInvalidName      Code = "INVALID_NAME"
	CodeInvalidNickname  Code = "INVALID_NICKNAME"
	CodeInvalidPassword  Code = "INVALID_PASSWORD"
	CodeUserNotFound     Code = "USER_NOT_FOUND"
	CodeConnectionFailed Code = "CONNECTION_FAILED"
	CodeUnknown          Code = "UNKNOWN_ERROR"
)

// Error is a discriminated failure returned by the registry and the
// router. It is delivered to the caller as a value, never thrown across
// the signaling boundary.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts the wire code from err, falling back to UNKNOWN_ERROR
// for anything that is not a *Error.
func AsError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: CodeUnknown, Message: err.Error()}
}
