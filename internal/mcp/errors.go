package mcp

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeConnectionFailed     Code = "CONNECTION_FAILED"
	CodeToolFetchFailed      Code = "TOOL_FETCH_FAILED"
	CodeToolExecutionFailed  Code = "TOOL_EXECUTION_FAILED"
	CodeTimeout              Code = "TIMEOUT"
	CodeInvalidResponse      Code = "INVALID_RESPONSE"
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
)

var (
	// ErrNoTools is returned when the server lists zero tools.
	ErrNoTools = errors.New("no tools available from MCP server")
	// ErrToolReported marks a result the server flagged as an error, as
	// opposed to a failed exchange.
	ErrToolReported = errors.New("tool reported an error")
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mcp %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("mcp %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
