// Package errs defines the fixed error-code taxonomy shared by every frame
// reply on the wire. A response frame with a non-zero code always carries a
// msg string alongside it; CodeError is the in-process type that produces
// both.
package errs

import "fmt"

// Code is one of the fixed reply codes. Zero means success and is never
// wrapped in a CodeError.
type Code int

const (
	UnknownCommand  Code = 1
	TokenExpired    Code = 2
	InvalidToken    Code = 3
	MissingUser     Code = 4
	MissingKind     Code = 5
	BadKind         Code = 6
	NoPermission    Code = 7
	BadRequestShape Code = 8
	AlreadyStopped  Code = 9
	DaemonError     Code = 10
	BadGpuCount     Code = 11
	Unschedulable   Code = 12
	NotFinalized    Code = 13
	ContainerExists Code = 14
	Ambiguous       Code = 15
	NoMatchingJob   Code = 16
	NotFound        Code = 17
	TunnelNotFound  Code = 18
	TunnelTimeout   Code = 18
	AllNodesExcluded Code = 19
	InternalError   Code = -1
)

var names = map[Code]string{
	UnknownCommand:   "UnknownCommand",
	TokenExpired:     "TokenExpired",
	InvalidToken:     "InvalidToken",
	MissingUser:      "MissingUser",
	MissingKind:      "MissingKind",
	BadKind:          "BadKind",
	NoPermission:     "NoPermission",
	BadRequestShape:  "BadRequestShape",
	AlreadyStopped:   "AlreadyStopped",
	DaemonError:      "DaemonError",
	BadGpuCount:      "BadGpuCount",
	Unschedulable:    "Unschedulable",
	NotFinalized:     "NotFinalized",
	ContainerExists:  "ContainerExists",
	Ambiguous:        "Ambiguous",
	NoMatchingJob:    "NoMatchingJob",
	NotFound:         "NotFound",
	TunnelNotFound:   "TunnelNotFound",
	AllNodesExcluded: "AllNodesExcluded",
	InternalError:    "InternalError",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// CodeError is the error type every handler returns in place of a bare
// error; dispatch translates it into {ticket, code, msg}.
type CodeError struct {
	Code Code
	Msg  string
}

func New(code Code, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func Newf(code Code, format string, args ...any) *CodeError {
	return &CodeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Internal wraps an arbitrary Go error as code -1, matching the daemon-side
// "runtime exceptions bubble up as code=-1" policy.
func Internal(err error) *CodeError {
	if ce, ok := err.(*CodeError); ok {
		return ce
	}
	return &CodeError{Code: InternalError, Msg: err.Error()}
}

// As extracts a *CodeError from err, wrapping it as InternalError if err is
// not already one.
func As(err error) *CodeError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CodeError); ok {
		return ce
	}
	return Internal(err)
}
