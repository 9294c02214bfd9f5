// Package errors provides the structured error taxonomy shared by every
// simflow stage. Errors carry a code, the pipeline stage and transport
// strategy they surfaced in, and the underlying cause.
package errors

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Code classifies an error for programmatic handling.
type Code string

const (
	// CodeConnection means the store or a remote endpoint was unreachable.
	// Transient; the caller may retry.
	CodeConnection Code = "CONNECTION"

	// CodeSchema means a named relation or column does not exist, or a
	// column cannot be read as its declared type.
	CodeSchema Code = "SCHEMA"

	// CodeSchemaMismatch means the destination is incompatible with the
	// output relation or the overwrite policy forbids writing to it.
	CodeSchemaMismatch Code = "SCHEMA_MISMATCH"

	// CodeIntegrity means the row-count or key invariant between input and
	// output was violated.
	CodeIntegrity Code = "INTEGRITY"

	// CodePartialWrite means a write was interrupted. The whole batch must be
	// re-run.
	CodePartialWrite Code = "PARTIAL_WRITE"

	// CodeProtocolUnavailable means the requested transport cannot run
	// against the configured store.
	CodeProtocolUnavailable Code = "PROTOCOL_UNAVAILABLE"

	CodeInvalidConfig Code = "INVALID_CONFIG"
	CodeSimulation    Code = "SIMULATION"
	CodeCanceled      Code = "CANCELED"
	CodeUnknown       Code = "UNKNOWN"
)

// Error is the base error type for all simflow errors.
type Error struct {
	Code     Code
	Message  string
	Stage    string
	Strategy string
	Cause    error
	Context  map[string]any
	Stack    []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]", e.Code)
	if e.Stage != "" {
		fmt.Fprintf(&sb, " %s", e.Stage)
		if e.Strategy != "" {
			fmt.Fprintf(&sb, "/%s", e.Strategy)
		}
		sb.WriteString(":")
	}
	sb.WriteString(" ")
	sb.WriteString(e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// With adds a context key to the error.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// InStage records the pipeline stage and strategy unless already set by a
// deeper layer.
func (e *Error) InStage(stage, strategy string) *Error {
	if e.Stage == "" {
		e.Stage = stage
	}
	if e.Strategy == "" {
		e.Strategy = strategy
	}
	return e
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps err with a code and message. Returns nil if err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
		Stack:   captureStack(2),
	}
}

func captureStack(skip int) []Frame {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip+1, pcs)
	cf := runtime.CallersFrames(pcs[:n])

	var frames []Frame
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *Error) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&sb, "  at %s\n    %s:%d\n", f.Function, f.File, f.Line)
	}
	return sb.String()
}

// --- Convenience constructors ---

// Connection creates a connection error for the named endpoint.
func Connection(err error, endpoint string) *Error {
	return Wrap(err, CodeConnection, "store unreachable").With("endpoint", endpoint)
}

// MissingRelation reports that a table does not exist.
func MissingRelation(ref string) *Error {
	return New(CodeSchema, "relation does not exist").With("relation", ref)
}

// MissingColumn reports that a required column is absent.
func MissingColumn(column string, available []string) *Error {
	return New(CodeSchema, "required column not found").
		With("column", column).
		With("available", available)
}

// DestinationExists reports a destination that the overwrite policy forbids
// replacing.
func DestinationExists(ref string) *Error {
	return New(CodeSchemaMismatch, "destination exists and overwrite is disabled").
		With("destination", ref)
}

// PartialWrite wraps a write failure that aborted the batch.
func PartialWrite(err error, ref string) *Error {
	return Wrap(err, CodePartialWrite, "write interrupted, batch must be re-run").
		With("destination", ref)
}

// ProtocolUnavailable reports a transport the store cannot serve.
func ProtocolUnavailable(protocol, store string) *Error {
	return New(CodeProtocolUnavailable, "transport not available on this store").
		With("protocol", protocol).
		With("store", store)
}

// Integrity creates an integrity violation error.
func Integrity(format string, args ...any) *Error {
	return &Error{
		Code:    CodeIntegrity,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCanceled
	}
	return CodeUnknown
}

// IsRetryable reports whether a fresh full run may succeed. Nothing in
// simflow retries automatically.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeConnection, CodePartialWrite:
		return true
	default:
		return false
	}
}

// IsFatal reports errors that need operator action before re-running.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeSchema, CodeSchemaMismatch, CodeIntegrity, CodeProtocolUnavailable, CodeInvalidConfig:
		return true
	default:
		return false
	}
}

// Process exit codes used by the pickup command contract.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitSchema    = 2
	ExitIntegrity = 3
)

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch GetCode(err) {
	case CodeSchema, CodeSchemaMismatch:
		return ExitSchema
	case CodeIntegrity:
		return ExitIntegrity
	default:
		return ExitFailure
	}
}

// CodeForExit is the inverse of ExitCode for errors reported by a
// subprocess.
func CodeForExit(exit int) Code {
	switch exit {
	case ExitSchema:
		return CodeSchema
	case ExitIntegrity:
		return CodeIntegrity
	default:
		return CodeSimulation
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d errors occurred:\n", len(m.Errors))
	for i, err := range m.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
