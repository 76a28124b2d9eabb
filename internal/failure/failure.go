// Package failure classifies the errors surfaced to callers of the
// explanation service. Every error leaving the orchestrator carries one of
// three kinds plus the call stack captured where it was classified.
package failure

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

type Kind int

const (
	// Configuration covers missing artifacts, bad arguments and invalid
	// class indices.
	Configuration Kind = iota + 1
	// Computation covers capture and backward-pass failures.
	Computation
	// IO covers unreadable or undecodable images.
	IO
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "ConfigurationError"
	case Computation:
		return "ComputationError"
	case IO:
		return "IOError"
	default:
		return "Error"
	}
}

// Sentinels for errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrComputation   = errors.New("computation error")
	ErrIO            = errors.New("io error")
)

type Error struct {
	Kind  Kind
	Op    string
	Err   error
	trace string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Kind == Configuration
	case ErrComputation:
		return e.Kind == Computation
	case ErrIO:
		return e.Kind == IO
	}
	return false
}

// Trace returns the stack captured when the error was created.
func (e *Error) Trace() string { return e.trace }

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		// keep the innermost classification and trace
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err, trace: callers(3)}
}

func Configurationf(op, format string, args ...any) error {
	return newError(Configuration, op, fmt.Errorf(format, args...))
}

func Computationf(op, format string, args ...any) error {
	return newError(Computation, op, fmt.Errorf(format, args...))
}

func IOf(op, format string, args ...any) error {
	return newError(IO, op, fmt.Errorf(format, args...))
}

// Wrap classifies err unless it already carries a kind.
func Wrap(kind Kind, op string, err error) error {
	return newError(kind, op, err)
}

// KindOf reports the kind of err, or 0 when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// TraceOf returns the captured stack of a classified error, falling back to
// the full error chain for anything else.
func TraceOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.trace
	}
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}

func callers(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}
