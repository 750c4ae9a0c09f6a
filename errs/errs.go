// Package errs defines the stable error kinds that cross package and
// process boundaries.  Every operation that fails maps to exactly one
// kind; the CLI turns kinds into exit codes and the IPC layer ships
// them as strings.
package errs

import (
	"fmt"
)

type Kind string

const (
	NotInitialized     Kind = "NotInitialized"
	AlreadyInitialized Kind = "AlreadyInitialized"
	LockBusy           Kind = "LockBusy"
	IoError            Kind = "IoError"
	Corrupt            Kind = "Corrupt"
	TruncatedJournal   Kind = "TruncatedJournal"
	UnstableFile       Kind = "UnstableFile"
	AmbiguousRef       Kind = "AmbiguousRef"
	NotFound           Kind = "NotFound"
	ConfigInvalid      Kind = "ConfigInvalid"
)

// Error carries a kind plus an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause chains.
func (e *Error) Cause() error { return e.Err }

func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies err.  Unknown errors are IoError; nil is the empty
// kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = unwrap(e) {
		if ke, ok := e.(*Error); ok {
			return ke.Kind
		}
	}
	return IoError
}

// unwrap follows one link of either the Go 1.13 Unwrap chain or the
// pkg/errors Cause chain.
func unwrap(err error) error {
	switch v := err.(type) {
	case interface{ Unwrap() error }:
		return v.Unwrap()
	case interface{ Cause() error }:
		return v.Cause()
	}
	return nil
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode maps an error to the CLI exit code contract: 0 success,
// 2 repo not initialized, 3 ambiguous reference, 4 not found, 5 lock
// busy, 1 anything else.
func ExitCode(err error) int {
	switch KindOf(err) {
	case "":
		return 0
	case NotInitialized:
		return 2
	case AmbiguousRef:
		return 3
	case NotFound:
		return 4
	case LockBusy:
		return 5
	}
	return 1
}
