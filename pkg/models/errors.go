package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures so callers can decide between retry,
// user prompt and plain failure
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindUnavailable         ErrorKind = "unavailable"
	KindProtocol            ErrorKind = "protocol_error"
	KindCorruptPayload      ErrorKind = "corrupt_payload"
	KindUnsafeArchive       ErrorKind = "unsafe_archive"
	KindStorage             ErrorKind = "storage_error"
	KindManifest            ErrorKind = "manifest_error"
	KindRegistryCorrupt     ErrorKind = "registry_corrupt"
	KindEnvironmentNotFound ErrorKind = "environment_not_found"
	KindPartiallyInstalled  ErrorKind = "partially_installed"

	// KindInvalidInput rejects caller-supplied values before any request is made
	KindInvalidInput ErrorKind = "invalid_input"
)

// Transient reports whether a failure of this kind may succeed when retried
func (k ErrorKind) Transient() bool {
	return k == KindUnavailable || k == KindProtocol
}

// Sentinels for errors.Is comparisons. Only the kind is compared.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnavailable         = &Error{Kind: KindUnavailable}
	ErrProtocol            = &Error{Kind: KindProtocol}
	ErrCorruptPayload      = &Error{Kind: KindCorruptPayload}
	ErrUnsafeArchive       = &Error{Kind: KindUnsafeArchive}
	ErrStorage             = &Error{Kind: KindStorage}
	ErrManifest            = &Error{Kind: KindManifest}
	ErrRegistryCorrupt     = &Error{Kind: KindRegistryCorrupt}
	ErrEnvironmentNotFound = &Error{Kind: KindEnvironmentNotFound}
	ErrPartiallyInstalled  = &Error{Kind: KindPartiallyInstalled}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
)

// Error is the structured error surfaced by every pipeline component
type Error struct {
	Kind      ErrorKind
	Op        string
	SceneryID int64
	TaskID    string
	Err       error
}

// NewError builds an Error of the given kind wrapping err
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error of the given kind with a formatted cause
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.SceneryID != 0 {
		msg = fmt.Sprintf("%s (scenery %d)", msg, e.SceneryID)
	}
	if e.TaskID != "" {
		msg = fmt.Sprintf("%s [task %s]", msg, e.TaskID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithScenery returns a copy of e annotated with a scenery ID
func (e *Error) WithScenery(id int64) *Error {
	c := *e
	c.SceneryID = id
	return &c
}

// WithTask returns a copy of e annotated with a task ID
func (e *Error) WithTask(id string) *Error {
	c := *e
	c.TaskID = id
	return &c
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// AsError returns the first *Error in err's chain
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
