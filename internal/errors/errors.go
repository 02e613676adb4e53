// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors provides the structured error type shared by the engine,
// the kernel providers and the configuration loader.
//
// An Error carries a Kind, used to pick exit codes, log levels and metric
// labels, plus key/value attributes such as the queue number or the status
// code of a failed loop.
package errors

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindPermission
	KindConflict
	KindUnavailable
	KindTimeout
	// KindResource marks a kernel resource limit that must be raised by the operator.
	KindResource
)

var kindNames = [...]string{
	KindUnknown:     "unknown",
	KindInternal:    "internal",
	KindValidation:  "validation",
	KindNotFound:    "not_found",
	KindPermission:  "permission",
	KindConflict:    "conflict",
	KindUnavailable: "unavailable",
	KindTimeout:     "timeout",
	KindResource:    "resource",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// Error is a categorized error with optional key/value attributes.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	switch {
	case e.Underlying == nil:
		return e.Message
	case e.Message == "":
		return e.Underlying.Error()
	}
	return e.Message + ": " + e.Underlying.Error()
}

func (e *Error) Unwrap() error { return e.Underlying }

// New creates an Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf is New with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap wraps err as an Error of the given kind. A nil err stays nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, kind, fmt.Sprintf(format, args...))
}

// Attr returns err annotated with key=val. err itself is left untouched,
// so sentinels can be annotated and errors.Is still matches them. The
// annotation keeps the kind of err, or KindInternal when it has none.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}
	kind := GetKind(err)
	if kind == KindUnknown {
		kind = KindInternal
	}
	return &Error{Kind: kind, Underlying: err, Attributes: map[string]any{key: val}}
}

// GetKind returns the Kind of the outermost *Error in the chain, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes collects attributes from every *Error in the chain. Outer
// values win over inner ones.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		e, ok := cur.(*Error)
		if !ok {
			continue
		}
		for k, v := range e.Attributes {
			if _, seen := attrs[k]; !seen {
				attrs[k] = v
			}
		}
	}
	return attrs
}

// KindOfErrno classifies a system call error number.
func KindOfErrno(errno syscall.Errno) Kind {
	switch errno {
	case syscall.EPERM, syscall.EACCES:
		return KindPermission
	case syscall.EEXIST, syscall.EBUSY:
		return KindConflict
	case syscall.ENOBUFS, syscall.ENOMEM:
		return KindResource
	case syscall.ENOENT:
		return KindNotFound
	case syscall.EINVAL:
		return KindValidation
	case syscall.ETIMEDOUT:
		return KindTimeout
	}
	return KindUnavailable
}

// Errno wraps a failed system call, classifying it with KindOfErrno.
// Errors that are not syscall.Errno are wrapped as KindUnavailable.
func Errno(err error, msg string) error {
	if err == nil {
		return nil
	}
	kind := KindUnavailable
	var errno syscall.Errno
	if errors.As(err, &errno) {
		kind = KindOfErrno(errno)
	}
	return Wrap(err, kind, msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// Unwrap returns the result of calling the Unwrap method on err.
func Unwrap(err error) error { return errors.Unwrap(err) }
