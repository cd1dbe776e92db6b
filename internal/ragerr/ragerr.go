// Package ragerr defines the error kinds surfaced by the text-to-SQL engine.
package ragerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindRetrieval   Kind = "retrieval"
	KindGeneration  Kind = "generation"
	KindSQLSafety   Kind = "sql_safety"
	KindPersistence Kind = "persistence"
	KindNotFound    Kind = "not_found"
)

// Generation failure reasons.
const (
	ReasonNoSQLFound          = "no-sql-found"
	ReasonUpstreamUnavailable = "upstream-unavailable"
	ReasonUpstreamError       = "upstream-error"
	ReasonCanceled            = "canceled"
)

type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error by kind and, when set on the target, reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Retrieval(cause error, message string) error {
	return &Error{Kind: KindRetrieval, Message: message, Cause: cause}
}

func Generation(reason string, cause error, message string) error {
	return &Error{Kind: KindGeneration, Reason: reason, Message: message, Cause: cause}
}

// SQLSafety reports a statement rejected by the safety gate. The verb and
// statement are carried in Details for callers that need to show them.
func SQLSafety(verb, statement, message string) error {
	return &Error{
		Kind:    KindSQLSafety,
		Message: message,
		Details: map[string]any{"verb": verb, "statement": statement},
	}
}

func Persistence(cause error, message string) error {
	return &Error{Kind: KindPersistence, Message: message, Cause: cause}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the reason of the first *Error in err's chain, or "".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
