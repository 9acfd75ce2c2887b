// Package domainerrors classifies failures so callers can decide between
// redelivery, sentinel substitution and failing fast at startup.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code is a stable failure classification.
type Code string

const (
	// CodeInvalidInput marks malformed producer input. The pipeline handles it
	// locally by substituting sentinel values.
	CodeInvalidInput Code = "invalid_input"
	// CodeTimeout marks a store write that did not confirm within its deadline.
	CodeTimeout Code = "timeout"
	// CodeUnavailable marks a store or broker that is down or fenced off by a
	// circuit breaker.
	CodeUnavailable Code = "unavailable"
	// CodeMisconfigured marks structural errors (bad routing pattern, bad
	// config). These are fatal at startup and never raised per event.
	CodeMisconfigured Code = "misconfigured"
	// CodeInternal is everything else.
	CodeInternal Code = "internal"
)

// Error carries a Code, a human message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap classifies err. A nil err yields nil so call sites can wrap
// unconditionally.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the outermost code in the chain, or CodeInternal when the
// chain carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}
