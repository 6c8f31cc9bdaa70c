// Package apperr defines the structured result kinds the core surfaces to
// its callers instead of panicking or returning bare errors.
package apperr

import "errors"

// Kind classifies a core-level failure the way §7 of the design enumerates
// them: not found, validation failure, or an external-call degradation.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindValidation
	KindExternal
)

// Error wraps a failure with its Kind so callers can branch with errors.As
// without parsing message text.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func Validation(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

func External(msg string, err error) error {
	return &Error{Kind: KindExternal, Message: msg, Err: err}
}

// IsNotFound reports whether err (or any error it wraps) is a not-found result.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindNotFound
	}
	return false
}

// IsValidation reports whether err (or any error it wraps) is a validation failure.
func IsValidation(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindValidation
	}
	return false
}
