package conversion

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind string

const (
	CredentialError   Kind = "CredentialError"
	ParseError        Kind = "ParseError"
	SchemaMismatch    Kind = "SchemaMismatch"
	UploadError       Kind = "UploadError"
	UrlRetrievalError Kind = "UrlRetrievalError"
	MetadataError     Kind = "MetadataError"
	UnexpectedError   Kind = "UnexpectedError"
)

// Error is a pipeline failure tagged with its kind and the stage it happened in.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s during %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: ParseError})
// works regardless of stage or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Stage == "" && t.Err == nil
}

// KindOf returns the kind of a pipeline error, or UnexpectedError.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return UnexpectedError
}

func newError(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}
