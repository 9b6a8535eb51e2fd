package oracleErrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind groups error codes by how the cycle runner reacts to them.
// Callers should branch on Kind/Code rather than matching error strings.
type Kind string

const (
	// KindTransient errors are retried with backoff within a cycle
	KindTransient Kind = "Transient"
	// KindDefinitiveReject errors end the cycle; the envelope is never resent
	KindDefinitiveReject Kind = "DefinitiveReject"
	// KindValidation errors abort the cycle before anything is submitted
	KindValidation Kind = "Validation"
	// KindFatal errors stop the service
	KindFatal Kind = "Fatal"
	// KindInternal marks programming errors such as illegal state transitions
	KindInternal Kind = "Internal"
)

type Code string

const (
	CodeProviderUnreachable       Code = "ProviderUnreachable"
	CodeProviderMalformedResponse Code = "ProviderMalformedResponse"
	CodeProviderRateLimited       Code = "ProviderRateLimited"
	CodeStaleQuote                Code = "StaleQuote"
	CodeOutOfBounds               Code = "OutOfBounds"
	CodeMalformedQuote            Code = "MalformedQuote"
	CodeInvalidQuote              Code = "InvalidQuote"
	CodeSequenceStale             Code = "SequenceStale"
	CodeLedgerUnreachable         Code = "LedgerUnreachable"
	CodeRejected                  Code = "Rejected"
	CodeTimedOut                  Code = "TimedOut"
	CodeSubmissionFailed          Code = "SubmissionFailed"
	CodeSignerUnavailable         Code = "SignerUnavailable"
	CodeInvalidConfig             Code = "InvalidConfig"
	CodeCancelled                 Code = "Cancelled"
	CodeIllegalTransition         Code = "IllegalTransition"
)

// codeKinds is the fixed classification of every code.
var codeKinds = map[Code]Kind{
	CodeProviderUnreachable:       KindTransient,
	CodeProviderMalformedResponse: KindTransient,
	CodeProviderRateLimited:       KindTransient,
	CodeStaleQuote:                KindValidation,
	CodeOutOfBounds:               KindValidation,
	CodeMalformedQuote:            KindValidation,
	CodeInvalidQuote:              KindValidation,
	CodeSequenceStale:             KindTransient,
	CodeLedgerUnreachable:         KindTransient,
	CodeRejected:                  KindDefinitiveReject,
	CodeTimedOut:                  KindTransient,
	CodeSubmissionFailed:          KindTransient,
	CodeSignerUnavailable:         KindFatal,
	CodeInvalidConfig:             KindFatal,
	CodeCancelled:                 KindInternal,
	CodeIllegalTransition:         KindInternal,
}

// KindForCode returns the Kind a code is classified under.
func KindForCode(code Code) Kind {
	if kind, ok := codeKinds[code]; ok {
		return kind
	}
	return KindInternal
}

// Error is the structured error returned by every external call in the oracle.
//
// Context carries key/value details (status codes, tx hashes, sequence
// numbers) and is rendered into Error() in sorted key order.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Context map[string]string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(e.Context[k])
		}
		sb.WriteString("]")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// MaxContextValueLen caps each context value; longer values are truncated
const MaxContextValueLen = 256

// With returns the error with an extra context entry. The receiver is modified.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	v := fmt.Sprint(value)
	if len(v) > MaxContextValueLen {
		v = fmt.Sprintf("%s...(%d bytes)", v[:MaxContextValueLen], len(v))
	}
	e.Context[key] = v
	return e
}

// New creates a structured error for code.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindForCode(code),
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a structured error for code that wraps cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	e := New(code, format, args...)
	e.Cause = cause
	return e
}

// As extracts the outermost *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return nil, false
	}
	return e, true
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// IsCode reports whether err is (or wraps) a *Error with the given Code.
func IsCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// KindOf returns the Kind of a structured error, or KindInternal for anything else.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of a structured error, or "" if err is not structured.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the cycle runner may retry after err.
func IsRetryable(err error) bool {
	return IsKind(err, KindTransient)
}
