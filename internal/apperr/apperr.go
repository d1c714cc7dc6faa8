// Package apperr defines the typed failures returned by the ledger, task and
// allowance services. Callers classify errors with KindOf or errors.Is against
// the Err* sentinels; wrapping with fmt.Errorf keeps the classification.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotAuthorized
	KindInvalidState
	KindInvalidRequest
	KindNotFound
	KindInvariantViolation
	KindConcurrencyConflict
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindNotAuthorized:       "not_authorized",
	KindInvalidState:        "invalid_state",
	KindInvalidRequest:      "invalid_request",
	KindNotFound:            "not_found",
	KindInvariantViolation:  "invariant_violation",
	KindConcurrencyConflict: "concurrency_conflict",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrNotAuthorized       = &Error{Kind: KindNotAuthorized}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvariantViolation  = &Error{Kind: KindInvariantViolation}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
)

// Error is a classified failure. Op names the operation that failed. For
// KindInvalidState, From and To hold the current and requested states.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	From    string
	To      string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Kind == KindInvalidState && (e.From != "" || e.To != "") {
		msg = fmt.Sprintf("%s (%s -> %s)", msg, e.From, e.To)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, ErrNotFound)
// works regardless of Op or Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func NotAuthorized(op, msg string) error {
	return &Error{Kind: KindNotAuthorized, Op: op, Message: msg}
}

func InvalidRequest(op, msg string) error {
	return &Error{Kind: KindInvalidRequest, Op: op, Message: msg}
}

func NotFound(op, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: msg}
}

func InvariantViolation(op, msg string) error {
	return &Error{Kind: KindInvariantViolation, Op: op, Message: msg}
}

func Conflict(op, msg string) error {
	return &Error{Kind: KindConcurrencyConflict, Op: op, Message: msg}
}

// InvalidState reports an illegal transition from the current state to the
// requested one.
func InvalidState(op, from, to string) error {
	return &Error{Kind: KindInvalidState, Op: op, Message: "illegal transition", From: from, To: to}
}
