// Package apperr is the error taxonomy shared by the dispatch core and the
// REST layer. Errors carry a Kind that callers branch on with KindOf.
package apperr

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/emergency-dispatch/internal/models"
)

type Kind string

const (
	KindInternal             Kind = "internal"
	KindInvalidArgument      Kind = "invalid_argument"
	KindPermissionDenied     Kind = "permission_denied"
	KindInvalidTransition    Kind = "invalid_transition"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindUnavailable          Kind = "unavailable"
	KindReportCreationFailed Kind = "report_creation_failed"
	KindUnauthenticated      Kind = "unauthenticated"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error

	// CurrentStatus is set on transition failures so callers can show the
	// record's actual state instead of the attempted one.
	CurrentStatus models.Status
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so errors.Is(err, apperr.NotFound) works for any op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	InvalidArgument      = &Error{Kind: KindInvalidArgument}
	PermissionDenied     = &Error{Kind: KindPermissionDenied}
	InvalidTransition    = &Error{Kind: KindInvalidTransition}
	NotFound             = &Error{Kind: KindNotFound}
	Conflict             = &Error{Kind: KindConflict}
	Unavailable          = &Error{Kind: KindUnavailable}
	ReportCreationFailed = &Error{Kind: KindReportCreationFailed}
	Unauthenticated      = &Error{Kind: KindUnauthenticated}
)

func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
// Context deadline errors are Unavailable; anything else unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUnavailable
	}
	return KindInternal
}

// CurrentStatusOf returns the status attached to a transition failure, if any.
func CurrentStatusOf(err error) models.Status {
	var e *Error
	if errors.As(err, &e) {
		return e.CurrentStatus
	}
	return ""
}

// FromBackend classifies a downstream failure: timeouts become Unavailable,
// already-classified errors pass through, everything else gets fallback.
func FromBackend(op string, err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(KindUnavailable, op, err)
	}
	return Wrap(fallback, op, err)
}
