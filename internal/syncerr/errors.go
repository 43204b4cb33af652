// Package syncerr carries the error kinds shared by the IdP client, the LMS
// stores, the sync engine, and the API layer. Each mutation path reports one
// of a closed set of kinds so that handlers can map failures to HTTP codes
// and the job log can bucket per-item errors.
package syncerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth       Kind = "auth"       // token exchange failed or 401 after retry
	KindRemote     Kind = "remote"     // non-2xx from the IdP
	KindStore      Kind = "store"      // LMS store read/write failed
	KindValidation Kind = "validation" // required field missing on an IdP item
	KindConflict   Kind = "conflict"   // uniqueness collision or job overlap
	KindCancelled  Kind = "cancelled"  // cooperative cancel between phases
)

// Error is the structured failure record. ID identifies the item that failed
// (username, group name, idnumber) when the failure is per-item.
type Error struct {
	Kind   Kind
	Status int // HTTP status from the remote, when Kind == KindRemote
	ID     string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.ID != "":
		return fmt.Sprintf("%s (%d) %s: %s", e.Kind, e.Status, e.ID, e.Msg)
	case e.Status != 0:
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Msg)
	case e.ID != "":
		return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, e.Msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap keeps the cause reachable through errors.Is/As chains.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Auth(msg string) *Error { return New(KindAuth, msg) }

func Store(err error, msg string) *Error { return Wrap(KindStore, err, msg) }

func Validation(id, msg string) *Error {
	return &Error{Kind: KindValidation, ID: id, Msg: msg}
}

func Conflict(format string, args ...any) *Error { return Newf(KindConflict, format, args...) }

func Cancelled(format string, args ...any) *Error { return Newf(KindCancelled, format, args...) }

// Remote records a non-2xx upstream response. bodyHint should already be
// trimmed to a single line by the caller.
func Remote(status int, op, bodyHint string) *Error {
	return &Error{Kind: KindRemote, Status: status, Msg: op + ": " + bodyHint}
}

// KindOf walks the chain and returns the first syncerr kind, or "" when the
// error carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
