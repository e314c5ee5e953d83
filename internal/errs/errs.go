// Package errs defines the typed failures returned by the sync engine and
// its collaborators. Kinds are string codes so they serialize naturally into
// API responses and log fields.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindNotFound: unknown repository, file, session or credential.
	KindNotFound Kind = "NOT_FOUND"

	// KindConflict: remote content changed since the last known hash.
	KindConflict Kind = "CONFLICT"

	// KindStorageUnavailable: the object cache store could not be reached.
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"

	// KindCredentialMissing: no remote credential stored for the session.
	KindCredentialMissing Kind = "CREDENTIAL_MISSING"

	// KindCredentialInvalid: the remote rejected the credential.
	KindCredentialInvalid Kind = "CREDENTIAL_INVALID"

	// KindRemoteError: network, auth or rate-limit failure from the remote API.
	KindRemoteError Kind = "REMOTE_ERROR"

	// KindInvalidPath: empty path or a path escaping the repository root.
	KindInvalidPath Kind = "INVALID_PATH"

	// KindInvalidInput: malformed request data other than paths.
	KindInvalidInput Kind = "INVALID_INPUT"

	// KindInternal: anything not classified above.
	KindInternal Kind = "INTERNAL"
)

// Sentinels usable with errors.Is.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
	ErrCredentialMissing  = &Error{Kind: KindCredentialMissing}
	ErrCredentialInvalid  = &Error{Kind: KindCredentialInvalid}
	ErrRemote             = &Error{Kind: KindRemoteError}
	ErrInvalidPath        = &Error{Kind: KindInvalidPath}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
)

// Error is a classified error. Op names the operation that failed, Msg is a
// human readable description and Err the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// E builds a classified error.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. Sentinels carry
// only a Kind, so errors.Is(err, errs.ErrNotFound) matches any NOT_FOUND.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindInternal if there is none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the human readable part of err, without operation prefixes.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Kind)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// NotFoundf is shorthand for a NOT_FOUND error with a formatted message.
func NotFoundf(op, format string, args ...any) *Error {
	return E(KindNotFound, op, fmt.Sprintf(format, args...), nil)
}

// InvalidPathf is shorthand for an INVALID_PATH error with a formatted message.
func InvalidPathf(op, format string, args ...any) *Error {
	return E(KindInvalidPath, op, fmt.Sprintf(format, args...), nil)
}
