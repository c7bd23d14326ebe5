// Package apperr defines the error kinds shared across the daemon and the
// single place they are mapped onto HTTP status codes.
package apperr

import "errors"

// Kind classifies an error so the HTTP boundary can map it to a status code
// without inspecting message text.
type Kind int

const (
	// KindInternal covers unexpected I/O or store errors.
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	// KindConflict is reserved for slug collisions (409); other
	// uniqueness violations use KindInvalidArgument (400).
	KindConflict
	KindExhaustedRange
	KindUpstreamUnavailable
	KindSliceNotRunning
)

// Error wraps an underlying cause with a classification.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// New constructs a classified error from a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap classifies an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

// Is reports whether err is classified as kind. Errors this package did not
// produce match no kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// KindOf extracts the classification of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func InvalidArgument(msg string) *Error     { return New(KindInvalidArgument, msg) }
func NotFound(msg string) *Error            { return New(KindNotFound, msg) }
func Conflict(msg string) *Error            { return New(KindConflict, msg) }
func ExhaustedRange(msg string) *Error      { return New(KindExhaustedRange, msg) }
func UpstreamUnavailable(msg string) *Error { return New(KindUpstreamUnavailable, msg) }
func SliceNotRunning(msg string) *Error     { return New(KindSliceNotRunning, msg) }
func Internal(msg string, err error) *Error { return Wrap(KindInternal, msg, err) }
