// Package erruser provides errors that present a plain user-facing message
// from Error() while keeping the technical cause reachable via Unwrap() for
// a "Details:" line or trace output.
package erruser

import "errors"

// Err pairs a user-facing message with an optional underlying cause.
// Error() returns Msg alone so the primary line stays free of command
// output, paths, and exit codes; the cause comes out of Unwrap().
type Err struct {
	Msg string
	Err error
}

// Error returns the user-facing message.
func (e *Err) Error() string {
	if e == nil {
		return ""
	}
	return e.Msg
}

// Unwrap returns the underlying cause, or nil. Safe on a nil receiver.
func (e *Err) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New returns an error whose Error() is msg. When err is non-nil it becomes
// the wrapped cause, so callers can print details or match with errors.Is.
// When err is nil a plain error is returned (nothing to unwrap).
func New(msg string, err error) error {
	if err == nil {
		return errors.New(msg)
	}
	return &Err{Msg: msg, Err: err}
}
