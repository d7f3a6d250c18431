package errorsx

import (
	"errors"
	"fmt"
	"log/slog"
)

// ReasonedError carries a ReasonCode alongside the underlying failure so the
// code survives fmt.Errorf wrapping on its way up to the log line.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Is matches another ReasonedError by code, so errors.Is(err, Code(r)) works.
func (e ReasonedError) Is(target error) bool {
	t, ok := target.(ReasonedError)
	return ok && t.Err == nil && t.Reason == e.Reason
}

// Code returns a sentinel usable with errors.Is.
func Code(reason ReasonCode) error { return ReasonedError{Reason: reason} }

// Wrap tags err with reason. The innermost reason wins.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if Reason(err) != ReasonUnknown {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Wrapf formats a new error and tags it with reason.
func Wrapf(reason ReasonCode, format string, args ...any) error {
	return ReasonedError{Err: fmt.Errorf(format, args...), Reason: reason}
}

func Reason(err error) ReasonCode {
	var re ReasonedError
	if err != nil && errors.As(err, &re) && re.Reason != "" {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Attr is the reason_code log attribute for err.
func Attr(err error) slog.Attr {
	return slog.String("reason_code", string(Reason(err)))
}

// ReasonAttr is the reason_code log attribute for a bare code.
func ReasonAttr(reason ReasonCode) slog.Attr {
	return slog.String("reason_code", string(reason))
}
