// Package dstatus defines the semantic error kinds shared by every layer of
// the driver, decoupled from any single OS error-number space.
//
// https://github.com/etsoc/etsoc-driver
package dstatus

import "fmt"

// Code identifies the semantic class of a failure, per the error handling
// design: precondition violations, back-pressure, resource exhaustion, and
// so on. Callers that bridge to a real OS ioctl surface translate a Code to
// that OS's errno space (see package hostio).
type Code int

const (
	// EINVAL marks a precondition violation: bad bounds, unknown enum,
	// malformed flag combination.
	EINVAL Code = iota
	// EAGAIN marks back-pressure: SQ full on push, CQ empty on pop. Not
	// an error at the design level, just "retry".
	EAGAIN
	// EBUSY marks a second exclusive-open attempt.
	EBUSY
	// EPERM marks a reset attempted while the node is open.
	EPERM
	// ENODEV marks an uninitialized node, or no free device number.
	ENODEV
	// EUCLEAN marks a node mid-reset; the caller should close and retry.
	EUCLEAN
	// ENOMEM marks a failed staging allocation.
	ENOMEM
	// EOPNOTSUPP marks an incompatible or absent P2P peer.
	EOPNOTSUPP
	// EFAULT marks a user-buffer copy-in/out failure.
	EFAULT
)

func (c Code) String() string {
	switch c {
	case EINVAL:
		return "EINVAL"
	case EAGAIN:
		return "EAGAIN"
	case EBUSY:
		return "EBUSY"
	case EPERM:
		return "EPERM"
	case ENODEV:
		return "ENODEV"
	case EUCLEAN:
		return "EUCLEAN"
	case ENOMEM:
		return "ENOMEM"
	case EOPNOTSUPP:
		return "EOPNOTSUPP"
	case EFAULT:
		return "EFAULT"
	default:
		return "EUNKNOWN"
	}
}

// Error is the common error type returned across package boundaries in this
// module. It carries a semantic Code plus a human-readable message and an
// optional wrapped cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error carrying the same Code, so callers
// can use errors.Is(err, dstatus.New(dstatus.EAGAIN, "")) if they wish, but
// the idiomatic check is Code(err) == dstatus.EAGAIN.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds an Error with no wrapped cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that wraps a lower-level cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Err: cause}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, defaulting
// to EINVAL for unrecognized errors so callers always have a code to map to
// an ioctl return value.
func CodeOf(err error) Code {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return EINVAL
	}
	return e.Code
}
