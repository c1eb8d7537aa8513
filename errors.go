package main

import "fmt"

// Kind classifies a pipeline failure the way callers are expected to branch
// on: by what happened, never by a raw numeric code crossing the module
// boundary.
type Kind int

const (
	// KindNotSelf means the input file is not a SELF container. The
	// pipeline treats this as "skip silently."
	KindNotSelf Kind = iota
	// KindIO means a filesystem operation failed. Fatal to the current run.
	KindIO
	// KindInternal covers arena exhaustion, bounds violations, and
	// unexpected container shapes. The offending file is skipped.
	KindInternal
	// KindUnsupportedFirmware means the running firmware version has no
	// entry in the Firmware Offset Table. Fatal; never raised mid-decrypt.
	KindUnsupportedFirmware
	// KindSegmentDecrypt means the privileged service failed to decrypt a
	// segment or block after retries.
	KindSegmentDecrypt
)

func (k Kind) String() string {
	switch k {
	case KindNotSelf:
		return "not-self"
	case KindIO:
		return "io"
	case KindInternal:
		return "internal"
	case KindUnsupportedFirmware:
		return "unsupported-firmware"
	case KindSegmentDecrypt:
		return "segment-decrypt"
	default:
		return "unknown"
	}
}

// Error is the single error type that crosses package boundaries in this
// module. Kind is a sum-type tag; callers pattern-match on it rather than
// comparing against sentinel values.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Path)
}

func (e *Error) Unwrap() error { return e.Err }

func errNotSelf(path string) *Error {
	return &Error{Kind: KindNotSelf, Path: path}
}

func errIO(path string, err error) *Error {
	return &Error{Kind: KindIO, Path: path, Err: err}
}

func errInternal(path string, err error) *Error {
	return &Error{Kind: KindInternal, Path: path, Err: err}
}

func errUnsupportedFirmware(version uint32) *Error {
	return &Error{Kind: KindUnsupportedFirmware, Err: fmt.Errorf("firmware version 0x%08x has no known offset profile", version)}
}

func errSegmentDecrypt(path string, err error) *Error {
	return &Error{Kind: KindSegmentDecrypt, Path: path, Err: err}
}

// errShort builds the plain error wrapped by Internal errors that result
// from a buffer being too small for the structure being read from it.
func errShort(what string) error {
	return fmt.Errorf("%s: truncated", what)
}

// kindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to KindInternal for anything else so callers always have a branch to take.
func kindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return KindInternal
}

// asError is a tiny errors.As shim kept local so this file has no import
// beyond fmt.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
