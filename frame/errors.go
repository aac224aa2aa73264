package frame

import (
	"fmt"

	"golang.org/x/net/http2"
)

// ErrorKind classifies structural frame errors.
type ErrorKind int

const (
	// ErrMalformed marks truncated or wrong-length payloads.
	ErrMalformed ErrorKind = iota
	// ErrInvalidPadding marks a declared pad length that does not fit
	// the remaining payload.
	ErrInvalidPadding
	// ErrPayloadTooLarge marks an encode attempt past the negotiated
	// SETTINGS_MAX_FRAME_SIZE.
	ErrPayloadTooLarge
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMalformed:
		return "malformed"
	case ErrInvalidPadding:
		return "invalid padding"
	case ErrPayloadTooLarge:
		return "payload too large"
	}
	return "unknown"
}

// Error is a structural frame coding error. Code is the connection
// error code the violation maps to (RFC 7540 §6).
type Error struct {
	Kind   ErrorKind
	Code   http2.ErrCode
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("frame: %s: %s (%s)", e.Kind, e.Reason, e.Code)
}

func errMalformed(format string, args ...any) *Error {
	return &Error{ErrMalformed, http2.ErrCodeFrameSize, fmt.Sprintf(format, args...)}
}

func errPadding(format string, args ...any) *Error {
	return &Error{ErrInvalidPadding, http2.ErrCodeProtocol, fmt.Sprintf(format, args...)}
}

func errTooLarge(format string, args ...any) *Error {
	return &Error{ErrPayloadTooLarge, http2.ErrCodeFrameSize, fmt.Sprintf(format, args...)}
}
