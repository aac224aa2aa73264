package conn

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2"
)

// ErrConnectionClosed is delivered to every pending caller when the
// connection goes away, whatever the trigger (transport failure,
// protocol violation, local Close).
var ErrConnectionClosed = errors.New("conn: connection closed")

// ErrGoAwayReceived rejects new streams after the peer's GOAWAY.
var ErrGoAwayReceived = errors.New("conn: GOAWAY received, no new streams")

// ErrStreamCanceled is the failure recorded on a stream the caller
// closed locally.
var ErrStreamCanceled = errors.New("conn: stream canceled locally")

// ErrStreamIDsExhausted means the 2^31 client id space ran out; the
// caller needs a fresh connection.
var ErrStreamIDsExhausted = errors.New("conn: stream ids exhausted")

// ConnectionError is a protocol violation that leaves shared state
// ambiguous. The connection answers with GOAWAY carrying Code and
// terminates.
type ConnectionError struct {
	Code   http2.ErrCode
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s (%s)", e.Reason, e.Code)
}

// GoAwayError reports the peer terminating the connection.
type GoAwayError struct {
	Code         http2.ErrCode
	LastStreamID uint32
	DebugData    []byte
}

func (e GoAwayError) Error() string {
	return "go away (" + e.Code.String() + "): " + string(e.DebugData)
}
