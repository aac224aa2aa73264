package stream

import (
	"fmt"

	"golang.org/x/net/http2"
)

// Error is a stream-scoped protocol violation. The connection answers
// it with RST_STREAM carrying Code; other streams are unaffected.
type Error struct {
	StreamID uint32
	Code     http2.ErrCode
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("stream %d: %s (%s)", e.StreamID, e.Reason, e.Code)
}

// ResetError reports that the peer aborted the stream with RST_STREAM.
type ResetError struct {
	Code http2.ErrCode
}

func (e ResetError) Error() string {
	return "stream reset by peer: " + e.Code.String()
}
