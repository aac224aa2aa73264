// Package frame implements the HTTP/2 frame layer (RFC 7540 §4, §6):
// the 9-octet header, the ten frame types defined by the RFC, their
// payload encodings, and an incremental Splitter which cuts a byte
// stream into complete frames.
//
// The package validates structure only. Semantic rules (which stream a
// frame may arrive on, state transitions, flow control) belong to the
// conn and stream packages.
package frame

import "golang.org/x/net/http2"

const (
	reservedBitMask = 1<<31 - 1
	maxFramePayload = 1<<24 - 1
)

// Frame is one decoded HTTP/2 frame.
type Frame interface {
	// Kind reports the wire frame type.
	Kind() http2.FrameType
}

// Data carries a DATA frame (RFC 7540 §6.1). PadLength octets of zero
// padding are appended on encode; padding content is discarded on decode.
type Data struct {
	StreamID  uint32
	EndStream bool
	PadLength uint8
	Data      []byte
}

func (*Data) Kind() http2.FrameType { return http2.FrameData }

// Headers carries a HEADERS frame (RFC 7540 §6.2) with an opaque header
// block fragment. Priority is non-nil when the PRIORITY flag is set.
type Headers struct {
	StreamID      uint32
	EndStream     bool
	EndHeaders    bool
	PadLength     uint8
	Priority      *http2.PriorityParam
	BlockFragment []byte
}

func (*Headers) Kind() http2.FrameType { return http2.FrameHeaders }

// Priority carries a PRIORITY frame (RFC 7540 §6.3).
type Priority struct {
	StreamID uint32
	Param    http2.PriorityParam
}

func (*Priority) Kind() http2.FrameType { return http2.FramePriority }

// RSTStream carries a RST_STREAM frame (RFC 7540 §6.4).
type RSTStream struct {
	StreamID uint32
	Code     http2.ErrCode
}

func (*RSTStream) Kind() http2.FrameType { return http2.FrameRSTStream }

// Settings carries a SETTINGS frame (RFC 7540 §6.5). Settings is empty
// when Ack is set. Unknown identifiers are preserved; ignoring them is
// the receiver's call.
type Settings struct {
	Ack      bool
	Settings []http2.Setting
}

func (*Settings) Kind() http2.FrameType { return http2.FrameSettings }

// PushPromise carries a PUSH_PROMISE frame (RFC 7540 §6.6).
type PushPromise struct {
	StreamID      uint32
	PromiseID     uint32
	EndHeaders    bool
	PadLength     uint8
	BlockFragment []byte
}

func (*PushPromise) Kind() http2.FrameType { return http2.FramePushPromise }

// Ping carries a PING frame (RFC 7540 §6.7).
type Ping struct {
	Ack  bool
	Data [8]byte
}

func (*Ping) Kind() http2.FrameType { return http2.FramePing }

// GoAway carries a GOAWAY frame (RFC 7540 §6.8).
type GoAway struct {
	LastStreamID uint32
	Code         http2.ErrCode
	DebugData    []byte
}

func (*GoAway) Kind() http2.FrameType { return http2.FrameGoAway }

// WindowUpdate carries a WINDOW_UPDATE frame (RFC 7540 §6.9).
// An Increment of zero decodes fine; its legality is a flow-control
// question answered upstream.
type WindowUpdate struct {
	StreamID  uint32
	Increment uint32
}

func (*WindowUpdate) Kind() http2.FrameType { return http2.FrameWindowUpdate }

// Continuation carries a CONTINUATION frame (RFC 7540 §6.10).
type Continuation struct {
	StreamID      uint32
	EndHeaders    bool
	BlockFragment []byte
}

func (*Continuation) Kind() http2.FrameType { return http2.FrameContinuation }

// Unknown preserves a frame of a type this implementation does not
// know. Receivers must ignore it (RFC 7540 §4.1), so decoding one is
// never an error.
type Unknown struct {
	FrameType http2.FrameType
	StreamID  uint32
	Flags     http2.Flags
	Payload   []byte
}

func (f *Unknown) Kind() http2.FrameType { return f.FrameType }
