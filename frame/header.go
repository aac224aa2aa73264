package frame

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/net/http2"
)

// HeaderLen is the fixed size of the frame header (RFC 7540 §4.1).
const HeaderLen = 9

// Header provides accessors over the 9 wire octets of a frame header.
// The high (reserved) bit of the stream identifier is masked on read and
// never set on write.
type Header []byte

func NewHeader() Header { return make([]byte, HeaderLen) }

func (h Header) Fill(
	length int,
	t http2.FrameType,
	flags http2.Flags,
	streamID uint32,
) {
	_ = h[8]
	h[0] = byte(length >> 16)
	h[1] = byte(length >> 8)
	h[2] = byte(length)
	h[3] = byte(t)
	h[4] = byte(flags)
	h.SetStreamID(streamID)
}

func (h Header) Length() int {
	_ = h[2]
	return int(h[0])<<16 | int(h[1])<<8 | int(h[2])
}

func (h Header) SetLength(l int) {
	_ = h[2]
	h[0] = byte(l >> 16)
	h[1] = byte(l >> 8)
	h[2] = byte(l)
}

func (h Header) Type() http2.FrameType     { return http2.FrameType(h[3]) }
func (h Header) SetType(t http2.FrameType) { h[3] = byte(t) }

func (h Header) Flags() http2.Flags        { return http2.Flags(h[4]) }
func (h Header) SetFlags(flag http2.Flags) { h[4] = byte(flag) }

func (h Header) StreamID() uint32 {
	return binary.BigEndian.Uint32(h[5:]) & reservedBitMask
}

func (h Header) SetStreamID(streamID uint32) {
	_ = h[8]
	streamID &= reservedBitMask
	h[5] = byte(streamID >> 24)
	h[6] = byte(streamID >> 16)
	h[7] = byte(streamID >> 8)
	h[8] = byte(streamID)
}

func (h Header) String() string {
	return h.Type().String() +
		"/ length=" + strconv.Itoa(h.Length()) +
		"/ streamID = " + strconv.FormatUint(uint64(h.StreamID()), 10) +
		"/ flags = " + fmt.Sprintf("%o", h.Flags())
}
