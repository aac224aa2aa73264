package frame

import (
	"encoding/binary"

	"golang.org/x/net/http2"
)

// Encode serializes f into header + payload wire octets. maxPayload is
// the SETTINGS_MAX_FRAME_SIZE in effect for the peer; payloads past it
// (or past the absolute 2^24-1 bound) fail with ErrPayloadTooLarge.
func Encode(f Frame, maxPayload int) ([]byte, error) {
	return Append(nil, f, maxPayload)
}

// Append is Encode writing into dst.
func Append(dst []byte, f Frame, maxPayload int) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, HeaderLen)...)

	var (
		flags    http2.Flags
		streamID uint32
	)
	switch f := f.(type) {
	case *Data:
		streamID = f.StreamID
		if f.EndStream {
			flags |= http2.FlagDataEndStream
		}
		if f.PadLength > 0 {
			flags |= http2.FlagDataPadded
			dst = append(dst, f.PadLength)
		}
		dst = append(dst, f.Data...)
		dst = appendPadding(dst, f.PadLength)
	case *Headers:
		streamID = f.StreamID
		if f.EndStream {
			flags |= http2.FlagHeadersEndStream
		}
		if f.EndHeaders {
			flags |= http2.FlagHeadersEndHeaders
		}
		if f.PadLength > 0 {
			flags |= http2.FlagHeadersPadded
			dst = append(dst, f.PadLength)
		}
		if f.Priority != nil {
			flags |= http2.FlagHeadersPriority
			dst = appendPriorityParam(dst, *f.Priority)
		}
		dst = append(dst, f.BlockFragment...)
		dst = appendPadding(dst, f.PadLength)
	case *Priority:
		streamID = f.StreamID
		dst = appendPriorityParam(dst, f.Param)
	case *RSTStream:
		streamID = f.StreamID
		dst = binary.BigEndian.AppendUint32(dst, uint32(f.Code))
	case *Settings:
		if f.Ack {
			flags |= http2.FlagSettingsAck
			break
		}
		for _, s := range f.Settings {
			dst = binary.BigEndian.AppendUint16(dst, uint16(s.ID))
			dst = binary.BigEndian.AppendUint32(dst, s.Val)
		}
	case *PushPromise:
		streamID = f.StreamID
		if f.EndHeaders {
			flags |= http2.FlagPushPromiseEndHeaders
		}
		if f.PadLength > 0 {
			flags |= http2.FlagPushPromisePadded
			dst = append(dst, f.PadLength)
		}
		dst = binary.BigEndian.AppendUint32(dst, f.PromiseID&reservedBitMask)
		dst = append(dst, f.BlockFragment...)
		dst = appendPadding(dst, f.PadLength)
	case *Ping:
		if f.Ack {
			flags |= http2.FlagPingAck
		}
		dst = append(dst, f.Data[:]...)
	case *GoAway:
		dst = binary.BigEndian.AppendUint32(dst, f.LastStreamID&reservedBitMask)
		dst = binary.BigEndian.AppendUint32(dst, uint32(f.Code))
		dst = append(dst, f.DebugData...)
	case *WindowUpdate:
		streamID = f.StreamID
		dst = binary.BigEndian.AppendUint32(dst, f.Increment&reservedBitMask)
	case *Continuation:
		streamID = f.StreamID
		if f.EndHeaders {
			flags |= http2.FlagContinuationEndHeaders
		}
		dst = append(dst, f.BlockFragment...)
	case *Unknown:
		streamID = f.StreamID
		flags = f.Flags
		dst = append(dst, f.Payload...)
	}

	length := len(dst) - start - HeaderLen
	if maxPayload > maxFramePayload {
		maxPayload = maxFramePayload
	}
	if length > maxPayload {
		return dst[:start], errTooLarge("%d byte %s payload, max %d", length, f.Kind(), maxPayload)
	}
	Header(dst[start : start+HeaderLen]).Fill(length, f.Kind(), flags, streamID)
	return dst, nil
}

func appendPadding(dst []byte, padLength uint8) []byte {
	return append(dst, make([]byte, padLength)...)
}

func appendPriorityParam(dst []byte, p http2.PriorityParam) []byte {
	dep := p.StreamDep & reservedBitMask
	if p.Exclusive {
		dep |= 1 << 31
	}
	dst = binary.BigEndian.AppendUint32(dst, dep)
	return append(dst, p.Weight)
}
