package frame

import (
	"encoding/binary"

	"golang.org/x/net/http2"
)

// Decode parses a frame payload whose header is h. The payload must
// hold exactly h.Length() bytes (the Splitter guarantees that).
//
// Unknown frame types decode to *Unknown, never to an error. Reserved
// bits in stream ids, promised ids and window increments are ignored.
// Slices in the returned frame alias payload and are only valid until
// the Splitter is refilled.
func Decode(h Header, payload []byte) (Frame, error) {
	if len(payload) != h.Length() {
		return nil, errMalformed("%s frame: %d payload bytes, header declares %d",
			h.Type(), len(payload), h.Length())
	}

	flags := h.Flags()
	switch h.Type() {
	case http2.FrameData:
		f := &Data{
			StreamID:  h.StreamID(),
			EndStream: flags.Has(http2.FlagDataEndStream),
		}
		var err error
		f.PadLength, payload, err = splitPadding(h, flags.Has(http2.FlagDataPadded), payload)
		if err != nil {
			return nil, err
		}
		f.Data = payload
		return f, nil

	case http2.FrameHeaders:
		f := &Headers{
			StreamID:   h.StreamID(),
			EndStream:  flags.Has(http2.FlagHeadersEndStream),
			EndHeaders: flags.Has(http2.FlagHeadersEndHeaders),
		}
		var err error
		f.PadLength, payload, err = splitPadding(h, flags.Has(http2.FlagHeadersPadded), payload)
		if err != nil {
			return nil, err
		}
		if flags.Has(http2.FlagHeadersPriority) {
			if len(payload) < 5 {
				return nil, errMalformed("HEADERS frame: %d bytes left for priority fields", len(payload))
			}
			p := parsePriorityParam(payload)
			f.Priority = &p
			payload = payload[5:]
		}
		f.BlockFragment = payload
		return f, nil

	case http2.FramePriority:
		if len(payload) != 5 {
			return nil, errMalformed("PRIORITY frame: %d byte payload, want 5", len(payload))
		}
		return &Priority{h.StreamID(), parsePriorityParam(payload)}, nil

	case http2.FrameRSTStream:
		if len(payload) != 4 {
			return nil, errMalformed("RST_STREAM frame: %d byte payload, want 4", len(payload))
		}
		return &RSTStream{h.StreamID(), http2.ErrCode(binary.BigEndian.Uint32(payload))}, nil

	case http2.FrameSettings:
		f := &Settings{Ack: flags.Has(http2.FlagSettingsAck)}
		if f.Ack {
			if len(payload) != 0 {
				return nil, errMalformed("SETTINGS ack with %d byte payload", len(payload))
			}
			return f, nil
		}
		if len(payload)%6 != 0 {
			return nil, errMalformed("SETTINGS frame: %d byte payload, want a multiple of 6", len(payload))
		}
		for ; len(payload) > 0; payload = payload[6:] {
			f.Settings = append(f.Settings, http2.Setting{
				ID:  http2.SettingID(binary.BigEndian.Uint16(payload)),
				Val: binary.BigEndian.Uint32(payload[2:]),
			})
		}
		return f, nil

	case http2.FramePushPromise:
		f := &PushPromise{
			StreamID:   h.StreamID(),
			EndHeaders: flags.Has(http2.FlagPushPromiseEndHeaders),
		}
		var err error
		f.PadLength, payload, err = splitPadding(h, flags.Has(http2.FlagPushPromisePadded), payload)
		if err != nil {
			return nil, err
		}
		if len(payload) < 4 {
			return nil, errMalformed("PUSH_PROMISE frame: %d bytes left for promised stream id", len(payload))
		}
		f.PromiseID = binary.BigEndian.Uint32(payload) & reservedBitMask
		f.BlockFragment = payload[4:]
		return f, nil

	case http2.FramePing:
		if len(payload) != 8 {
			return nil, errMalformed("PING frame: %d byte payload, want 8", len(payload))
		}
		f := &Ping{Ack: flags.Has(http2.FlagPingAck)}
		copy(f.Data[:], payload)
		return f, nil

	case http2.FrameGoAway:
		if len(payload) < 8 {
			return nil, errMalformed("GOAWAY frame: %d byte payload, want at least 8", len(payload))
		}
		return &GoAway{
			LastStreamID: binary.BigEndian.Uint32(payload) & reservedBitMask,
			Code:         http2.ErrCode(binary.BigEndian.Uint32(payload[4:])),
			DebugData:    payload[8:],
		}, nil

	case http2.FrameWindowUpdate:
		if len(payload) != 4 {
			return nil, errMalformed("WINDOW_UPDATE frame: %d byte payload, want 4", len(payload))
		}
		return &WindowUpdate{
			StreamID:  h.StreamID(),
			Increment: binary.BigEndian.Uint32(payload) & reservedBitMask,
		}, nil

	case http2.FrameContinuation:
		return &Continuation{
			StreamID:      h.StreamID(),
			EndHeaders:    flags.Has(http2.FlagContinuationEndHeaders),
			BlockFragment: payload,
		}, nil
	}

	return &Unknown{h.Type(), h.StreamID(), flags, payload}, nil
}

// splitPadding strips the pad length octet and trailing padding. The
// declared padding must leave at least zero payload bytes
// (RFC 7540 §6.1: padding of payload length or greater is a
// PROTOCOL_ERROR).
func splitPadding(h Header, padded bool, payload []byte) (uint8, []byte, error) {
	if !padded {
		return 0, payload, nil
	}
	if len(payload) < 1 {
		return 0, nil, errPadding("%s frame: no room for pad length octet", h.Type())
	}
	padLength := payload[0]
	payload = payload[1:]
	if int(padLength) > len(payload) {
		return 0, nil, errPadding("%s frame: %d padding octets declared, %d bytes remain",
			h.Type(), padLength, len(payload))
	}
	return padLength, payload[:len(payload)-int(padLength)], nil
}

func parsePriorityParam(b []byte) http2.PriorityParam {
	dep := binary.BigEndian.Uint32(b)
	return http2.PriorityParam{
		StreamDep: dep & reservedBitMask,
		Exclusive: dep>>31 == 1,
		Weight:    b[4],
	}
}
