package conn

import (
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"h2cli/consts"
	"h2cli/frame"
	"h2cli/stream"
)

// Config carries the SETTINGS this endpoint advertises at connection
// start.
type Config struct {
	// HeaderTableSize caps our HPACK decoder's dynamic table. Applies
	// to the decoder the moment the SETTINGS frame is sent, not on
	// ACK: the peer cannot have encoded against the larger table
	// after seeing the frame.
	HeaderTableSize uint32
	// InitialWindowSize is the per-stream receive window granted to
	// the peer.
	InitialWindowSize uint32
	// MaxFrameSize bounds frame payloads we accept.
	MaxFrameSize uint32
	// MaxHeaderListSize is the advisory uncompressed header limit.
	MaxHeaderListSize uint32
}

func DefaultConfig() Config {
	return Config{
		HeaderTableSize:   consts.DefaultHeaderTableSize,
		InitialWindowSize: consts.DefaultInitialWindowSize,
		MaxFrameSize:      consts.DefaultMaxFrameSize,
		MaxHeaderListSize: consts.DefaultMaxHeaderListSize,
	}
}

func (c Config) settings() []http2.Setting {
	return []http2.Setting{
		{ID: http2.SettingHeaderTableSize, Val: c.HeaderTableSize},
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingInitialWindowSize, Val: c.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: c.MaxFrameSize},
		{ID: http2.SettingMaxHeaderListSize, Val: c.MaxHeaderListSize},
	}
}

// peerSettings tracks the server's advertised values, starting from
// the RFC 7540 §6.5.2 defaults.
type peerSettings struct {
	headerTableSize      uint32
	initialWindowSize    uint32
	maxFrameSize         uint32
	maxConcurrentStreams uint32
	maxHeaderListSize    uint32
}

func defaultPeerSettings() peerSettings {
	return peerSettings{
		headerTableSize:   consts.DefaultHeaderTableSize,
		initialWindowSize: consts.DefaultInitialWindowSize,
		maxFrameSize:      consts.DefaultMaxFrameSize,
	}
}

// onSettings consumes a SETTINGS frame addressed to the connection.
// Non-ack values apply on receipt and are then acknowledged; our own
// provisional settings become effective when the peer's ACK arrives.
func (c *Conn) onSettings(f *frame.Settings, streamID uint32) error {
	if streamID != 0 {
		return &ConnectionError{http2.ErrCodeProtocol, "SETTINGS on nonzero stream"}
	}

	if f.Ack {
		// Our MAX_FRAME_SIZE binds the peer once it has applied our
		// SETTINGS; the ACK is the proof, so only now may inbound
		// frames exceed the protocol default.
		c.splitter.SetMaxPayload(int(c.cfg.MaxFrameSize))
		c.log.Debug("local settings acknowledged")
		return nil
	}

	logFields := make([]zap.Field, 0, len(f.Settings))
	c.mu.Lock()
	for _, s := range f.Settings {
		logFields = append(logFields, zap.Uint32("setting_"+s.ID.String(), s.Val))
		switch s.ID {
		case http2.SettingHeaderTableSize:
			c.peer.headerTableSize = s.Val
			// Constrains our encoder immediately; the shrink is
			// announced in-stream at the start of the next block.
			c.enc.SetMaxDynamicTableSize(s.Val)
		case http2.SettingInitialWindowSize:
			if s.Val > consts.MaxWindowSize {
				c.mu.Unlock()
				return &ConnectionError{http2.ErrCodeFlowControl, "SETTINGS_INITIAL_WINDOW_SIZE above 2^31-1"}
			}
			// Applies retroactively to every open stream's send
			// window; the connection window is not touched (§6.9.2).
			delta := int64(s.Val) - int64(c.peer.initialWindowSize)
			c.peer.initialWindowSize = s.Val
			if delta != 0 {
				c.streams.Each(func(st *stream.Stream) {
					st.SendWindow().AdjustInitial(delta)
				})
			}
		case http2.SettingMaxFrameSize:
			if s.Val < consts.MinMaxFrameSize || s.Val > consts.MaxMaxFrameSize {
				c.mu.Unlock()
				return &ConnectionError{http2.ErrCodeProtocol, "SETTINGS_MAX_FRAME_SIZE out of range"}
			}
			c.peer.maxFrameSize = s.Val
		case http2.SettingMaxConcurrentStreams:
			c.peer.maxConcurrentStreams = s.Val
			c.limiter.SetQuota(s.Val)
		case http2.SettingEnablePush:
			if s.Val > 1 {
				c.mu.Unlock()
				return &ConnectionError{http2.ErrCodeProtocol, "SETTINGS_ENABLE_PUSH not boolean"}
			}
		case http2.SettingMaxHeaderListSize:
			c.peer.maxHeaderListSize = s.Val
		default:
			// Unknown identifiers must be ignored (§6.5.2).
		}
	}
	c.mu.Unlock()
	c.log.Info("got settings", logFields...)

	return c.writePriorityFrame(&frame.Settings{Ack: true})
}
