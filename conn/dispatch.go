package conn

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"h2cli/consts"
	"h2cli/frame"
	"h2cli/stream"
)

// headerBlock accumulates a HEADERS frame and its CONTINUATIONs until
// END_HEADERS. While one is open no other frame may arrive (§4.3).
type headerBlock struct {
	streamID  uint32
	endStream bool
	priority  *http2.PriorityParam
	fragment  []byte
}

// readLoop reads the transport, reassembles frames and dispatches
// them. A ConnectionError answered here is written as GOAWAY directly,
// bypassing the writer queue, before the loop returns.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, consts.ReceiveBufferSize)

	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			c.splitter.Fill(buf[:n])
			if err := c.drainFrames(c.splitter); err != nil {
				var ce *ConnectionError
				if errors.As(err, &ce) {
					c.log.Warn("connection error", zap.Error(ce))
					_ = c.writeGoAway(ce.Code, []byte(ce.Reason))
				}
				return err
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && c.draining() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("transport read: %w", err)
		}
	}
}

func (c *Conn) draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.goAwayReceived
}

func (c *Conn) drainFrames(splitter *frame.Splitter) error {
	for {
		h, payload, ok, err := splitter.Next()
		if err != nil {
			return frameError(err)
		}
		if !ok {
			return nil
		}
		if err := c.dispatch(h, payload); err != nil {
			return err
		}
	}
}

// frameError maps a codec failure to the connection error tier.
func frameError(err error) error {
	var fe *frame.Error
	if errors.As(err, &fe) {
		return &ConnectionError{fe.Code, fe.Reason}
	}
	return &ConnectionError{http2.ErrCodeProtocol, err.Error()}
}

func (c *Conn) dispatch(h frame.Header, payload []byte) error {
	f, err := frame.Decode(h, payload)
	if err != nil {
		return frameError(err)
	}

	if c.block != nil {
		// Only CONTINUATION for the same stream may follow until
		// END_HEADERS (§4.3).
		cont, ok := f.(*frame.Continuation)
		if !ok || cont.StreamID != c.block.streamID {
			return &ConnectionError{http2.ErrCodeProtocol, "header block interrupted"}
		}
		c.block.fragment = append(c.block.fragment, cont.BlockFragment...)
		if cont.EndHeaders {
			block := c.block
			c.block = nil
			return c.finishHeaderBlock(block)
		}
		return nil
	}

	switch f := f.(type) {
	case *frame.Data:
		return c.onData(f, uint32(h.Length()))
	case *frame.Headers:
		return c.onHeaders(f)
	case *frame.Priority:
		return c.onPriority(f)
	case *frame.RSTStream:
		return c.onRSTStream(f)
	case *frame.Settings:
		return c.onSettings(f, h.StreamID())
	case *frame.PushPromise:
		// We announce SETTINGS_ENABLE_PUSH=0.
		return &ConnectionError{http2.ErrCodeProtocol, "PUSH_PROMISE with push disabled"}
	case *frame.Ping:
		return c.onPing(f, h.StreamID())
	case *frame.GoAway:
		return c.onGoAway(f)
	case *frame.WindowUpdate:
		return c.onWindowUpdate(f)
	case *frame.Continuation:
		return &ConnectionError{http2.ErrCodeProtocol, "CONTINUATION without open header block"}
	case *frame.Unknown:
		c.log.Debug("ignoring unknown frame",
			zap.Uint8("type", uint8(f.FrameType)),
			zap.Uint32("stream_id", f.StreamID))
		return nil
	}
	return nil
}

// lookupStream validates a stream-addressed frame's id and resolves
// the live stream. nil with a nil error means "closed stream": the id
// was ours and below the allocation cursor but no longer live.
func (c *Conn) lookupStream(id uint32) (*stream.Stream, error) {
	if id == 0 {
		return nil, &ConnectionError{http2.ErrCodeProtocol, "stream-addressed frame on stream 0"}
	}
	if id%2 == 0 {
		return nil, &ConnectionError{http2.ErrCodeProtocol, "frame on server-initiated stream"}
	}
	c.mu.Lock()
	next := c.nextStreamID
	c.mu.Unlock()
	if id >= next {
		return nil, &ConnectionError{http2.ErrCodeProtocol, "frame on idle stream"}
	}
	return c.streams.Get(id), nil
}

// onData handles a DATA frame. consumed is the full payload length
// from the frame header: padding and the pad length octet count
// against the flow-control windows too (§6.9.1).
func (c *Conn) onData(f *frame.Data, consumed uint32) error {
	st, err := c.lookupStream(f.StreamID)
	if err != nil {
		return err
	}

	// The connection window pays for the frame whether or not the
	// stream is still live.
	if err := c.recvWindow.Consume(consumed); err != nil {
		return &ConnectionError{http2.ErrCodeFlowControl, "connection receive window exceeded"}
	}
	if inc := c.recvWindow.Replenish(); inc > 0 {
		if err := c.writePriorityFrame(&frame.WindowUpdate{Increment: inc}); err != nil {
			return err
		}
	}

	if st == nil {
		// Closed stream: the window accounting above is still owed,
		// and the peer gets told to stop (§5.1 closed).
		return c.rstClosedStream(f.StreamID)
	}

	if err := st.RecvWindow().Consume(consumed); err != nil {
		c.resetStream(st, http2.ErrCodeFlowControl, err)
		return nil
	}

	// The splitter reuses its buffer, so the payload must be copied
	// before handing it to the stream.
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	if err := st.RecvData(data, f.EndStream); err != nil {
		var se *stream.Error
		if errors.As(err, &se) {
			c.resetStream(st, se.Code, err)
			return nil
		}
		return err
	}

	if !f.EndStream {
		if inc := st.RecvWindow().Replenish(); inc > 0 {
			if err := c.writePriorityFrame(&frame.WindowUpdate{StreamID: f.StreamID, Increment: inc}); err != nil {
				return err
			}
		}
	}

	c.finishIfClosed(st)
	return nil
}

func (c *Conn) onHeaders(f *frame.Headers) error {
	if _, err := c.lookupStream(f.StreamID); err != nil {
		return err
	}

	block := &headerBlock{
		streamID:  f.StreamID,
		endStream: f.EndStream,
		priority:  f.Priority,
		fragment:  append([]byte(nil), f.BlockFragment...),
	}
	if !f.EndHeaders {
		c.block = block
		return nil
	}
	return c.finishHeaderBlock(block)
}

func (c *Conn) finishHeaderBlock(block *headerBlock) error {
	// The block must run through the decoder even when the stream is
	// gone: skipping it would desynchronize the dynamic table.
	fields, err := c.dec.DecodeFull(block.fragment)
	if err != nil {
		return &ConnectionError{http2.ErrCodeCompression, err.Error()}
	}

	c.mu.Lock()
	if block.streamID > c.lastProcessed {
		c.lastProcessed = block.streamID
	}
	c.mu.Unlock()

	st := c.streams.Get(block.streamID)
	if st == nil {
		// Closed stream; the table is synced, answer with RST.
		return c.rstClosedStream(block.streamID)
	}

	if block.priority != nil {
		st.SetPriority(*block.priority)
	}

	if err := st.RecvHeaders(fields, block.endStream); err != nil {
		var se *stream.Error
		if errors.As(err, &se) {
			c.resetStream(st, se.Code, err)
			return nil
		}
		return err
	}

	c.finishIfClosed(st)
	return nil
}

func (c *Conn) onPriority(f *frame.Priority) error {
	if f.StreamID == 0 {
		return &ConnectionError{http2.ErrCodeProtocol, "PRIORITY on stream 0"}
	}
	// PRIORITY is allowed in any state, including idle and closed.
	if st := c.streams.Get(f.StreamID); st != nil {
		st.SetPriority(f.Param)
	}
	return nil
}

func (c *Conn) onRSTStream(f *frame.RSTStream) error {
	st, err := c.lookupStream(f.StreamID)
	if err != nil {
		return err
	}
	if st == nil {
		// Already closed on our side; late RST is expected.
		return nil
	}
	c.log.Debug("stream reset by peer",
		zap.Uint32("stream_id", f.StreamID),
		zap.String("code", f.Code.String()))
	st.RecvRST(f.Code)
	c.removeStream(f.StreamID)
	return nil
}

func (c *Conn) onPing(f *frame.Ping, streamID uint32) error {
	if streamID != 0 {
		return &ConnectionError{http2.ErrCodeProtocol, "PING on nonzero stream"}
	}
	if !f.Ack {
		return c.writePriorityFrame(&frame.Ping{Ack: true, Data: f.Data})
	}

	c.mu.Lock()
	ch := c.pings[f.Data]
	delete(c.pings, f.Data)
	c.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	return nil
}

func (c *Conn) onGoAway(f *frame.GoAway) error {
	c.log.Info("got goaway",
		zap.Uint32("last_stream_id", f.LastStreamID),
		zap.String("code", f.Code.String()),
		zap.ByteString("debug_data", f.DebugData))

	c.mu.Lock()
	c.goAwayReceived = true
	c.goAwayLastID = f.LastStreamID
	c.mu.Unlock()

	if f.Code != http2.ErrCodeNo {
		return GoAwayError{
			Code:         f.Code,
			LastStreamID: f.LastStreamID,
			DebugData:    append([]byte(nil), f.DebugData...),
		}
	}

	// Graceful drain: streams above the cutoff were never processed
	// and are safe to retry elsewhere; the rest run to completion.
	// Collected first: removal must not run under Each's read lock.
	var unprocessed []*stream.Stream
	c.streams.Each(func(st *stream.Stream) {
		if st.ID() > f.LastStreamID {
			unprocessed = append(unprocessed, st)
		}
	})
	for _, st := range unprocessed {
		st.CloseWithError(ErrGoAwayReceived)
		c.removeStream(st.ID())
	}
	return nil
}

func (c *Conn) onWindowUpdate(f *frame.WindowUpdate) error {
	if f.StreamID == 0 {
		if f.Increment == 0 {
			return &ConnectionError{http2.ErrCodeProtocol, "WINDOW_UPDATE with zero increment"}
		}
		if err := c.sendWindow.Add(f.Increment); err != nil {
			return &ConnectionError{http2.ErrCodeFlowControl, "connection send window overflow"}
		}
		return nil
	}

	st, err := c.lookupStream(f.StreamID)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	if f.Increment == 0 {
		c.resetStream(st, http2.ErrCodeProtocol, errors.New("WINDOW_UPDATE with zero increment"))
		return nil
	}
	if err := st.SendWindow().Add(f.Increment); err != nil {
		c.resetStream(st, http2.ErrCodeFlowControl, err)
	}
	return nil
}

// rstClosedStream answers DATA or HEADERS on a no-longer-live stream
// with RST_STREAM(STREAM_CLOSED).
func (c *Conn) rstClosedStream(id uint32) error {
	b, err := frame.Encode(&frame.RSTStream{
		StreamID: id,
		Code:     http2.ErrCodeStreamClosed,
	}, c.peerMaxFrameSize())
	if err != nil {
		return err
	}
	return c.enqueuePriority(b)
}

// resetStream answers a stream-level violation with RST_STREAM and
// drops the stream.
func (c *Conn) resetStream(st *stream.Stream, code http2.ErrCode, cause error) {
	c.log.Debug("resetting stream",
		zap.Uint32("stream_id", st.ID()),
		zap.String("code", code.String()),
		zap.Error(cause))

	b, err := frame.Encode(&frame.RSTStream{StreamID: st.ID(), Code: code}, c.peerMaxFrameSize())
	if err == nil {
		_ = c.enqueuePriority(b)
	}
	st.SendRST(&stream.Error{StreamID: st.ID(), Code: code, Reason: cause.Error()})
	c.removeStream(st.ID())
}

// finishIfClosed drops a stream that reached its terminal state.
func (c *Conn) finishIfClosed(st *stream.Stream) {
	if st.State() == stream.StateClosed {
		c.removeStream(st.ID())
	}
}
