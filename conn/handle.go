package conn

import (
	"context"

	"golang.org/x/net/http2"

	"h2cli/consts"
	"h2cli/frame"
	"h2cli/hpack"
	"h2cli/stream"
)

// StreamHandle is the caller's end of one request stream.
type StreamHandle struct {
	c  *Conn
	st *stream.Stream
}

// OpenStream allocates the next client stream id, sends the request
// HEADERS (with CONTINUATIONs when the block exceeds the peer's frame
// limit) and returns a handle. Blocks while the peer's concurrency
// limit is reached.
//
// The header block is encoded and queued under one lock so HPACK
// encoding order always matches wire order.
func (c *Conn) OpenStream(fields []hpack.HeaderField, endStream bool) (*StreamHandle, error) {
	if !c.limiter.Acquire() {
		return nil, ErrConnectionClosed
	}
	ok := false
	defer func() {
		if !ok {
			c.limiter.Release()
		}
	}()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if c.goAwayReceived {
		c.mu.Unlock()
		return nil, ErrGoAwayReceived
	}
	if c.nextStreamID > consts.MaxStreamID {
		c.mu.Unlock()
		return nil, ErrStreamIDsExhausted
	}

	id := c.nextStreamID
	c.nextStreamID += 2

	block := c.enc.Encode(fields)
	maxFrame := int(c.peer.maxFrameSize)

	st := stream.New(id, int64(c.peer.initialWindowSize), int64(c.cfg.InitialWindowSize))
	if err := st.SendHeaders(endStream); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.streams.Set(id, st)

	buf, err := appendHeaderFrames(nil, id, block, endStream, maxFrame)
	if err != nil {
		c.streams.Delete(id)
		c.mu.Unlock()
		return nil, err
	}
	if err := c.enqueue(buf); err != nil {
		c.streams.Delete(id)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	ok = true
	return &StreamHandle{c: c, st: st}, nil
}

// appendHeaderFrames splits block into one HEADERS frame plus
// CONTINUATIONs, each within maxFrame, appended as one contiguous
// write.
func appendHeaderFrames(dst []byte, id uint32, block []byte, endStream bool, maxFrame int) ([]byte, error) {
	first := block
	if len(first) > maxFrame {
		first = first[:maxFrame]
	}
	rest := block[len(first):]

	dst, err := frame.Append(dst, &frame.Headers{
		StreamID:      id,
		EndStream:     endStream,
		EndHeaders:    len(rest) == 0,
		BlockFragment: first,
	}, maxFrame)
	if err != nil {
		return nil, err
	}

	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		rest = rest[len(chunk):]

		dst, err = frame.Append(dst, &frame.Continuation{
			StreamID:      id,
			EndHeaders:    len(rest) == 0,
			BlockFragment: chunk,
		}, maxFrame)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func (h *StreamHandle) ID() uint32 { return h.st.ID() }

// Done is closed once the stream failed or was torn down.
func (h *StreamHandle) Done() <-chan struct{} { return h.st.Done() }

func (h *StreamHandle) Err() error { return h.st.Err() }

// SendData writes the request body, chunked to the peer's frame limit
// and paced by both the stream and connection send windows.
func (h *StreamHandle) SendData(b []byte, endStream bool) error {
	maxFrame := h.c.peerMaxFrameSize()

	if len(b) == 0 {
		if !endStream {
			return nil
		}
		return h.sendDataFrame(nil, true, maxFrame)
	}

	for len(b) > 0 {
		limit := len(b)
		if limit > maxFrame {
			limit = maxFrame
		}

		n, ok := h.st.SendWindow().WaitSome(uint32(limit))
		if !ok {
			return h.failure()
		}
		if !h.c.sendWindow.Wait(n) {
			return ErrConnectionClosed
		}

		chunk := b[:n]
		b = b[n:]
		if err := h.sendDataFrame(chunk, endStream && len(b) == 0, maxFrame); err != nil {
			return err
		}
	}
	return nil
}

func (h *StreamHandle) sendDataFrame(chunk []byte, endStream bool, maxFrame int) error {
	if err := h.st.SendData(endStream); err != nil {
		return err
	}
	buf, err := frame.Encode(&frame.Data{
		StreamID:  h.st.ID(),
		EndStream: endStream,
		Data:      chunk,
	}, maxFrame)
	if err != nil {
		return err
	}
	if err := h.c.enqueue(buf); err != nil {
		return err
	}
	h.c.finishIfClosed(h.st)
	return nil
}

func (h *StreamHandle) failure() error {
	if err := h.st.Err(); err != nil {
		return err
	}
	return ErrConnectionClosed
}

// ReadHeaders blocks until the next response header block arrives.
func (h *StreamHandle) ReadHeaders(ctx context.Context) ([]hpack.HeaderField, error) {
	return h.st.ReadHeaders(ctx)
}

// ReadData blocks until the next body chunk arrives; io.EOF once the
// peer finished the stream.
func (h *StreamHandle) ReadData(ctx context.Context) ([]byte, error) {
	return h.st.ReadData(ctx)
}

// Close cancels the stream with RST_STREAM(CANCEL). Harmless on a
// stream that already finished.
func (h *StreamHandle) Close() error {
	if h.st.State() == stream.StateClosed {
		h.c.removeStream(h.st.ID())
		return nil
	}

	buf, err := frame.Encode(&frame.RSTStream{
		StreamID: h.st.ID(),
		Code:     http2.ErrCodeCancel,
	}, h.c.peerMaxFrameSize())
	if err == nil {
		err = h.c.enqueuePriority(buf)
	}
	h.st.SendRST(ErrStreamCanceled)
	h.c.removeStream(h.st.ID())
	return err
}
