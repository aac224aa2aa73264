package conn

import (
	"context"
	"fmt"

	"golang.org/x/net/http2"

	"h2cli/frame"
)

// writeLoop serializes all outbound frames onto the transport.
// Control frames (SETTINGS ack, PING, RST_STREAM, WINDOW_UPDATE,
// GOAWAY) go through priorityCh and jump ahead of queued DATA so
// stream backpressure never stalls connection upkeep.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		// Drain priority frames first.
		select {
		case b := <-c.priorityCh:
			if err := c.write(b); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case b := <-c.priorityCh:
			if err := c.write(b); err != nil {
				return err
			}
		case b := <-c.writeCh:
			if err := c.write(b); err != nil {
				return err
			}
		case <-ctx.Done():
			// Flush control frames already queued (GOAWAY in
			// particular) before giving up the transport.
			for {
				select {
				case b := <-c.priorityCh:
					_ = c.write(b)
				default:
					return nil
				}
			}
		}
	}
}

func (c *Conn) write(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.transport.Write(b); err != nil {
		return fmt.Errorf("transport write: %w", err)
	}
	return nil
}

// enqueue hands an encoded frame to the writer. Fails once the
// connection is done so senders are never stranded on a full channel.
func (c *Conn) enqueue(b []byte) error {
	select {
	case c.writeCh <- b:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	}
}

func (c *Conn) enqueuePriority(b []byte) error {
	select {
	case c.priorityCh <- b:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	}
}

func (c *Conn) writePriorityFrame(f frame.Frame) error {
	b, err := frame.Encode(f, c.peerMaxFrameSize())
	if err != nil {
		return err
	}
	return c.enqueuePriority(b)
}

// writeGoAway encodes and writes GOAWAY directly under wmu, bypassing
// the queue: it is the last frame out and must reach the wire even
// when the writer loop is already gone.
func (c *Conn) writeGoAway(code http2.ErrCode, debug []byte) error {
	c.mu.Lock()
	last := c.lastProcessed
	c.mu.Unlock()

	b, err := frame.Encode(&frame.GoAway{
		LastStreamID: last,
		Code:         code,
		DebugData:    debug,
	}, c.peerMaxFrameSize())
	if err != nil {
		return err
	}
	return c.write(b)
}
