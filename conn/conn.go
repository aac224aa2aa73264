// Package conn implements the client side of an HTTP/2 connection:
// preface and SETTINGS exchange, frame dispatch to streams, the
// connection-level flow-control windows, GOAWAY/PING handling, and the
// caller-facing stream API.
//
// The connection owns the single transport, the stream collection and
// both HPACK codec instances. All inbound decoding happens on one
// goroutine (Run's read loop) to preserve HPACK ordering; outbound
// frames funnel through one writer goroutine so frame boundaries stay
// intact.
package conn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"h2cli/consts"
	"h2cli/flowcontrol"
	"h2cli/frame"
	"h2cli/hpack"
	"h2cli/stream"
	"h2cli/streams"
)

var clientPreface = []byte(http2.ClientPreface)

type Conn struct {
	transport io.ReadWriteCloser
	log       *zap.Logger
	cfg       Config

	enc *hpack.Encoder // guarded by mu
	dec *hpack.Decoder // dispatch goroutine only

	sendWindow *flowcontrol.SendWindow
	recvWindow *flowcontrol.RecvWindow

	streams streams.Store
	limiter *streams.Limiter

	writeCh    chan []byte
	priorityCh chan []byte
	wmu        sync.Mutex // serializes transport writes

	mu             sync.Mutex
	peer           peerSettings
	nextStreamID   uint32
	lastProcessed  uint32
	goAwayReceived bool
	goAwayLastID   uint32
	closed         bool
	pings          map[[8]byte]chan struct{}
	pingCounter    uint64

	// splitter belongs to the read loop; the bound starts at the
	// protocol default and is raised once the peer ACKs our SETTINGS.
	splitter *frame.Splitter

	block *headerBlock // in-flight HEADERS+CONTINUATION sequence

	localClose atomic.Bool

	done     chan struct{}
	doneOnce sync.Once

	transportCloseOnce sync.Once
	transportCloseErr  error
}

// New writes the connection preface and our SETTINGS to transport and
// returns a connection ready for Run. The server's SETTINGS are
// handled asynchronously by the dispatch loop; streams may be opened
// right away (RFC 7540 §3.5).
func New(transport io.ReadWriteCloser, log *zap.Logger, cfg Config) (*Conn, error) {
	c := &Conn{
		transport: transport,
		log:       log.Named("conn"),
		cfg:       cfg,

		enc: hpack.NewEncoder(),
		dec: hpack.NewDecoder(cfg.HeaderTableSize),

		sendWindow: flowcontrol.NewSendWindow(consts.DefaultInitialWindowSize),
		recvWindow: flowcontrol.NewRecvWindow(consts.DefaultInitialWindowSize),

		streams: streams.NewSharded(16, func() streams.Store { return streams.NewMap() }),
		limiter: streams.NewLimiter(0),

		writeCh:    make(chan []byte, 64),
		priorityCh: make(chan []byte, 32),

		peer:         defaultPeerSettings(),
		nextStreamID: 1,
		pings:        make(map[[8]byte]chan struct{}),
		splitter:     frame.NewSplitter(consts.DefaultMaxFrameSize),

		done: make(chan struct{}),
	}

	// Write must fail, not short-write, so n is not checked.
	if _, err := transport.Write(clientPreface); err != nil {
		return nil, fmt.Errorf("write connection preface: %w", err)
	}
	b, err := frame.Encode(&frame.Settings{Settings: cfg.settings()}, consts.DefaultMaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	if _, err := transport.Write(b); err != nil {
		return nil, fmt.Errorf("write settings: %w", err)
	}
	c.log.Debug("preface and settings sent")

	return c, nil
}

// Run drives the connection until ctx is canceled, the transport
// fails, or a connection error occurs. It returns nil on clean
// shutdown (ctx canceled or peer draining with GOAWAY NO_ERROR).
func (c *Conn) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return c.closeTransport()
	})
	g.Go(func() error {
		defer cancel()
		return c.readLoop(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return c.writeLoop(ctx)
	})

	err := g.Wait()
	c.teardown(err)

	if isFatal(err) {
		return err
	}
	if parent.Err() != nil || c.draining() || c.localClose.Load() {
		// Local shutdown or the peer's graceful drain.
		return nil
	}
	return err
}

func isFatal(err error) bool {
	var ce *ConnectionError
	var ga GoAwayError
	return errors.As(err, &ce) || errors.As(err, &ga)
}

// Done is closed once the connection is finished.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Ping sends a PING and waits for the matching ACK, returning the
// round-trip time.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	var data [8]byte
	ch := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrConnectionClosed
	}
	c.pingCounter++
	binary.BigEndian.PutUint64(data[:], c.pingCounter)
	c.pings[data] = ch
	c.mu.Unlock()

	start := time.Now()
	if err := c.writePriorityFrame(&frame.Ping{Data: data}); err != nil {
		c.forgetPing(data)
		return 0, err
	}

	select {
	case <-ch:
		return time.Since(start), nil
	case <-c.done:
		return 0, ErrConnectionClosed
	case <-ctx.Done():
		c.forgetPing(data)
		return 0, ctx.Err()
	}
}

func (c *Conn) forgetPing(data [8]byte) {
	c.mu.Lock()
	delete(c.pings, data)
	c.mu.Unlock()
}

// Close sends a best-effort GOAWAY(NO_ERROR) and tears the connection
// down. Pending callers fail with ErrConnectionClosed.
func (c *Conn) Close() error {
	c.localClose.Store(true)
	err := c.writeGoAway(http2.ErrCodeNo, nil)
	c.teardown(nil)
	return multierr.Append(err, c.closeTransport())
}

// teardown cancels every open stream and releases all waiters. The
// first call wins; later calls are no-ops.
func (c *Conn) teardown(err error) {
	// Closing done first unblocks enqueues that may hold mu.
	c.doneOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, ch := range c.pings {
		close(ch)
	}
	c.pings = nil
	c.mu.Unlock()

	cause := err
	if cause == nil {
		cause = ErrConnectionClosed
	}

	c.sendWindow.Disable()
	c.limiter.Close()
	c.streams.Each(func(st *stream.Stream) {
		st.CloseWithError(cause)
	})
	_ = c.closeTransport()

	c.log.Debug("connection torn down", zap.Error(err))
}

func (c *Conn) closeTransport() error {
	c.transportCloseOnce.Do(func() {
		c.transportCloseErr = c.transport.Close()
	})
	return c.transportCloseErr
}

// removeStream drops a terminal stream from the collection and frees
// its concurrency slot. Idempotent per id.
func (c *Conn) removeStream(id uint32) {
	if st := c.streams.GetAndDelete(id); st != nil {
		c.limiter.Release()
	}
}

func (c *Conn) peerMaxFrameSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.peer.maxFrameSize)
}
