package conn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	xhpack "golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"

	"h2cli/hpack"
	"h2cli/stream"
)

// testServer scripts the peer side of a connection over net.Pipe,
// using the x/net framer as the wire oracle.
type testServer struct {
	t    *testing.T
	conn net.Conn
	fr   *http2.Framer
	hbuf bytes.Buffer
	enc  *xhpack.Encoder
}

func startConn(t *testing.T) (*Conn, *testServer) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})

	log := zaptest.NewLogger(t)

	type result struct {
		cn  *Conn
		err error
	}
	connCh := make(chan result, 1)
	go func() {
		cn, err := New(clientConn, log, DefaultConfig())
		connCh <- result{cn, err}
	}()

	srv := &testServer{t: t, conn: serverConn}
	srv.fr = http2.NewFramer(serverConn, serverConn)
	srv.fr.ReadMetaHeaders = xhpack.NewDecoder(4096, nil)
	srv.enc = xhpack.NewEncoder(&srv.hbuf)

	preface := make([]byte, len(http2.ClientPreface))
	_, err := io.ReadFull(serverConn, preface)
	require.NoError(t, err)
	require.Equal(t, http2.ClientPreface, string(preface))

	f, err := srv.fr.ReadFrame()
	require.NoError(t, err)
	settings, ok := f.(*http2.SettingsFrame)
	require.True(t, ok, "first frame after preface must be SETTINGS, got %T", f)
	require.False(t, settings.IsAck())

	res := <-connCh
	require.NoError(t, res.err)
	return res.cn, srv
}

// handshake finishes the SETTINGS exchange from the server side.
func (s *testServer) handshake(extra ...http2.Setting) {
	s.t.Helper()
	require.NoError(s.t, s.fr.WriteSettings(extra...))
	require.NoError(s.t, s.fr.WriteSettingsAck())
}

// read returns the next frame, skipping the client's SETTINGS ack and
// WINDOW_UPDATE upkeep which arrive at times the script cannot pin.
func (s *testServer) read() http2.Frame {
	s.t.Helper()
	for {
		f, err := s.fr.ReadFrame()
		require.NoError(s.t, err)
		switch f := f.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			return f
		case *http2.WindowUpdateFrame:
			continue
		default:
			return f
		}
	}
}

func (s *testServer) headerBlock(fields ...xhpack.HeaderField) []byte {
	s.t.Helper()
	s.hbuf.Reset()
	for _, f := range fields {
		require.NoError(s.t, s.enc.WriteField(f))
	}
	return append([]byte(nil), s.hbuf.Bytes()...)
}

func run(t *testing.T, cn *Conn) (*errgroup.Group, context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cn.Run(ctx) })
	return g, ctx, cancel
}

func TestE2ERequestResponse(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, ctx, cancel := run(t, cn)
	defer cancel()

	srv.handshake()

	st, err := cn.OpenStream([]hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}, true)
	require.NoError(t, err)
	a.Equal(uint32(1), st.ID())

	req := srv.read().(*http2.MetaHeadersFrame)
	a.Equal(uint32(1), req.StreamID)
	a.True(req.StreamEnded())
	a.Equal("GET", req.PseudoValue("method"))
	a.Equal("/", req.PseudoValue("path"))
	a.Equal("example.com", req.PseudoValue("authority"))

	require.NoError(t, srv.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID: 1,
		BlockFragment: srv.headerBlock(
			xhpack.HeaderField{Name: ":status", Value: "200"},
			xhpack.HeaderField{Name: "content-type", Value: "text/plain"},
		),
		EndHeaders: true,
	}))
	require.NoError(t, srv.fr.WriteData(1, false, []byte("hello ")))
	require.NoError(t, srv.fr.WriteData(1, true, []byte("world")))

	headers, err := st.ReadHeaders(ctx)
	require.NoError(t, err)
	a.Equal([]hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/plain"},
	}, headers)

	var body []byte
	for {
		b, err := st.ReadData(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body = append(body, b...)
	}
	a.Equal("hello world", string(body))

	cancel()
	a.NoError(g.Wait())
}

func TestE2ETrailers(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, ctx, cancel := run(t, cn)
	defer cancel()

	srv.handshake()

	st, err := cn.OpenStream([]hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/api"},
		{Name: ":authority", Value: "example.com"},
		{Name: "te", Value: "trailers"},
	}, true)
	require.NoError(t, err)

	srv.read() // request headers

	require.NoError(t, srv.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      st.ID(),
		BlockFragment: srv.headerBlock(xhpack.HeaderField{Name: ":status", Value: "200"}),
		EndHeaders:    true,
	}))
	require.NoError(t, srv.fr.WriteData(st.ID(), false, []byte("payload")))
	require.NoError(t, srv.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      st.ID(),
		BlockFragment: srv.headerBlock(xhpack.HeaderField{Name: "grpc-status", Value: "0"}),
		EndHeaders:    true,
		EndStream:     true,
	}))

	headers, err := st.ReadHeaders(ctx)
	require.NoError(t, err)
	a.Equal("200", headers[0].Value)

	b, err := st.ReadData(ctx)
	require.NoError(t, err)
	a.Equal("payload", string(b))

	trailers, err := st.ReadHeaders(ctx)
	require.NoError(t, err)
	a.Equal([]hpack.HeaderField{{Name: "grpc-status", Value: "0"}}, trailers)

	_, err = st.ReadData(ctx)
	a.ErrorIs(err, io.EOF)

	cancel()
	a.NoError(g.Wait())
}

func TestE2ELargeUploadFlowControl(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, ctx, cancel := run(t, cn)
	defer cancel()

	srv.handshake()

	// 70000 exceeds the 65535 default windows: progress requires the
	// WINDOW_UPDATEs the server hands out below.
	body := bytes.Repeat([]byte("x"), 70000)

	st, err := cn.OpenStream([]hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/upload"},
		{Name: ":authority", Value: "example.com"},
	}, false)
	require.NoError(t, err)

	sendDone := make(chan error, 1)
	go func() { sendDone <- st.SendData(body, true) }()

	var got []byte
	for {
		f := srv.read()
		if f, ok := f.(*http2.MetaHeadersFrame); ok {
			a.False(f.StreamEnded())
			continue
		}
		data := f.(*http2.DataFrame)
		got = append(got, data.Data()...)
		require.NoError(t, srv.fr.WriteWindowUpdate(0, uint32(len(data.Data()))))
		require.NoError(t, srv.fr.WriteWindowUpdate(data.StreamID, uint32(len(data.Data()))))
		if data.StreamEnded() {
			break
		}
	}
	a.Equal(body, got)
	require.NoError(t, <-sendDone)

	require.NoError(t, srv.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      st.ID(),
		BlockFragment: srv.headerBlock(xhpack.HeaderField{Name: ":status", Value: "201"}),
		EndHeaders:    true,
		EndStream:     true,
	}))
	headers, err := st.ReadHeaders(ctx)
	require.NoError(t, err)
	a.Equal("201", headers[0].Value)

	cancel()
	a.NoError(g.Wait())
}

func TestE2EDownloadReplenishesWindows(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, ctx, cancel := run(t, cn)
	defer cancel()

	srv.handshake()

	st, err := cn.OpenStream([]hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/big"},
		{Name: ":authority", Value: "example.com"},
	}, true)
	require.NoError(t, err)
	srv.read()

	require.NoError(t, srv.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      st.ID(),
		BlockFragment: srv.headerBlock(xhpack.HeaderField{Name: ":status", Value: "200"}),
		EndHeaders:    true,
	}))

	// Reading frames without skipping so the replenishment is visible.
	// 40000 octets crosses the quarter-window threshold.
	chunk := bytes.Repeat([]byte("y"), 10000)
	recvDone := make(chan int, 1)
	go func() {
		var total int
		for {
			b, err := st.ReadData(ctx)
			if err != nil {
				recvDone <- total
				return
			}
			total += len(b)
		}
	}()

	for i := 0; i < 4; i++ {
		require.NoError(t, srv.fr.WriteData(st.ID(), false, chunk))
	}

	// 40000 octets crossed the quarter-window threshold on both
	// levels, so replenishment must arrive without the app having
	// acknowledged anything. Every consumed octet comes back: once
	// the increments sum to the transfer size, both windows stand at
	// their pre-transfer values again.
	var connInc, streamInc uint32
	for connInc < 40000 || streamInc < 40000 {
		f, err := srv.fr.ReadFrame()
		require.NoError(t, err)
		wu, ok := f.(*http2.WindowUpdateFrame)
		if !ok {
			continue
		}
		if wu.StreamID == 0 {
			connInc += wu.Increment
		} else {
			streamInc += wu.Increment
		}
	}
	a.Equal(uint32(40000), connInc)
	a.Equal(uint32(40000), streamInc)

	require.NoError(t, srv.fr.WriteData(st.ID(), true, nil))
	a.Equal(40000, <-recvDone)

	cancel()
	a.NoError(g.Wait())
}

func TestE2EPing(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, ctx, cancel := run(t, cn)
	defer cancel()

	srv.handshake()

	// Server-initiated PING is echoed with ack.
	data := [8]byte{1, 3, 3, 7, 0, 0, 0, 1}
	require.NoError(t, srv.fr.WritePing(false, data))
	echo := srv.read().(*http2.PingFrame)
	a.True(echo.IsAck())
	a.Equal(data, echo.Data)

	// Client-initiated PING measures a round trip.
	rttDone := make(chan struct{})
	go func() {
		defer close(rttDone)
		rtt, err := cn.Ping(ctx)
		a.NoError(err)
		a.Greater(rtt, time.Duration(0))
	}()
	ping := srv.read().(*http2.PingFrame)
	a.False(ping.IsAck())
	require.NoError(t, srv.fr.WritePing(true, ping.Data))
	<-rttDone

	cancel()
	a.NoError(g.Wait())
}

func TestE2EInterleavedHeaderBlockIsFatal(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, _, cancel := run(t, cn)
	defer cancel()

	srv.handshake()

	st, err := cn.OpenStream([]hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.com"},
	}, true)
	require.NoError(t, err)
	srv.read()

	// HEADERS without END_HEADERS followed by PING: the header block
	// must be contiguous, anything else kills the connection.
	require.NoError(t, srv.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      st.ID(),
		BlockFragment: srv.headerBlock(xhpack.HeaderField{Name: ":status", Value: "200"}),
		EndHeaders:    false,
	}))
	require.NoError(t, srv.fr.WritePing(false, [8]byte{}))

	goaway := srv.read().(*http2.GoAwayFrame)
	a.Equal(http2.ErrCodeProtocol, goaway.ErrCode)

	err = g.Wait()
	var ce *ConnectionError
	a.ErrorAs(err, &ce)
	a.Equal(http2.ErrCodeProtocol, ce.Code)

	// The open stream fails with the connection.
	<-st.Done()
	a.Error(st.Err())
}

func TestE2EGoAwayWithError(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, ctx, cancel := run(t, cn)
	defer cancel()

	srv.handshake()

	st, err := cn.OpenStream([]hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.com"},
	}, true)
	require.NoError(t, err)
	srv.read()

	require.NoError(t, srv.fr.WriteGoAway(0, http2.ErrCodeEnhanceYourCalm, []byte("later")))

	err = g.Wait()
	var ga GoAwayError
	require.ErrorAs(t, err, &ga)
	a.Equal(http2.ErrCodeEnhanceYourCalm, ga.Code)
	a.Equal([]byte("later"), ga.DebugData)

	_, err = st.ReadHeaders(ctx)
	a.Error(err)
}

func TestE2EGracefulGoAwayFailsUnprocessedStreams(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, _, cancel := run(t, cn)
	defer cancel()

	srv.handshake()

	fields := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.com"},
	}
	first, err := cn.OpenStream(fields, true)
	require.NoError(t, err)
	second, err := cn.OpenStream(fields, true)
	require.NoError(t, err)
	srv.read()
	srv.read()

	// Only the first stream was processed.
	require.NoError(t, srv.fr.WriteGoAway(first.ID(), http2.ErrCodeNo, nil))

	<-second.Done()
	a.ErrorIs(second.Err(), ErrGoAwayReceived)

	// New streams are refused while the first one still works.
	_, err = cn.OpenStream(fields, true)
	a.ErrorIs(err, ErrGoAwayReceived)

	require.NoError(t, srv.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      first.ID(),
		BlockFragment: srv.headerBlock(xhpack.HeaderField{Name: ":status", Value: "204"}),
		EndHeaders:    true,
		EndStream:     true,
	}))
	headers, err := first.ReadHeaders(context.Background())
	require.NoError(t, err)
	a.Equal("204", headers[0].Value)

	cancel()
	a.NoError(g.Wait())
}

func TestE2EPeerRST(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, ctx, cancel := run(t, cn)
	defer cancel()

	srv.handshake()

	st, err := cn.OpenStream([]hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.com"},
	}, true)
	require.NoError(t, err)
	srv.read()

	require.NoError(t, srv.fr.WriteRSTStream(st.ID(), http2.ErrCodeRefusedStream))

	_, err = st.ReadHeaders(ctx)
	var re stream.ResetError
	require.ErrorAs(t, err, &re)
	a.Equal(http2.ErrCodeRefusedStream, re.Code)

	cancel()
	a.NoError(g.Wait())
}

func TestE2ELocalCancelSendsRST(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, _, cancel := run(t, cn)
	defer cancel()

	srv.handshake()

	st, err := cn.OpenStream([]hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/slow"},
		{Name: ":authority", Value: "example.com"},
	}, true)
	require.NoError(t, err)
	srv.read()

	require.NoError(t, st.Close())

	rst := srv.read().(*http2.RSTStreamFrame)
	a.Equal(st.ID(), rst.StreamID)
	a.Equal(http2.ErrCodeCancel, rst.ErrCode)

	cancel()
	a.NoError(g.Wait())
}

func TestE2EDataOnClosedStreamGetsRST(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, ctx, cancel := run(t, cn)
	defer cancel()

	srv.handshake()

	st, err := cn.OpenStream([]hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.com"},
	}, true)
	require.NoError(t, err)
	srv.read()

	require.NoError(t, srv.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      st.ID(),
		BlockFragment: srv.headerBlock(xhpack.HeaderField{Name: ":status", Value: "204"}),
		EndHeaders:    true,
		EndStream:     true,
	}))
	_, err = st.ReadHeaders(ctx)
	require.NoError(t, err)

	// The exchange finished on both sides. Late DATA is still paid
	// for by the connection window and answered with RST so the peer
	// stops sending.
	require.NoError(t, srv.fr.WriteData(st.ID(), false, []byte("stale")))

	rst := srv.read().(*http2.RSTStreamFrame)
	a.Equal(st.ID(), rst.StreamID)
	a.Equal(http2.ErrCodeStreamClosed, rst.ErrCode)

	cancel()
	a.NoError(g.Wait())
}

func TestE2EPeerSettingsApplied(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, ctx, cancel := run(t, cn)
	defer cancel()

	// Peer grants tiny stream windows: the upload must be paced by
	// the WINDOW_UPDATEs below even though the connection window is
	// wide open.
	srv.handshake(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 16})

	// A PING round trip pins down that the SETTINGS above was
	// processed before the stream opens.
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		_, err := cn.Ping(ctx)
		a.NoError(err)
	}()
	ping := srv.read().(*http2.PingFrame)
	require.NoError(t, srv.fr.WritePing(true, ping.Data))
	<-pingDone

	st, err := cn.OpenStream([]hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/drip"},
		{Name: ":authority", Value: "example.com"},
	}, false)
	require.NoError(t, err)

	sendDone := make(chan error, 1)
	go func() { sendDone <- st.SendData([]byte("0123456789abcdef0123456789abcdef"), true) }()

	var got []byte
	for {
		f := srv.read()
		if _, ok := f.(*http2.MetaHeadersFrame); ok {
			continue
		}
		data := f.(*http2.DataFrame)
		a.LessOrEqual(len(data.Data()), 16)
		got = append(got, data.Data()...)
		if data.StreamEnded() {
			break
		}
		require.NoError(t, srv.fr.WriteWindowUpdate(data.StreamID, uint32(len(data.Data()))))
	}
	a.Equal("0123456789abcdef0123456789abcdef", string(got))
	require.NoError(t, <-sendDone)

	require.NoError(t, srv.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      st.ID(),
		BlockFragment: srv.headerBlock(xhpack.HeaderField{Name: ":status", Value: "200"}),
		EndHeaders:    true,
		EndStream:     true,
	}))
	_, err = st.ReadHeaders(ctx)
	require.NoError(t, err)

	cancel()
	a.NoError(g.Wait())
}

func TestE2EContinuationReassembly(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cn, srv := startConn(t)
	g, ctx, cancel := run(t, cn)
	defer cancel()

	srv.handshake()

	st, err := cn.OpenStream([]hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.com"},
	}, true)
	require.NoError(t, err)
	srv.read()

	block := srv.headerBlock(
		xhpack.HeaderField{Name: ":status", Value: "200"},
		xhpack.HeaderField{Name: "x-long", Value: "the block splits across frames"},
	)
	split := len(block) / 2
	require.NoError(t, srv.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      st.ID(),
		BlockFragment: block[:split],
		EndHeaders:    false,
		EndStream:     true,
	}))
	require.NoError(t, srv.fr.WriteContinuation(st.ID(), true, block[split:]))

	headers, err := st.ReadHeaders(ctx)
	require.NoError(t, err)
	a.Equal([]hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "x-long", Value: "the block splits across frames"},
	}, headers)

	_, err = st.ReadData(ctx)
	a.ErrorIs(err, io.EOF)

	cancel()
	a.NoError(g.Wait())
}
