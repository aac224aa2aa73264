// Package stream implements the per-stream state machine of
// RFC 7540 §5.1 for a client. A Stream tracks its lifecycle state,
// carries the stream-level flow-control windows, and queues decoded
// headers and data for the caller.
//
// Streams hold no reference to their connection: the conn package owns
// the collection, looks streams up by id when dispatching, and removes
// them once they close.
package stream

import (
	"context"
	"io"
	"sync"

	"golang.org/x/net/http2"

	"h2cli/flowcontrol"
	"h2cli/hpack"
)

// State is a stream lifecycle state (RFC 7540 §5.1).
type State int

const (
	StateIdle State = iota
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReservedRemote:
		return "reserved (remote)"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed (local)"
	case StateHalfClosedRemote:
		return "half-closed (remote)"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Stream struct {
	id         uint32
	sendWindow *flowcontrol.SendWindow
	recvWindow *flowcontrol.RecvWindow

	mu       sync.Mutex
	state    State
	priority http2.PriorityParam
	err      error

	headersQ     [][]hpack.HeaderField
	headersReady chan struct{}
	dataQ        [][]byte
	dataReady    chan struct{}

	remoteDone     chan struct{}
	remoteDoneOnce sync.Once
	done           chan struct{}
	doneOnce       sync.Once
}

// New creates a stream in the idle state. sendInitial is the peer's
// SETTINGS_INITIAL_WINDOW_SIZE in effect at creation; recvInitial is
// our own advertisement.
func New(id uint32, sendInitial, recvInitial int64) *Stream {
	return &Stream{
		id:           id,
		sendWindow:   flowcontrol.NewSendWindow(sendInitial),
		recvWindow:   flowcontrol.NewRecvWindow(recvInitial),
		headersReady: make(chan struct{}, 1),
		dataReady:    make(chan struct{}, 1),
		remoteDone:   make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) SendWindow() *flowcontrol.SendWindow { return s.sendWindow }
func (s *Stream) RecvWindow() *flowcontrol.RecvWindow { return s.recvWindow }

func (s *Stream) SetPriority(p http2.PriorityParam) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priority = p
}

func (s *Stream) Priority() http2.PriorityParam {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// Done is closed once the stream failed or was torn down. Err reports
// why.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SendHeaders applies the local transition for a HEADERS frame about
// to be sent.
func (s *Stream) SendHeaders(endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		if endStream {
			s.state = StateHalfClosedLocal
		} else {
			s.state = StateOpen
		}
		return nil
	case StateOpen:
		// Trailers.
		if endStream {
			s.state = StateHalfClosedLocal
		}
		return nil
	case StateHalfClosedRemote:
		if endStream {
			s.state = StateClosed
		}
		return nil
	}
	return &Error{s.id, http2.ErrCodeStreamClosed, "HEADERS sent in state " + s.state.String()}
}

// SendData applies the local transition for a DATA frame about to be
// sent. Sending on a locally closed side is a caller bug, reported as
// an error rather than put on the wire.
func (s *Stream) SendData(endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateOpen:
		if endStream {
			s.state = StateHalfClosedLocal
		}
		return nil
	case StateHalfClosedRemote:
		if endStream {
			s.state = StateClosed
		}
		return nil
	}
	return &Error{s.id, http2.ErrCodeStreamClosed, "DATA sent in state " + s.state.String()}
}

// RecvHeaders delivers a decoded header block from the peer.
func (s *Stream) RecvHeaders(fields []hpack.HeaderField, endStream bool) error {
	s.mu.Lock()
	switch s.state {
	case StateOpen, StateHalfClosedLocal:
	case StateReservedRemote:
		s.state = StateHalfClosedLocal
	default:
		state := s.state
		s.mu.Unlock()
		return &Error{s.id, http2.ErrCodeStreamClosed, "HEADERS received in state " + state.String()}
	}
	if endStream {
		s.endRemoteLocked()
	}
	s.headersQ = append(s.headersQ, fields)
	s.mu.Unlock()

	signal(s.headersReady)
	return nil
}

// RecvData delivers a DATA payload from the peer. b must not be
// retained by the caller afterwards.
func (s *Stream) RecvData(b []byte, endStream bool) error {
	s.mu.Lock()
	switch s.state {
	case StateOpen, StateHalfClosedLocal:
	default:
		state := s.state
		s.mu.Unlock()
		return &Error{s.id, http2.ErrCodeStreamClosed, "DATA received in state " + state.String()}
	}
	if endStream {
		s.endRemoteLocked()
	}
	if len(b) > 0 {
		s.dataQ = append(s.dataQ, b)
	}
	s.mu.Unlock()

	signal(s.dataReady)
	return nil
}

// RecvRST applies a peer RST_STREAM.
func (s *Stream) RecvRST(code http2.ErrCode) {
	s.mu.Lock()
	s.state = StateClosed
	s.closeRemoteLocked()
	s.mu.Unlock()

	s.fail(ResetError{Code: code})
}

// SendRST applies a local RST_STREAM (cancellation). Flow-control
// waiters are released; buffered state is dropped with err.
func (s *Stream) SendRST(err error) {
	s.mu.Lock()
	s.state = StateClosed
	s.closeRemoteLocked()
	s.mu.Unlock()

	s.fail(err)
}

// CloseWithError tears the stream down on connection failure, GOAWAY
// or teardown. Safe to call multiple times; the first error wins.
func (s *Stream) CloseWithError(err error) {
	s.mu.Lock()
	s.state = StateClosed
	s.closeRemoteLocked()
	s.mu.Unlock()

	s.fail(err)
}

func (s *Stream) fail(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.sendWindow.Disable()
		close(s.done)
	})
}

// closeRemoteLocked marks the peer side done. Held data stays readable.
func (s *Stream) closeRemoteLocked() {
	s.remoteDoneOnce.Do(func() { close(s.remoteDone) })
}

// endRemoteLocked applies a peer END_STREAM: half-closed (remote) from
// open, closed once both sides are done.
func (s *Stream) endRemoteLocked() {
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.state = StateClosed
	}
	s.closeRemoteLocked()
}

// RemoteDone is closed once the peer half-closed or reset the stream.
func (s *Stream) RemoteDone() <-chan struct{} { return s.remoteDone }

// ReadHeaders blocks until the next header block (response headers,
// then possibly trailers) arrives. io.EOF after the peer finished the
// stream with no further blocks.
func (s *Stream) ReadHeaders(ctx context.Context) ([]hpack.HeaderField, error) {
	for {
		s.mu.Lock()
		if len(s.headersQ) > 0 {
			fields := s.headersQ[0]
			s.headersQ = s.headersQ[1:]
			s.mu.Unlock()
			return fields, nil
		}
		s.mu.Unlock()

		select {
		case <-s.headersReady:
			continue
		case <-s.done:
			return nil, s.Err()
		case <-s.remoteDone:
			// Drain race: a block may have landed right before the
			// close.
			s.mu.Lock()
			if len(s.headersQ) > 0 {
				fields := s.headersQ[0]
				s.headersQ = s.headersQ[1:]
				s.mu.Unlock()
				return fields, nil
			}
			s.mu.Unlock()
			if err := s.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReadData blocks until the next body chunk arrives. io.EOF once the
// peer ended the stream and all chunks were read.
func (s *Stream) ReadData(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.dataQ) > 0 {
			b := s.dataQ[0]
			s.dataQ = s.dataQ[1:]
			s.mu.Unlock()
			return b, nil
		}
		s.mu.Unlock()

		select {
		case <-s.dataReady:
			continue
		case <-s.done:
			return nil, s.Err()
		case <-s.remoteDone:
			s.mu.Lock()
			if len(s.dataQ) > 0 {
				b := s.dataQ[0]
				s.dataQ = s.dataQ[1:]
				s.mu.Unlock()
				return b, nil
			}
			s.mu.Unlock()
			if err := s.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
