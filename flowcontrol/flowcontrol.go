// Package flowcontrol implements the two-level credit system of
// RFC 7540 §5.2: a SendWindow consumed before DATA leaves, and a
// RecvWindow accounting for arriving DATA and deciding when to
// replenish the peer via WINDOW_UPDATE.
//
// Every stream owns one of each; the connection owns another pair.
// Sending costs both the stream's and the connection's send windows.
package flowcontrol

import (
	"errors"
	"sync"
)

const maxWindow = 1<<31 - 1

var (
	// ErrInvalidIncrement marks a WINDOW_UPDATE increment of zero.
	ErrInvalidIncrement = errors.New("flowcontrol: window increment of 0")
	// ErrWindowOverflow marks a window driven past 2^31-1.
	ErrWindowOverflow = errors.New("flowcontrol: window exceeds 2^31-1")
	// ErrWindowExceeded marks the peer sending more than the receive
	// window allowed.
	ErrWindowExceeded = errors.New("flowcontrol: receive window exceeded")
)

// SendWindow is the sender-side credit. Wait blocks until the credit
// covers a payload; Add applies peer WINDOW_UPDATEs. The window is
// signed: a SETTINGS_INITIAL_WINDOW_SIZE decrease applies
// retroactively to in-flight credit and may drive it negative.
type SendWindow struct {
	cond  *sync.Cond
	avail int64
	ok    bool
}

func NewSendWindow(initial int64) *SendWindow {
	return &SendWindow{
		cond:  sync.NewCond(&sync.Mutex{}),
		avail: initial,
		ok:    true,
	}
}

// Wait blocks until n octets of credit are available, then takes them.
// Returns false once the window is disabled; no credit is taken then.
func (w *SendWindow) Wait(n uint32) bool {
	if n == 0 {
		return true
	}
	cond := w.cond

	cond.L.Lock()
	defer cond.L.Unlock()

	for int64(n) > w.avail && w.ok {
		cond.Wait()
	}
	if !w.ok {
		return false
	}
	w.avail -= int64(n)
	return true
}

// WaitSome blocks until any credit is available, then takes up to max
// of it and reports how much. Returns 0, false once the window is
// disabled. Callers chunking a large payload use this against the
// stream window so a small peer window cannot stall them forever.
func (w *SendWindow) WaitSome(max uint32) (uint32, bool) {
	if max == 0 {
		return 0, true
	}
	cond := w.cond

	cond.L.Lock()
	defer cond.L.Unlock()

	for w.avail <= 0 && w.ok {
		cond.Wait()
	}
	if !w.ok {
		return 0, false
	}
	n := w.avail
	if n > int64(max) {
		n = int64(max)
	}
	w.avail -= n
	return uint32(n), true
}

// Add applies a WINDOW_UPDATE increment.
func (w *SendWindow) Add(n uint32) error {
	if n == 0 {
		return ErrInvalidIncrement
	}

	w.cond.L.Lock()
	defer w.cond.L.Unlock()

	if w.avail+int64(n) > maxWindow {
		return ErrWindowOverflow
	}
	w.avail += int64(n)
	w.cond.Broadcast()
	return nil
}

// AdjustInitial shifts the window after the peer changes
// SETTINGS_INITIAL_WINDOW_SIZE. delta may be negative and may leave
// the window negative (RFC 7540 §6.9.2).
func (w *SendWindow) AdjustInitial(delta int64) {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()

	w.avail += delta
	if delta > 0 {
		w.cond.Broadcast()
	}
}

func (w *SendWindow) Available() int64 {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	return w.avail
}

// Disable releases all waiters; the stream or connection is done.
func (w *SendWindow) Disable() {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()

	w.ok = false
	w.cond.Broadcast()
}

// RecvWindow tracks the credit we granted the peer. Consume charges an
// arriving DATA payload; Replenish decides how much WINDOW_UPDATE to
// send back. Replenishment triggers once consumption crosses a quarter
// of the initial window, so the effective window never idles at zero
// while data keeps arriving.
type RecvWindow struct {
	mu      sync.Mutex
	initial int64
	avail   int64
}

func NewRecvWindow(initial int64) *RecvWindow {
	return &RecvWindow{initial: initial, avail: initial}
}

// Consume charges n octets (a DATA frame's full payload length,
// padding included) against the window.
func (w *RecvWindow) Consume(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if int64(n) > w.avail {
		return ErrWindowExceeded
	}
	w.avail -= int64(n)
	return nil
}

// Replenish returns the WINDOW_UPDATE increment to send now, or 0 to
// wait for more consumption.
func (w *RecvWindow) Replenish() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	consumed := w.initial - w.avail
	if consumed < w.initial/4 {
		return 0
	}
	w.avail = w.initial
	return uint32(consumed)
}

// SetInitial applies a local SETTINGS_INITIAL_WINDOW_SIZE change.
func (w *RecvWindow) SetInitial(initial int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.avail += initial - w.initial
	w.initial = initial
}

func (w *RecvWindow) Available() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.avail
}
