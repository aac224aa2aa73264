package streams

import "sync"

// Limiter gates new streams on the peer's
// SETTINGS_MAX_CONCURRENT_STREAMS.
type Limiter struct {
	cond   *sync.Cond
	quota  uint32
	inUse  uint32
	closed bool
}

// NewLimiter starts with quota slots; 0 means unlimited until the
// peer's SETTINGS says otherwise.
func NewLimiter(quota uint32) *Limiter {
	return &Limiter{cond: sync.NewCond(&sync.Mutex{}), quota: quota}
}

// Acquire blocks until a slot is free. Returns false once the limiter
// is closed.
func (l *Limiter) Acquire() bool {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()

	for !l.closed && l.quota != 0 && l.inUse >= l.quota {
		l.cond.Wait()
	}
	if l.closed {
		return false
	}
	l.inUse++
	return true
}

func (l *Limiter) Release() {
	l.cond.L.Lock()
	defer l.cond.Signal()
	defer l.cond.L.Unlock()

	l.inUse--
}

// SetQuota applies a SETTINGS update; 0 lifts the limit.
func (l *Limiter) SetQuota(quota uint32) {
	l.cond.L.Lock()
	defer l.cond.Broadcast()
	defer l.cond.L.Unlock()

	l.quota = quota
}

// Close releases all waiters for connection teardown.
func (l *Limiter) Close() {
	l.cond.L.Lock()
	defer l.cond.Broadcast()
	defer l.cond.L.Unlock()

	l.closed = true
}

func (l *Limiter) InUse() uint32 {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	return l.inUse
}
