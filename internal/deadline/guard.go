// Package deadline implements a per-session idle timer: armed at "never"
// on creation, renewed on every forward-progress I/O completion, and
// forcing the session closed on expiry.
package deadline

import (
	"sync"
	"time"
)

// Guard is a per-session idle timer. The zero value is not usable; use New.
type Guard struct {
	timeout time.Duration
	onFire  func()

	mu        sync.Mutex
	timer     *time.Timer
	armed     bool
	fired     bool
	terminate bool
}

// New creates a Guard with the given idle timeout. A timeout of zero
// disables the guard entirely: Renew and Close are no-ops and onFire is
// never invoked. onFire is called at most once, from the guard's own
// internal timer goroutine, when the deadline expires without an
// intervening Renew or Close.
func New(timeout time.Duration, onFire func()) *Guard {
	return &Guard{timeout: timeout, onFire: onFire}
}

// Renew resets the expiry to now + timeout. Called on every successful I/O
// completion and state transition that performs I/O. A no-op after Close,
// and a no-op when timeout is zero.
func (g *Guard) Renew() {
	if g.timeout <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.terminate {
		return
	}

	if g.timer == nil {
		g.armed = true
		g.timer = time.AfterFunc(g.timeout, g.fire)
		return
	}
	g.timer.Reset(g.timeout)
}

func (g *Guard) fire() {
	g.mu.Lock()
	if g.terminate {
		g.mu.Unlock()
		return
	}
	g.fired = true
	g.terminate = true
	g.mu.Unlock()

	if g.onFire != nil {
		g.onFire()
	}
}

// Close cancels the timer. Renewal after Close is a no-op.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terminate = true
	if g.timer != nil {
		g.timer.Stop()
	}
}

// Fired reports whether the guard's timeout actually expired (as opposed
// to Close having been called first).
func (g *Guard) Fired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired
}
