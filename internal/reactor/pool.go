// Package reactor implements a fixed pool of reactors that sessions are
// pinned to for their entire lifetime.
//
// Go's goroutine scheduler already gives every goroutine its own
// completion-driven suspension points (every blocking call is a
// suspension point multiplexed onto a small OS thread pool by the
// runtime). A Session is pinned to a Reactor not by routing its I/O
// through a callback queue but by running as one dedicated goroutine
// tagged with that Reactor's identity for the whole session lifetime:
// one goroutine is already exclusive, sequential execution, so no
// additional queue is needed to get the same guarantee.
package reactor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/socks5d/socks5d/internal/recovery"
)

// Reactor is one event loop identity. A Session pinned to a Reactor runs
// its entire lifetime as goroutines tagged with that Reactor's ID, so logs
// and metrics can attribute work to it, even though the underlying
// execution is ordinary Go-scheduled goroutines.
type Reactor struct {
	id int
}

// ID returns the reactor's index in its Pool, in [0, pool size).
func (r *Reactor) ID() int { return r.id }

// Pool owns a fixed-size set of Reactors and round-robins Acquire calls
// across them.
type Pool struct {
	reactors []*Reactor
	next     atomic.Uint64

	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates a Pool of n reactors. n is clamped to at least 1. A nil
// logger discards the panic reports of Go.
func NewPool(n int, logger *slog.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reactors := make([]*Reactor, n)
	for i := range reactors {
		reactors[i] = &Reactor{id: i}
	}
	return &Pool{
		reactors: reactors,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Size returns the number of reactors in the pool.
func (p *Pool) Size() int { return len(p.reactors) }

// Acquire hands out a Reactor in strict round-robin order. Never fails.
func (p *Pool) Acquire() *Reactor {
	idx := p.next.Add(1) - 1
	return p.reactors[idx%uint64(len(p.reactors))]
}

// Run marks the pool active and blocks until ctx is cancelled or Stop is
// called. Go goroutines need no explicit keep-alive handle, so the work
// guard equivalent here is simply "the pool is marked running".
func (p *Pool) Run(ctx context.Context) {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-p.stopCh:
	}

	p.Stop()
}

// Go runs fn as a goroutine logically owned by reactor r, tracked so Stop
// can wait for it to finish. Panics are recovered and logged, never
// crashing the pool. Go is a no-op once the pool has stopped: no new work
// is scheduled after Stop is called. The stopped-check and wg.Add are done
// under p.mu, the same lock Stop holds across closing stopCh, so a Go call
// either completes entirely before Stop closes stopCh (and is waited for)
// or entirely after (and is a no-op) — wg.Add is never racing wg.Wait.
func (p *Pool) Go(r *Reactor, name string, fn func()) {
	p.mu.Lock()
	select {
	case <-p.stopCh:
		p.mu.Unlock()
		return
	default:
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer recovery.RecoverWithLog(p.logger, name)
		fn()
	}()
}

// Stop idempotently stops the pool: no new work is accepted after it
// returns, and in-flight goroutines are joined before it returns.
func (p *Pool) Stop() {
	p.mu.Lock()
	select {
	case <-p.stopCh:
		p.mu.Unlock()
		p.wg.Wait()
		return
	default:
		close(p.stopCh)
	}
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}
