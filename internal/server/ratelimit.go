package server

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sourceLimiter throttles accepted connections per source IP, evicting
// idle entries so long-running servers don't accumulate one limiter per
// address seen since startup.
type sourceLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

const limiterIdleTTL = 10 * time.Minute

func newSourceLimiter(connectionsPerSecond float64, burst int) *sourceLimiter {
	return &sourceLimiter{
		rps:     rate.Limit(connectionsPerSecond),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

// allow reports whether a new connection from addr may proceed, creating
// its limiter on first sight.
func (l *sourceLimiter) allow(addr net.Addr) bool {
	host := hostOf(addr)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictLocked()

	e, ok := l.entries[host]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[host] = e
	}
	e.seen = time.Now()
	return e.limiter.Allow()
}

func (l *sourceLimiter) evictLocked() {
	cutoff := time.Now().Add(-limiterIdleTTL)
	for host, e := range l.entries {
		if e.seen.Before(cutoff) {
			delete(l.entries, host)
		}
	}
}

func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
