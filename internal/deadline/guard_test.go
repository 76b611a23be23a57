package deadline

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestGuard_FiresOnExpiry(t *testing.T) {
	var fired atomic.Bool
	g := New(20*time.Millisecond, func() { fired.Store(true) })
	g.Renew()

	time.Sleep(100 * time.Millisecond)

	if !fired.Load() {
		t.Error("guard did not fire after timeout elapsed")
	}
	if !g.Fired() {
		t.Error("Fired() = false, want true")
	}
}

func TestGuard_RenewPreventsExpiry(t *testing.T) {
	var fired atomic.Bool
	g := New(50*time.Millisecond, func() { fired.Store(true) })
	g.Renew()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(15 * time.Millisecond)
		g.Renew()
	}

	if fired.Load() {
		t.Error("guard fired despite continuous renewal")
	}
}

func TestGuard_CloseSuppressesFire(t *testing.T) {
	var fired atomic.Bool
	g := New(20*time.Millisecond, func() { fired.Store(true) })
	g.Renew()
	g.Close()

	time.Sleep(60 * time.Millisecond)

	if fired.Load() {
		t.Error("guard fired after Close")
	}
}

func TestGuard_RenewAfterCloseIsNoop(t *testing.T) {
	var fired atomic.Bool
	g := New(20*time.Millisecond, func() { fired.Store(true) })
	g.Close()
	g.Renew()

	time.Sleep(60 * time.Millisecond)

	if fired.Load() {
		t.Error("guard fired after renew-post-close")
	}
}

func TestGuard_ZeroTimeoutDisabled(t *testing.T) {
	var fired atomic.Bool
	g := New(0, func() { fired.Store(true) })
	g.Renew()

	time.Sleep(30 * time.Millisecond)

	if fired.Load() {
		t.Error("guard with zero timeout must never fire")
	}
}
