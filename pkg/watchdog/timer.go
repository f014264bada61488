package watchdog

import (
	"sync"

	"github.com/ycx81/safety-supervisor/pkg/clock"
)

// SoftTimer is a clock-driven stand-in for the hardware watchdog
// countdown. The supervisor polls Expired to detect a missed feed the
// way the hardware would detect it with a reset.
type SoftTimer struct {
	mu        sync.Mutex
	clk       clock.Clock
	timeoutMS uint32
	deadline  uint32
	armed     bool
	refreshes uint32
}

// NewSoftTimer creates a timer with the given countdown in milliseconds.
func NewSoftTimer(clk clock.Clock, timeoutMS uint32) *SoftTimer {
	return &SoftTimer{clk: clk, timeoutMS: timeoutMS}
}

// Refresh restarts the countdown. The first refresh arms the timer.
func (t *SoftTimer) Refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = t.clk.Now() + t.timeoutMS
	t.armed = true
	t.refreshes++
}

// Expired reports whether the countdown ran out since the last refresh.
// An unarmed timer never expires.
func (t *SoftTimer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return false
	}
	return int32(t.clk.Now()-t.deadline) > 0
}

// Remaining returns milliseconds until expiry, or zero once expired.
func (t *SoftTimer) Remaining() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return t.timeoutMS
	}
	now := t.clk.Now()
	if int32(now-t.deadline) >= 0 {
		return 0
	}
	return t.deadline - now
}

// Refreshes returns the number of refreshes since creation.
func (t *SoftTimer) Refreshes() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshes
}
