package session

import (
	"sync"
	"time"
)

// watchdog forces a session stop when a return channel goes silent. It is
// reset on every inbound packet and expires after the negotiated interval
// times the configured multiplier.
type watchdog struct {
	timeout time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newWatchdog(timeout time.Duration, onExpire func()) *watchdog {
	w := &watchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, onExpire)
	return w
}

// Reset re-arms the watchdog. No-op after Stop.
func (w *watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timer.Reset(w.timeout)
}

// Stop cancels the watchdog. Idempotent.
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.timer.Stop()
}
