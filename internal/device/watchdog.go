package device

import (
	"sync"
	"time"
)

// DefaultWatchdogPeriod matches the longest hardware watchdog timeout.
const DefaultWatchdogPeriod = 8 * time.Second

// TimerWatchdog expires when Reset is not called within its period.
type TimerWatchdog struct {
	mu       sync.Mutex
	period   time.Duration
	deadline time.Time
	enabled  bool
	now      func() time.Time

	resets int
}

// NewTimerWatchdog returns a disabled watchdog with the given period.
func NewTimerWatchdog(period time.Duration) *TimerWatchdog {
	if period <= 0 {
		period = DefaultWatchdogPeriod
	}
	return &TimerWatchdog{period: period, now: time.Now}
}

func (w *TimerWatchdog) Enable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = true
	w.deadline = w.now().Add(w.period)
}

func (w *TimerWatchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline = w.now().Add(w.period)
	w.resets++
}

func (w *TimerWatchdog) Disable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = false
}

func (w *TimerWatchdog) Expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled && !w.now().Before(w.deadline)
}

// Kicks returns how many times the watchdog has been reset.
func (w *TimerWatchdog) Kicks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resets
}
