package epoch

import (
	"sync"
	"time"
)

// DefaultInterval is the Filecoin block time.
const DefaultInterval = 30 * time.Second

// TimeSource provides wall-clock time. Tests substitute a fake.
type TimeSource interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }

// SystemTime is the real wall clock.
var SystemTime TimeSource = systemTime{}

// Clock is a local epoch counter. Once calibrated to the node's height it
// advances by exactly one per interval of wall-clock time and is never
// re-synchronized with the chain, so it keeps counting through node outages.
type Clock struct {
	mu           sync.RWMutex
	interval     time.Duration
	src          TimeSource
	base         int64
	calibratedAt time.Time
	calibrated   bool
}

// NewClock creates an uncalibrated clock. A nil source uses SystemTime and a
// non-positive interval uses DefaultInterval.
func NewClock(interval time.Duration, src TimeSource) *Clock {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if src == nil {
		src = SystemTime
	}
	return &Clock{interval: interval, src: src}
}

// Calibrate adopts epoch as the counter value at the current instant.
func (c *Clock) Calibrate(epoch int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = epoch
	c.calibratedAt = c.src.Now()
	c.calibrated = true
}

// Calibrated reports whether Calibrate has been called.
func (c *Clock) Calibrated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calibrated
}

// Interval returns the epoch duration.
func (c *Clock) Interval() time.Duration { return c.interval }

// Now returns the current local epoch.
func (c *Clock) Now() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base + int64(c.elapsed()/c.interval)
}

// UntilNextBoundary returns how long until the counter next advances.
func (c *Clock) UntilNextBoundary() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval - c.elapsed()%c.interval
}

// elapsed must be called with mu held. Wall-clock steps backwards are
// treated as no elapsed time so the epoch never decreases below base.
func (c *Clock) elapsed() time.Duration {
	if !c.calibrated {
		return 0
	}
	e := c.src.Now().Sub(c.calibratedAt)
	if e < 0 {
		return 0
	}
	return e
}
