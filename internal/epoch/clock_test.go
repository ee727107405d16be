package epoch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTime struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestClock_AdvancesOnePerInterval(t *testing.T) {
	t.Parallel()

	ft := &fakeTime{now: time.Unix(1_700_000_000, 0)}
	c := NewClock(30*time.Second, ft)
	c.Calibrate(3_000_000)
	assert.True(t, c.Calibrated())
	assert.Equal(t, int64(3_000_000), c.Now())

	ft.Advance(29 * time.Second)
	assert.Equal(t, int64(3_000_000), c.Now())
	assert.Equal(t, time.Second, c.UntilNextBoundary())

	ft.Advance(time.Second)
	assert.Equal(t, int64(3_000_001), c.Now())
	assert.Equal(t, 30*time.Second, c.UntilNextBoundary())

	ft.Advance(10 * time.Minute)
	assert.Equal(t, int64(3_000_021), c.Now())
}

func TestClock_NeverMovesBackwards(t *testing.T) {
	t.Parallel()

	ft := &fakeTime{now: time.Unix(1_700_000_000, 0)}
	c := NewClock(30*time.Second, ft)
	c.Calibrate(100)

	ft.Advance(-5 * time.Minute)
	assert.Equal(t, int64(100), c.Now())
}

func TestClock_UncalibratedStaysAtZero(t *testing.T) {
	t.Parallel()

	ft := &fakeTime{now: time.Unix(1_700_000_000, 0)}
	c := NewClock(0, ft)
	assert.False(t, c.Calibrated())
	assert.Equal(t, DefaultInterval, c.Interval())

	ft.Advance(time.Hour)
	assert.Equal(t, int64(0), c.Now())
	assert.Equal(t, DefaultInterval, c.UntilNextBoundary())
}

func TestNewClock_DefaultsToSystemTime(t *testing.T) {
	t.Parallel()

	c := NewClock(time.Second, nil)
	c.Calibrate(5)
	assert.GreaterOrEqual(t, c.Now(), int64(5))
}
