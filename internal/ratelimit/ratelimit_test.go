package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a controllable time source for limiter tests.
type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestSlidingWindowAdmitsUpToLimit(t *testing.T) {
	c := newClock()
	l := NewSlidingWindow(3, 10*time.Minute)
	l.now = c.now

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(), "event %d should be admitted", i)
		l.Record()
	}
	assert.False(t, l.Allow())
	assert.Equal(t, 0, l.Remaining())
}

func TestSlidingWindowAllowDoesNotRecord(t *testing.T) {
	c := newClock()
	l := NewSlidingWindow(2, time.Minute)
	l.now = c.now

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow())
	}
	assert.Equal(t, 2, l.Remaining())
}

func TestSlidingWindowExpiresOldEvents(t *testing.T) {
	c := newClock()
	l := NewSlidingWindow(2, 10*time.Minute)
	l.now = c.now

	l.Record()
	l.Record()
	require.False(t, l.Allow())

	c.advance(10*time.Minute + time.Second)
	assert.True(t, l.Allow())
	assert.Equal(t, 2, l.Remaining())
}

func TestSlidingWindowPartialExpiry(t *testing.T) {
	c := newClock()
	l := NewSlidingWindow(2, 10*time.Minute)
	l.now = c.now

	l.Record()
	c.advance(6 * time.Minute)
	l.Record()
	require.False(t, l.Allow())

	// First event falls out of the window, second is still inside.
	c.advance(5 * time.Minute)
	assert.True(t, l.Allow())
	assert.Equal(t, 1, l.Remaining())
}

func TestBurstIntervalAdmitsBurst(t *testing.T) {
	c := newClock()
	l := NewBurstInterval(5, 2*time.Second)
	l.now = c.now

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(), "burst admission %d", i)
	}
	assert.False(t, l.Allow())
}

func TestBurstIntervalRecoversAfterInterval(t *testing.T) {
	c := newClock()
	l := NewBurstInterval(2, 2*time.Second)
	l.now = c.now

	require.True(t, l.Allow())
	require.True(t, l.Allow())
	require.False(t, l.Allow())

	c.advance(2 * time.Second)
	assert.True(t, l.Allow())
}

func TestBurstIntervalRecordsRejectionsNever(t *testing.T) {
	c := newClock()
	l := NewBurstInterval(1, 2*time.Second)
	l.now = c.now

	require.True(t, l.Allow())
	for i := 0; i < 5; i++ {
		require.False(t, l.Allow())
	}

	// Rejected attempts must not push the recovery point out.
	c.advance(2 * time.Second)
	assert.True(t, l.Allow())
}
