package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeTimerFires(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	timer := fake.NewTimer(5 * time.Second)

	select {
	case <-timer.C():
		t.Fatal("timer fired before Advance")
	default:
	}

	fake.Advance(5 * time.Second)

	select {
	case at := <-timer.C():
		assert.Equal(t, start.Add(5*time.Second), at)
	default:
		t.Fatal("timer did not fire after Advance")
	}

	assert.Equal(t, start.Add(5*time.Second), fake.Now())
}

func TestFakeTimerStop(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	timer := fake.NewTimer(time.Second)
	require.True(t, timer.Stop())

	fake.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}

	// Stopping twice reports the timer was already stopped.
	assert.False(t, timer.Stop())
}

func TestFakeTickerRepeats(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Minute)
	defer ticker.Stop()

	fired := 0
	for i := 0; i < 3; i++ {
		fake.Advance(time.Minute)
		select {
		case <-ticker.C():
			fired++
		default:
		}
	}
	assert.Equal(t, 3, fired)
}

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))

	late := fake.NewTimer(10 * time.Second)
	early := fake.NewTimer(2 * time.Second)

	fake.Advance(15 * time.Second)

	earlyAt := <-early.C()
	lateAt := <-late.C()
	assert.True(t, earlyAt.Before(lateAt), "earlier deadline must fire first")
}

func TestRealClockNow(t *testing.T) {
	c := New()
	before := time.Now()
	now := c.Now()
	after := time.Now()
	assert.False(t, now.Before(before))
	assert.False(t, now.After(after))
}
