package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	assert.NotNil(t, New())
}

func TestRealAfterFuncStop(t *testing.T) {
	timer := New().AfterFunc(time.Hour, func() {})
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
}

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"a"}, fired)
	assert.Equal(t, start.Add(1500*time.Millisecond), c.Now())

	c.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeStopPreventsCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	assert.True(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.False(t, called)
	assert.False(t, timer.Stop())
}

func TestFakeCallbackMayScheduleTimer(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var reschedule func()
	reschedule = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, reschedule)
		}
	}
	c.AfterFunc(time.Second, reschedule)

	c.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}
