package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestManualEveryRunsOnEachInterval(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var ticks []time.Time
	m.Every(2*time.Second, func() { ticks = append(ticks, m.Now()) })

	m.Advance(7 * time.Second)

	assert.Len(t, ticks, 3)
	assert.Equal(t, time.Unix(2, 0), ticks[0])
	assert.Equal(t, time.Unix(6, 0), ticks[2])
	assert.Equal(t, time.Unix(7, 0), m.Now())
}

func TestManualAfterRunsOnceAndCancel(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var once, cancelled int
	m.After(time.Second, func() { once++ })
	task := m.After(time.Second, func() { cancelled++ })
	task.Cancel()

	m.Advance(5 * time.Second)

	assert.Equal(t, 1, once)
	assert.Equal(t, 0, cancelled)
	assert.Equal(t, 0, m.Pending())
}

func TestManualTaskCanScheduleDuringAdvance(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var order []string
	m.After(time.Second, func() {
		order = append(order, "first")
		m.After(time.Second, func() { order = append(order, "second") })
	})

	m.Advance(3 * time.Second)

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRealStopWaitsForTasks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := NewReal()
	var n atomic.Int32
	r.Every(5*time.Millisecond, func() { n.Add(1) })
	r.After(time.Hour, func() { n.Add(100) })

	assert.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, 5*time.Millisecond)
	r.Stop()
	assert.Less(t, n.Load(), int32(100))
}
