// Package monitor samples buffered-ahead seconds and dropped frames from the playback
// surface on a fixed period and classifies the stream as healthy or degraded.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"kptv-zap/work/logger"
	"kptv-zap/work/metrics"
	"kptv-zap/work/scheduler"
)

// Surface is what the monitor reads from the backend.
type Surface interface {
	BufferedEnd() (float64, error)
	Position() float64
	DroppedFrames() int
}

// Reading is one measurement.
type Reading struct {
	Health   float64 `json:"bufferHealthSeconds"`
	Dropped  int     `json:"droppedFrames"`
	Degraded bool    `json:"degraded"`
}

// Monitor is the buffer health loop. Start is idempotent; Stop cancels the loop.
type Monitor struct {
	sched     scheduler.Scheduler
	surface   Surface
	interval  time.Duration
	threshold float64
	log       *logger.Logger

	running atomic.Bool

	mu       sync.RWMutex
	task     scheduler.Task
	last     Reading
	listener func(Reading)
}

// New creates a stopped monitor. threshold is the health in seconds under which the
// stream counts as degraded.
func New(sched scheduler.Scheduler, surface Surface, interval time.Duration, threshold float64, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if log == nil {
		log = logger.WithComponent("monitor", "info")
	}
	return &Monitor{
		sched:     sched,
		surface:   surface,
		interval:  interval,
		threshold: threshold,
		log:       log,
	}
}

// OnReading registers a callback run after every sample, outside the monitor's lock.
func (m *Monitor) OnReading(fn func(Reading)) {
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
}

// Start begins sampling. A second Start while running does nothing.
func (m *Monitor) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	task := m.sched.Every(m.interval, func() { m.Sample() })
	m.mu.Lock()
	m.task = task
	m.mu.Unlock()
	m.log.Debug("{monitor/monitor - Start} sampling every %v", m.interval)
}

// Stop cancels sampling.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.mu.Lock()
	task := m.task
	m.task = nil
	m.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Sample takes one measurement. A surface without a buffered range reads as 0 seconds.
func (m *Monitor) Sample() Reading {
	health := 0.0
	if end, err := m.surface.BufferedEnd(); err == nil {
		health = end - m.surface.Position()
		if health < 0 {
			health = 0
		}
	}
	r := Reading{
		Health:   health,
		Dropped:  m.surface.DroppedFrames(),
		Degraded: health < m.threshold,
	}

	m.mu.Lock()
	m.last = r
	fn := m.listener
	m.mu.Unlock()

	metrics.BufferHealth.Set(r.Health)
	metrics.DroppedFrames.Set(float64(r.Dropped))
	if fn != nil {
		fn(r)
	}
	return r
}

// Last returns the most recent reading.
func (m *Monitor) Last() Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Health is the most recent buffered-ahead seconds.
func (m *Monitor) Health() float64 {
	return m.Last().Health
}
