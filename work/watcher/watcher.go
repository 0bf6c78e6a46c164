package watcher

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"kptv-zap/work/logger"
	"kptv-zap/work/metrics"
	"kptv-zap/work/scheduler"
	"kptv-zap/work/types"

	"github.com/puzpuzpuz/xsync/v3"
)

// Surface is the read side of the playback backend the watchdog samples.
type Surface interface {
	Position() float64
	Paused() bool
	Ready() types.ReadyState
}

// Navigator is implemented by the controller: the watchdog asks it to replay the current
// channel or to move past a dead one.
type Navigator interface {
	CurrentIndex() int
	Replay(index int)
	AdvanceFrom(index int)
}

// Options tunes the watchdog.
type Options struct {
	StallCheckInterval  time.Duration // position sampling period
	StallsBeforeAdvance int           // consecutive stalls after which the channel is declared dead
	Cooldown            time.Duration // how long a dead channel stays quarantined
	Sweep               time.Duration // period of the dead-channel expiry sweep
}

// minProgress is the position change under which a sample counts as a stall.
const minProgress = 0.1

// Watchdog is the dead-channel watchdog. It sits above the failover state machine and
// observes playback position: a frozen position is replayed a few times before the channel
// is quarantined as dead and playback advances to the next live channel.
//
// Dead marks live in a concurrent map so the controller's preload planning can consult
// IsDead from any goroutine without going through the watchdog's own lock.
type Watchdog struct {
	opts    Options
	sched   scheduler.Scheduler
	surface Surface
	nav     Navigator
	log     *logger.Logger

	dead    *xsync.MapOf[int, time.Time]
	enabled atomic.Bool

	mu      sync.Mutex
	tasks   []scheduler.Task
	lastPos float64
	stalls  int
}

// New creates a stopped watchdog.
func New(opts Options, sched scheduler.Scheduler, surface Surface, nav Navigator, log *logger.Logger) *Watchdog {
	if opts.StallCheckInterval <= 0 {
		opts.StallCheckInterval = 8 * time.Second
	}
	if opts.StallsBeforeAdvance <= 0 {
		opts.StallsBeforeAdvance = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 60 * time.Second
	}
	if opts.Sweep <= 0 {
		opts.Sweep = 30 * time.Second
	}
	if log == nil {
		log = logger.WithComponent("watcher", "info")
	}
	return &Watchdog{
		opts:    opts,
		sched:   sched,
		surface: surface,
		nav:     nav,
		log:     log,
		dead:    xsync.NewMapOf[int, time.Time](),
	}
}

// Start schedules the stall check and the expiry sweep. Calling it again is a no-op.
func (w *Watchdog) Start() {
	if !w.enabled.CompareAndSwap(false, true) {
		return
	}

	w.mu.Lock()
	w.tasks = append(w.tasks,
		w.sched.Every(w.opts.StallCheckInterval, w.check),
		w.sched.Every(w.opts.Sweep, w.sweep),
	)
	w.mu.Unlock()

	w.log.Debug("{watcher/watcher - Start} checking every %v, sweeping every %v", w.opts.StallCheckInterval, w.opts.Sweep)
}

// Stop cancels the scheduled tasks.
func (w *Watchdog) Stop() {
	if !w.enabled.CompareAndSwap(true, false) {
		return
	}
	w.mu.Lock()
	tasks := w.tasks
	w.tasks = nil
	w.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

// Reset forgets the stall streak, called when a new channel starts playing.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	w.stalls = 0
	w.lastPos = 0
	w.mu.Unlock()
}

func (w *Watchdog) check() {
	if !w.enabled.Load() {
		return
	}
	if w.surface.Paused() || w.surface.Ready() < types.ReadyToPlay {
		return
	}

	pos := w.surface.Position()
	idx := w.nav.CurrentIndex()

	w.mu.Lock()
	stalled := absFloat(pos-w.lastPos) < minProgress
	w.lastPos = pos
	if !stalled {
		w.stalls = 0
		w.mu.Unlock()
		return
	}
	w.stalls++
	stalls := w.stalls
	advance := stalls >= w.opts.StallsBeforeAdvance
	if advance {
		w.stalls = 0
	}
	w.mu.Unlock()

	metrics.Stalls.Inc()
	if !advance {
		w.log.Warn("{watcher/watcher - check} channel %d stalled (%d/%d), replaying", idx, stalls, w.opts.StallsBeforeAdvance)
		w.nav.Replay(idx)
		return
	}

	w.MarkDead(idx)
	w.log.Warn("{watcher/watcher - check} channel %d seems dead, advancing", idx)
	w.nav.AdvanceFrom(idx)
}

func (w *Watchdog) sweep() {
	if !w.enabled.Load() {
		return
	}
	now := w.sched.Now()
	w.dead.Range(func(idx int, since time.Time) bool {
		if now.Sub(since) > w.opts.Cooldown {
			w.dead.Delete(idx)
			w.log.Info("{watcher/watcher - sweep} retrying previously dead channel %d", idx)
		}
		return true
	})
	metrics.DeadChannels.Set(float64(w.dead.Size()))
}

// MarkDead quarantines a channel for the cooldown.
func (w *Watchdog) MarkDead(idx int) {
	w.dead.Store(idx, w.sched.Now())
	metrics.DeadChannels.Set(float64(w.dead.Size()))
}

// Revive lifts a channel's quarantine early.
func (w *Watchdog) Revive(idx int) {
	w.dead.Delete(idx)
	metrics.DeadChannels.Set(float64(w.dead.Size()))
}

// IsDead reports whether the channel is quarantined.
func (w *Watchdog) IsDead(idx int) bool {
	_, ok := w.dead.Load(idx)
	return ok
}

// Dead lists quarantined channel indices in ascending order.
func (w *Watchdog) Dead() []int {
	out := make([]int, 0, w.dead.Size())
	w.dead.Range(func(idx int, _ time.Time) bool {
		out = append(out, idx)
		return true
	})
	sort.Ints(out)
	return out
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
