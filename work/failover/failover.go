// Package failover implements the per-channel recovery state machine
// (PLAYING -> STALLED -> RECOVERING -> PLAYING | DEAD) on top of the source failure tracker.
package failover

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"

	"kptv-zap/work/logger"
	"kptv-zap/work/metrics"
	"kptv-zap/work/types"
	"kptv-zap/work/utils"
)

var (
	// ErrChannelExhausted is returned when no quality or mirror of the channel could be loaded.
	ErrChannelExhausted = errors.New("every source of the channel failed")
	// ErrSuperseded is returned by a Loader when another switch replaced the channel being
	// recovered. Recovery stops without blaming the candidate and the machine goes back to
	// PLAYING, which the new switch owns.
	ErrSuperseded = errors.New("recovery superseded by a channel switch")
)

// Loader starts playback of a URL.
type Loader interface {
	Load(ctx context.Context, url string) error
}

// SourceCache offers already warmed sources, tried before the mirrors of each quality.
type SourceCache interface {
	Lookup(channelID, quality string) (string, bool)
}

// ShuffleFunc permutes n items through swap, with the rand.Shuffle signature.
type ShuffleFunc func(n int, swap func(i, j int))

// Outcome describes how a failure was handled.
type Outcome struct {
	State   types.PlaybackState `json:"state"`
	URL     string              `json:"url,omitempty"`
	Quality string              `json:"quality,omitempty"`
	Ignored bool                `json:"ignored,omitempty"`
}

// Options configures a Machine.
type Options struct {
	ParallelStreams int         // mirrors considered per quality
	Shuffle         ShuffleFunc // nil uses math/rand/v2
	ObfuscateURLs   bool
}

// Machine drives recovery for the channel currently playing. Only one recovery runs at a
// time; failures reported while RECOVERING are ignored.
type Machine struct {
	tracker *Tracker
	loader  Loader
	cache   SourceCache
	opts    Options
	log     *logger.Logger

	mu       sync.Mutex
	state    types.PlaybackState
	onChange func(from, to types.PlaybackState)
}

// NewMachine creates a machine in the PLAYING state. cache may be nil.
func NewMachine(tracker *Tracker, loader Loader, cache SourceCache, opts Options, log *logger.Logger) *Machine {
	if opts.Shuffle == nil {
		opts.Shuffle = rand.Shuffle
	}
	if log == nil {
		log = logger.WithComponent("failover", "info")
	}
	m := &Machine{
		tracker: tracker,
		loader:  loader,
		cache:   cache,
		opts:    opts,
		log:     log,
		state:   types.StatePlaying,
	}
	metrics.FailoverState.Set(m.state.Ordinal())
	return m
}

// OnStateChange registers a callback invoked outside the machine's lock.
func (m *Machine) OnStateChange(fn func(from, to types.PlaybackState)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine) State() types.PlaybackState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Tracker exposes the failure records for read access.
func (m *Machine) Tracker() *Tracker {
	return m.tracker
}

// Reset puts the machine back to PLAYING, used after a successful channel switch.
// A recovery in flight keeps its state.
func (m *Machine) Reset() {
	m.mu.Lock()
	if m.state == types.StateRecovering {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = types.StatePlaying
	fn := m.onChange
	m.mu.Unlock()
	m.notify(fn, from, types.StatePlaying)
}

// HandleFailure reacts to an error/stall/suspend of source while ch is playing. It marks
// source failed, then tries each quality and each eligible mirror in shuffled order. The
// first successful load moves back to PLAYING; running out of candidates ends in DEAD with
// ErrChannelExhausted.
func (m *Machine) HandleFailure(ctx context.Context, ch *types.Channel, qualities []string, source string) (Outcome, error) {
	m.mu.Lock()
	if m.state == types.StateRecovering || m.state == types.StateDead {
		state := m.state
		m.mu.Unlock()
		metrics.Failovers.WithLabelValues("ignored").Inc()
		return Outcome{State: state, Ignored: true}, nil
	}
	fn := m.onChange
	from := m.state
	m.state = types.StateStalled
	m.mu.Unlock()
	m.notify(fn, from, types.StateStalled)

	if source != "" {
		rec := m.tracker.MarkFailed(source)
		m.log.Warn("{failover/failover - HandleFailure} source failed (attempt %d): %s",
			rec.Attempts, utils.LogURLWithFlag(m.opts.ObfuscateURLs, source))
	}

	m.transition(types.StateStalled, types.StateRecovering)

	if ch != nil {
		out, ok, err := m.recover(ctx, ch, qualities, source)
		switch {
		case errors.Is(err, ErrSuperseded):
			m.transition(types.StateRecovering, types.StatePlaying)
			metrics.Failovers.WithLabelValues("superseded").Inc()
			return Outcome{State: types.StatePlaying}, err
		case ok:
			m.transition(types.StateRecovering, types.StatePlaying)
			metrics.Failovers.WithLabelValues("recovered").Inc()
			return out, nil
		}
	}

	if err := ctx.Err(); err != nil {
		m.transition(types.StateRecovering, types.StateStalled)
		return Outcome{State: types.StateStalled}, err
	}

	m.transition(types.StateRecovering, types.StateDead)
	metrics.Failovers.WithLabelValues("exhausted").Inc()
	m.log.Warn("{failover/failover - HandleFailure} channel %s exhausted", chID(ch))
	return Outcome{State: types.StateDead}, ErrChannelExhausted
}

func (m *Machine) recover(ctx context.Context, ch *types.Channel, qualities []string, failed string) (Outcome, bool, error) {
	order := append([]string(nil), qualities...)
	m.opts.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	tried := map[string]bool{failed: true}
	for _, q := range order {
		candidates := m.tracker.BestStreams(ch.Mirrors(q), m.opts.ParallelStreams)
		m.opts.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

		if m.cache != nil {
			if cached, ok := m.cache.Lookup(ch.ID, q); ok && m.tracker.Eligible(cached) {
				candidates = append([]string{cached}, candidates...)
			}
		}

		for _, u := range candidates {
			if ctx.Err() != nil {
				return Outcome{}, false, nil
			}
			if tried[u] {
				continue
			}
			tried[u] = true

			if err := m.loader.Load(ctx, u); err != nil {
				if errors.Is(err, ErrSuperseded) {
					m.log.Debug("{failover/failover - recover} channel %s was switched away", chID(ch))
					return Outcome{}, false, err
				}
				if ctx.Err() != nil {
					return Outcome{}, false, nil
				}
				m.tracker.MarkFailed(u)
				m.log.Debug("{failover/failover - recover} %s mirror failed: %v", q, err)
				continue
			}
			m.log.Info("{failover/failover - recover} recovered channel %s on %s", chID(ch), q)
			return Outcome{State: types.StatePlaying, URL: u, Quality: q}, true, nil
		}
	}
	return Outcome{}, false, nil
}

func (m *Machine) transition(from, to types.PlaybackState) {
	m.mu.Lock()
	m.state = to
	fn := m.onChange
	m.mu.Unlock()
	m.notify(fn, from, to)
}

func (m *Machine) notify(fn func(from, to types.PlaybackState), from, to types.PlaybackState) {
	metrics.FailoverState.Set(to.Ordinal())
	if fn != nil && from != to {
		fn(from, to)
	}
}

func chID(ch *types.Channel) string {
	if ch == nil {
		return ""
	}
	return ch.ID
}
