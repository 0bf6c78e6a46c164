package controller

import (
	"context"
	"fmt"
	"math"
	"time"

	"kptv-zap/work/metrics"
	"kptv-zap/work/monitor"
	"kptv-zap/work/tiers"
	"kptv-zap/work/types"
)

// bufferHealth returns the last buffer reading and whether it can be trusted: the
// monitor must be running and the backend must have reached ReadyToPlay.
func (c *Controller) bufferHealth() (float64, bool) {
	health := c.monitor.Health()
	if !c.monitor.Running() || c.backend.Ready() < types.ReadyToPlay {
		return health, false
	}
	return health, true
}

// effectiveBandwidth converts the measured throughput to bits per second and applies the
// connection cap. Without a measurement the cap alone decides.
func (c *Controller) effectiveBandwidth(network string) float64 {
	bits := 0.0
	if bytes, ok := c.estimator.Measured(); ok {
		bits = bytes * 8
	}
	return c.caps.EffectiveBandwidth(network, bits)
}

// applyTier picks the tier for the current conditions and pins the backend to it.
func (c *Controller) applyTier() {
	if len(c.backend.Levels()) == 0 {
		return
	}
	c.mu.RLock()
	network := c.network
	c.mu.RUnlock()

	tier := c.resolver.ChooseTierForBandwidth(c.effectiveBandwidth(network))
	if health, known := c.bufferHealth(); known && health < c.cfg.BufferHealthThreshold {
		tier = c.resolver.Lowest()
	}
	c.setTier(tier)
}

func (c *Controller) setTier(tier types.QualityTier) {
	if c.enforcer.Apply(c.backend, tier.Key) < 0 {
		return
	}
	c.mu.Lock()
	changed := c.tier != tier.Key
	c.tier = tier.Key
	c.mu.Unlock()

	metrics.CurrentTier.Set(float64(c.resolver.Ordinal(tier.Key)))
	if changed {
		c.log.Debug("{controller/quality - setTier} tier %s", tier.Key)
	}
}

func (c *Controller) onReading(r monitor.Reading) {
	if c.destroyed.Load() || !r.Degraded || c.backend.Ready() < types.ReadyToPlay {
		return
	}
	c.mu.RLock()
	tier := c.tier
	c.mu.RUnlock()
	if tier != c.resolver.Lowest().Key {
		c.applyTier()
	}
}

// startCycles starts the buffer monitor and, once per controller, the auto-quality and
// heavy-stream cycles.
func (c *Controller) startCycles() {
	c.monitor.Start()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cyclesStarted || c.destroyed.Load() {
		return
	}
	c.cyclesStarted = true
	if c.cfg.AutoQualityAdjust {
		c.tasks = append(c.tasks, c.sched.Every(maxDuration(10*time.Second, c.cfg.HealInterval/2), c.autoQuality))
	}
	c.tasks = append(c.tasks, c.sched.Every(maxDuration(15*time.Second, c.cfg.HealInterval), c.heavyTick))
}

// autoQuality keeps the forced quality (or the best one) while the buffer holds and
// falls back to the lowest quality when it is nearly empty.
func (c *Controller) autoQuality() {
	if c.destroyed.Load() {
		return
	}
	idx := c.CurrentIndex()
	ch, ok := c.catalog.Channel(idx)
	quals := c.catalog.Qualities(idx)
	if !ok || len(quals) == 0 {
		return
	}

	c.mu.RLock()
	target := c.forced
	c.mu.RUnlock()
	if target == "" || len(ch.Mirrors(target)) == 0 {
		target = quals[0]
	}
	if health, known := c.bufferHealth(); known && health < 1 && len(quals) > 1 {
		target = quals[len(quals)-1]
	}

	c.switchQuality(idx, ch, target)
	c.applyTier()
}

// heavyTick samples throughput on the playing source and reacts to a stream the
// connection cannot carry: slow throughput, many dropped frames or a near-empty buffer
// pin the lowest quality and start filling the cache for the current channel.
func (c *Controller) heavyTick() {
	if c.destroyed.Load() {
		return
	}
	if src := c.backend.Source(); src != "" && c.probes {
		c.estimator.Sample(c.ctx, src)
	}
	metrics.ThroughputEstimate.Set(c.estimator.Estimate())

	est, measured := c.estimator.Measured()
	health, known := c.bufferHealth()
	heavy := (measured && est < c.cfg.LowThroughput) ||
		c.backend.DroppedFrames() > c.cfg.DroppedFramesLimit ||
		(known && health < math.Max(1, c.cfg.BufferHealthThreshold))

	if heavy {
		c.log.Info("{controller/quality - heavyTick} heavy stream detected (throughput %.0f B/s, health %.1fs)", est, health)
		c.forceLowest()
		if c.cfg.InfinityBufferEnabled {
			c.goSafe("infinity", c.infinityFill)
		} else {
			limit := c.cfg.MaxConcurrentPreloads
			if limit <= 0 || limit > 6 {
				limit = 6
			}
			c.preloadLowBitrates(limit)
		}
	} else if known && health < c.cfg.BufferHealthThreshold+5 {
		c.autoQuality()
	}

	c.predictivePreload()
}

func (c *Controller) forceLowest() {
	idx := c.CurrentIndex()
	ch, ok := c.catalog.Channel(idx)
	quals := c.catalog.Qualities(idx)
	if !ok || len(quals) == 0 {
		return
	}
	lowest := quals[len(quals)-1]

	c.mu.Lock()
	c.forced = lowest
	c.mu.Unlock()
	c.switchQuality(idx, ch, lowest)
	c.setTier(c.resolver.Lowest())
}

// switchQuality moves the backend to quality q of the current channel, preferring a
// pre-warmed source. It is a no-op when the channel changed meanwhile or the source is
// already playing.
func (c *Controller) switchQuality(idx int, ch *types.Channel, q string) bool {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if c.destroyed.Load() || c.CurrentIndex() != idx {
		return false
	}

	url, ok := c.cache.Lookup(ch.ID, q)
	if !ok || !c.tracker.Eligible(url) {
		streams := c.tracker.BestStreams(ch.Mirrors(q), 1)
		if len(streams) == 0 {
			return false
		}
		url = streams[0]
	}

	if url != c.backend.Source() {
		if err := c.backend.Load(c.ctx, url); err != nil {
			c.tracker.MarkFailed(url)
			c.log.Debug("{controller/quality - switchQuality} %s of %s failed to load", q, ch.ID)
			return false
		}
	}

	c.mu.Lock()
	c.quality = q
	c.mu.Unlock()
	return true
}

// ForceQuality pins a quality label for the current and future channels. An empty label
// returns to automatic selection.
func (c *Controller) ForceQuality(ctx context.Context, q string) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	if q == "" {
		c.mu.Lock()
		c.forced = ""
		c.mu.Unlock()
		return nil
	}

	idx := c.CurrentIndex()
	ch, ok := c.catalog.Channel(idx)
	if !ok || len(ch.Mirrors(q)) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownQuality, q)
	}

	c.mu.Lock()
	c.forced = q
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.switchQuality(idx, ch, q) {
		return ErrNothingPlayable
	}
	c.enforcer.Refresh(c.backend)
	c.applyTier()
	return nil
}

// SetAllowedTiers replaces the allowed tier set and re-applies the tier policy.
func (c *Controller) SetAllowedTiers(labels []string) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	keys, err := parseTierKeys(labels)
	if err != nil {
		return err
	}
	if err := c.resolver.SetAllowed(keys...); err != nil {
		return err
	}
	c.applyTier()
	return nil
}

// SetNetwork records the connection category and an optional custom cap in bits per
// second. Cellular links drop pre-warmed entries and stop predictive preloading; unmetered
// links go straight to the highest allowed tier.
func (c *Controller) SetNetwork(category string, maxBandwidth float64) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	if maxBandwidth > 0 {
		c.caps.SetCustomCap(category, maxBandwidth, "custom")
	}
	c.mu.Lock()
	c.network = category
	c.mu.Unlock()

	switch {
	case tiers.Cellular(category):
		c.cache.Clear()
		c.log.Info("{controller/quality - SetNetwork} cellular connection, preloading disabled")
		c.applyTier()
	case tiers.Unmetered(category):
		c.setTier(c.resolver.Highest())
	default:
		c.applyTier()
	}
	return nil
}
