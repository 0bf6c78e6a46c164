package controller

import (
	"math"

	"kptv-zap/work/history"
	"kptv-zap/work/tiers"
	"kptv-zap/work/utils"
)

// predictivePreload pre-warms the channels the viewer is likely to zap to next: the most
// watched channels of the recent history, the channels ahead and the channels behind the
// current one. Dead channels are skipped. The number of qualities per channel scales with
// the buffer health.
func (c *Controller) predictivePreload() {
	if !c.cfg.PreloadOnZap || c.destroyed.Load() {
		return
	}

	c.mu.RLock()
	network := c.network
	current := c.current
	window := c.recent
	if w := c.cfg.HistoryRankWindow; w > 0 && len(window) > w {
		window = window[len(window)-w:]
	}
	window = append([]history.Entry(nil), window...)
	c.mu.RUnlock()

	if tiers.Cellular(network) {
		return
	}

	n := c.catalog.Len()
	seen := make(map[int]bool)
	var targets []int
	add := func(idx int) {
		idx = utils.Wrap(idx, n)
		if seen[idx] || c.watchdog.IsDead(idx) {
			return
		}
		seen[idx] = true
		targets = append(targets, idx)
	}

	top := c.cfg.TopFrequent
	if limit := c.cfg.MaxConcurrentPreloads; limit > 0 && limit < top {
		top = limit
	}
	for _, idx := range history.Rank(window, top) {
		if idx >= 0 && idx < n {
			add(idx)
		}
	}
	for i := 1; i <= c.cfg.MaxConcurrentPreloads; i++ {
		add(current + i)
	}
	for i := 1; i <= c.cfg.PreloadRangeBehind; i++ {
		add(current - i)
	}

	health, _ := c.bufferHealth()
	for _, idx := range targets {
		c.preloadChannel(idx, health)
	}
}

// preloadChannel requests the channel's best qualities, from one at an empty buffer up to
// MaxPreloadQualitiesPerChannel at ten seconds or more.
func (c *Controller) preloadChannel(idx int, health float64) {
	ch, ok := c.catalog.Channel(idx)
	if !ok {
		return
	}
	factor := math.Min(1, math.Max(0.3, health/10))
	count := int(math.Ceil(float64(c.cfg.MaxPreloadQualitiesPerChannel) * factor))

	for _, q := range c.catalog.Qualities(idx) {
		if count <= 0 {
			return
		}
		streams := c.tracker.BestStreams(ch.Mirrors(q), 1)
		if len(streams) == 0 {
			continue
		}
		c.cache.Request(ch.ID, q, streams[0])
		count--
	}
}

// preloadLowBitrates requests up to limit qualities of the current channel, lowest first.
func (c *Controller) preloadLowBitrates(limit int) {
	idx := c.CurrentIndex()
	ch, ok := c.catalog.Channel(idx)
	if !ok {
		return
	}
	quals := c.catalog.Qualities(idx)
	for i := len(quals) - 1; i >= 0 && limit > 0; i-- {
		streams := c.tracker.BestStreams(ch.Mirrors(quals[i]), 1)
		if len(streams) == 0 {
			continue
		}
		c.cache.Request(ch.ID, quals[i], streams[0])
		limit--
	}
}

// infinityFill buffers the current channel as deeply as the data budget allows, one
// quality at a time from the lowest, until the budget is spent or the approximate
// buffered duration reaches InfinityMaxSeconds. Only one fill runs at a time.
func (c *Controller) infinityFill() {
	if !c.infinityFilling.CompareAndSwap(false, true) {
		return
	}
	defer c.infinityFilling.Store(false)

	idx := c.CurrentIndex()
	ch, ok := c.catalog.Channel(idx)
	if !ok {
		return
	}
	quals := c.catalog.Qualities(idx)
	budget := c.cfg.InfinityDataBudgetBytes

	for i := len(quals) - 1; i >= 0; i-- {
		if c.ctx.Err() != nil || c.CurrentIndex() != idx {
			return
		}
		if c.cache.BytesForChannel(ch.ID) >= budget {
			break
		}
		q := quals[i]
		if !c.cache.Has(ch.ID, q) {
			streams := c.tracker.BestStreams(ch.Mirrors(q), 1)
			if len(streams) == 0 || !c.cache.Create(c.ctx, ch.ID, q, streams[0]) {
				continue
			}
		}
		if c.bufferedSeconds(ch.ID) >= c.cfg.InfinityMaxSeconds {
			break
		}
	}
	c.log.Debug("{controller/preload - infinityFill} %s holds %d bytes (~%.0fs)",
		ch.ID, c.cache.BytesForChannel(ch.ID), c.bufferedSeconds(ch.ID))
}

// bufferedSeconds approximates how long the pre-warmed data of a channel lasts at the
// current throughput. Variants are alternatives, so the deepest one counts.
func (c *Controller) bufferedSeconds(channelID string) float64 {
	rate := math.Max(1, c.estimator.Estimate())
	deepest := 0.0
	for _, b := range c.cache.VariantBytes(channelID) {
		deepest = math.Max(deepest, float64(b)/rate)
	}
	return math.Floor(deepest)
}
