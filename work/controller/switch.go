package controller

import (
	"context"
	"errors"
	"fmt"

	"kptv-zap/work/cache"
	"kptv-zap/work/history"
	"kptv-zap/work/metrics"
	"kptv-zap/work/types"
	"kptv-zap/work/utils"
)

// SwitchTo makes index the current channel. An out-of-range index is replaced by 0.
//
// The source is resolved in order: a pre-warmed cache entry for the preferred quality
// (or any quality of the channel), then the channel's direct URL or best mirror, then the
// highest-quality path that builds fresh elements for the top qualities and plays the
// first one that loads. Only when all three fail is ErrNothingPlayable returned.
func (c *Controller) SwitchTo(ctx context.Context, index int) (Result, error) {
	if c.destroyed.Load() {
		return Result{}, ErrDestroyed
	}
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	c.gen.Add(1)

	if _, ok := c.catalog.Channel(index); !ok {
		index = 0
	}
	ch, _ := c.catalog.Channel(index)
	quals := c.catalog.Qualities(index)
	preferred := c.preferredQuality(ch, quals)

	c.mu.Lock()
	changed := c.current != index
	c.current = index
	c.message = ""
	c.mu.Unlock()
	c.releaseBlend()
	if changed {
		c.watchdog.Reset()
	}

	res := Result{Index: index, ChannelID: ch.ID}

	if url, q, ok := c.lookupCached(ch.ID, preferred, quals); ok {
		if err := c.backend.Load(ctx, url); err == nil {
			res.Quality, res.URL, res.Path = q, url, "cache"
			c.afterSwitch(index, ch, res)
			return res, nil
		}
		c.tracker.MarkFailed(url)
		c.log.Debug("{controller/switch - SwitchTo} cached source for %s failed to load", ch.ID)
	}

	if url, q, path := c.fallbackSource(ch, preferred); url != "" {
		err := c.backend.Load(ctx, url)
		if err == nil {
			res.Quality, res.URL, res.Path = q, url, path
			c.cache.Request(ch.ID, q, url)
			c.afterSwitch(index, ch, res)
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		c.tracker.MarkFailed(url)
		c.log.Debug("{controller/switch - SwitchTo} %s source for %s failed, trying highest quality", path, ch.ID)
	}

	if q, url, ok := c.playHighestQuality(ctx, ch, quals); ok {
		res.Quality, res.URL, res.Path = q, url, "blend"
		c.afterSwitch(index, ch, res)
		return res, nil
	}

	metrics.ChannelSwitches.WithLabelValues("failed").Inc()
	c.setMessage(fmt.Sprintf("Failed to load %s", ch.Name))
	c.log.Warn("{controller/switch - SwitchTo} nothing playable for channel %d (%s)", index, ch.ID)
	return res, ErrNothingPlayable
}

// PlayChannelSafe switches and logs instead of returning; used from timers and the
// watchdog where nobody waits for the result.
func (c *Controller) PlayChannelSafe(ctx context.Context, index int) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("{controller/switch - PlayChannelSafe} panic while switching to %d: %v", index, r)
		}
	}()
	if _, err := c.SwitchTo(ctx, index); err != nil && !errors.Is(err, ErrDestroyed) {
		c.log.Warn("{controller/switch - PlayChannelSafe} switch to %d failed: %v", index, err)
	}
}

// Next switches to the following channel, wrapping at the end.
func (c *Controller) Next(ctx context.Context) (Result, error) {
	return c.SwitchTo(ctx, utils.Wrap(c.CurrentIndex()+1, c.catalog.Len()))
}

// Prev switches to the preceding channel, wrapping at the start.
func (c *Controller) Prev(ctx context.Context) (Result, error) {
	return c.SwitchTo(ctx, utils.Wrap(c.CurrentIndex()-1, c.catalog.Len()))
}

func (c *Controller) preferredQuality(ch *types.Channel, quals []string) string {
	c.mu.RLock()
	forced := c.forced
	c.mu.RUnlock()
	if forced != "" && len(ch.Mirrors(forced)) > 0 {
		return forced
	}
	if len(quals) > 0 {
		return quals[0]
	}
	return types.BareQuality
}

func (c *Controller) lookupCached(channelID, preferred string, quals []string) (string, string, bool) {
	if url, ok := c.cache.Lookup(channelID, preferred); ok && c.tracker.Eligible(url) {
		return url, preferred, true
	}
	url, q, ok := c.cache.LookupAny(channelID, quals)
	if !ok || !c.tracker.Eligible(url) {
		return "", "", false
	}
	return url, q, true
}

// fallbackSource picks the direct URL when it is not quarantined, else the best mirror of
// the preferred quality.
func (c *Controller) fallbackSource(ch *types.Channel, preferred string) (url, quality, path string) {
	if ch.URL != "" && c.tracker.Eligible(ch.URL) {
		return ch.URL, qualityOf(ch, ch.URL, preferred), "direct"
	}
	if streams := c.tracker.BestStreams(ch.Mirrors(preferred), 1); len(streams) > 0 {
		return streams[0], preferred, "resolver"
	}
	return "", "", ""
}

// playHighestQuality builds elements for the top blend qualities and loads the first
// that works, keeping the set alive as the blend until the next switch.
func (c *Controller) playHighestQuality(ctx context.Context, ch *types.Channel, quals []string) (string, string, bool) {
	n := c.cfg.HighestQualityBlend
	if n <= 0 || n > len(quals) {
		n = len(quals)
	}

	type candidate struct {
		quality string
		el      cache.Element
	}
	var set []candidate
	for _, q := range quals[:n] {
		if ctx.Err() != nil {
			break
		}
		streams := c.tracker.BestStreams(ch.Mirrors(q), 1)
		if len(streams) == 0 {
			continue
		}
		// the set outlives the request that built it
		el, err := c.factory.NewElement(c.ctx, streams[0])
		if err != nil {
			c.tracker.MarkFailed(streams[0])
			continue
		}
		set = append(set, candidate{quality: q, el: el})
	}

	els := make([]cache.Element, 0, len(set))
	for _, cand := range set {
		els = append(els, cand.el)
	}
	c.mu.Lock()
	c.blend = els
	c.mu.Unlock()

	for _, cand := range set {
		url := cand.el.URL()
		if err := c.backend.Load(ctx, url); err != nil {
			c.tracker.MarkFailed(url)
			continue
		}
		return cand.quality, url, true
	}
	c.releaseBlend()
	return "", "", false
}

func (c *Controller) releaseBlend() {
	c.mu.Lock()
	els := c.blend
	c.blend = nil
	c.mu.Unlock()
	for _, el := range els {
		el.Release()
	}
}

func (c *Controller) afterSwitch(index int, ch *types.Channel, res Result) {
	c.mu.Lock()
	c.quality = res.Quality
	c.mu.Unlock()

	c.machine.Reset()
	c.recordHistory(index, ch.ID)
	metrics.ChannelSwitches.WithLabelValues(res.Path).Inc()
	c.log.Info("{controller/switch - afterSwitch} playing %s (%s) via %s", ch.Name, res.Quality, res.Path)

	c.enforcer.Refresh(c.backend)
	c.applyTier()
	c.startCycles()
	c.predictivePreload()
	if c.cfg.InfinityBufferEnabled {
		c.goSafe("infinity", c.infinityFill)
	}
}

func (c *Controller) recordHistory(index int, channelID string) {
	entry := history.Entry{Index: index, ChannelID: channelID, WatchedAt: c.sched.Now()}

	c.mu.Lock()
	c.recent = append(c.recent, entry)
	if limit := c.cfg.HistoryLimit; limit > 0 && len(c.recent) > limit {
		c.recent = append([]history.Entry(nil), c.recent[len(c.recent)-limit:]...)
	}
	c.mu.Unlock()

	if err := c.history.Append(c.ctx, entry); err != nil {
		c.log.Warn("{controller/switch - recordHistory} failed to append history: %v", err)
	}
	if err := c.history.SetLastIndex(c.ctx, index); err != nil {
		c.log.Warn("{controller/switch - recordHistory} failed to save last channel: %v", err)
	}
}

func qualityOf(ch *types.Channel, url, fallback string) string {
	for _, q := range ch.QualityKeys() {
		for _, m := range ch.Mirrors(q) {
			if m == url {
				return q
			}
		}
	}
	return fallback
}
