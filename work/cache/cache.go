package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"kptv-zap/work/logger"
	"kptv-zap/work/metrics"
	"kptv-zap/work/scheduler"
	"kptv-zap/work/types"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"
)

// Element is a hidden, muted playback resource pre-loading one source URL.
type Element interface {
	URL() string
	Ready() types.ReadyState
	BytesLoaded() int64
	Pause()
	Release()
}

// ElementFactory builds preload elements. Creation may block on the network; the cache
// only calls it from submitted tasks.
type ElementFactory interface {
	NewElement(ctx context.Context, url string) (Element, error)
}

// Submitter runs a task asynchronously. *ants.Pool satisfies it; Request expects a
// non-blocking pool so a saturated pool turns into a miss instead of a stalled caller.
type Submitter interface {
	Submit(task func()) error
}

// Key identifies a preload entry.
type Key struct {
	ChannelID string `json:"channelId"`
	Quality   string `json:"quality"`
}

// Entry is a single preloaded source owned by the cache.
type Entry struct {
	Key        Key
	Element    Element
	LastUsedAt time.Time
	seq        uint64
}

// Options bounds the cache.
type Options struct {
	MaxEntries        int   // LRU entry ceiling
	MaxBytes          int64 // byte budget across entries (0 = unbounded)
	PreloadsPerSecond int   // creation rate limit (0 = unbounded)
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries int   `json:"entries"`
	Pending int   `json:"pending"`
	Bytes   int64 `json:"bytes"`
	Ready   int   `json:"ready"`
}

// PreloadCache is the budgeted store of pre-created playback elements keyed by
// (channel, quality). It is the only owner of its entries: they are created lazily by
// Request, refreshed on every hit, and released on eviction, channel teardown or Destroy.
//
// Request never blocks on creation. Creation runs on the submitter; at most one creation
// per key is pending at any time, while different keys complete in any order. A creation
// that fails leaves no entry behind.
type PreloadCache struct {
	opts      Options
	factory   ElementFactory
	submitter Submitter
	clock     scheduler.Clock
	limiter   ratelimit.Limiter
	log       *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	entries   map[Key]*Entry
	pending   map[Key]struct{}
	seq       uint64
	destroyed bool
}

// New creates a preload cache.
//
// Parameters:
//   - opts: entry and byte budgets plus the creation rate limit
//   - factory: builds the backing elements
//   - submitter: runs creations asynchronously (an ants pool in production)
//   - clock: source of lastUsedAt timestamps
//   - log: component logger (nil for a default)
//
// Returns:
//   - *PreloadCache: an empty cache ready for Request calls
func New(opts Options, factory ElementFactory, submitter Submitter, clock scheduler.Clock, log *logger.Logger) *PreloadCache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 50
	}
	limiter := ratelimit.NewUnlimited()
	if opts.PreloadsPerSecond > 0 {
		limiter = ratelimit.New(opts.PreloadsPerSecond)
	}
	if log == nil {
		log = logger.WithComponent("cache", "info")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PreloadCache{
		opts:      opts,
		factory:   factory,
		submitter: submitter,
		clock:     clock,
		limiter:   limiter,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[Key]*Entry),
		pending:   make(map[Key]struct{}),
	}
}

// Request idempotently schedules creation of a preload element for (channelID, quality)
// bound to url and returns immediately. An existing entry only has its lastUsedAt
// refreshed; a pending creation for the same key makes the call a no-op.
func (c *PreloadCache) Request(channelID, quality, url string) {
	if url == "" {
		return
	}
	key := Key{ChannelID: channelID, Quality: quality}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if entry, ok := c.entries[key]; ok {
		entry.LastUsedAt = c.clock.Now()
		c.mu.Unlock()
		return
	}
	if _, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return
	}
	c.pending[key] = struct{}{}
	c.mu.Unlock()

	err := c.submitter.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("{cache/cache - Request} preload task panicked for %s/%s: %v", channelID, quality, r)
				c.clearPending(key)
			}
		}()
		c.create(c.ctx, key, url)
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			metrics.PreloadFailures.Inc()
			c.log.Debug("{cache/cache - Request} preload pool saturated, skipping %s/%s", channelID, quality)
		} else {
			c.log.Debug("{cache/cache - Request} could not schedule preload %s/%s: %v", channelID, quality, err)
		}
		c.clearPending(key)
	}
}

// Create builds the element for (channelID, quality) synchronously. It is used where the
// caller wants to wait for the bytes (the infinity buffer fill). It reports whether an
// entry exists for the key afterwards.
func (c *PreloadCache) Create(ctx context.Context, channelID, quality, url string) bool {
	key := Key{ChannelID: channelID, Quality: quality}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}
	if entry, ok := c.entries[key]; ok {
		entry.LastUsedAt = c.clock.Now()
		c.mu.Unlock()
		return true
	}
	if _, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return false
	}
	c.pending[key] = struct{}{}
	c.mu.Unlock()

	return c.create(ctx, key, url)
}

func (c *PreloadCache) create(ctx context.Context, key Key, url string) bool {
	c.limiter.Take()

	el, err := c.factory.NewElement(ctx, url)
	if err != nil {
		metrics.PreloadFailures.Inc()
		c.log.Debug("{cache/cache - create} preload %s/%s failed: %v", key.ChannelID, key.Quality, err)
		c.clearPending(key)
		return false
	}

	c.mu.Lock()
	delete(c.pending, key)
	if c.destroyed {
		c.mu.Unlock()
		el.Pause()
		el.Release()
		return false
	}
	if old, ok := c.entries[key]; ok {
		// lost a race with another path that created the same key
		old.LastUsedAt = c.clock.Now()
		c.mu.Unlock()
		el.Pause()
		el.Release()
		return true
	}
	c.seq++
	c.entries[key] = &Entry{Key: key, Element: el, LastUsedAt: c.clock.Now(), seq: c.seq}
	c.mu.Unlock()

	c.log.Debug("{cache/cache - create} preloaded %s/%s", key.ChannelID, key.Quality)
	c.EvictToLimit()
	return true
}

func (c *PreloadCache) clearPending(key Key) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// Lookup returns the cached URL for (channelID, quality) when its element is ready to
// play, refreshing lastUsedAt on a hit.
func (c *PreloadCache) Lookup(channelID, quality string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[Key{ChannelID: channelID, Quality: quality}]
	if !ok || entry.Element.Ready() < types.ReadyToPlay {
		metrics.PreloadLookups.WithLabelValues("miss").Inc()
		return "", false
	}
	entry.LastUsedAt = c.clock.Now()
	metrics.PreloadLookups.WithLabelValues("hit").Inc()
	return entry.Element.URL(), true
}

// LookupAny scans qualities in the given preference order and returns the first ready hit.
func (c *PreloadCache) LookupAny(channelID string, qualities []string) (url string, quality string, ok bool) {
	for _, q := range qualities {
		if url, ok := c.Lookup(channelID, q); ok {
			return url, q, true
		}
	}
	return "", "", false
}

// Has reports whether an entry (ready or not) exists for the key.
func (c *PreloadCache) Has(channelID, quality string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[Key{ChannelID: channelID, Quality: quality}]
	return ok
}

// EvictToLimit enforces the entry ceiling, then the byte budget, removing the least
// recently used entries first. It returns how many entries were evicted.
func (c *PreloadCache) EvictToLimit() int {
	c.mu.Lock()
	ordered := make([]*Entry, 0, len(c.entries))
	var total int64
	for _, e := range c.entries {
		ordered = append(ordered, e)
		total += e.Element.BytesLoaded()
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].LastUsedAt.Equal(ordered[j].LastUsedAt) {
			return ordered[i].seq < ordered[j].seq
		}
		return ordered[i].LastUsedAt.Before(ordered[j].LastUsedAt)
	})

	var victims []*Entry
	excess := len(ordered) - c.opts.MaxEntries
	for i := 0; i < excess; i++ {
		victims = append(victims, ordered[i])
		total -= ordered[i].Element.BytesLoaded()
		delete(c.entries, ordered[i].Key)
	}
	byCount := len(victims)

	if c.opts.MaxBytes > 0 {
		for i := len(victims); i < len(ordered)-1 && total > c.opts.MaxBytes; i++ {
			victims = append(victims, ordered[i])
			total -= ordered[i].Element.BytesLoaded()
			delete(c.entries, ordered[i].Key)
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	releaseAll(victims)
	if byCount > 0 {
		metrics.PreloadEvictions.WithLabelValues("lru").Add(float64(byCount))
	}
	if len(victims) > byCount {
		metrics.PreloadEvictions.WithLabelValues("bytes").Add(float64(len(victims) - byCount))
	}
	metrics.PreloadEntries.Set(float64(remaining))
	metrics.PreloadBytes.Set(float64(total))
	if len(victims) > 0 {
		c.log.Debug("{cache/cache - EvictToLimit} evicted %d preload entries", len(victims))
	}
	return len(victims)
}

// BytesForChannel sums the bytes loaded by every entry of channelID.
func (c *PreloadCache) BytesForChannel(channelID string) int64 {
	var total int64
	for _, b := range c.VariantBytes(channelID) {
		total += b
	}
	return total
}

// VariantBytes returns bytes loaded per quality for channelID.
func (c *PreloadCache) VariantBytes(channelID string) map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64)
	for k, e := range c.entries {
		if k.ChannelID == channelID {
			out[k.Quality] = e.Element.BytesLoaded()
		}
	}
	return out
}

// Teardown releases every entry of channelID.
func (c *PreloadCache) Teardown(channelID string) {
	c.mu.Lock()
	var victims []*Entry
	for k, e := range c.entries {
		if k.ChannelID == channelID {
			victims = append(victims, e)
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
	releaseAll(victims)
}

// Clear releases every entry but keeps the cache usable.
func (c *PreloadCache) Clear() {
	c.mu.Lock()
	victims := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		victims = append(victims, e)
	}
	c.entries = make(map[Key]*Entry)
	c.mu.Unlock()

	releaseAll(victims)
	metrics.PreloadEntries.Set(0)
	metrics.PreloadBytes.Set(0)
}

// Destroy releases every entry, cancels in-flight creations and rejects further requests.
func (c *PreloadCache) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.cancel()
	c.Clear()
}

// Len is the number of entries.
func (c *PreloadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the current keys, least recently used first.
func (c *PreloadCache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	ordered := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].LastUsedAt.Equal(ordered[j].LastUsedAt) {
			return ordered[i].seq < ordered[j].seq
		}
		return ordered[i].LastUsedAt.Before(ordered[j].LastUsedAt)
	})
	keys := make([]Key, len(ordered))
	for i, e := range ordered {
		keys[i] = e.Key
	}
	return keys
}

// lastUsed returns the lastUsedAt of a key.
func (c *PreloadCache) lastUsed(channelID, quality string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[Key{ChannelID: channelID, Quality: quality}]
	if !ok {
		return time.Time{}, false
	}
	return e.LastUsedAt, true
}

// Stats returns a snapshot for status reporting.
func (c *PreloadCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Entries: len(c.entries), Pending: len(c.pending)}
	for _, e := range c.entries {
		s.Bytes += e.Element.BytesLoaded()
		if e.Element.Ready() >= types.ReadyToPlay {
			s.Ready++
		}
	}
	return s
}

func releaseAll(entries []*Entry) {
	for _, e := range entries {
		e.Element.Pause()
		e.Element.Release()
	}
}
