package controller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kptv-zap/work/backend"
	"kptv-zap/work/cache"
	"kptv-zap/work/catalog"
	"kptv-zap/work/config"
	"kptv-zap/work/history"
	"kptv-zap/work/scheduler"
	"kptv-zap/work/tiers"
	"kptv-zap/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inline struct{}

func (inline) Submit(task func()) error { task(); return nil }

type fakeBackend struct {
	mu          sync.Mutex
	fail        map[string]bool
	loads       []string
	source      string
	current     int
	ready       types.ReadyState
	loadReady   types.ReadyState
	bufferedEnd float64
	position    float64
	dropped     int
	subs        map[int]func(types.BackendEvent)
	nextSub     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		fail:      make(map[string]bool),
		subs:      make(map[int]func(types.BackendEvent)),
		loadReady: types.HaveMetadata,
	}
}

var fakeLevels = []types.Level{
	{Index: 0, Height: 360, Bitrate: 800_000},
	{Index: 1, Height: 720, Bitrate: 2_000_000},
	{Index: 2, Height: 1080, Bitrate: 4_500_000},
}

func (b *fakeBackend) Load(_ context.Context, url string) error {
	b.mu.Lock()
	b.loads = append(b.loads, url)
	if b.fail[url] {
		b.mu.Unlock()
		return errors.New("load failed")
	}
	b.source = url
	b.current = len(fakeLevels) - 1
	b.ready = b.loadReady
	b.mu.Unlock()

	b.publish(types.BackendEvent{Kind: types.EventManifestParsed, URL: url})
	return nil
}

func (b *fakeBackend) Source() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.source
}

func (b *fakeBackend) Levels() []types.Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.source == "" {
		return nil
	}
	return append([]types.Level(nil), fakeLevels...)
}

func (b *fakeBackend) CurrentLevel() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *fakeBackend) SetLevel(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(fakeLevels) {
		return backend.ErrLevelOutOfRange
	}
	b.current = index
	return nil
}

func (b *fakeBackend) BufferedEnd() (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready < types.HaveCurrentData {
		return 0, backend.ErrNoBufferedRange
	}
	return b.bufferedEnd, nil
}

func (b *fakeBackend) Position() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

func (b *fakeBackend) DroppedFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *fakeBackend) Ready() types.ReadyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *fakeBackend) Paused() bool { return false }

func (b *fakeBackend) Subscribe(fn func(types.BackendEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *fakeBackend) publish(ev types.BackendEvent) {
	b.mu.Lock()
	fns := make([]func(types.BackendEvent), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (b *fakeBackend) failing(urls ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range urls {
		b.fail[u] = true
	}
}

func (b *fakeBackend) setBuffer(ready types.ReadyState, end, pos float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = ready
	b.bufferedEnd = end
	b.position = pos
}

func (b *fakeBackend) setDropped(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped = n
}

func (b *fakeBackend) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type fakeElement struct {
	ctx      context.Context
	url      string
	bytes    int64
	released atomic.Bool
}

func (e *fakeElement) URL() string             { return e.url }
func (e *fakeElement) Ready() types.ReadyState { return types.HaveEnoughData }
func (e *fakeElement) BytesLoaded() int64      { return e.bytes }
func (e *fakeElement) Pause()                  {}
func (e *fakeElement) Release()                { e.released.Store(true) }

type fakeFactory struct {
	mu      sync.Mutex
	bytes   int64
	created []*fakeElement
}

func (f *fakeFactory) NewElement(ctx context.Context, url string) (cache.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	el := &fakeElement{ctx: ctx, url: url, bytes: f.bytes}
	f.created = append(f.created, el)
	return el, nil
}

func (f *fakeFactory) elements() []*fakeElement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeElement(nil), f.created...)
}

type harness struct {
	c       *Controller
	backend *fakeBackend
	factory *fakeFactory
	sched   *scheduler.Manual
	store   *history.Memory
}

func record(name string, qualities map[string][]string) catalog.Record {
	rec := catalog.Record{Name: name, Qualities: make(map[string]json.RawMessage)}
	for q, urls := range qualities {
		raw, _ := json.Marshal(urls)
		rec.Qualities[q] = raw
	}
	return rec
}

func newHarness(t *testing.T, records []catalog.Record, tweak func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.PreloadsPerSecond = 0
	cfg.ConnectionCategory = "wifi"
	if tweak != nil {
		tweak(cfg)
	}

	cat, err := catalog.New(records, catalog.Options{QualityBlendLevels: cfg.QualityBlendLevels})
	require.NoError(t, err)

	h := &harness{
		backend: newFakeBackend(),
		factory: &fakeFactory{bytes: 100},
		sched:   scheduler.NewManual(time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)),
		store:   history.NewMemory(cfg.HistoryLimit),
	}
	h.c, err = New(cfg, Deps{
		Backend:   h.backend,
		Catalog:   cat,
		Factory:   h.factory,
		Submitter: inline{},
		Scheduler: h.sched,
		History:   h.store,
		Shuffle:   func(int, func(i, j int)) {},
	})
	require.NoError(t, err)
	t.Cleanup(h.c.Destroy)
	return h
}

func threeChannels() []catalog.Record {
	return []catalog.Record{
		record("One", map[string][]string{"1080p": {"http://a/one-hi.m3u8"}, "720p": {"http://a/one-med.m3u8"}}),
		record("Two", map[string][]string{"1080p": {"http://a/two-hi.m3u8"}, "720p": {"http://a/two-med.m3u8"}}),
		record("Three", map[string][]string{"1080p": {"http://a/three-hi.m3u8"}}),
	}
}

func TestSwitchToResolvesThenUsesPreloadedSources(t *testing.T) {
	h := newHarness(t, threeChannels(), nil)
	ctx := context.Background()

	res, err := h.c.SwitchTo(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "resolver", res.Path)
	assert.Equal(t, "1080p", res.Quality)
	assert.Equal(t, "http://a/one-hi.m3u8", h.backend.Source())

	// the played source and the neighbours are pre-warmed
	assert.True(t, h.c.cache.Has("one", "1080p"))
	assert.True(t, h.c.cache.Has("two", "1080p"))
	assert.True(t, h.c.cache.Has("three", "1080p"))
	assert.False(t, h.c.cache.Has("two", "720p"), "an empty buffer pre-warms one quality per channel")
	st := h.c.Status()
	assert.Contains(t, st.Preloaded, cache.Key{ChannelID: "two", Quality: "1080p"})
	assert.Len(t, st.Preloaded, st.Cache.Entries)
	assert.False(t, st.Probing)

	res, err = h.c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, "cache", res.Path)

	res, err = h.c.Prev(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, "cache", res.Path)

	recent, err := h.store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []int{0, 1, 0}, []int{recent[0].Index, recent[1].Index, recent[2].Index})
	last, ok, err := h.store.LastIndex(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, last)
}

func TestSwitchToOutOfRangeIndexPlaysFirstChannel(t *testing.T) {
	h := newHarness(t, threeChannels(), nil)

	res, err := h.c.SwitchTo(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, "one", res.ChannelID)
}

func TestNextWrapsAround(t *testing.T) {
	h := newHarness(t, threeChannels(), nil)
	ctx := context.Background()

	_, err := h.c.SwitchTo(ctx, 2)
	require.NoError(t, err)
	res, err := h.c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Index)
}

func TestFailoverFallsBackToNextQuality(t *testing.T) {
	h := newHarness(t, []catalog.Record{
		record("Sports", map[string][]string{
			"1080p": {"http://a/hi.m3u8", "http://b/hi.m3u8"},
			"720p":  {"http://a/med.m3u8"},
		}),
		{Name: "News", URL: "http://n/news.m3u8"},
	}, nil)
	h.backend.failing("http://b/hi.m3u8")

	_, err := h.c.SwitchTo(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "http://a/hi.m3u8", h.backend.Source())

	h.c.OnBackendEvent(types.BackendEvent{Kind: types.EventStalled, URL: "http://a/hi.m3u8"})

	assert.Equal(t, "http://a/med.m3u8", h.backend.Source())
	st := h.c.Status()
	assert.Equal(t, "720p", st.Quality)
	assert.Equal(t, types.StatePlaying, st.State)
	assert.Equal(t, 0, st.Index)
	assert.True(t, h.c.tracker.Quarantined("http://a/hi.m3u8"))
	assert.True(t, h.c.tracker.Quarantined("http://b/hi.m3u8"))
	assert.Len(t, st.Failures, 2)
}

func TestEventsForInactiveSourcesAreIgnored(t *testing.T) {
	h := newHarness(t, threeChannels(), nil)
	_, err := h.c.SwitchTo(context.Background(), 0)
	require.NoError(t, err)

	h.c.OnBackendEvent(types.BackendEvent{Kind: types.EventError, Fatal: true, URL: "http://elsewhere/x.m3u8"})
	assert.Equal(t, "http://a/one-hi.m3u8", h.backend.Source())
	assert.Empty(t, h.c.Status().Failures)

	// non-fatal errors never start a recovery
	h.c.OnBackendEvent(types.BackendEvent{Kind: types.EventError, URL: "http://a/one-hi.m3u8"})
	assert.Empty(t, h.c.Status().Failures)
}

func TestExhaustedChannelIsMarkedDeadAndSkipped(t *testing.T) {
	h := newHarness(t, []catalog.Record{
		record("Bad", map[string][]string{"720p": {"http://bad/1.m3u8"}}),
		{Name: "Good", URL: "http://good/1.m3u8"},
		{Name: "Other", URL: "http://other/1.m3u8"},
	}, nil)

	_, err := h.c.SwitchTo(context.Background(), 0)
	require.NoError(t, err)
	h.backend.failing("http://bad/1.m3u8")

	h.c.OnBackendEvent(types.BackendEvent{Kind: types.EventError, Fatal: true, URL: "http://bad/1.m3u8"})

	st := h.c.Status()
	assert.Equal(t, 1, st.Index)
	assert.Equal(t, []int{0}, st.DeadChannels)
	assert.Equal(t, types.StatePlaying, st.State)
	assert.Equal(t, "http://good/1.m3u8", h.backend.Source())
}

func TestSwitchDuringRecoveryKeepsTheNewChannel(t *testing.T) {
	h := newHarness(t, threeChannels(), func(cfg *config.Config) { cfg.PreloadOnZap = false })
	ctx := context.Background()

	_, err := h.c.SwitchTo(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "http://a/one-hi.m3u8", h.backend.Source())

	// the user zaps away while the recovery is choosing a mirror
	h.c.machine.OnStateChange(func(_, to types.PlaybackState) {
		if to == types.StateRecovering {
			_, err := h.c.SwitchTo(ctx, 1)
			assert.NoError(t, err)
		}
	})
	h.c.OnBackendEvent(types.BackendEvent{Kind: types.EventStalled, URL: "http://a/one-hi.m3u8"})

	assert.Equal(t, 1, h.c.CurrentIndex())
	assert.Equal(t, "http://a/two-hi.m3u8", h.backend.Source())
	assert.NotContains(t, h.backend.loads, "http://a/one-med.m3u8")
	assert.Equal(t, types.StatePlaying, h.c.machine.State())
	assert.True(t, h.c.tracker.Eligible("http://a/one-med.m3u8"))
}

func TestFailedAdvanceRearmsRecovery(t *testing.T) {
	h := newHarness(t, []catalog.Record{
		record("Bad", map[string][]string{"720p": {"http://bad/1.m3u8"}}),
		record("Worse", map[string][]string{"720p": {"http://worse/1.m3u8"}}),
	}, func(cfg *config.Config) { cfg.PreloadOnZap = false })

	_, err := h.c.SwitchTo(context.Background(), 0)
	require.NoError(t, err)
	h.backend.failing("http://bad/1.m3u8", "http://worse/1.m3u8")

	h.c.OnBackendEvent(types.BackendEvent{Kind: types.EventError, Fatal: true, URL: "http://bad/1.m3u8"})
	assert.Equal(t, 1, h.c.CurrentIndex())
	assert.Equal(t, types.StatePlaying, h.c.machine.State(), "not stuck in DEAD after the advance failed")

	h.c.OnBackendEvent(types.BackendEvent{Kind: types.EventStalled, URL: "http://bad/1.m3u8"})
	assert.ElementsMatch(t, []int{0, 1}, h.c.Status().DeadChannels)
}

func TestHighestQualityPathWhenResolverFails(t *testing.T) {
	h := newHarness(t, []catalog.Record{
		record("Movie", map[string][]string{"1080p": {"http://m/hi.m3u8"}, "720p": {"http://m/med.m3u8"}}),
		{Name: "Other", URL: "http://other/1.m3u8"},
	}, func(cfg *config.Config) { cfg.PreloadOnZap = false })
	h.backend.failing("http://m/hi.m3u8")

	res, err := h.c.SwitchTo(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "blend", res.Path)
	assert.Equal(t, "720p", res.Quality)
	assert.Equal(t, "http://m/med.m3u8", h.backend.Source())

	els := h.factory.elements()
	require.Len(t, els, 1)
	assert.False(t, els[0].released.Load())

	_, err = h.c.SwitchTo(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, els[0].released.Load(), "the blend set is released on the next switch")
}

func TestBlendSetOutlivesTheSwitchContext(t *testing.T) {
	h := newHarness(t, []catalog.Record{
		record("Movie", map[string][]string{"1080p": {"http://m/hi.m3u8"}, "720p": {"http://m/med.m3u8"}}),
	}, func(cfg *config.Config) { cfg.PreloadOnZap = false })
	h.backend.failing("http://m/hi.m3u8")

	ctx, cancel := context.WithCancel(context.Background())
	res, err := h.c.SwitchTo(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "blend", res.Path)
	cancel()

	els := h.factory.elements()
	require.Len(t, els, 1)
	assert.NoError(t, els[0].ctx.Err(), "the blend element keeps downloading after the request ends")

	h.c.Destroy()
	assert.Error(t, els[0].ctx.Err())
}

func TestNothingPlayable(t *testing.T) {
	h := newHarness(t, []catalog.Record{
		record("Broken", map[string][]string{"1080p": {"http://x/hi.m3u8"}, "720p": {"http://x/med.m3u8"}}),
	}, func(cfg *config.Config) { cfg.PreloadOnZap = false })
	h.backend.failing("http://x/hi.m3u8", "http://x/med.m3u8")

	_, err := h.c.SwitchTo(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNothingPlayable)
	assert.Equal(t, "", h.backend.Source())
	for _, el := range h.factory.elements() {
		assert.True(t, el.released.Load())
	}
	assert.NotEmpty(t, h.c.Status().Message)
}

func TestLevelSwitchingIsCoercedIntoAllowedTiers(t *testing.T) {
	h := newHarness(t, threeChannels(), nil)
	_, err := h.c.SwitchTo(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, h.backend.CurrentLevel(), "unmeasured wifi plays the highest tier")

	require.NoError(t, h.c.SetAllowedTiers([]string{"low", "medium"}))
	assert.Equal(t, 1, h.backend.CurrentLevel())
	assert.Equal(t, types.TierMedium, h.c.Status().Tier)

	require.NoError(t, h.backend.SetLevel(2))
	h.c.OnBackendEvent(types.BackendEvent{Kind: types.EventLevelSwitching, Level: 2})
	assert.Equal(t, 1, h.backend.CurrentLevel())

	assert.ErrorIs(t, h.c.SetAllowedTiers([]string{"bogus"}), tiers.ErrUnknownTier)
	assert.ErrorIs(t, h.c.SetAllowedTiers(nil), tiers.ErrNoTiers)
}

func TestThroughputAndNetworkDriveTier(t *testing.T) {
	h := newHarness(t, threeChannels(), nil)
	_, err := h.c.SwitchTo(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, h.backend.CurrentLevel())

	// 2.5 Mbps measured, 2.0 Mbps after the safety margin
	h.c.estimator.Update(2_500_000 / 8)
	h.c.applyTier()
	assert.Equal(t, 1, h.backend.CurrentLevel())
	assert.Equal(t, types.TierMedium, h.c.Status().Tier)

	require.NoError(t, h.c.SetNetwork("3g", 0))
	assert.Equal(t, 0, h.backend.CurrentLevel())
	assert.Equal(t, 0, h.c.cache.Len(), "cellular drops pre-warmed entries")
	h.c.predictivePreload()
	assert.Equal(t, 0, h.c.cache.Len())

	require.NoError(t, h.c.SetNetwork("ethernet", 0))
	assert.Equal(t, 2, h.backend.CurrentLevel())
	assert.Equal(t, "ethernet", h.c.Status().Network)
}

func TestDegradedBufferForcesLowestTier(t *testing.T) {
	h := newHarness(t, threeChannels(), nil)
	_, err := h.c.SwitchTo(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, h.backend.CurrentLevel())

	h.backend.setBuffer(types.HaveEnoughData, 10.5, 10)
	h.sched.Advance(250 * time.Millisecond)

	assert.Equal(t, 0, h.backend.CurrentLevel())
	st := h.c.Status()
	assert.Equal(t, types.TierLow, st.Tier)
	assert.True(t, st.Degraded)
	assert.InDelta(t, 0.5, st.BufferHealth, 1e-9)
}

func TestHeavyStreamPinsLowestQuality(t *testing.T) {
	h := newHarness(t, []catalog.Record{
		record("Heavy", map[string][]string{
			"1080p": {"http://h/hi.m3u8"},
			"720p":  {"http://h/med.m3u8"},
			"360p":  {"http://h/low.m3u8"},
		}),
	}, nil)
	_, err := h.c.SwitchTo(context.Background(), 0)
	require.NoError(t, err)

	h.backend.setDropped(10)
	h.sched.Advance(25 * time.Second)

	assert.Equal(t, "http://h/low.m3u8", h.backend.Source())
	st := h.c.Status()
	assert.Equal(t, "360p", st.ForcedQuality)
	assert.Equal(t, "360p", st.Quality)
	assert.Equal(t, types.TierLow, st.Tier)
	assert.True(t, h.c.cache.Has("heavy", "360p"))
	assert.True(t, h.c.cache.Has("heavy", "720p"))
}

func TestInfinityFillBuffersLowestQualitiesFirst(t *testing.T) {
	h := newHarness(t, []catalog.Record{
		record("Deep", map[string][]string{
			"1080p": {"http://d/1080.m3u8"},
			"720p":  {"http://d/720.m3u8"},
			"480p":  {"http://d/480.m3u8"},
			"360p":  {"http://d/360.m3u8"},
		}),
	}, func(cfg *config.Config) {
		cfg.PreloadOnZap = false
		cfg.InfinityBufferEnabled = true
		cfg.InfinityDataBudgetBytes = 250
	})

	_, err := h.c.SwitchTo(context.Background(), 0)
	require.NoError(t, err)

	assert.True(t, h.c.cache.Has("deep", "1080p"))
	assert.True(t, h.c.cache.Has("deep", "360p"))
	assert.True(t, h.c.cache.Has("deep", "480p"))
	assert.False(t, h.c.cache.Has("deep", "720p"), "the data budget stops the fill")
	assert.Equal(t, int64(300), h.c.cache.BytesForChannel("deep"))
}

func TestForceQuality(t *testing.T) {
	h := newHarness(t, threeChannels(), func(cfg *config.Config) { cfg.PreloadOnZap = false })
	ctx := context.Background()
	_, err := h.c.SwitchTo(ctx, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, h.c.ForceQuality(ctx, "4320p"), ErrUnknownQuality)

	require.NoError(t, h.c.ForceQuality(ctx, "720p"))
	assert.Equal(t, "http://a/one-med.m3u8", h.backend.Source())
	assert.Equal(t, "720p", h.c.Status().Quality)

	// the forced quality carries over to the next channel
	res, err := h.c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "720p", res.Quality)
	assert.Equal(t, "http://a/two-med.m3u8", h.backend.Source())

	require.NoError(t, h.c.ForceQuality(ctx, ""))
	assert.Equal(t, "", h.c.Status().ForcedQuality)
}

func TestStartRestoresLastChannel(t *testing.T) {
	h := newHarness(t, threeChannels(), nil)
	ctx := context.Background()
	require.NoError(t, h.store.SetLastIndex(ctx, 2))

	require.NoError(t, h.c.Start(ctx))
	assert.Equal(t, 2, h.c.CurrentIndex())
	assert.Equal(t, "http://a/three-hi.m3u8", h.backend.Source())
}

func TestWatchdogAdvancesPastStalledChannel(t *testing.T) {
	h := newHarness(t, threeChannels(), nil)
	ctx := context.Background()
	require.NoError(t, h.store.SetLastIndex(ctx, 2))
	h.backend.loadReady = types.HaveEnoughData
	h.backend.setBuffer(types.HaveEnoughData, 0, 5)

	require.NoError(t, h.c.Start(ctx))
	require.Equal(t, 2, h.c.CurrentIndex())

	// the first check records the position, two stalls replay, the third advances
	h.sched.Advance(24 * time.Second)
	assert.Equal(t, 2, h.c.CurrentIndex())
	h.sched.Advance(8 * time.Second)
	assert.Equal(t, 0, h.c.CurrentIndex())
	assert.Equal(t, []int{2}, h.c.Status().DeadChannels)
}

func TestIngestRoutesThroughBackendOrController(t *testing.T) {
	h := newHarness(t, threeChannels(), nil)
	_, err := h.c.SwitchTo(context.Background(), 0)
	require.NoError(t, err)

	require.NoError(t, h.c.SetAllowedTiers([]string{"high"}))
	require.NoError(t, h.backend.SetLevel(0))

	// the fake backend does not ingest, so the event reaches the controller directly
	h.c.Ingest(types.BackendEvent{Kind: types.EventLevelSwitching, Level: 0})
	assert.Equal(t, 2, h.backend.CurrentLevel())
}

func TestDestroyReleasesEverything(t *testing.T) {
	h := newHarness(t, threeChannels(), nil)
	ctx := context.Background()
	require.NoError(t, h.c.Start(ctx))
	require.NotZero(t, h.c.cache.Len())
	require.NotZero(t, h.sched.Pending())

	h.c.Destroy()
	h.c.Destroy()

	assert.Equal(t, 0, h.sched.Pending())
	assert.Equal(t, 0, h.c.cache.Len())
	assert.Equal(t, 0, h.backend.subscribers())
	assert.True(t, h.c.Status().Destroyed)
	for _, el := range h.factory.elements() {
		assert.True(t, el.released.Load())
	}

	_, err := h.c.SwitchTo(ctx, 1)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, h.c.SetNetwork("wifi", 0), ErrDestroyed)
	assert.ErrorIs(t, h.c.ForceQuality(ctx, "720p"), ErrDestroyed)
}

func TestKillAndReviveChannel(t *testing.T) {
	h := newHarness(t, threeChannels(), nil)

	require.NoError(t, h.c.KillChannel(1))
	assert.Equal(t, []int{1}, h.c.Status().DeadChannels)

	h.c.AdvanceFrom(0)
	assert.Equal(t, 2, h.c.CurrentIndex(), "dead channels are skipped")

	require.NoError(t, h.c.ReviveChannel(1))
	assert.Empty(t, h.c.Status().DeadChannels)
	assert.ErrorIs(t, h.c.KillChannel(7), ErrUnknownChannel)
	assert.ErrorIs(t, h.c.ReviveChannel(-1), ErrUnknownChannel)

	h.c.tracker.MarkFailed("http://a/one-hi.m3u8")
	h.c.ClearFailures()
	assert.Empty(t, h.c.Status().Failures)
}
