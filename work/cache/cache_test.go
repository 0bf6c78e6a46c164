package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kptv-zap/work/scheduler"
	"kptv-zap/work/types"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inline struct{}

func (inline) Submit(task func()) error { task(); return nil }

type fakeElement struct {
	url      string
	ready    types.ReadyState
	bytes    int64
	released atomic.Bool
}

func (f *fakeElement) URL() string             { return f.url }
func (f *fakeElement) Ready() types.ReadyState { return f.ready }
func (f *fakeElement) BytesLoaded() int64      { return f.bytes }
func (f *fakeElement) Pause()                  {}
func (f *fakeElement) Release()                { f.released.Store(true) }

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeElement
	fail    map[string]bool
	bytes   int64
	ready   types.ReadyState
	block   chan struct{}
}

func (f *fakeFactory) NewElement(ctx context.Context, url string) (Element, error) {
	if f.block != nil {
		<-f.block
	}
	if f.fail[url] {
		return nil, errors.New("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ready := f.ready
	if ready == 0 {
		ready = types.HaveEnoughData
	}
	el := &fakeElement{url: url, ready: ready, bytes: f.bytes}
	f.created = append(f.created, el)
	return el, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newCache(maxEntries int, maxBytes int64, f *fakeFactory) (*PreloadCache, *scheduler.Manual) {
	clock := scheduler.NewManual(time.Unix(1000, 0))
	return New(Options{MaxEntries: maxEntries, MaxBytes: maxBytes}, f, inline{}, clock, nil), clock
}

func TestRequestIsIdempotent(t *testing.T) {
	f := &fakeFactory{}
	c, clock := newCache(5, 0, f)

	c.Request("ch1", "720p", "http://a/720")
	first, ok := c.lastUsed("ch1", "720p")
	require.True(t, ok)

	clock.Advance(3 * time.Second)
	c.Request("ch1", "720p", "http://a/720")
	second, _ := c.lastUsed("ch1", "720p")

	assert.Equal(t, 1, f.count())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, first.Add(3*time.Second), second)
}

func TestSixPreloadsWithMaxFiveEvictsFirst(t *testing.T) {
	f := &fakeFactory{}
	c, clock := newCache(5, 0, f)

	for i := 0; i < 6; i++ {
		c.Request(fmt.Sprintf("ch%d", i), "720p", fmt.Sprintf("http://a/%d", i))
		clock.Advance(time.Second)
	}

	assert.Equal(t, 5, c.Len())
	assert.False(t, c.Has("ch0", "720p"))
	for i := 1; i < 6; i++ {
		assert.True(t, c.Has(fmt.Sprintf("ch%d", i), "720p"))
	}
	assert.True(t, f.created[0].released.Load())
}

func TestEvictionRemovesOldestByLastUsed(t *testing.T) {
	f := &fakeFactory{}
	c, clock := newCache(10, 0, f)
	for i := 0; i < 6; i++ {
		c.Request(fmt.Sprintf("ch%d", i), "hd", "u")
		clock.Advance(time.Second)
	}
	// touch ch0 and ch1 so ch2 and ch3 become the oldest
	_, ok := c.Lookup("ch0", "hd")
	require.True(t, ok)
	clock.Advance(time.Second)
	c.Request("ch1", "hd", "u")

	c.opts.MaxEntries = 4
	assert.Equal(t, 2, c.EvictToLimit())
	assert.Equal(t, []Key{{"ch4", "hd"}, {"ch5", "hd"}, {"ch0", "hd"}, {"ch1", "hd"}}, c.Keys())
}

func TestBudgetInvariantOverManyRequests(t *testing.T) {
	f := &fakeFactory{}
	c, clock := newCache(7, 0, f)
	for i := 0; i < 200; i++ {
		c.Request(fmt.Sprintf("ch%d", i%23), fmt.Sprintf("%dp", 240*(i%4+1)), "u")
		clock.Advance(time.Duration(i%3) * time.Millisecond)
		assert.LessOrEqual(t, c.Len(), 7)
	}
}

func TestByteBudgetEvictsOldestButKeepsNewest(t *testing.T) {
	f := &fakeFactory{bytes: 100}
	c, clock := newCache(50, 250, f)
	for i := 0; i < 4; i++ {
		c.Request(fmt.Sprintf("ch%d", i), "hd", "u")
		clock.Advance(time.Second)
	}
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Has("ch3", "hd"))
	assert.True(t, c.Has("ch2", "hd"))
}

func TestCreationFailureLeavesNoEntry(t *testing.T) {
	f := &fakeFactory{fail: map[string]bool{"http://bad": true}}
	c, _ := newCache(5, 0, f)

	c.Request("ch1", "hd", "http://bad")
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Stats().Pending)

	c.Request("ch1", "hd", "http://good")
	assert.Equal(t, 1, c.Len())
}

func TestLookupRequiresReadiness(t *testing.T) {
	f := &fakeFactory{ready: types.HaveMetadata}
	c, _ := newCache(5, 0, f)
	c.Request("ch1", "hd", "http://a")

	_, ok := c.Lookup("ch1", "hd")
	assert.False(t, ok)

	f.created[0].ready = types.HaveCurrentData
	url, ok := c.Lookup("ch1", "hd")
	assert.True(t, ok)
	assert.Equal(t, "http://a", url)
}

func TestLookupAnyScansPreferenceOrder(t *testing.T) {
	f := &fakeFactory{}
	c, _ := newCache(5, 0, f)
	c.Request("ch1", "480p", "http://low")
	c.Request("ch1", "720p", "http://mid")

	url, q, ok := c.LookupAny("ch1", []string{"1080p", "720p", "480p"})
	require.True(t, ok)
	assert.Equal(t, "720p", q)
	assert.Equal(t, "http://mid", url)
}

type asyncSubmitter struct{ wg sync.WaitGroup }

func (a *asyncSubmitter) Submit(task func()) error {
	a.wg.Add(1)
	go func() { defer a.wg.Done(); task() }()
	return nil
}

func TestConcurrentRequestsForSameKeyCreateOnce(t *testing.T) {
	f := &fakeFactory{block: make(chan struct{})}
	sub := &asyncSubmitter{}
	c := New(Options{MaxEntries: 5}, f, sub, scheduler.SystemClock{}, nil)

	for i := 0; i < 10; i++ {
		c.Request("ch1", "hd", "http://a")
	}
	assert.Equal(t, 1, c.Stats().Pending)
	close(f.block)
	sub.wg.Wait()

	assert.Equal(t, 1, f.count())
	assert.Equal(t, 1, c.Len())
}

func TestTeardownAndDestroy(t *testing.T) {
	f := &fakeFactory{bytes: 10}
	c, _ := newCache(5, 0, f)
	c.Request("ch1", "hd", "a")
	c.Request("ch1", "sd", "b")
	c.Request("ch2", "hd", "c")

	assert.Equal(t, int64(20), c.BytesForChannel("ch1"))
	c.Teardown("ch1")
	assert.Equal(t, 1, c.Len())

	c.Destroy()
	assert.Equal(t, 0, c.Len())
	for _, el := range f.created {
		assert.True(t, el.released.Load())
	}

	c.Request("ch3", "hd", "d")
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Create(context.Background(), "ch3", "hd", "d"))
}

func TestSaturatedPoolTurnsRequestIntoMiss(t *testing.T) {
	f := &fakeFactory{block: make(chan struct{})}
	pool, err := ants.NewPool(1, ants.WithNonblocking(true))
	require.NoError(t, err)
	defer pool.Release()
	c := New(Options{MaxEntries: 5}, f, pool, scheduler.SystemClock{}, nil)

	c.Request("ch1", "hd", "http://a")

	done := make(chan struct{})
	go func() {
		c.Request("ch2", "hd", "http://b")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Request blocked on a saturated pool")
	}
	assert.Equal(t, 1, c.Stats().Pending)

	close(f.block)
	require.Eventually(t, func() bool { return c.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.count())
	_, ok := c.Lookup("ch2", "hd")
	assert.False(t, ok)

	// the dropped key can be requested again once a worker is free
	require.Eventually(t, func() bool {
		c.Request("ch2", "hd", "http://b")
		return c.Len() == 2
	}, 2*time.Second, 10*time.Millisecond)
}
