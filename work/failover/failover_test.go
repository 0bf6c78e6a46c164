package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kptv-zap/work/scheduler"
	"kptv-zap/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func identity(int, func(i, j int)) {}

type fakeLoader struct {
	mu     sync.Mutex
	fail   map[string]bool
	loaded []string
	block  chan struct{}
}

func (f *fakeLoader) Load(ctx context.Context, url string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = append(f.loaded, url)
	if f.fail[url] {
		return errors.New("load failed")
	}
	return nil
}

func (f *fakeLoader) attempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loaded...)
}

type fakeCache map[string]string

func (c fakeCache) Lookup(channelID, quality string) (string, bool) {
	u, ok := c[channelID+"/"+quality]
	return u, ok
}

func testChannel() *types.Channel {
	return &types.Channel{
		ID:   "news",
		Name: "News",
		Qualities: map[string][]string{
			"1080p": {"http://a/hi.m3u8", "http://b/hi.m3u8"},
			"720p":  {"http://a/med.m3u8"},
			"480p":  {"http://a/low.m3u8"},
		},
	}
}

func TestTrackerQuarantineWindow(t *testing.T) {
	clock := scheduler.NewManual(t0)
	tr := NewTracker(25*time.Second, 5, clock)

	assert.True(t, tr.Eligible("http://x"))
	tr.MarkFailed("http://x")
	assert.True(t, tr.Quarantined("http://x"))

	clock.Advance(25*time.Second - time.Nanosecond)
	assert.True(t, tr.Quarantined("http://x"))
	assert.Empty(t, tr.BestStreams([]string{"http://x"}, 0))

	clock.Advance(time.Nanosecond)
	assert.False(t, tr.Quarantined("http://x"))
	assert.Equal(t, []string{"http://x"}, tr.BestStreams([]string{"http://x"}, 0))
}

func TestTrackerAbandonsAfterMaxAttempts(t *testing.T) {
	clock := scheduler.NewManual(t0)
	tr := NewTracker(time.Second, 2, clock)

	for i := 0; i < 3; i++ {
		tr.MarkFailed("http://x")
		clock.Advance(time.Minute)
	}
	rec, ok := tr.Record("http://x")
	require.True(t, ok)
	assert.Equal(t, 3, rec.Attempts)
	assert.False(t, tr.Quarantined("http://x"))
	assert.True(t, tr.Abandoned("http://x"))
	assert.False(t, tr.Eligible("http://x"))
}

func TestTrackerBestStreamsLimit(t *testing.T) {
	tr := NewTracker(time.Second, 5, scheduler.NewManual(t0))
	tr.MarkFailed("b")
	assert.Equal(t, []string{"a", "c"}, tr.BestStreams([]string{"a", "b", "c", "d"}, 2))
	assert.Len(t, tr.Snapshot(), 1)
	tr.Clear()
	assert.Empty(t, tr.Snapshot())
}

func TestHandleFailureFallsBackToNextQuality(t *testing.T) {
	clock := scheduler.NewManual(t0)
	tr := NewTracker(25*time.Second, 2, clock)
	loader := &fakeLoader{fail: map[string]bool{"http://b/hi.m3u8": true}}
	m := NewMachine(tr, loader, nil, Options{Shuffle: identity}, nil)

	var transitions []types.PlaybackState
	m.OnStateChange(func(_, to types.PlaybackState) { transitions = append(transitions, to) })

	ch := testChannel()
	out, err := m.HandleFailure(context.Background(), ch, ch.QualityKeys(), "http://a/hi.m3u8")
	require.NoError(t, err)

	assert.Equal(t, types.StatePlaying, out.State)
	assert.Equal(t, "720p", out.Quality)
	assert.Equal(t, "http://a/med.m3u8", out.URL)
	assert.True(t, tr.Quarantined("http://a/hi.m3u8"))
	assert.True(t, tr.Quarantined("http://b/hi.m3u8"))
	assert.Equal(t, []string{"http://b/hi.m3u8", "http://a/med.m3u8"}, loader.attempts())
	assert.Equal(t, []types.PlaybackState{types.StateStalled, types.StateRecovering, types.StatePlaying}, transitions)
	assert.Equal(t, types.StatePlaying, m.State())
}

func TestHandleFailureTriesEveryCandidate(t *testing.T) {
	tr := NewTracker(25*time.Second, 5, scheduler.NewManual(t0))
	loader := &fakeLoader{fail: map[string]bool{
		"http://b/hi.m3u8":  true,
		"http://a/med.m3u8": true,
		"http://a/low.m3u8": true,
	}}
	reverse := func(n int, swap func(i, j int)) {
		for i := 0; i < n/2; i++ {
			swap(i, n-1-i)
		}
	}
	m := NewMachine(tr, loader, nil, Options{Shuffle: reverse}, nil)

	ch := testChannel()
	out, err := m.HandleFailure(context.Background(), ch, ch.QualityKeys(), "http://a/hi.m3u8")
	assert.ErrorIs(t, err, ErrChannelExhausted)
	assert.Equal(t, types.StateDead, out.State)
	assert.ElementsMatch(t, []string{"http://b/hi.m3u8", "http://a/med.m3u8", "http://a/low.m3u8"}, loader.attempts())

	again, err := m.HandleFailure(context.Background(), ch, ch.QualityKeys(), "http://a/low.m3u8")
	require.NoError(t, err)
	assert.True(t, again.Ignored)

	m.Reset()
	assert.Equal(t, types.StatePlaying, m.State())
}

func TestHandleFailurePrefersCachedSource(t *testing.T) {
	tr := NewTracker(25*time.Second, 5, scheduler.NewManual(t0))
	loader := &fakeLoader{}
	cache := fakeCache{"news/1080p": "http://cache/hi.m3u8"}
	m := NewMachine(tr, loader, cache, Options{Shuffle: identity}, nil)

	ch := testChannel()
	out, err := m.HandleFailure(context.Background(), ch, ch.QualityKeys(), "http://a/hi.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "http://cache/hi.m3u8", out.URL)
}

func TestNoDoubleRecovery(t *testing.T) {
	tr := NewTracker(25*time.Second, 5, scheduler.NewManual(t0))
	loader := &fakeLoader{block: make(chan struct{})}
	m := NewMachine(tr, loader, nil, Options{Shuffle: identity}, nil)
	ch := testChannel()

	done := make(chan Outcome, 1)
	go func() {
		out, _ := m.HandleFailure(context.Background(), ch, ch.QualityKeys(), "http://a/hi.m3u8")
		done <- out
	}()

	require.Eventually(t, func() bool { return m.State() == types.StateRecovering }, time.Second, time.Millisecond)

	second, err := m.HandleFailure(context.Background(), ch, ch.QualityKeys(), "http://a/hi.m3u8")
	require.NoError(t, err)
	assert.True(t, second.Ignored)
	assert.Equal(t, types.StateRecovering, second.State)

	close(loader.block)
	first := <-done
	assert.Equal(t, types.StatePlaying, first.State)
	assert.Len(t, loader.attempts(), 1)

	rec, _ := tr.Record("http://a/hi.m3u8")
	assert.Equal(t, 1, rec.Attempts)
}

func TestHandleFailureCancelled(t *testing.T) {
	tr := NewTracker(25*time.Second, 5, scheduler.NewManual(t0))
	m := NewMachine(tr, &fakeLoader{}, nil, Options{Shuffle: identity}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := testChannel()
	out, err := m.HandleFailure(ctx, ch, ch.QualityKeys(), "http://a/hi.m3u8")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.StateStalled, out.State)
}

type switchedAway struct{ calls int }

func (s *switchedAway) Load(context.Context, string) error {
	s.calls++
	return ErrSuperseded
}

func TestHandleFailureStopsWhenSwitchedAway(t *testing.T) {
	tr := NewTracker(25*time.Second, 5, scheduler.NewManual(t0))
	loader := &switchedAway{}
	m := NewMachine(tr, loader, nil, Options{Shuffle: identity}, nil)

	ch := testChannel()
	out, err := m.HandleFailure(context.Background(), ch, ch.QualityKeys(), "http://a/hi.m3u8")
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Equal(t, types.StatePlaying, out.State)
	assert.Equal(t, types.StatePlaying, m.State())
	assert.Equal(t, 1, loader.calls, "no further candidates are tried")
	assert.True(t, tr.Eligible("http://b/hi.m3u8"), "the refused candidate is not blamed")
}

func TestFailureWhileStalledReportsStalledOrigin(t *testing.T) {
	tr := NewTracker(25*time.Second, 5, scheduler.NewManual(t0))
	m := NewMachine(tr, &fakeLoader{}, nil, Options{Shuffle: identity}, nil)
	ch := testChannel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.HandleFailure(ctx, ch, ch.QualityKeys(), "http://a/hi.m3u8")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, types.StateStalled, m.State())

	type edge struct{ from, to types.PlaybackState }
	var edges []edge
	m.OnStateChange(func(from, to types.PlaybackState) { edges = append(edges, edge{from, to}) })

	_, err = m.HandleFailure(context.Background(), ch, ch.QualityKeys(), "http://b/hi.m3u8")
	require.NoError(t, err)
	assert.Equal(t, []edge{
		{types.StateStalled, types.StateRecovering},
		{types.StateRecovering, types.StatePlaying},
	}, edges)
}

func TestTrackerOnFailedHook(t *testing.T) {
	tr := NewTracker(time.Second, 5, scheduler.NewManual(t0))
	var forgotten []string
	tr.OnFailed(func(url string) { forgotten = append(forgotten, url) })

	tr.MarkFailed("http://x")
	tr.MarkFailed("http://y")
	assert.Equal(t, []string{"http://x", "http://y"}, forgotten)
}
