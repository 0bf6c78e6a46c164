package backend

import (
	"context"
	"fmt"
	"sync"

	"kptv-zap/work/logger"
	"kptv-zap/work/types"
)

// Headless is a manifest-driven backend for deployments where the actual decoder lives
// outside this process (a set-top player, a browser surface). Load resolves the source's
// levels through the manifest cache; position, buffered range, dropped frames and ABR
// proposals arrive through Ingest and are re-published to subscribers.
type Headless struct {
	manifests *ManifestCache
	log       *logger.Logger

	mu          sync.RWMutex
	source      string
	levels      []types.Level
	current     int
	position    float64
	bufferedEnd float64
	hasBuffered bool
	dropped     int
	paused      bool
	ready       types.ReadyState

	subMu   sync.RWMutex
	subs    map[int]func(types.BackendEvent)
	nextSub int
}

// NewHeadless creates a headless backend.
func NewHeadless(manifests *ManifestCache, log *logger.Logger) *Headless {
	if log == nil {
		log = logger.WithComponent("backend", "info")
	}
	return &Headless{
		manifests: manifests,
		log:       log,
		current:   -1,
		subs:      make(map[int]func(types.BackendEvent)),
	}
}

// Load resolves url and makes it the active source. Playback state is reset.
func (h *Headless) Load(ctx context.Context, url string) error {
	m, err := h.manifests.Describe(ctx, url)
	if err != nil {
		return fmt.Errorf("load %s: %w", url, err)
	}

	levels := make([]types.Level, len(m.Levels))
	copy(levels, m.Levels)

	h.mu.Lock()
	h.source = url
	h.levels = levels
	h.current = len(levels) - 1
	h.position = 0
	h.bufferedEnd = 0
	h.hasBuffered = false
	h.dropped = 0
	h.paused = false
	h.ready = types.HaveMetadata
	h.mu.Unlock()

	h.log.Debug("{backend/headless - Load} loaded %s source with %d levels", m.Kind, len(levels))
	h.publish(types.BackendEvent{Kind: types.EventManifestParsed, URL: url})
	return nil
}

// Forget drops the cached manifest of url.
func (h *Headless) Forget(url string) {
	h.manifests.Forget(url)
}

func (h *Headless) Source() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.source
}

func (h *Headless) Levels() []types.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.Level, len(h.levels))
	copy(out, h.levels)
	return out
}

func (h *Headless) CurrentLevel() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *Headless) SetLevel(index int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.levels) {
		return fmt.Errorf("%w: %d of %d", ErrLevelOutOfRange, index, len(h.levels))
	}
	h.current = index
	return nil
}

func (h *Headless) BufferedEnd() (float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.hasBuffered {
		return 0, ErrNoBufferedRange
	}
	return h.bufferedEnd, nil
}

func (h *Headless) Position() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.position
}

func (h *Headless) DroppedFrames() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (h *Headless) Ready() types.ReadyState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

func (h *Headless) Paused() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.paused
}

// Ingest applies an externally observed event and forwards it to subscribers.
func (h *Headless) Ingest(ev types.BackendEvent) {
	h.mu.Lock()
	switch ev.Kind {
	case types.EventProgress:
		h.position = ev.Position
		h.bufferedEnd = ev.BufferedEnd
		h.hasBuffered = ev.BufferedEnd > 0
		h.dropped = ev.Dropped
		h.paused = ev.Paused
		switch {
		case ev.BufferedEnd-ev.Position >= 1:
			h.ready = types.HaveEnoughData
		case ev.BufferedEnd > ev.Position:
			h.ready = types.HaveCurrentData
		default:
			h.ready = types.HaveMetadata
		}
	case types.EventLevelSwitching:
		if ev.Level >= 0 && ev.Level < len(h.levels) {
			h.current = ev.Level
		}
	}
	if ev.URL == "" {
		ev.URL = h.source
	}
	h.mu.Unlock()

	h.publish(ev)
}

// Subscribe registers fn for every event; the returned func detaches it.
func (h *Headless) Subscribe(fn func(types.BackendEvent)) func() {
	h.subMu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.subMu.Unlock()

	return func() {
		h.subMu.Lock()
		delete(h.subs, id)
		h.subMu.Unlock()
	}
}

func (h *Headless) publish(ev types.BackendEvent) {
	h.subMu.RLock()
	fns := make([]func(types.BackendEvent), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
