// Package history persists the bounded watch log used for predictive preloading and
// remembers the last watched channel across restarts.
package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one channel visit.
type Entry struct {
	Index     int       `json:"index"`
	ChannelID string    `json:"channelId"`
	WatchedAt time.Time `json:"watchedAt"`
}

// Store is an append-only bounded watch log.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, n int) ([]Entry, error)
	SetLastIndex(ctx context.Context, idx int) error
	LastIndex(ctx context.Context) (int, bool, error)
	Close() error
}

// Rank returns up to top channel indices ordered by visit count over entries, most
// visited first. Ties keep the most recently visited channel first.
func Rank(entries []Entry, top int) []int {
	if top <= 0 || len(entries) == 0 {
		return nil
	}
	counts := make(map[int]int)
	lastSeen := make(map[int]int)
	for i, e := range entries {
		counts[e.Index]++
		lastSeen[e.Index] = i
	}
	out := make([]int, 0, len(counts))
	for idx := range counts {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return lastSeen[out[i]] > lastSeen[out[j]]
	})
	if len(out) > top {
		out = out[:top]
	}
	return out
}

// Memory is an in-process Store.
type Memory struct {
	limit int

	mu      sync.Mutex
	entries []Entry
	last    int
	hasLast bool
}

// NewMemory creates a store keeping at most limit entries.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 5000
	}
	return &Memory{limit: limit}
}

func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if over := len(m.entries) - m.limit; over > 0 {
		m.entries = append([]Entry(nil), m.entries[over:]...)
	}
	return nil
}

// Recent returns the last n entries oldest first (all of them when n <= 0).
func (m *Memory) Recent(_ context.Context, n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if n > 0 && len(m.entries) > n {
		start = len(m.entries) - n
	}
	return append([]Entry(nil), m.entries[start:]...), nil
}

func (m *Memory) SetLastIndex(_ context.Context, idx int) error {
	m.mu.Lock()
	m.last, m.hasLast = idx, true
	m.mu.Unlock()
	return nil
}

func (m *Memory) LastIndex(_ context.Context) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast, nil
}

func (m *Memory) Close() error { return nil }
