// Package backend defines the playback capability contract the controller depends on,
// plus a headless manifest-driven implementation and the preload element factory.
package backend

import (
	"context"
	"errors"

	"kptv-zap/work/types"
)

var (
	// ErrNoBufferedRange is returned by BufferedEnd before anything has been buffered.
	ErrNoBufferedRange = errors.New("no buffered range")
	// ErrLevelOutOfRange is returned by SetLevel for an index the backend does not expose.
	ErrLevelOutOfRange = errors.New("level index out of range")
)

// Backend is everything the controller needs from a player: load a source, list and
// switch its variants, and read buffered range and position.
type Backend interface {
	Load(ctx context.Context, url string) error
	Source() string
	Levels() []types.Level
	CurrentLevel() int
	SetLevel(index int) error
	BufferedEnd() (float64, error)
	Position() float64
	DroppedFrames() int
	Ready() types.ReadyState
	Paused() bool
}

// Notifier is implemented by backends that push their own events. The returned func
// detaches the listener.
type Notifier interface {
	Subscribe(fn func(types.BackendEvent)) (unsubscribe func())
}

// Ingester is implemented by backends whose state is fed from outside (progress reports
// from an embedding player).
type Ingester interface {
	Ingest(ev types.BackendEvent)
}

// Forgetter is implemented by backends that cache what they resolved for a URL. Forget
// drops that state so the next Load goes back to the origin.
type Forgetter interface {
	Forget(url string)
}
