// Package session is the narrow view of the login service the controller consumes:
// whether the session is valid, a refresh call and the bearer token itself.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"kptv-zap/work/scheduler"
)

// ErrNoSession is returned by Refresh when there is nothing to refresh.
var ErrNoSession = errors.New("no session configured")

// Provider issues the access token used for authenticated catalog requests.
type Provider interface {
	Valid() bool
	Refresh(ctx context.Context) error
	Token() string
}

// Static serves a token configured up front. With a zero lifetime it never expires;
// otherwise Refresh re-arms it for another lifetime.
type Static struct {
	clock    scheduler.Clock
	lifetime time.Duration

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// NewStatic creates a provider for token.
func NewStatic(token string, lifetime time.Duration, clock scheduler.Clock) *Static {
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	s := &Static{clock: clock, lifetime: lifetime, token: token}
	if lifetime > 0 {
		s.expiresAt = clock.Now().Add(lifetime)
	}
	return s
}

func (s *Static) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return false
	}
	return s.expiresAt.IsZero() || s.clock.Now().Before(s.expiresAt)
}

func (s *Static) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return ErrNoSession
	}
	if s.lifetime > 0 {
		s.expiresAt = s.clock.Now().Add(s.lifetime)
	}
	return nil
}

func (s *Static) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}
