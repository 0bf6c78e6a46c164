package session

import (
	"context"
	"testing"
	"time"

	"kptv-zap/work/scheduler"

	"github.com/stretchr/testify/assert"
)

func TestStaticExpiryAndRefresh(t *testing.T) {
	clock := scheduler.NewManual(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	s := NewStatic("abc", time.Hour, clock)
	assert.True(t, s.Valid())
	assert.Equal(t, "abc", s.Token())

	clock.Advance(time.Hour)
	assert.False(t, s.Valid())

	assert.NoError(t, s.Refresh(context.Background()))
	assert.True(t, s.Valid())
}

func TestStaticWithoutToken(t *testing.T) {
	s := NewStatic("", 0, nil)
	assert.False(t, s.Valid())
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrNoSession)

	forever := NewStatic("t", 0, nil)
	assert.True(t, forever.Valid())
}
