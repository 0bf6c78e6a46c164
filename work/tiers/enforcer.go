package tiers

import (
	"sync"

	"kptv-zap/work/logger"
	"kptv-zap/work/metrics"
	"kptv-zap/work/types"
)

// LevelController is the part of a playback backend the enforcer drives.
type LevelController interface {
	Levels() []types.Level
	SetLevel(index int) error
}

// Enforcer keeps the tier mapping of the active backend and clamps its level switches.
type Enforcer struct {
	resolver *Resolver
	log      *logger.Logger

	mu      sync.Mutex
	mapping map[types.TierKey]int
}

// NewEnforcer creates an enforcer bound to resolver's allowed set.
func NewEnforcer(resolver *Resolver, log *logger.Logger) *Enforcer {
	if log == nil {
		log = logger.WithComponent("tiers", "info")
	}
	return &Enforcer{resolver: resolver, log: log, mapping: map[types.TierKey]int{}}
}

// Refresh rebuilds the mapping from the backend's current level list.
func (e *Enforcer) Refresh(backend LevelController) map[types.TierKey]int {
	mapping := e.resolver.MapLevelsToTiers(backend.Levels())
	e.mu.Lock()
	e.mapping = mapping
	e.mu.Unlock()
	return mapping
}

// Mapping returns a copy of the current mapping.
func (e *Enforcer) Mapping() map[types.TierKey]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[types.TierKey]int, len(e.mapping))
	for k, v := range e.mapping {
		out[k] = v
	}
	return out
}

// OnLevelSwitching handles a backend's proposed level. When the proposal falls outside
// the allowed tiers it is coerced to the nearest allowed index and pushed back to the
// backend. It returns the level that should end up active.
func (e *Enforcer) OnLevelSwitching(backend LevelController, proposed int) int {
	mapping := e.Mapping()
	if len(mapping) == 0 {
		mapping = e.Refresh(backend)
	}
	allowed := e.resolver.AllowedIndices(mapping)
	target := Coerce(proposed, allowed)
	if target == proposed {
		return proposed
	}

	if err := backend.SetLevel(target); err != nil {
		e.log.Warn("{tiers/enforcer - OnLevelSwitching} failed to coerce level %d -> %d: %v", proposed, target, err)
		return proposed
	}
	metrics.LevelCoercions.Inc()
	e.log.Debug("{tiers/enforcer - OnLevelSwitching} coerced level %d -> %d (allowed %v)", proposed, target, allowed)
	return target
}

// Apply moves the backend onto the level mapped for tier. It returns the level chosen or
// -1 when the backend exposes no levels.
func (e *Enforcer) Apply(backend LevelController, tier types.TierKey) int {
	levels := backend.Levels()
	if len(levels) == 0 {
		return -1
	}
	mapping := e.Mapping()
	idx, ok := mapping[tier]
	if !ok || idx < 0 {
		idx = e.resolver.LevelForTier(levels, tier)
	}
	if err := backend.SetLevel(idx); err != nil {
		e.log.Warn("{tiers/enforcer - Apply} failed to apply tier %s (level %d): %v", tier, idx, err)
		return -1
	}
	return idx
}
