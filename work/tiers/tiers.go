// Package tiers maps the abstract quality tier ladder onto whatever level list the active
// backend exposes, picks a tier for the available bandwidth, and clamps backend level
// switches into the allowed tier set.
package tiers

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"kptv-zap/work/types"
)

var (
	ErrUnknownTier = errors.New("unknown tier")
	ErrNoTiers     = errors.New("allowed tier set may not be empty")
)

// Resolver owns the tier table and the mutable allowed subset.
type Resolver struct {
	mu      sync.RWMutex
	tiers   []types.QualityTier
	allowed map[types.TierKey]bool
}

// NewResolver creates a resolver over tiers (sorted ascending by ceiling). All tiers
// start allowed.
func NewResolver(tiers []types.QualityTier) *Resolver {
	sorted := make([]types.QualityTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MaxBitrate != sorted[j].MaxBitrate {
			return sorted[i].MaxBitrate < sorted[j].MaxBitrate
		}
		return sorted[i].MaxHeight < sorted[j].MaxHeight
	})

	allowed := make(map[types.TierKey]bool, len(sorted))
	for _, t := range sorted {
		allowed[t.Key] = true
	}
	return &Resolver{tiers: sorted, allowed: allowed}
}

// Tiers returns the full tier table, ascending.
func (r *Resolver) Tiers() []types.QualityTier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.QualityTier, len(r.tiers))
	copy(out, r.tiers)
	return out
}

// Tier looks a tier up by key.
func (r *Resolver) Tier(key types.TierKey) (types.QualityTier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tiers {
		if t.Key == key {
			return t, true
		}
	}
	return types.QualityTier{}, false
}

// Ordinal is the position of key in the ascending table, or -1.
func (r *Resolver) Ordinal(key types.TierKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, t := range r.tiers {
		if t.Key == key {
			return i
		}
	}
	return -1
}

// SetAllowed replaces the allowed subset.
func (r *Resolver) SetAllowed(keys ...types.TierKey) error {
	if len(keys) == 0 {
		return ErrNoTiers
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[types.TierKey]bool, len(keys))
	for _, k := range keys {
		found := false
		for _, t := range r.tiers {
			if t.Key == k {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownTier, k)
		}
		next[k] = true
	}
	r.allowed = next
	return nil
}

// Allowed returns the allowed tiers, ascending.
func (r *Resolver) Allowed() []types.QualityTier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.QualityTier, 0, len(r.allowed))
	for _, t := range r.tiers {
		if r.allowed[t.Key] {
			out = append(out, t)
		}
	}
	return out
}

// Highest returns the highest allowed tier.
func (r *Resolver) Highest() types.QualityTier {
	allowed := r.Allowed()
	return allowed[len(allowed)-1]
}

// Lowest returns the lowest allowed tier.
func (r *Resolver) Lowest() types.QualityTier {
	return r.Allowed()[0]
}

// ChooseTierForBandwidth walks the allowed tiers ascending and returns the first whose
// MaxBitrate covers bw (bits/s). A non-positive, NaN or infinite bw means "not measured"
// and yields the highest allowed tier, as does a bw above every ceiling.
func (r *Resolver) ChooseTierForBandwidth(bw float64) types.QualityTier {
	allowed := r.Allowed()
	if bw <= 0 || math.IsNaN(bw) || math.IsInf(bw, 0) {
		return allowed[len(allowed)-1]
	}
	for _, t := range allowed {
		if t.MaxBitrate >= bw {
			return t
		}
	}
	return allowed[len(allowed)-1]
}

// MapLevelsToTiers buckets each level into the smallest tier whose height ceiling covers
// it (levels taller than every ceiling land in the top tier), keeping the highest level
// index per tier. Tiers without a direct level are back-filled from the nearest populated
// tier above, else below. With no levels the mapping is empty.
func (r *Resolver) MapLevelsToTiers(levels []types.Level) map[types.TierKey]int {
	tiers := r.Tiers()
	mapping := make(map[types.TierKey]int, len(tiers))
	if len(levels) == 0 || len(tiers) == 0 {
		return mapping
	}

	direct := make([]int, len(tiers))
	for i := range direct {
		direct[i] = -1
	}
	for idx, lvl := range levels {
		slot := len(tiers) - 1
		for ti, t := range tiers {
			if lvl.Height <= t.MaxHeight {
				slot = ti
				break
			}
		}
		if idx > direct[slot] {
			direct[slot] = idx
		}
	}

	for ti, t := range tiers {
		if direct[ti] >= 0 {
			mapping[t.Key] = direct[ti]
			continue
		}
		filled := -1
		for j := ti + 1; j < len(tiers); j++ {
			if direct[j] >= 0 {
				filled = direct[j]
				break
			}
		}
		if filled < 0 {
			for j := ti - 1; j >= 0; j-- {
				if direct[j] >= 0 {
					filled = direct[j]
					break
				}
			}
		}
		mapping[t.Key] = filled
	}
	return mapping
}

// AllowedIndices returns the sorted, de-duplicated level indices the allowed tiers map to.
func (r *Resolver) AllowedIndices(mapping map[types.TierKey]int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, t := range r.Allowed() {
		idx, ok := mapping[t.Key]
		if !ok || idx < 0 || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Coerce returns the allowed index closest to proposed, preferring the lower index on a
// tie. It returns proposed unchanged when allowed is empty or already contains it.
func Coerce(proposed int, allowed []int) int {
	if len(allowed) == 0 {
		return proposed
	}
	best := allowed[0]
	bestDist := absInt(best - proposed)
	for _, idx := range allowed[1:] {
		d := absInt(idx - proposed)
		if d < bestDist || (d == bestDist && idx < best) {
			best, bestDist = idx, d
		}
	}
	return best
}

// LevelForTier returns the level index mapped to key, falling back to the tallest level
// under the tier's ceiling, then to 0. It returns -1 when there are no levels.
func (r *Resolver) LevelForTier(levels []types.Level, key types.TierKey) int {
	if len(levels) == 0 {
		return -1
	}
	if idx, ok := r.MapLevelsToTiers(levels)[key]; ok && idx >= 0 {
		return idx
	}
	tier, ok := r.Tier(key)
	if !ok {
		return 0
	}
	best, bestHeight := 0, -1
	for i, lvl := range levels {
		if lvl.Height <= tier.MaxHeight && lvl.Height > bestHeight {
			best, bestHeight = i, lvl.Height
		}
	}
	return best
}

// TierForQuality maps a quality label ("720p") onto the smallest tier covering its height.
func (r *Resolver) TierForQuality(label string) types.QualityTier {
	tiers := r.Tiers()
	h := types.QualityHeight(label)
	for _, t := range tiers {
		if h <= t.MaxHeight {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
