package tiers

import (
	"math"
	"sync"
)

// ConnectionCap is the bandwidth ceiling of a network category in bits/s. Zero means uncapped.
type ConnectionCap struct {
	MaxBandwidth float64 `json:"maxBandwidth"`
	Suggested    string  `json:"suggested"`
}

// SafetyRatio leaves headroom under the measured bandwidth.
const SafetyRatio = 0.8

// minEffectiveBandwidth is the floor of a measured, safety-scaled bandwidth.
const minEffectiveBandwidth = 10000

// Caps is the category table. It can be extended at runtime with SetCustomCap.
type Caps struct {
	mu   sync.RWMutex
	caps map[string]ConnectionCap
}

// NewCaps returns the stock category table.
func NewCaps() *Caps {
	return &Caps{caps: map[string]ConnectionCap{
		"slow-2g":  {MaxBandwidth: 80000, Suggested: "very low (~144p)"},
		"2g":       {MaxBandwidth: 150000, Suggested: "very low (~240p)"},
		"3g":       {MaxBandwidth: 700000, Suggested: "low (~480p)"},
		"4g":       {MaxBandwidth: 2500000, Suggested: "medium (~720p)"},
		"5g":       {Suggested: "high (>=1080p)"},
		"wifi":     {Suggested: "full quality"},
		"ethernet": {Suggested: "full quality"},
		"saveData": {MaxBandwidth: 120000, Suggested: "very low (save-data)"},
		"unknown":  {MaxBandwidth: 1200000, Suggested: "default (~1.2Mbps)"},
	}}
}

// SetCustomCap adds or replaces a category.
func (c *Caps) SetCustomCap(category string, maxBandwidth float64, suggested string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps[category] = ConnectionCap{MaxBandwidth: maxBandwidth, Suggested: suggested}
}

// Lookup returns the cap for category, falling back to "unknown".
func (c *Caps) Lookup(category string) ConnectionCap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.caps[category]; ok {
		return entry
	}
	return c.caps["unknown"]
}

// EffectiveBandwidth combines the category cap with a measured bandwidth (bits/s).
// A measurement is scaled by SafetyRatio with a floor, then clamped by the cap. Without a
// measurement the cap itself is returned; an uncapped category then yields 0 (unmeasured).
func (c *Caps) EffectiveBandwidth(category string, measured float64) float64 {
	limit := c.Lookup(category).MaxBandwidth
	if measured > 0 && !math.IsInf(measured, 0) && !math.IsNaN(measured) {
		safety := math.Max(minEffectiveBandwidth, math.Floor(measured*SafetyRatio))
		if limit <= 0 {
			return safety
		}
		return math.Min(limit, safety)
	}
	return limit
}

// Cellular reports whether the category should suppress background pre-warming.
func Cellular(category string) bool {
	switch category {
	case "slow-2g", "2g", "3g", "saveData":
		return true
	}
	return false
}

// Unmetered reports whether the category allows promoting to the highest allowed tier.
func Unmetered(category string) bool {
	switch category {
	case "wifi", "5g", "ethernet":
		return true
	}
	return false
}
