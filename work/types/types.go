package types

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// TierKey identifies a quality tier independently of any backend's concrete variant list.
type TierKey string

// Tier keys in ascending order of ceiling.
const (
	TierLow    TierKey = "low"
	TierMedium TierKey = "medium"
	TierHigh   TierKey = "high"
	TierUltra  TierKey = "ultra"
)

// QualityTier is an ordered quality class with a resolution and bitrate ceiling. Tiers
// are totally ordered by their position in a tier table; MaxBitrate is expressed in
// bits per second and may be +Inf for an unbounded top tier.
type QualityTier struct {
	Key        TierKey `json:"key"`
	Name       string  `json:"name"`
	MaxHeight  int     `json:"maxHeight"`
	MaxBitrate float64 `json:"maxBitrate"`
}

// DefaultTiers is the stock tier table, ascending by ceiling.
func DefaultTiers() []QualityTier {
	return []QualityTier{
		{Key: TierLow, Name: "Low", MaxHeight: 480, MaxBitrate: 1_000_000},
		{Key: TierMedium, Name: "Medium", MaxHeight: 720, MaxBitrate: 2_500_000},
		{Key: TierHigh, Name: "High", MaxHeight: 1080, MaxBitrate: 5_000_000},
		{Key: TierUltra, Name: "Ultra", MaxHeight: 2160, MaxBitrate: math.Inf(1)},
	}
}

// ParseTierKey accepts the canonical keys plus the short labels used by catalogs.
func ParseTierKey(s string) (TierKey, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "sd":
		return TierLow, true
	case "medium", "med", "hd":
		return TierMedium, true
	case "high", "fhd":
		return TierHigh, true
	case "ultra", "4k", "uhd":
		return TierUltra, true
	}
	return "", false
}

// Level is one backend-specific rendition (variant) of a source.
type Level struct {
	Index   int    `json:"index"`
	Height  int    `json:"height"`
	Bitrate int    `json:"bitrate"`
	URL     string `json:"url,omitempty"`
}

// ReadyState mirrors the readiness ladder of a media element.
type ReadyState int

const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

// ReadyToPlay is the lowest readiness at which a preloaded source is handed to playback.
const ReadyToPlay = HaveCurrentData

// Channel is a single catalog entry. Qualities maps a human-sortable quality label
// (e.g. "1080p") to an ordered list of mirror URLs. A channel always has at least one
// quality; a bare URL is carried as the synthesized quality BareQuality.
type Channel struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Logo      string              `json:"logo,omitempty"`
	Category  string              `json:"category,omitempty"`
	URL       string              `json:"url,omitempty"`
	Qualities map[string][]string `json:"qualities"`
}

// BareQuality is the quality label given to a channel that only supplied a single URL.
const BareQuality = "480p"

// QualityHeight extracts the numeric prefix of a quality label ("1080p" -> 1080).
// Labels without a numeric prefix map to 0.
func QualityHeight(label string) int {
	end := 0
	for end < len(label) && label[end] >= '0' && label[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(label[:end])
	if err != nil {
		return 0
	}
	return n
}

// QualityKeys returns the channel's quality labels in descending preference order
// (numeric prefix descending, label ascending on ties).
func (c *Channel) QualityKeys() []string {
	keys := make([]string, 0, len(c.Qualities))
	for k, urls := range c.Qualities {
		if len(urls) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		hi, hj := QualityHeight(keys[i]), QualityHeight(keys[j])
		if hi != hj {
			return hi > hj
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Mirrors returns the mirror URLs for a quality label.
func (c *Channel) Mirrors(quality string) []string {
	return c.Qualities[quality]
}

// Playable reports whether the channel has any source at all.
func (c *Channel) Playable() bool {
	if c.URL != "" {
		return true
	}
	for _, urls := range c.Qualities {
		if len(urls) > 0 {
			return true
		}
	}
	return false
}

// EventKind names a backend notification.
type EventKind string

const (
	EventManifestParsed EventKind = "manifest_parsed"
	EventLevelSwitching EventKind = "level_switching"
	EventError          EventKind = "error"
	EventStalled        EventKind = "stalled"
	EventSuspend        EventKind = "suspend"
	EventProgress       EventKind = "progress"
)

// BackendEvent is the single message type crossing the backend boundary.
type BackendEvent struct {
	Kind        EventKind `json:"kind"`
	Level       int       `json:"level,omitempty"`
	Fatal       bool      `json:"fatal,omitempty"`
	URL         string    `json:"url,omitempty"`
	Position    float64   `json:"position,omitempty"`
	BufferedEnd float64   `json:"bufferedEnd,omitempty"`
	Dropped     int       `json:"dropped,omitempty"`
	Paused      bool      `json:"paused,omitempty"`
}

// IsFailure reports whether the event should move playback out of PLAYING.
func (e BackendEvent) IsFailure() bool {
	switch e.Kind {
	case EventStalled, EventSuspend:
		return true
	case EventError:
		return e.Fatal
	}
	return false
}

// PlaybackState is the failover state machine's state.
type PlaybackState string

const (
	StatePlaying    PlaybackState = "PLAYING"
	StateStalled    PlaybackState = "STALLED"
	StateRecovering PlaybackState = "RECOVERING"
	StateDead       PlaybackState = "DEAD"
)

// Ordinal gives each state a stable number for the failover-state gauge.
func (s PlaybackState) Ordinal() float64 {
	switch s {
	case StatePlaying:
		return 0
	case StateStalled:
		return 1
	case StateRecovering:
		return 2
	case StateDead:
		return 3
	}
	return -1
}
