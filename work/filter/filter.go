package filter

import (
	"fmt"
	"strings"

	"kptv-zap/work/logger"
	"kptv-zap/work/types"

	"github.com/grafana/regexp"
)

// Content type detection regexes
var (
	seriesRegex = regexp.MustCompile(`(?i)24\/7|247|\/series\/|\/shows\/|\/show\/`)
	vodRegex    = regexp.MustCompile(`(?i)\/vods\/|\/vod\/|\/movies\/|\/movie\/`)
)

// CompiledFilter holds the include/exclude patterns applied to channel names and categories.
type CompiledFilter struct {
	Include *regexp.Regexp
	Exclude *regexp.Regexp
}

// New compiles the patterns. An empty pattern disables that side of the filter.
func New(include, exclude string) (*CompiledFilter, error) {
	f := &CompiledFilter{}
	if include != "" {
		compiled, err := regexp.Compile(include)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", include, err)
		}
		f.Include = compiled
	}
	if exclude != "" {
		compiled, err := regexp.Compile(exclude)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", exclude, err)
		}
		f.Exclude = compiled
	}
	return f, nil
}

// Empty reports whether the filter lets everything through.
func (f *CompiledFilter) Empty() bool {
	return f == nil || (f.Include == nil && f.Exclude == nil)
}

// FilterChannels keeps the channels the filter accepts, preserving order.
func FilterChannels(channels []types.Channel, f *CompiledFilter) []types.Channel {
	if f.Empty() {
		logger.Debug("{filter/filter - FilterChannels} no filters configured, returning %d channels unchanged", len(channels))
		return channels
	}

	filtered := make([]types.Channel, 0, len(channels))
	for i := range channels {
		if f.Match(&channels[i]) {
			filtered = append(filtered, channels[i])
		}
	}
	logger.Debug("{filter/filter - FilterChannels} filtered %d -> %d channels", len(channels), len(filtered))
	return filtered
}

// Match applies the include patterns first: when present, the name or the category must
// match. The exclude pattern then removes anything whose name or category matches.
func (f *CompiledFilter) Match(ch *types.Channel) bool {
	name := strings.TrimSpace(strings.ToLower(ch.Name))
	category := strings.TrimSpace(strings.ToLower(ch.Category))

	if f.Include != nil && !f.Include.MatchString(name) && !f.Include.MatchString(category) {
		logger.Debug("{filter/filter - Match} excluded by include filter: '%s'", ch.Name)
		return false
	}
	if f.Exclude != nil && (f.Exclude.MatchString(name) || (category != "" && f.Exclude.MatchString(category))) {
		logger.Debug("{filter/filter - Match} excluded by exclude filter: '%s'", ch.Name)
		return false
	}
	return true
}

// ContentType classifies a channel as live, series or vod from its name, first URL and
// category, the same way provider playlists are classified on import.
func ContentType(ch *types.Channel) string {
	url := ch.URL
	if keys := ch.QualityKeys(); url == "" && len(keys) > 0 {
		url = ch.Mirrors(keys[0])[0]
	}

	if seriesRegex.MatchString(ch.Name) || seriesRegex.MatchString(url) {
		return "series"
	}
	if vodRegex.MatchString(ch.Name) || vodRegex.MatchString(url) {
		return "vod"
	}

	group := strings.ToLower(ch.Category)
	switch {
	case strings.Contains(group, "series"):
		return "series"
	case strings.Contains(group, "vod") || strings.Contains(group, "movie"):
		return "vod"
	}

	// Default to live
	return "live"
}
