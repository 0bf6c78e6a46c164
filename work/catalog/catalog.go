// Package catalog loads the ordered channel list and normalizes it into playable channels.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"kptv-zap/work/client"
	"kptv-zap/work/filter"
	"kptv-zap/work/logger"
	"kptv-zap/work/session"
	"kptv-zap/work/types"
	"kptv-zap/work/utils"
)

// ErrEmptyCatalog is returned when no playable channel survives normalization.
var ErrEmptyCatalog = errors.New("catalog has no playable channels")

// Record is one channel as supplied by the catalog service. Quality values may be a single
// URL or a list of mirrors.
type Record struct {
	Name      string                     `json:"name"`
	Logo      string                     `json:"logo,omitempty"`
	Category  string                     `json:"category,omitempty"`
	URL       string                     `json:"url,omitempty"`
	Qualities map[string]json.RawMessage `json:"qualities,omitempty"`
}

// Options controls normalization.
type Options struct {
	Include            string
	Exclude            string
	QualityBlendLevels int // quality labels considered per channel (0 = all)
}

// Catalog is an immutable, normalized channel list.
type Catalog struct {
	channels []types.Channel
	blend    int
}

// New normalizes records. Records with neither a URL nor a quality are dropped; a bare URL
// becomes the single quality types.BareQuality; IDs are derived from names and made unique.
func New(records []Record, opts Options) (*Catalog, error) {
	f, err := filter.New(opts.Include, opts.Exclude)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	channels := make([]types.Channel, 0, len(records))
	for i, rec := range records {
		ch := types.Channel{
			Name:      strings.TrimSpace(rec.Name),
			Logo:      rec.Logo,
			Category:  rec.Category,
			URL:       strings.TrimSpace(rec.URL),
			Qualities: make(map[string][]string),
		}
		for label, raw := range rec.Qualities {
			if urls := decodeMirrors(raw); len(urls) > 0 {
				ch.Qualities[label] = urls
			}
		}
		if len(ch.Qualities) == 0 && ch.URL != "" {
			ch.Qualities[types.BareQuality] = []string{ch.URL}
		}
		if !ch.Playable() || len(ch.Qualities) == 0 {
			logger.Debug("{catalog/catalog - New} dropping record %d (%q): no source", i, rec.Name)
			continue
		}
		if ch.Name == "" {
			ch.Name = "Channel " + strconv.Itoa(i+1)
		}
		if ch.Category == "" {
			ch.Category = filter.ContentType(&ch)
		}

		id := utils.SanitizeChannelName(ch.Name)
		if id == "" {
			id = "channel_" + strconv.Itoa(i+1)
		}
		// a suffixed id may itself collide with a later literal name
		base := id
		for n := 2; seen[id]; n++ {
			id = base + "_" + strconv.Itoa(n)
		}
		seen[id] = true
		ch.ID = id
		channels = append(channels, ch)
	}

	channels = filter.FilterChannels(channels, f)
	if len(channels) == 0 {
		return nil, ErrEmptyCatalog
	}
	return &Catalog{channels: channels, blend: opts.QualityBlendLevels}, nil
}

func decodeMirrors(raw json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var single string
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil
		}
		list = []string{single}
	}
	out := list[:0]
	for _, u := range list {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// Load reads the records from a file path or an http(s) URL and normalizes them. For a URL
// the provider's bearer token is attached; an invalid session is refreshed first and a 401
// triggers one refresh and retry.
func Load(ctx context.Context, source string, opts Options, provider session.Provider, doer client.Doer) (*Catalog, error) {
	var data []byte
	var err error

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		data, err = fetch(ctx, source, provider, doer)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		var wrapped struct {
			Channels []Record `json:"channels"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("failed to parse catalog: %w", err)
		}
		records = wrapped.Channels
	}

	c, err := New(records, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("{catalog/catalog - Load} loaded %d channels from %d records", c.Len(), len(records))
	return c, nil
}

func fetch(ctx context.Context, url string, provider session.Provider, doer client.Doer) ([]byte, error) {
	if provider != nil && !provider.Valid() {
		if err := provider.Refresh(ctx); err != nil && !errors.Is(err, session.ErrNoSession) {
			return nil, fmt.Errorf("session refresh failed: %w", err)
		}
	}

	data, err := client.Fetch(ctx, doer, url, authHeader(provider))
	var status *client.StatusError
	if errors.As(err, &status) && status.Code == http.StatusUnauthorized && provider != nil {
		if rerr := provider.Refresh(ctx); rerr != nil {
			return nil, fmt.Errorf("session refresh failed: %w", rerr)
		}
		data, err = client.Fetch(ctx, doer, url, authHeader(provider))
	}
	return data, err
}

func authHeader(provider session.Provider) http.Header {
	h := http.Header{}
	if provider != nil && provider.Token() != "" {
		h.Set("Authorization", "Bearer "+provider.Token())
	}
	return h
}

// Len is the number of channels.
func (c *Catalog) Len() int { return len(c.channels) }

// Channel returns the channel at idx.
func (c *Catalog) Channel(idx int) (*types.Channel, bool) {
	if idx < 0 || idx >= len(c.channels) {
		return nil, false
	}
	return &c.channels[idx], true
}

// Channels returns the channel list. Callers must not modify it.
func (c *Catalog) Channels() []types.Channel { return c.channels }

// Qualities lists the channel's quality labels in preference order, capped at the blend
// level count.
func (c *Catalog) Qualities(idx int) []string {
	ch, ok := c.Channel(idx)
	if !ok {
		return []string{types.BareQuality}
	}
	keys := ch.QualityKeys()
	if c.blend > 0 && len(keys) > c.blend {
		keys = keys[:c.blend]
	}
	return keys
}

// FirstPlayable returns the index of the first channel with a source.
func (c *Catalog) FirstPlayable() int {
	for i := range c.channels {
		if c.channels[i].Playable() {
			return i
		}
	}
	return 0
}

// StartIndex picks where playback begins: the last watched channel when it is still in
// range, else the first playable one.
func (c *Catalog) StartIndex(last int, ok bool) int {
	if ok && last >= 0 && last < len(c.channels) {
		return last
	}
	return c.FirstPlayable()
}
