package parser

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"kptv-zap/work/types"

	"github.com/grafov/m3u8"
)

// Kind classifies a loaded source.
type Kind int

const (
	KindFlat   Kind = iota // a single file treated as one variant
	KindMaster             // HLS master playlist, one level per variant
	KindMedia              // HLS media playlist, one level
)

func (k Kind) String() string {
	switch k {
	case KindMaster:
		return "master"
	case KindMedia:
		return "media"
	}
	return "flat"
}

// ErrEmptyPlaylist is returned for a playlist without variants or segments.
var ErrEmptyPlaylist = errors.New("playlist has no variants or segments")

// Manifest is the backend-neutral view of a source: its levels (ascending by bitrate,
// then height) and, for media playlists, its segment URLs.
type Manifest struct {
	Kind           Kind
	URL            string
	Levels         []types.Level
	Segments       []string
	TargetDuration float64
}

// IsPlaylistURL reports whether the URL path names an HLS playlist.
func IsPlaylistURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	return ext == ".m3u8" || ext == ".m3u"
}

// IsPlaylistContent reports whether content starts with the #EXTM3U tag.
func IsPlaylistContent(content []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(content), []byte("#EXTM3U"))
}

// Parse decodes content fetched from baseURL. Anything that is not an M3U playlist is
// described as a flat single-level source.
func Parse(content []byte, baseURL string) (*Manifest, error) {
	if !IsPlaylistContent(content) {
		return &Manifest{
			Kind:   KindFlat,
			URL:    baseURL,
			Levels: []types.Level{{Index: 0, URL: baseURL}},
		}, nil
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(content), false)
	if err != nil {
		return nil, fmt.Errorf("failed to decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		levels := make([]types.Level, 0, len(master.Variants))
		for _, v := range master.Variants {
			if v == nil || v.URI == "" {
				continue
			}
			levels = append(levels, types.Level{
				Height:  heightFromResolution(v.Resolution),
				Bitrate: int(v.Bandwidth),
				URL:     resolveURL(v.URI, baseURL),
			})
		}
		if len(levels) == 0 {
			return nil, ErrEmptyPlaylist
		}
		sort.SliceStable(levels, func(i, j int) bool {
			if levels[i].Bitrate != levels[j].Bitrate {
				return levels[i].Bitrate < levels[j].Bitrate
			}
			return levels[i].Height < levels[j].Height
		})
		for i := range levels {
			levels[i].Index = i
		}
		return &Manifest{Kind: KindMaster, URL: baseURL, Levels: levels}, nil

	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		var segments []string
		for _, seg := range media.Segments {
			if seg == nil || seg.URI == "" {
				continue
			}
			segments = append(segments, resolveURL(seg.URI, baseURL))
		}
		if len(segments) == 0 {
			return nil, ErrEmptyPlaylist
		}
		return &Manifest{
			Kind:           KindMedia,
			URL:            baseURL,
			Levels:         []types.Level{{Index: 0, URL: baseURL}},
			Segments:       segments,
			TargetDuration: media.TargetDuration,
		}, nil
	}

	return nil, fmt.Errorf("unsupported playlist type %v", listType)
}

// LowestVariant returns the URL of the lowest-bitrate level.
func (m *Manifest) LowestVariant() string {
	if len(m.Levels) == 0 {
		return m.URL
	}
	return m.Levels[0].URL
}

// resolveURL converts a possibly relative playlist reference to an absolute URL.
func resolveURL(streamURL, baseURL string) string {
	if strings.HasPrefix(streamURL, "http://") || strings.HasPrefix(streamURL, "https://") {
		return streamURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return streamURL
	}
	rel, err := url.Parse(streamURL)
	if err != nil {
		return streamURL
	}
	return base.ResolveReference(rel).String()
}

// heightFromResolution reads the height out of a "WIDTHxHEIGHT" attribute.
func heightFromResolution(res string) int {
	_, h, ok := strings.Cut(strings.ToLower(res), "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0
	}
	return n
}
