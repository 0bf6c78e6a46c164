package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"kptv-zap/work/client"
	"kptv-zap/work/parser"

	"github.com/maypok86/otter/v2"
)

// maxManifestBytes bounds how much of a source is read to classify it.
const maxManifestBytes = 1 << 20

// ManifestCache fetches and decodes source manifests, reusing results for a short TTL so
// preloads, recovery attempts and the active backend do not refetch the same playlist.
type ManifestCache struct {
	doer    client.Doer
	timeout time.Duration
	cache   *otter.Cache[string, *parser.Manifest]
}

// NewManifestCache creates a cache holding up to size manifests for ttl.
func NewManifestCache(doer client.Doer, size int, ttl, timeout time.Duration) *ManifestCache {
	if size <= 0 {
		size = 512
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ManifestCache{
		doer:    doer,
		timeout: timeout,
		cache: otter.Must(&otter.Options[string, *parser.Manifest]{
			MaximumSize:      size,
			ExpiryCalculator: otter.ExpiryWriting[string, *parser.Manifest](ttl),
		}),
	}
}

// Describe returns the decoded manifest for url.
func (mc *ManifestCache) Describe(ctx context.Context, url string) (*parser.Manifest, error) {
	if m, ok := mc.cache.GetIfPresent(url); ok {
		return m, nil
	}

	ctx, cancel := context.WithTimeout(ctx, mc.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest request: %w", err)
	}
	resp, err := mc.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &client.StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil && len(body) == 0 {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := parser.Parse(body, url)
	if err != nil {
		return nil, err
	}
	mc.cache.Set(url, m)
	return m, nil
}

// Forget drops a cached manifest, used after a source fails.
func (mc *ManifestCache) Forget(url string) {
	mc.cache.Invalidate(url)
}
