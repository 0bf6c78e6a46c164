package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"kptv-zap/work/buffer"
	"kptv-zap/work/cache"
	"kptv-zap/work/client"
	"kptv-zap/work/logger"
	"kptv-zap/work/parser"
	"kptv-zap/work/types"
)

// Preloader builds preload elements that warm a source by downloading its first bytes:
// the first media segment of an HLS source (through its lowest variant for a master
// playlist) or the head of a flat file.
type Preloader struct {
	doer        client.Doer
	manifests   *ManifestCache
	pool        *buffer.BufferPool
	sampleBytes int64
	log         *logger.Logger
}

// NewPreloader creates the element factory used by the preload cache.
func NewPreloader(doer client.Doer, manifests *ManifestCache, pool *buffer.BufferPool, sampleBytes int64, log *logger.Logger) *Preloader {
	if sampleBytes <= 0 {
		sampleBytes = 2 * 1024 * 1024
	}
	if log == nil {
		log = logger.WithComponent("preload", "info")
	}
	return &Preloader{doer: doer, manifests: manifests, pool: pool, sampleBytes: sampleBytes, log: log}
}

// NewElement resolves url down to a downloadable resource, opens it and returns an
// element that keeps filling its sample buffer in the background. An element is
// returned only once the resource answered with a 2xx status.
func (p *Preloader) NewElement(ctx context.Context, url string) (cache.Element, error) {
	target := url
	if parser.IsPlaylistURL(url) {
		seg, err := p.firstSegment(ctx, url)
		if err != nil {
			return nil, err
		}
		target = seg
	}

	elCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(elCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build preload request: %w", err)
	}
	resp, err := p.doer.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("preload request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, &client.StatusError{URL: target, Code: resp.StatusCode}
	}

	el := &element{
		url:    url,
		sample: p.pool.NewSampleBuffer(p.sampleBytes),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	el.ready.Store(int32(types.HaveMetadata))

	go el.fill(resp.Body)
	return el, nil
}

// firstSegment walks a playlist to the first segment of its lowest variant.
func (p *Preloader) firstSegment(ctx context.Context, url string) (string, error) {
	m, err := p.manifests.Describe(ctx, url)
	if err != nil {
		return "", err
	}
	if m.Kind == parser.KindMaster {
		m, err = p.manifests.Describe(ctx, m.LowestVariant())
		if err != nil {
			return "", err
		}
	}
	if m.Kind == parser.KindMedia && len(m.Segments) > 0 {
		return m.Segments[0], nil
	}
	return m.URL, nil
}

// element is a single preloaded source.
type element struct {
	url    string
	sample *buffer.SampleBuffer
	ready  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// fill reads until the sample is full or the body stops.
func (e *element) fill(body io.ReadCloser) {
	defer close(e.done)
	defer body.Close()

	chunk := make([]byte, 32*1024)
	for !e.sample.Full() {
		n, err := body.Read(chunk)
		if n > 0 {
			e.sample.Write(chunk[:n])
			if e.Ready() < types.HaveCurrentData {
				e.ready.Store(int32(types.HaveCurrentData))
			}
		}
		if err != nil {
			if err == io.EOF && e.sample.Written() > 0 {
				e.ready.Store(int32(types.HaveEnoughData))
			}
			return
		}
	}
	e.ready.Store(int32(types.HaveEnoughData))
}

func (e *element) URL() string { return e.url }

func (e *element) Ready() types.ReadyState { return types.ReadyState(e.ready.Load()) }

func (e *element) BytesLoaded() int64 { return e.sample.Written() }

// Pause stops the download; bytes already loaded stay accounted.
func (e *element) Pause() {
	e.cancel()
}

// Release stops the download, waits for it to exit and returns the buffer to the pool.
func (e *element) Release() {
	e.once.Do(func() {
		e.cancel()
		<-e.done
		e.sample.Release()
	})
}
