// Package controller is the channel switch orchestrator. It owns one instance of every
// component (preload cache, throughput estimator, tier resolver, buffer health monitor,
// failover machine, dead-channel watchdog) and ties them to a single playback backend.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"kptv-zap/work/backend"
	"kptv-zap/work/cache"
	"kptv-zap/work/catalog"
	"kptv-zap/work/client"
	"kptv-zap/work/config"
	"kptv-zap/work/failover"
	"kptv-zap/work/history"
	"kptv-zap/work/logger"
	"kptv-zap/work/metrics"
	"kptv-zap/work/monitor"
	"kptv-zap/work/scheduler"
	"kptv-zap/work/throughput"
	"kptv-zap/work/tiers"
	"kptv-zap/work/types"
	"kptv-zap/work/utils"
	"kptv-zap/work/watcher"
)

var (
	// ErrNothingPlayable is the only failure surfaced by SwitchTo: cache, direct source and
	// the highest-quality path all failed.
	ErrNothingPlayable = errors.New("nothing could be played")
	// ErrDestroyed is returned by every entry point after Destroy.
	ErrDestroyed = errors.New("controller destroyed")
	// ErrUnknownQuality is returned when forcing a quality the channel does not offer.
	ErrUnknownQuality = errors.New("unknown quality")
	// ErrUnknownChannel is returned for an index outside the catalog.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Deps are the collaborators a controller is built from.
type Deps struct {
	Backend          backend.Backend
	Catalog          *catalog.Catalog
	Factory          cache.ElementFactory // preload elements
	Submitter        cache.Submitter      // async work (an ants pool in production)
	PreloadSubmitter cache.Submitter      // element creation, ideally non-blocking; nil uses Submitter
	Scheduler        scheduler.Scheduler
	Doer             client.Doer          // throughput probes
	History          history.Store        // nil keeps history in memory
	Shuffle          failover.ShuffleFunc // nil uses math/rand
	Log              *logger.Logger
}

// Result describes a completed switch.
type Result struct {
	Index     int    `json:"index"`
	ChannelID string `json:"channelId"`
	Quality   string `json:"quality"`
	URL       string `json:"url"`
	Path      string `json:"path"` // cache, direct, resolver or blend
}

// Status is the snapshot served to the UI layer.
type Status struct {
	Index         int                 `json:"index"`
	ChannelID     string              `json:"channelId"`
	ChannelName   string              `json:"channelName"`
	Quality       string              `json:"quality"`
	ForcedQuality string              `json:"forcedQuality,omitempty"`
	Tier          types.TierKey       `json:"tier"`
	AllowedTiers  []types.TierKey     `json:"allowedTiers"`
	Level         int                 `json:"level"`
	BufferHealth  float64             `json:"bufferHealthSeconds"`
	Degraded      bool                `json:"degraded"`
	State         types.PlaybackState `json:"state"`
	Throughput    float64             `json:"throughputBytesPerSecond"`
	Measured      bool                `json:"throughputMeasured"`
	Probing       bool                `json:"throughputProbing"`
	Network       string              `json:"network"`
	Cache         cache.Stats         `json:"cache"`
	Preloaded     []cache.Key         `json:"preloaded"` // least recently used first
	DeadChannels  []int               `json:"deadChannels"`
	Failures      []failover.Record   `json:"failures"`
	Message       string              `json:"message,omitempty"`
	Destroyed     bool                `json:"destroyed"`
}

// Controller is one zapping session. Every field it owns is released by Destroy; several
// controllers can coexist since nothing is kept in package state.
type Controller struct {
	cfg       *config.Config
	backend   backend.Backend
	catalog   *catalog.Catalog
	factory   cache.ElementFactory
	submitter cache.Submitter
	sched     scheduler.Scheduler
	history   history.Store
	log       *logger.Logger

	cache     *cache.PreloadCache
	estimator *throughput.Estimator
	resolver  *tiers.Resolver
	enforcer  *tiers.Enforcer
	caps      *tiers.Caps
	monitor   *monitor.Monitor
	tracker   *failover.Tracker
	machine   *failover.Machine
	watchdog  *watcher.Watchdog

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	probes          bool
	destroyed       atomic.Bool
	infinityFilling atomic.Bool

	// switchMu serializes source changes on the backend. It is never held while
	// waiting on mu's holders, and backend callbacks never take it.
	switchMu sync.Mutex
	// gen counts switches; a recovery started under an older generation may not load.
	gen atomic.Uint64

	mu            sync.RWMutex
	current       int
	quality       string
	forced        string
	tier          types.TierKey
	network       string
	message       string
	recent        []history.Entry
	blend         []cache.Element
	cyclesStarted bool
	tasks         []scheduler.Task
	unsubscribe   func()
}

// New builds a controller from cfg. Nothing plays until Start or SwitchTo.
func New(cfg *config.Config, deps Deps) (*Controller, error) {
	if deps.Backend == nil || deps.Catalog == nil || deps.Factory == nil || deps.Scheduler == nil {
		return nil, errors.New("controller requires a backend, a catalog, an element factory and a scheduler")
	}
	if deps.Catalog.Len() == 0 {
		return nil, catalog.ErrEmptyCatalog
	}

	log := deps.Log
	if log == nil {
		log = logger.WithComponent("controller", cfg.LogLevel)
	}
	submitter := deps.Submitter
	if submitter == nil {
		submitter = goSubmitter{}
	}
	preloadSubmitter := deps.PreloadSubmitter
	if preloadSubmitter == nil {
		preloadSubmitter = submitter
	}
	store := deps.History
	if store == nil {
		store = history.NewMemory(cfg.HistoryLimit)
	}

	resolver := tiers.NewResolver(types.DefaultTiers())
	if len(cfg.AllowedTiers) > 0 {
		keys, err := parseTierKeys(cfg.AllowedTiers)
		if err != nil {
			return nil, err
		}
		if err := resolver.SetAllowed(keys...); err != nil {
			return nil, err
		}
	}

	maxEntries := cfg.PreloadLimit
	if cfg.MaxPreloadCache > 0 && (maxEntries <= 0 || maxEntries > cfg.MaxPreloadCache) {
		maxEntries = cfg.MaxPreloadCache
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:       cfg,
		backend:   deps.Backend,
		catalog:   deps.Catalog,
		factory:   deps.Factory,
		submitter: submitter,
		sched:     deps.Scheduler,
		history:   store,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		resolver:  resolver,
		caps:      tiers.NewCaps(),
		probes:    deps.Doer != nil,
		network:   cfg.ConnectionCategory,
	}

	c.cache = cache.New(cache.Options{
		MaxEntries:        maxEntries,
		MaxBytes:          cfg.MaxPreloadBytes,
		PreloadsPerSecond: cfg.PreloadsPerSecond,
	}, deps.Factory, preloadSubmitter, deps.Scheduler, logger.WithComponent("cache", cfg.LogLevel))

	c.estimator = throughput.New(throughput.Options{
		Alpha:           cfg.ThroughputAlpha,
		Default:         cfg.DefaultThroughput,
		ProbeBytes:      cfg.ProbeBytes,
		ProbesPerSecond: cfg.ProbesPerSecond,
		Timeout:         cfg.StreamTimeout,
	}, deps.Doer, deps.Scheduler, logger.WithComponent("throughput", cfg.LogLevel))

	c.enforcer = tiers.NewEnforcer(resolver, logger.WithComponent("tiers", cfg.LogLevel))
	c.tracker = failover.NewTracker(cfg.HealInterval, cfg.FailoverMaxAttempts, deps.Scheduler)
	if f, ok := deps.Backend.(backend.Forgetter); ok {
		c.tracker.OnFailed(f.Forget)
	}
	c.machine = failover.NewMachine(c.tracker, recoveryLoader{c}, c.cache, failover.Options{
		ParallelStreams: cfg.ParallelStreams,
		Shuffle:         deps.Shuffle,
		ObfuscateURLs:   cfg.ObfuscateUrls,
	}, logger.WithComponent("failover", cfg.LogLevel))

	c.monitor = monitor.New(deps.Scheduler, deps.Backend, cfg.MonitorInterval, cfg.BufferHealthThreshold,
		logger.WithComponent("monitor", cfg.LogLevel))
	c.monitor.OnReading(c.onReading)

	c.watchdog = watcher.New(watcher.Options{
		StallCheckInterval:  cfg.StallCheckInterval,
		StallsBeforeAdvance: cfg.StallsBeforeAdvance,
		Cooldown:            cfg.DeadChannelCooldown,
		Sweep:               cfg.DeadChannelSweep,
	}, deps.Scheduler, deps.Backend, c, logger.WithComponent("watcher", cfg.LogLevel))

	if n, ok := deps.Backend.(backend.Notifier); ok {
		c.unsubscribe = n.Subscribe(c.OnBackendEvent)
	}

	recent, err := store.Recent(ctx, cfg.HistoryLimit)
	if err != nil {
		log.Warn("{controller/controller - New} failed to read watch history: %v", err)
	}
	c.recent = recent

	c.tasks = append(c.tasks, deps.Scheduler.Every(cfg.MaintenanceInterval, c.maintenance))
	metrics.ThroughputEstimate.Set(c.estimator.Estimate())

	return c, nil
}

// Start restores the last watched channel (or the first playable one), starts the
// dead-channel watchdog and begins playback.
func (c *Controller) Start(ctx context.Context) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	last, ok, err := c.history.LastIndex(ctx)
	if err != nil {
		c.log.Warn("{controller/controller - Start} failed to read last channel: %v", err)
	}
	idx := c.catalog.StartIndex(last, ok)

	c.watchdog.Start()
	_, err = c.SwitchTo(ctx, idx)
	return err
}

// OnBackendEvent is the single ingestion point for backend notifications.
func (c *Controller) OnBackendEvent(ev types.BackendEvent) {
	if c.destroyed.Load() {
		return
	}

	switch ev.Kind {
	case types.EventManifestParsed:
		c.enforcer.Refresh(c.backend)
		c.applyTier()
	case types.EventLevelSwitching:
		c.enforcer.OnLevelSwitching(c.backend, ev.Level)
	case types.EventError:
		if !ev.Fatal {
			c.log.Debug("{controller/controller - OnBackendEvent} non-fatal backend error on %s", c.logURL(ev.URL))
		}
	}

	if ev.IsFailure() {
		c.goSafe("recover", func() { c.recoverFrom(ev) })
	}
}

// Ingest feeds an externally observed event: backends that keep their own state get it
// first and re-publish it, others go straight to OnBackendEvent.
func (c *Controller) Ingest(ev types.BackendEvent) {
	if ing, ok := c.backend.(backend.Ingester); ok {
		ing.Ingest(ev)
		if _, notifies := c.backend.(backend.Notifier); notifies {
			return
		}
	}
	c.OnBackendEvent(ev)
}

func (c *Controller) recoverFrom(ev types.BackendEvent) {
	gen := c.gen.Load()
	source := c.backend.Source()
	if ev.URL != "" && ev.URL != source {
		c.log.Debug("{controller/controller - recoverFrom} ignoring %s for inactive source", ev.Kind)
		return
	}

	idx := c.CurrentIndex()
	ch, ok := c.catalog.Channel(idx)
	if !ok {
		return
	}
	c.setMessage("Recovering stream...")

	ctx := context.WithValue(c.ctx, recoveryGenKey{}, gen)
	out, err := c.machine.HandleFailure(ctx, ch, c.catalog.Qualities(idx), source)
	switch {
	case out.Ignored:
		return
	case errors.Is(err, failover.ErrSuperseded):
		c.log.Debug("{controller/controller - recoverFrom} channel %d was switched away during recovery", idx)
	case err == nil:
		if c.CurrentIndex() != idx {
			return
		}
		c.mu.Lock()
		c.quality = out.Quality
		c.message = fmt.Sprintf("Recovered on %s", out.Quality)
		c.mu.Unlock()
		c.enforcer.Refresh(c.backend)
		c.applyTier()
	case errors.Is(err, failover.ErrChannelExhausted):
		c.watchdog.MarkDead(idx)
		c.setMessage(fmt.Sprintf("Channel %d seems dead. Switching...", idx))
		c.AdvanceFrom(idx)
		// nothing else played: re-arm so later failures are not ignored
		if c.machine.State() == types.StateDead {
			c.machine.Reset()
		}
	default:
		c.log.Debug("{controller/controller - recoverFrom} recovery interrupted: %v", err)
	}
}

type recoveryGenKey struct{}

// recoveryLoader is the failover machine's view of the backend. It loads under switchMu
// and refuses once a switch happened after the recovery started.
type recoveryLoader struct{ c *Controller }

func (l recoveryLoader) Load(ctx context.Context, url string) error {
	gen, ok := ctx.Value(recoveryGenKey{}).(uint64)
	l.c.switchMu.Lock()
	defer l.c.switchMu.Unlock()
	if ok && l.c.gen.Load() != gen {
		return failover.ErrSuperseded
	}
	return l.c.backend.Load(ctx, url)
}

// CurrentIndex is the channel currently selected.
func (c *Controller) CurrentIndex() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Replay restarts a channel; used by the watchdog on a stall.
func (c *Controller) Replay(index int) {
	if f, ok := c.backend.(backend.Forgetter); ok {
		f.Forget(c.backend.Source())
	}
	c.PlayChannelSafe(c.ctx, index)
}

// AdvanceFrom plays the first channel after index that is not quarantined as dead.
func (c *Controller) AdvanceFrom(index int) {
	n := c.catalog.Len()
	next := (index + 1) % n
	for i := 1; i <= n; i++ {
		candidate := (index + i) % n
		if !c.watchdog.IsDead(candidate) {
			next = candidate
			break
		}
	}
	c.PlayChannelSafe(c.ctx, next)
}

// KillChannel quarantines a channel as dead so zapping and preloading skip it until the
// cooldown expires.
func (c *Controller) KillChannel(index int) error {
	if _, ok := c.catalog.Channel(index); !ok {
		return ErrUnknownChannel
	}
	c.watchdog.MarkDead(index)
	c.log.Info("{controller/controller - KillChannel} channel %d marked dead", index)
	return nil
}

// ReviveChannel lifts a channel's dead quarantine early.
func (c *Controller) ReviveChannel(index int) error {
	if _, ok := c.catalog.Channel(index); !ok {
		return ErrUnknownChannel
	}
	c.watchdog.Revive(index)
	c.log.Info("{controller/controller - ReviveChannel} channel %d revived", index)
	return nil
}

// ClearFailures forgets every source failure record.
func (c *Controller) ClearFailures() {
	c.tracker.Clear()
}

// Channels returns the catalog.
func (c *Controller) Channels() []types.Channel {
	return c.catalog.Channels()
}

// Status returns a snapshot of the session.
func (c *Controller) Status() Status {
	reading := c.monitor.Last()
	est, measured := c.estimator.Measured()
	if !measured {
		est = c.estimator.Estimate()
	}

	c.mu.RLock()
	s := Status{
		Index:         c.current,
		Quality:       c.quality,
		ForcedQuality: c.forced,
		Tier:          c.tier,
		Network:       c.network,
		Message:       c.message,
	}
	c.mu.RUnlock()

	if ch, ok := c.catalog.Channel(s.Index); ok {
		s.ChannelID = ch.ID
		s.ChannelName = ch.Name
	}
	for _, t := range c.resolver.Allowed() {
		s.AllowedTiers = append(s.AllowedTiers, t.Key)
	}
	s.Level = c.backend.CurrentLevel()
	s.BufferHealth = reading.Health
	s.Degraded = reading.Degraded
	s.State = c.machine.State()
	s.Throughput = est
	s.Measured = measured
	s.Probing = c.estimator.Probing()
	s.Cache = c.cache.Stats()
	s.Preloaded = c.cache.Keys()
	s.DeadChannels = c.watchdog.Dead()
	s.Failures = c.tracker.Snapshot()
	s.Destroyed = c.destroyed.Load()
	return s
}

// Destroy is the single teardown entry point. It cancels every scheduled task and
// background operation, stops the monitor and watchdog, releases the blend set and the
// preload cache and detaches from the backend. Calling it again does nothing.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if !c.destroyed.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	tasks := c.tasks
	c.tasks = nil
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	c.cancel()
	for _, t := range tasks {
		t.Cancel()
	}
	c.monitor.Stop()
	c.watchdog.Stop()
	if unsubscribe != nil {
		unsubscribe()
	}

	c.wg.Wait()
	c.releaseBlend()
	c.cache.Destroy()
	c.log.Info("{controller/controller - Destroy} controller destroyed")
}

func (c *Controller) maintenance() {
	if c.destroyed.Load() {
		return
	}
	c.cache.EvictToLimit()
}

// goSafe runs fn on the submitter, tracking it for Destroy and recovering panics.
func (c *Controller) goSafe(name string, fn func()) {
	c.mu.Lock()
	if c.destroyed.Load() {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	task := func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("{controller/controller - goSafe} %s panicked: %v", name, r)
			}
		}()
		fn()
	}
	if err := c.submitter.Submit(task); err != nil {
		c.log.Warn("{controller/controller - goSafe} could not schedule %s: %v", name, err)
		c.wg.Done()
	}
}

func (c *Controller) setMessage(msg string) {
	c.mu.Lock()
	c.message = msg
	c.mu.Unlock()
}

func (c *Controller) logURL(url string) string {
	return utils.LogURL(c.cfg, url)
}

// goSubmitter runs every task on its own goroutine.
type goSubmitter struct{}

func (goSubmitter) Submit(task func()) error {
	go task()
	return nil
}

func parseTierKeys(labels []string) ([]types.TierKey, error) {
	keys := make([]types.TierKey, 0, len(labels))
	for _, l := range labels {
		k, ok := types.ParseTierKey(l)
		if !ok {
			return nil, fmt.Errorf("%w: %s", tiers.ErrUnknownTier, l)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
