// Package orchestrator is the scheduling coordinator that drives
// components B-F: it accepts viewport updates, turns them into a
// DemandSet via the planner, drives each demand through the memory cache,
// and delivers ready rasters to the renderer (spec.md §4.G).
//
// Generalized from the teacher's app.go scheduling loop
// (prefetchTiles/tileLoader/loadVisibleTiles, a fixed pool of worker
// goroutines draining a single tileRequests channel) into a
// priority-ordered, single-flight-aware coordinator: instead of a fixed
// pool blindly loading whatever lands in the channel, every demand goes
// through memcache.GetOrPend so concurrent viewport ticks for the same
// key never duplicate work. When AllowOrphan is false, a demoted key whose
// last tracked waiter is dropped has its producer aborted; a key that was
// only ever demanded by its own producer runs to completion.
package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rs/zerolog"

	"ridemap/internal/diskstore"
	"ridemap/internal/errs"
	"ridemap/internal/fetcher"
	"ridemap/internal/memcache"
	"ridemap/internal/decoder"
	"ridemap/internal/planner"
	"ridemap/internal/provider"
	"ridemap/internal/raster"
	"ridemap/internal/tilekey"
	"ridemap/internal/viewport"
)

// ReadyTile is delivered to the renderer's subscriber channel once a
// demanded key has a decoded raster available.
type ReadyTile struct {
	Key    tilekey.Key
	Raster *raster.Raster
}

// ErrAlreadySubscribed is returned by Subscribe when a sink is already
// registered; spec.md §4.G allows at most one active subscriber.
var ErrAlreadySubscribed = errors.New("orchestrator: a subscriber is already registered")

// Config bundles the tuning knobs spec.md §6 enumerates, plus the
// resources (disk root, provider) needed to construct the fetch chain.
type Config struct {
	ProviderConfig *provider.Config
	CacheRoot      string

	ParallelRequests    int64
	MemBudgetBytes      int64
	FailCooldown        time.Duration
	AllowOrphan         bool
	RendererBufferDepth int

	Tuning planner.Tuning

	// Transport overrides the fetcher's HTTP transport; nil uses the
	// default transport. Exists for tests that point a provider at an
	// httptest server.
	Transport http.RoundTripper
}

// Orchestrator is the long-lived coordinator for one provider's tile
// pipeline. It owns no state the renderer needs to understand; its only
// public surface is PublishViewport/Subscribe/Shutdown.
type Orchestrator struct {
	cfg      Config
	provider *provider.Config

	disk   *diskstore.Store
	fetch  *fetcher.Fetcher
	decode *decoder.Pool
	cache  *memcache.Cache

	chainSem *semaphore.Weighted

	viewportCh chan viewport.Viewport
	stopCh     chan struct{}
	wg         sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	sink chan ReadyTile

	subMu      sync.Mutex
	subscribed bool

	demandMu      sync.Mutex
	lastDemand    map[tilekey.Key]planner.Priority
	activeWaiters map[tilekey.Key]*memcache.Waiter

	log zerolog.Logger
}

// New constructs an Orchestrator wired to its own disk store, fetcher,
// decode pool, and memory cache, and starts its scheduling loop.
func New(cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.RendererBufferDepth <= 0 {
		cfg.RendererBufferDepth = 64
	}
	log = log.With().Str("component", "orchestrator").Str("provider", cfg.ProviderConfig.ID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	fetch := fetcher.New(cfg.ParallelRequests, fetcher.DefaultTimeout)
	if cfg.Transport != nil {
		fetch = fetcher.NewWithTransport(cfg.ParallelRequests, fetcher.DefaultTimeout, cfg.Transport)
	}
	o := &Orchestrator{
		cfg:           cfg,
		provider:      cfg.ProviderConfig,
		disk:          diskstore.New(cfg.CacheRoot, log),
		fetch:         fetch,
		decode:        decoder.NewPool(0),
		cache:         memcache.New(cfg.MemBudgetBytes, cfg.FailCooldown, log, memcache.WithAllowOrphan(cfg.AllowOrphan)),
		chainSem:      semaphore.NewWeighted(cfg.ParallelRequests * 2),
		viewportCh:    make(chan viewport.Viewport, 1),
		stopCh:        make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		sink:          make(chan ReadyTile, cfg.RendererBufferDepth),
		lastDemand:    make(map[tilekey.Key]planner.Priority),
		activeWaiters: make(map[tilekey.Key]*memcache.Waiter),
		log:           log,
	}

	o.wg.Add(1)
	go o.loop()
	return o
}

// PublishViewport replaces the last-known viewport and awakens the
// scheduling loop (spec.md §4.G publish_viewport). Non-blocking: an
// unread prior viewport is replaced rather than queued, since only the
// latest viewport ever matters.
func (o *Orchestrator) PublishViewport(vp viewport.Viewport) {
	select {
	case o.viewportCh <- vp:
		return
	default:
	}
	select {
	case <-o.viewportCh:
	default:
	}
	select {
	case o.viewportCh <- vp:
	default:
	}
}

// Subscribe registers the renderer's ready-tile sink. Only one subscriber
// may be active at a time (spec.md §4.G).
func (o *Orchestrator) Subscribe() (<-chan ReadyTile, error) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if o.subscribed {
		return nil, ErrAlreadySubscribed
	}
	o.subscribed = true
	return o.sink, nil
}

// Shutdown cooperatively cancels all in-flight work and waits for the
// scheduling loop and every outstanding fetch chain to exit. Safe to call
// more than once.
func (o *Orchestrator) Shutdown() {
	select {
	case <-o.stopCh:
		return
	default:
	}
	close(o.stopCh)
	o.cancel()
	o.wg.Wait()
	o.decode.Close()
}

func (o *Orchestrator) loop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case vp := <-o.viewportCh:
			o.tick(vp)
		}
	}
}

// tick recomputes the DemandSet and drives every key through the memory
// cache in priority order (spec.md §4.G scheduling loop).
func (o *Orchestrator) tick(vp viewport.Viewport) {
	set := planner.PlanWithDisk(o.provider.ID, vp, o.cfg.Tuning, o.disk, o.provider)
	o.applyDemandSet(set)
}

func (o *Orchestrator) applyDemandSet(set planner.DemandSet) {
	newDemand := make(map[tilekey.Key]planner.Priority, len(set))
	for _, d := range set {
		newDemand[d.Key] = d.Priority
	}

	o.demandMu.Lock()
	for k, w := range o.activeWaiters {
		if _, ok := newDemand[k]; !ok {
			w.Drop()
			delete(o.activeWaiters, k)
		}
	}
	o.lastDemand = newDemand
	o.demandMu.Unlock()

	for _, d := range set {
		o.handleDemand(d)
	}
}

// handleDemand drives one demand through the memory cache. Non-Required
// demand that would be a genuinely new admission is first checked against
// the eviction gate (spec.md §9): a speculative or ancestor tile may only
// evict Ready entries that are themselves weaker (or undemanded) right
// now; otherwise it is dropped before ever enrolling as Pending.
func (o *Orchestrator) handleDemand(d planner.Demand) {
	if d.Priority != planner.Required && !o.cache.Contains(d.Key) && !o.admissionAllowed(d.Priority) {
		o.log.Debug().Str("key", d.Key.String()).Str("priority", d.Priority.String()).
			Msg("demand dropped: would evict a stronger-priority entry")
		return
	}

	res := o.cache.GetOrPend(d.Key)
	switch res.Outcome {
	case memcache.Hit:
		o.deliver(ReadyTile{Key: d.Key, Raster: res.Raster})

	case memcache.Wait:
		o.demandMu.Lock()
		o.activeWaiters[d.Key] = res.Waiter
		o.demandMu.Unlock()
		o.wg.Add(1)
		go o.awaitDelivery(d.Key, res.Waiter)

	case memcache.Miss:
		o.wg.Add(1)
		go o.runFetchChain(d.Key, res.Producer)

	case memcache.Failed:
		o.log.Debug().Str("key", d.Key.String()).Str("kind", res.FailKind.String()).
			Msg("demand skipped: recent failure still in cooldown")
	}
}

func (o *Orchestrator) awaitDelivery(key tilekey.Key, w *memcache.Waiter) {
	defer o.wg.Done()
	select {
	case delivery := <-w.C():
		if delivery.Err == nil {
			o.cache.Touch(key)
			o.deliver(ReadyTile{Key: key, Raster: delivery.Raster})
		}
	case <-o.stopCh:
		w.Drop()
	}

	o.demandMu.Lock()
	if cur, ok := o.activeWaiters[key]; ok && cur == w {
		delete(o.activeWaiters, key)
	}
	o.demandMu.Unlock()
}

// runFetchChain implements spec.md §4.G's "fetch chain for a Miss": try
// disk, fall back to network, persist, decode, complete.
func (o *Orchestrator) runFetchChain(key tilekey.Key, producer *memcache.Producer) {
	defer o.wg.Done()

	if err := o.chainSem.Acquire(o.ctx, 1); err != nil {
		producer.Complete(nil, errs.New(errs.Cancelled, err))
		return
	}
	defer o.chainSem.Release(1)

	if o.aborted(producer) {
		producer.Complete(nil, errs.New(errs.Cancelled, nil))
		return
	}

	// fetchCtx is cancelled by either orchestrator shutdown or this
	// producer's own abort signal, so a blocked network read reacts to
	// demotion instead of running to completion unobserved (spec.md §5
	// cancellation semantics).
	fetchCtx, cancelFetch := context.WithCancel(o.ctx)
	defer cancelFetch()
	go func() {
		select {
		case <-producer.Aborted():
			cancelFetch()
		case <-fetchCtx.Done():
		}
	}()

	data, hit, err := o.disk.Load(key, o.provider)
	if err != nil {
		hit = false // downgraded to miss; diskstore already logged the cause
	}

	if !hit {
		data, err = o.fetch.Fetch(fetchCtx, key, o.provider)
		if err != nil {
			producer.Complete(nil, err)
			return
		}
		// Disk-write failure is logged by diskstore and is non-fatal: the
		// raster is still delivered from the fetched bytes (spec.md §7).
		_ = o.disk.Store(key, o.provider, data)
	}

	if o.aborted(producer) {
		producer.Complete(nil, errs.New(errs.Cancelled, nil))
		return
	}

	r, err := o.decode.Decode(fetchCtx, data)
	if err != nil {
		producer.Complete(nil, err)
		return
	}

	producer.Complete(r, nil)
	o.deliver(ReadyTile{Key: key, Raster: r})
}

func (o *Orchestrator) aborted(p *memcache.Producer) bool {
	select {
	case <-p.Aborted():
		return true
	default:
		return false
	}
}

// deliver sends rt to the renderer sink. If the sink is full, it takes the
// oldest buffered tile: if that tile's key is no longer in the current
// demand set it is discarded and rt takes its place; otherwise it is
// re-queued at the back of the sink and rt is dropped. Only that one
// buffered tile is examined, so a stale tile further back is not found. A
// dropped rt is delivered again only when a later viewport tick demands
// its key (spec.md §6 renderer-side channel, resolved in SPEC_FULL.md's
// renderer_buffer_depth design note).
func (o *Orchestrator) deliver(rt ReadyTile) {
	select {
	case o.sink <- rt:
		return
	default:
	}

	select {
	case old := <-o.sink:
		if o.isDemanded(old.Key) {
			select {
			case o.sink <- old:
			default:
			}
			return
		}
	default:
		return
	}

	select {
	case o.sink <- rt:
	default:
	}
}

func (o *Orchestrator) isDemanded(k tilekey.Key) bool {
	o.demandMu.Lock()
	defer o.demandMu.Unlock()
	_, ok := o.lastDemand[k]
	return ok
}

// admissionAllowed implements the eviction-admission gate for a demand at
// the given (non-Required) priority: it projects the eviction that one
// more tile-sized entry would trigger and refuses admission if any victim
// is demanded right now at the same or a stronger priority.
func (o *Orchestrator) admissionAllowed(priority planner.Priority) bool {
	victims := o.cache.WouldEvict(raster.EstimatedTileBytes)
	if len(victims) == 0 {
		return true
	}

	o.demandMu.Lock()
	defer o.demandMu.Unlock()
	for _, v := range victims {
		if p, demanded := o.lastDemand[v]; demanded && p <= priority {
			return false
		}
	}
	return true
}
