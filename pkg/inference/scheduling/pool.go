package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/ports"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// defaultReadyTimeout bounds a cold model load from launch to readiness.
const defaultReadyTimeout = 300 * time.Second

// PoolConfig carries the tunable parameters of the pool.
type PoolConfig struct {
	// ReadyTimeout bounds backend startup. Zero uses the default.
	ReadyTimeout time.Duration
	// Capacities overrides the per-family co-residency caps. Families not
	// present use their built-in default.
	Capacities map[inference.Family]int
}

// loadedModel is one resident backend process with its bookkeeping. All
// fields besides runner are guarded by the pool guard.
type loadedModel struct {
	entry    catalog.ModelEntry
	runner   *runner
	refs     uint
	lastUsed time.Time
	// stale marks a model whose process has exited or crashed mid-request;
	// it is removed as soon as its reference count reaches zero.
	stale bool
}

// pendingLoad coalesces concurrent Acquires of the same unloaded model into
// a single launch.
type pendingLoad struct {
	done chan struct{}
	err  error
}

// Handle pins a loaded model for the duration of a request. While a handle
// is outstanding the model cannot be evicted.
type Handle struct {
	pool    *Pool
	model   *loadedModel
	release sync.Once
}

// Entry returns the catalog entry of the pinned model.
func (h *Handle) Entry() catalog.ModelEntry {
	return h.model.entry
}

// Port returns the local port of the pinned backend process.
func (h *Handle) Port() uint16 {
	return h.model.runner.process.Port()
}

// Release unpins the model and updates its last-used timestamp. It is safe
// to call more than once.
func (h *Handle) Release() {
	h.release.Do(func() {
		h.pool.releaseModel(h.model)
	})
}

// MarkStale flags the pinned model for removal once its reference count
// drops to zero, used after a mid-request backend failure.
func (h *Handle) MarkStale() {
	h.pool.markStale(h.model)
}

// Pool owns the currently-loaded backend processes. It enforces per-family
// co-residency caps with LRU eviction, serializes load/unload per family,
// and coalesces concurrent loads of the same model.
type Pool struct {
	log        logging.Logger
	catalog    *catalog.Catalog
	adapters   map[inference.Family]inference.Adapter
	weights    *weights.Store
	ports      *ports.Allocator
	aggregator *telemetry.Aggregator

	readyTimeout time.Duration
	capacities   map[inference.Family]int

	// guard is a buffered (size 1) semaphore protecting the fields below. A
	// channel is used instead of a sync.Mutex so waiters can poll it
	// together with context cancellation.
	guard        chan struct{}
	waiters      map[chan<- struct{}]bool
	loaded       map[string]*loadedModel
	loads        map[string]*pendingLoad
	loadsEnabled bool

	// familyLocks serialize load and unload work within one family without
	// blocking lookups or other families.
	familyLocks map[inference.Family]chan struct{}
}

// NewPool creates a pool over the given adapters.
func NewPool(
	log logging.Logger,
	cat *catalog.Catalog,
	adapters map[inference.Family]inference.Adapter,
	weightStore *weights.Store,
	portAllocator *ports.Allocator,
	aggregator *telemetry.Aggregator,
	config PoolConfig,
) *Pool {
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = defaultReadyTimeout
	}
	capacities := make(map[inference.Family]int)
	for family := range adapters {
		capacities[family] = family.MaxLoaded()
	}
	for family, capacity := range config.Capacities {
		if capacity > 0 {
			capacities[family] = capacity
		}
	}
	familyLocks := make(map[inference.Family]chan struct{}, len(adapters))
	for family := range adapters {
		lock := make(chan struct{}, 1)
		lock <- struct{}{}
		familyLocks[family] = lock
	}
	p := &Pool{
		log:          log,
		catalog:      cat,
		adapters:     adapters,
		weights:      weightStore,
		ports:        portAllocator,
		aggregator:   aggregator,
		readyTimeout: config.ReadyTimeout,
		capacities:   capacities,
		guard:        make(chan struct{}, 1),
		waiters:      make(map[chan<- struct{}]bool),
		loaded:       make(map[string]*loadedModel),
		loads:        make(map[string]*pendingLoad),
		loadsEnabled: true,
		familyLocks:  familyLocks,
	}
	p.guard <- struct{}{}
	return p
}

// lock acquires the pool guard, returning false if ctx is cancelled first.
func (p *Pool) lock(ctx context.Context) bool {
	select {
	case <-p.guard:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) unlock() {
	p.guard <- struct{}{}
}

// broadcast signals all waiters. The caller must hold the guard.
func (p *Pool) broadcast() {
	for waiter := range p.waiters {
		select {
		case waiter <- struct{}{}:
		default:
		}
	}
}

// Capacity returns the co-residency cap for a family.
func (p *Pool) Capacity(family inference.Family) int {
	if capacity, ok := p.capacities[family]; ok {
		return capacity
	}
	return family.MaxLoaded()
}

// Capacities returns the per-family caps for the families with adapters.
func (p *Pool) Capacities() map[inference.Family]int {
	result := make(map[inference.Family]int, len(p.capacities))
	for family, capacity := range p.capacities {
		result[family] = capacity
	}
	return result
}

// Acquire resolves a model name, loading its backend if necessary, and
// returns a pinned handle. Concurrent Acquires of the same unloaded model
// share a single launch; Acquires of already-loaded models never block on
// loads of other models.
func (p *Pool) Acquire(ctx context.Context, name string) (*Handle, error) {
	entry, err := p.catalog.Lookup(name)
	if err != nil {
		return nil, err
	}
	adapter, ok := p.adapters[entry.Family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, entry.Family)
	}

	for {
		if !p.lock(ctx) {
			return nil, ctx.Err()
		}

		if !p.loadsEnabled {
			p.unlock()
			return nil, errLoadsDisabled
		}

		// Fast path: the model is resident and healthy.
		if model, ok := p.loaded[name]; ok {
			if !model.stale && !model.runner.process.Exited() {
				model.refs++
				model.lastUsed = time.Now()
				p.unlock()
				return &Handle{pool: p, model: model}, nil
			}
			// A defunct process with no outstanding references is removed
			// inline so the reload below starts clean.
			if model.refs == 0 {
				delete(p.loaded, name)
				p.unlock()
				p.withFamilyLock(entry.Family, func() { model.runner.terminate() })
				p.publishLoadedCount()
				continue
			}
			// Still pinned: wait for references to drain.
			if err := p.waitForChange(ctx); err != nil {
				return nil, err
			}
			continue
		}

		// Join an in-flight load of the same model.
		if pending, ok := p.loads[name]; ok {
			p.unlock()
			select {
			case <-pending.done:
				if pending.err != nil {
					return nil, pending.err
				}
				continue
			case <-ctx.Done():
				// The load itself continues for the benefit of other
				// waiters.
				return nil, ctx.Err()
			}
		}

		// Start a new load. The load runs detached from the request context
		// so a client disconnect does not strand other waiters.
		pending := &pendingLoad{done: make(chan struct{})}
		p.loads[name] = pending
		p.unlock()

		go func() {
			pending.err = p.loadModel(entry, adapter)
			p.lock(context.Background())
			delete(p.loads, name)
			p.broadcast()
			p.unlock()
			close(pending.done)
		}()

		select {
		case <-pending.done:
			if pending.err != nil {
				return nil, pending.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// waitForChange registers a poll channel, releases the guard, and waits for
// either a broadcast or cancellation. It returns with the guard released.
func (p *Pool) waitForChange(ctx context.Context) error {
	poll := make(chan struct{}, 1)
	p.waiters[poll] = true
	p.unlock()
	defer func() {
		p.lock(context.Background())
		delete(p.waiters, poll)
		p.unlock()
	}()
	select {
	case <-poll:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withFamilyLock runs fn while holding the family's load/unload lock.
func (p *Pool) withFamilyLock(family inference.Family, fn func()) {
	lock := p.familyLocks[family]
	<-lock
	defer func() { lock <- struct{}{} }()
	fn()
}

// loadModel brings one model to readiness and registers it with refs == 0.
// It owns the family lock for the duration so sibling loads and evictions
// within the family are serialized.
func (p *Pool) loadModel(entry catalog.ModelEntry, adapter inference.Adapter) error {
	lock := p.familyLocks[entry.Family]
	<-lock
	defer func() { lock <- struct{}{} }()

	// Make room first: the evicted sibling's shutdown must fully complete
	// before the new process launches.
	if err := p.makeRoom(entry.Family); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.readyTimeout)
	defer cancel()

	binaryPath, err := adapter.EnsureBinary(ctx)
	if err != nil {
		return &StartupError{Model: entry.Name, Err: err}
	}

	spec := inference.LaunchSpec{
		ModelName:   entry.Name,
		Checkpoint:  entry.Checkpoint,
		BinaryPath:  binaryPath,
		ContextSize: entry.ContextSize,
		Embeddings:  entry.HasLabel(catalog.LabelEmbeddings),
		Reranking:   entry.HasLabel(catalog.LabelReranking),
		OnLine:      recordTelemetryLine(adapter, p.aggregator),
	}

	// FLM manages weights by checkpoint name; every other family needs a
	// resolved weight file (downloading on first use).
	if _, fixed := adapter.FixedPort(); !fixed {
		weightsPath, err := p.weights.Download(ctx, entry.Checkpoint, nil)
		if err != nil {
			return &StartupError{Model: entry.Name, Err: err}
		}
		spec.WeightsPath = weightsPath
		if entry.MMProj != "" {
			mmprojPath, err := p.weights.Download(ctx, entry.MMProj, nil)
			if err != nil {
				return &StartupError{Model: entry.Name, Err: err}
			}
			spec.MMProjPath = mmprojPath
		}
	}

	run, err := p.launchWithRetries(ctx, adapter, entry, spec)
	if err != nil {
		return &StartupError{Model: entry.Name, Err: err}
	}

	model := &loadedModel{
		entry:    entry,
		runner:   run,
		lastUsed: time.Now(),
	}
	p.lock(context.Background())
	p.loaded[entry.Name] = model
	p.broadcast()
	p.unlock()
	p.publishLoadedCount()

	// Supervisor: when the process exits on its own, mark the model stale so
	// it is reaped instead of serving dead connections.
	go func() {
		<-run.process.Done()
		p.markStale(model)
	}()

	p.log.Infof("Loaded %s (%s) on port %d", entry.Name, entry.Family, run.process.Port())
	return nil
}

// launchWithRetries launches the backend, retrying with a fresh port when
// the chosen port is lost to a bind race, and once more on CPU when the
// family supports GPU fallback.
func (p *Pool) launchWithRetries(ctx context.Context, adapter inference.Adapter, entry catalog.ModelEntry, spec inference.LaunchSpec) (*runner, error) {
	var lastErr error
	for attempt := 0; attempt <= ports.BindRetries; attempt++ {
		port, fixed := adapter.FixedPort()
		if !fixed {
			var err error
			port, err = p.ports.AcquirePort()
			if err != nil {
				return nil, err
			}
		}
		spec.Port = port

		run, err := p.launchOnce(ctx, adapter, entry, spec)
		if err == nil {
			return run, nil
		}
		lastErr = err
		if fixed || ctx.Err() != nil {
			break
		}
		p.log.Warnf("Launch attempt %d/%d for %s failed: %v", attempt+1, ports.BindRetries+1, entry.Name, err)
	}
	return nil, lastErr
}

// launchOnce performs one launch + readiness wait, with the family's GPU to
// CPU fallback applied when the first process dies during startup.
func (p *Pool) launchOnce(ctx context.Context, adapter inference.Adapter, entry catalog.ModelEntry, spec inference.LaunchSpec) (*runner, error) {
	process, err := adapter.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	run := newRunner(p.log, adapter, entry, process)
	if err := run.waitReady(ctx, p.readyTimeout); err == nil {
		return run, nil
	} else if !process.Exited() || !adapter.SupportsCPUFallback() || spec.ForceCPU {
		run.terminate()
		return nil, err
	}
	run.terminate()

	p.log.Warnf("Loading %s on GPU didn't work, re-attempting on CPU", entry.Name)
	cpuSpec := spec
	cpuSpec.ForceCPU = true
	process, err = adapter.Launch(ctx, cpuSpec)
	if err != nil {
		return nil, err
	}
	run = newRunner(p.log, adapter, entry, process)
	if err := run.waitReady(ctx, p.readyTimeout); err != nil {
		run.terminate()
		return nil, err
	}
	return run, nil
}

// makeRoom evicts least-recently-used unpinned models of the family until
// its loaded count is below capacity. The caller must hold the family lock.
func (p *Pool) makeRoom(family inference.Family) error {
	capacity := p.Capacity(family)
	for {
		p.lock(context.Background())
		var members []*loadedModel
		for _, model := range p.loaded {
			if model.entry.Family == family {
				members = append(members, model)
			}
		}
		if len(members) < capacity {
			p.unlock()
			return nil
		}

		// Pick the LRU eviction candidate among unpinned members. Ties on
		// the timestamp break by name so eviction is deterministic.
		var victim *loadedModel
		for _, model := range members {
			if model.refs > 0 {
				continue
			}
			if victim == nil ||
				model.lastUsed.Before(victim.lastUsed) ||
				(model.lastUsed.Equal(victim.lastUsed) && model.entry.Name < victim.entry.Name) {
				victim = model
			}
		}
		if victim == nil {
			p.unlock()
			return fmt.Errorf("%w: %s", ErrAllModelsBusy, family)
		}
		delete(p.loaded, victim.entry.Name)
		p.broadcast()
		p.unlock()

		p.log.Infof("Evicting %s (%s, last used %s ago)",
			victim.entry.Name, family, time.Since(victim.lastUsed).Round(time.Second))
		victim.runner.terminate()
		p.publishLoadedCount()
	}
}

// releaseModel decrements a model's reference count, updating last-used and
// reaping it if it went stale while pinned.
func (p *Pool) releaseModel(model *loadedModel) {
	p.lock(context.Background())
	model.refs--
	model.lastUsed = time.Now()
	reap := model.stale && model.refs == 0
	if reap {
		delete(p.loaded, model.entry.Name)
	}
	p.broadcast()
	p.unlock()
	if reap {
		p.withFamilyLock(model.entry.Family, func() { model.runner.terminate() })
		p.publishLoadedCount()
	}
}

// markStale schedules a model's removal after its reference count drains.
func (p *Pool) markStale(model *loadedModel) {
	p.lock(context.Background())
	if model.stale {
		p.unlock()
		return
	}
	model.stale = true
	reap := model.refs == 0 && p.loaded[model.entry.Name] == model
	if reap {
		delete(p.loaded, model.entry.Name)
	}
	p.broadcast()
	p.unlock()
	if reap {
		p.withFamilyLock(model.entry.Family, func() { model.runner.terminate() })
		p.publishLoadedCount()
	}
}

// Unload removes a resident model. The model must be unpinned.
func (p *Pool) Unload(name string) error {
	p.lock(context.Background())
	model, ok := p.loaded[name]
	if !ok {
		p.unlock()
		return fmt.Errorf("%w: %s", ErrModelNotLoaded, name)
	}
	if model.refs > 0 {
		p.unlock()
		return fmt.Errorf("%w: %s", ErrModelBusy, name)
	}
	delete(p.loaded, name)
	p.broadcast()
	p.unlock()

	p.withFamilyLock(model.entry.Family, func() { model.runner.terminate() })
	p.publishLoadedCount()
	p.log.Infof("Unloaded %s", name)
	return nil
}

// UnloadAll removes every unpinned resident model and returns the number
// unloaded.
func (p *Pool) UnloadAll() int {
	unloaded := 0
	for _, status := range p.List() {
		if err := p.Unload(status.Name); err == nil {
			unloaded++
		}
	}
	return unloaded
}

// List reports the resident models ordered by name.
func (p *Pool) List() []ModelStatus {
	p.lock(context.Background())
	defer p.unlock()
	result := make([]ModelStatus, 0, len(p.loaded))
	for _, model := range p.loaded {
		result = append(result, ModelStatus{
			Name:     model.entry.Name,
			Family:   model.entry.Family,
			Port:     model.runner.process.Port(),
			Uptime:   time.Since(model.runner.process.StartedAt()).Seconds(),
			Refs:     model.refs,
			LastUsed: model.lastUsed,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Loaded reports whether the named model is resident.
func (p *Pool) Loaded(name string) bool {
	p.lock(context.Background())
	defer p.unlock()
	model, ok := p.loaded[name]
	return ok && !model.stale
}

func (p *Pool) publishLoadedCount() {
	p.lock(context.Background())
	count := len(p.loaded)
	p.unlock()
	p.aggregator.SetModelsLoaded(count)
}

// run keeps the pool alive until ctx is cancelled, then disables loads and
// evicts everything, waiting for pinned models to drain.
func (p *Pool) run(ctx context.Context) error {
	<-ctx.Done()

	poll := make(chan struct{}, 1)
	poll <- struct{}{}
	p.lock(context.Background())
	p.loadsEnabled = false
	p.waiters[poll] = true
	p.broadcast()
	p.unlock()

	for range poll {
		p.UnloadAll()
		p.lock(context.Background())
		remaining := len(p.loaded) + len(p.loads)
		if remaining == 0 {
			delete(p.waiters, poll)
			p.unlock()
			break
		}
		p.unlock()
	}
	return nil
}
