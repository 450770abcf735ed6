package worker

import (
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/logger"
)

const (
	// defaultMaxWorkers bounds the pool when no size is configured.
	defaultMaxWorkers = 100

	// defaultMaxBodyBytes caps request bodies read on behalf of workers
	// whose config does not set its own limit.
	defaultMaxBodyBytes = 10 << 20

	// minCleanupInterval keeps per-worker cleanup tickers from spinning
	// when a config carries very small ttl or idle values.
	minCleanupInterval = 100 * time.Millisecond

	// terminateGrace bounds how long background retirement waits for a
	// worker to die before giving up on it.
	terminateGrace = 10 * time.Second
)

// removeCause tells the eviction callback why an entry is leaving the
// cache, so the right counter moves.
type removeCause int

const (
	causeLRU removeCause = iota
	causeRetire
	causeShutdown
)

type spawnFunc func(opts SpawnOptions) (*Instance, error)

// PoolOptions configures a worker pool.
type PoolOptions struct {
	// MaxSize bounds how many persistent workers stay cached.
	MaxSize int

	// APIBaseURL is handed to every worker as BUNTIME_API_URL.
	APIBaseURL string

	// Runtime overrides the worker launch binary.
	Runtime string

	// NodeEnv is forwarded to workers; defaults to "production".
	NodeEnv string

	// TerminateDelay is the per-worker grace period before forced kill.
	TerminateDelay time.Duration

	// OnWorkerSpawn fires after a worker process starts, outside pool
	// locks.
	OnWorkerSpawn func(inst *Instance)

	// OnWorkerTerminate fires after a worker has been terminated.
	OnWorkerTerminate func(inst *Instance)

	Log *zap.SugaredLogger
}

// Pool owns at most one persistent worker per app key, with LRU eviction,
// per-worker cleanup timers, and accumulated historical statistics for
// keys whose workers have been retired.
type Pool struct {
	opts  PoolOptions
	log   *zap.SugaredLogger
	spawn spawnFunc

	instanceID string
	metrics    *metrics

	mu         sync.Mutex
	cache      *lru.Cache[string, *Instance]
	workerDirs map[string]string
	timers     map[string]chan struct{}
	historical *boundedStats
	ephemeral  *boundedStats
	cause      removeCause
	closed     bool
}

// newRuntimeID tags this pool's lifetime in logs and metrics. Short
// base58 keeps it readable next to the UUIDs workers carry.
func newRuntimeID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return base58.Encode(buf)
}

// NewPool builds a pool. MaxSize defaults when zero.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxWorkers
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}

	p := &Pool{
		opts:       opts,
		log:        opts.Log,
		spawn:      Spawn,
		instanceID: newRuntimeID(),
		metrics:    &metrics{},
		workerDirs: make(map[string]string),
		timers:     make(map[string]chan struct{}),
		historical: newBoundedStats(statsRetentionCap),
		ephemeral:  newBoundedStats(statsRetentionCap),
	}

	cache, err := lru.NewWithEvict[string, *Instance](opts.MaxSize, p.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker cache")
	}
	p.cache = cache

	p.log.Debugw("worker pool created",
		logger.FieldInstance, p.instanceID,
		"max_size", opts.MaxSize,
	)
	return p, nil
}

// Fetch resolves the app key for appDir, obtains a worker (cached or
// fresh), and dispatches one request to it. preReadBody, when non-nil,
// replaces the request body; nil means read it from r.
func (p *Pool) Fetch(ctx context.Context, appDir string, cfg Config, r *http.Request, preReadBody []byte) (*ResponsePayload, error) {
	key, err := ResolveKey(appDir)
	if err != nil {
		return nil, err
	}

	payload, err := buildRequestPayload(r, cfg, preReadBody)
	if err != nil {
		return nil, err
	}

	if cfg.Ephemeral() {
		kind := ClassifyRequest(r.Header.Get("Sec-Fetch-Dest"))
		return p.fetchEphemeral(ctx, key, appDir, cfg, payload, kind)
	}

	inst, created, err := p.getOrCreate(key, appDir, cfg)
	if err != nil {
		return nil, err
	}
	if created && p.opts.OnWorkerSpawn != nil {
		p.opts.OnWorkerSpawn(inst)
	}

	start := time.Now()
	res, err := inst.Fetch(ctx, payload)
	if err != nil {
		return nil, err
	}
	p.metrics.recordDuration(time.Since(start).Milliseconds())
	return res, nil
}

// getOrCreate returns a healthy cached worker for key or spawns a fresh
// one. The spawn happens under the pool lock so two concurrent fetches for
// the same key cannot both create a worker; process start is cheap and the
// READY wait happens later, outside the lock.
func (p *Pool) getOrCreate(key, appDir string, cfg Config) (inst *Instance, created bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, errors.Wrapf(errors.ErrPoolClosed, "cannot fetch %s", key)
	}
	if err := p.checkCollision(key, appDir); err != nil {
		return nil, false, err
	}

	if cached, ok := p.cache.Get(key); ok {
		if cached.IsHealthy() {
			p.metrics.recordHit()
			return cached, false, nil
		}
		p.cause = causeRetire
		p.cache.Remove(key)
		p.cause = causeLRU
	}

	p.metrics.recordMiss()

	inst, err = p.spawn(p.spawnOptions(key, appDir, cfg))
	if err != nil {
		p.metrics.recordFailed()
		return nil, false, errors.Wrapf(err, "failed to spawn worker %s", key)
	}
	p.metrics.recordCreated()

	p.cache.Add(key, inst)
	p.workerDirs[key] = appDir
	p.startCleanupTimer(key, inst, cleanupInterval(cfg))
	return inst, true, nil
}

// fetchEphemeral spawns a one-shot worker, dispatches, and records the
// outcome under session semantics. The instance terminates itself after
// the request; it is never cached.
func (p *Pool) fetchEphemeral(ctx context.Context, key, appDir string, cfg Config, payload *RequestPayload, kind RequestKind) (*ResponsePayload, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrPoolClosed, "cannot fetch %s", key)
	}
	if err := p.checkCollision(key, appDir); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	inst, err := p.spawn(p.spawnOptions(key, appDir, cfg))
	if err != nil {
		p.metrics.recordFailed()
		p.mu.Unlock()
		return nil, errors.Wrapf(err, "failed to spawn ephemeral worker %s", key)
	}
	p.metrics.recordCreated()
	p.mu.Unlock()

	if p.opts.OnWorkerSpawn != nil {
		p.opts.OnWorkerSpawn(inst)
	}

	start := time.Now()
	res, ferr := inst.Fetch(ctx, payload)
	elapsed := time.Since(start).Milliseconds()

	p.recordEphemeral(key, kind, elapsed, ferr != nil)
	if ferr == nil {
		p.metrics.recordDuration(elapsed)
	}

	if cb := p.opts.OnWorkerTerminate; cb != nil {
		go func() {
			tctx, cancel := context.WithTimeout(context.Background(), terminateGrace)
			defer cancel()
			_ = inst.Terminate(tctx)
			cb(inst)
		}()
	}
	return res, ferr
}

// recordEphemeral folds one ephemeral request into the per-key session
// stats. Document and API requests open a new session; assets accumulate
// into the current one.
func (p *Pool) recordEphemeral(key string, kind RequestKind, elapsedMs int64, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.ephemeral.get(key)
	if cur == nil {
		cur = &Stats{Status: StatusEphemeral, CreatedAt: time.Now()}
		p.ephemeral.put(key, cur)
	}
	cur.RequestCount++
	if failed {
		cur.ErrorCount++
	}
	cur.TotalResponseTimeMs += elapsedMs
	cur.AvgResponseTimeMs = avg(cur.TotalResponseTimeMs, cur.RequestCount)
	cur.LastUsedAt = time.Now()

	if kind.NewSession() {
		cur.LastRequestCount = 1
		cur.LastResponseTimeMs = elapsedMs
	} else {
		cur.LastRequestCount++
		cur.LastResponseTimeMs += elapsedMs
	}
}

// checkCollision rejects a key that is already bound to a different
// directory. Caller holds p.mu.
func (p *Pool) checkCollision(key, appDir string) error {
	if dir, ok := p.workerDirs[key]; ok && dir != appDir {
		return errors.NewWorkerCollision(key, dir, appDir)
	}
	return nil
}

func (p *Pool) spawnOptions(key, appDir string, cfg Config) SpawnOptions {
	return SpawnOptions{
		Key:            key,
		AppDir:         appDir,
		Config:         cfg,
		APIBaseURL:     p.opts.APIBaseURL,
		Runtime:        p.opts.Runtime,
		NodeEnv:        p.opts.NodeEnv,
		TerminateDelay: p.opts.TerminateDelay,
		Log:            p.log,
	}
}

// onEvict runs inside cache mutations (Add overflow, Remove, Purge), all
// of which happen under p.mu: it must not touch the cache or re-lock the
// pool. Termination is pushed to a goroutine so lock hold time stays
// short.
func (p *Pool) onEvict(key string, inst *Instance) {
	st := inst.Stats()
	st.Status = StatusOffline
	p.historical.accumulate(key, st)

	switch p.cause {
	case causeRetire, causeShutdown:
		p.metrics.recordRetired()
	default:
		p.metrics.recordEviction()
	}

	if stop, ok := p.timers[key]; ok {
		close(stop)
		delete(p.timers, key)
	}
	delete(p.workerDirs, key)

	cb := p.opts.OnWorkerTerminate
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), terminateGrace)
		defer cancel()
		_ = inst.Terminate(ctx)
		if cb != nil {
			cb(inst)
		}
	}()

	p.log.Debugw("worker left pool",
		logger.FieldWorkerID, inst.ID,
		logger.FieldAppKey, key,
		logger.FieldRequestCount, st.RequestCount,
	)
}

// cleanupInterval is half the tightest lifetime bound, floored so tiny
// configs do not busy-tick.
func cleanupInterval(cfg Config) time.Duration {
	d := cfg.TTL()
	if idle := cfg.IdleTimeout(); idle > 0 && idle < d {
		d = idle
	}
	d /= 2
	if d < minCleanupInterval {
		d = minCleanupInterval
	}
	return d
}

// startCleanupTimer schedules periodic health checks for one instance.
// Caller holds p.mu.
func (p *Pool) startCleanupTimer(key string, inst *Instance, interval time.Duration) {
	if stop, ok := p.timers[key]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	p.timers[key] = stop
	go p.cleanupLoop(key, inst, interval, stop)
}

// cleanupLoop retires its instance when health goes false and nudges it
// with an IDLE message once per idle episode. It exits when the instance
// leaves the cache.
func (p *Pool) cleanupLoop(key string, inst *Instance, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			current, ok := p.cache.Peek(key)
			p.mu.Unlock()
			if !ok || current != inst {
				return
			}
			if inst.IdleFor() >= interval {
				inst.NotifyIdle()
			}
			if !inst.IsHealthy() {
				p.retire(key, inst)
				return
			}
		}
	}
}

// retire removes inst from the cache if it is still the current entry for
// key; stats accumulation and termination happen in the eviction callback.
func (p *Pool) retire(key string, inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.cache.Peek(key)
	if !ok || current != inst {
		return
	}
	p.cause = causeRetire
	p.cache.Remove(key)
	p.cause = causeLRU
}

// Metrics returns a point-in-time operational snapshot.
func (p *Pool) Metrics() PoolMetrics {
	hits, misses, evictions, created, failed, retired, avgMs := p.metrics.snapshot()

	p.mu.Lock()
	active := p.cache.Len()
	p.mu.Unlock()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	total, available, usedPct := systemMemory()

	return PoolMetrics{
		InstanceID:         p.instanceID,
		ActiveWorkers:      active,
		PoolCapacity:       p.opts.MaxSize,
		CacheHits:          hits,
		CacheMisses:        misses,
		HitRate:            hitRate,
		WorkersCreated:     created,
		WorkersFailed:      failed,
		WorkersRetired:     retired,
		Evictions:          evictions,
		AvgResponseTimeMs:  avgMs,
		SystemMemTotal:     total,
		SystemMemAvailable: available,
		SystemMemUsedPct:   usedPct,
	}
}

// WorkerStats composes per-key statistics from three layers: historical
// counters for retired keys, ephemeral session stats, then live workers.
// Live counters add onto historical ones for the same key.
func (p *Pool) WorkerStats() map[string]*Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]*Stats, p.historical.len()+p.ephemeral.len()+p.cache.Len())

	p.historical.each(func(key string, s *Stats) {
		cp := *s
		out[key] = &cp
	})
	p.ephemeral.each(func(key string, s *Stats) {
		cp := *s
		out[key] = &cp
	})

	for _, key := range p.cache.Keys() {
		inst, ok := p.cache.Peek(key)
		if !ok {
			continue
		}
		live := inst.Stats()
		if prev, ok := out[key]; ok {
			live.RequestCount += prev.RequestCount
			live.ErrorCount += prev.ErrorCount
			live.TotalResponseTimeMs += prev.TotalResponseTimeMs
			live.AvgResponseTimeMs = avg(live.TotalResponseTimeMs, live.RequestCount)
			if !prev.CreatedAt.IsZero() && prev.CreatedAt.Before(live.CreatedAt) {
				live.CreatedAt = prev.CreatedAt
			}
		}
		out[key] = live
	}
	return out
}

// Shutdown retires every worker and stops all timers. Terminations run
// synchronously so callers can gate process exit on it.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	instances := p.cache.Values()
	p.cause = causeShutdown
	p.cache.Purge()
	p.cause = causeLRU
	p.mu.Unlock()

	var firstErr error
	for _, inst := range instances {
		if err := inst.Terminate(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.log.Debugw("worker pool shut down",
		logger.FieldInstance, p.instanceID,
		logger.FieldCount, len(instances),
	)
	return firstErr
}

// buildRequestPayload flattens an HTTP request into the worker protocol
// shape. A non-nil preReadBody wins even when empty; otherwise the body is
// read here, bounded by the config's body cap.
func buildRequestPayload(r *http.Request, cfg Config, preReadBody []byte) (*RequestPayload, error) {
	var body []byte
	switch {
	case preReadBody != nil:
		body = preReadBody
	case r.Body != nil:
		limit := cfg.MaxBodyBytes
		if limit <= 0 {
			limit = defaultMaxBodyBytes
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, limit))
		if err != nil {
			return nil, errors.Wrap(err, "failed to read request body")
		}
		body = data
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = strings.Join(v, ", ")
	}

	return &RequestPayload{
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	}, nil
}
