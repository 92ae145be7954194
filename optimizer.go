package queryx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seasbee/go-logx"
)

// EntityContext names the entity a read targets. Entity feeds cache keys and
// fallback synthesis; Collection names the store collection to read from and
// defaults to Entity when empty.
type EntityContext struct {
	Entity     string
	Collection string
}

func (ec EntityContext) entity() string {
	if trimmed := strings.TrimSpace(ec.Entity); trimmed != "" {
		return trimmed
	}
	return "record"
}

func (ec EntityContext) collection() string {
	if trimmed := strings.TrimSpace(ec.Collection); trimmed != "" {
		return trimmed
	}
	return ec.entity()
}

type readOptions struct {
	useCache bool
	ttl      time.Duration
}

// ReadOption customizes a single read
type ReadOption func(*readOptions)

// WithCache overrides the configured cache-by-default behavior for one read
func WithCache(use bool) ReadOption {
	return func(o *readOptions) {
		o.useCache = use
	}
}

// WithTTL overrides the default TTL for values cached by one read
func WithTTL(ttl time.Duration) ReadOption {
	return func(o *readOptions) {
		o.ttl = ttl
	}
}

// Optimizer orchestrates cache lookups, pool acquisition, deadline-bounded
// reads, fallback synthesis and batch reads. Reads never fail outward: every
// failure path degrades to a synthesized fallback record of the expected
// shape, and every degradation is logged.
type Optimizer struct {
	config  *OptimizerConfig
	pool    *ConnectionPool
	cache   CacheStore
	codec   Codec
	keys    *KeyBuilder
	metrics *MetricsRegistry
	obs     *ObservabilityManager
}

// OptimizerOption customizes optimizer construction
type OptimizerOption func(*Optimizer)

// WithCacheStore swaps the default map-based cache for another store
func WithCacheStore(store CacheStore) OptimizerOption {
	return func(o *Optimizer) {
		o.cache = store
	}
}

// WithCodec swaps the default MessagePack codec
func WithCodec(codec Codec) OptimizerOption {
	return func(o *Optimizer) {
		o.codec = codec
	}
}

// WithKeyBuilder swaps the default key builder
func WithKeyBuilder(keys *KeyBuilder) OptimizerOption {
	return func(o *Optimizer) {
		o.keys = keys
	}
}

// WithMetricsRegistry swaps the default metrics registry
func WithMetricsRegistry(metrics *MetricsRegistry) OptimizerOption {
	return func(o *Optimizer) {
		o.metrics = metrics
	}
}

// WithObservability attaches a prometheus/otel mirror
func WithObservability(obs *ObservabilityManager) OptimizerOption {
	return func(o *Optimizer) {
		o.obs = obs
	}
}

// NewOptimizer creates an optimizer around an existing pool. The optimizer
// owns its cache store (closed by Close); the pool stays caller-owned.
func NewOptimizer(config *OptimizerConfig, pool *ConnectionPool, opts ...OptimizerOption) (*Optimizer, error) {
	if config == nil {
		config = DefaultOptimizerConfig()
	}
	configCopy := *config

	if err := validateOptimizerConfig(&configCopy); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("%w: connection pool cannot be nil", ErrInvalidConfig)
	}

	o := &Optimizer{
		config: &configCopy,
		pool:   pool,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.cache == nil {
		cache, err := NewQueryCache(DefaultCacheConfig())
		if err != nil {
			return nil, err
		}
		o.cache = cache
	}
	if o.codec == nil {
		o.codec = NewMessagePackCodec()
	}
	if o.keys == nil {
		keys, err := NewKeyBuilder("queryx", "")
		if err != nil {
			return nil, err
		}
		o.keys = keys
	}
	if o.metrics == nil {
		metrics, err := NewMetricsRegistry(DefaultMetricsConfig())
		if err != nil {
			return nil, err
		}
		o.metrics = metrics
	}
	if o.obs != nil {
		o.metrics.SetObservability(o.obs)
	}

	return o, nil
}

// canonicalizeID lowercases the input and strips everything outside [a-z0-9].
// A valid id is non-empty, within the length bound and already canonical.
func canonicalizeID(raw string, maxLen int) (canonical string, valid bool) {
	trimmed := strings.TrimSpace(raw)
	lower := strings.ToLower(trimmed)

	var b strings.Builder
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	canonical = b.String()
	if len(canonical) > maxLen {
		canonical = canonical[:maxLen]
	}
	if canonical == "" {
		canonical = "unknown"
	}

	valid = trimmed != "" && len(trimmed) <= maxLen && canonical == trimmed
	return canonical, valid
}

// Get returns the record for id, degrading to a synthesized fallback on
// invalid input, pool exhaustion, store error or deadline expiry. It never
// returns an error.
//
// The underlying store read is raced against QueryTimeout, not cancelled: a
// slow read keeps running after the deadline and its connection is returned
// to the pool whenever it eventually completes.
func (o *Optimizer) Get(ctx context.Context, id string, ec EntityContext, opts ...ReadOption) Record {
	options := readOptions{
		useCache: o.config.CacheByDefault,
		ttl:      o.config.DefaultTTL,
	}
	for _, opt := range opts {
		opt(&options)
	}

	entity := ec.entity()
	op := "get:" + entity

	canonical, valid := canonicalizeID(id, o.config.MaxIDLength)
	if !valid {
		// Invalid input skips the pool and cache entirely
		o.metrics.Record(op, 0, false)
		return o.emitFallback(op, canonical, ec, ErrInvalidID)
	}

	ctx, span := o.obs.TraceOperation(ctx, "get", entity, canonical)
	defer span.End()

	key := o.keys.Build(entity, "get", canonical)

	if options.useCache {
		if data, ok := o.cache.Get(key); ok {
			var rec Record
			if err := o.codec.Decode(data, &rec); err == nil {
				o.metrics.Record(op, 0, true)
				o.obs.RecordCacheHit()
				return rec
			}
			// Undecodable entry: drop it and fall through to the store
			o.cache.Delete(key)
		}
		o.obs.RecordCacheMiss()
	}

	start := time.Now()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		o.metrics.Record(op, 0, false)
		return o.emitFallback(op, canonical, ec, err)
	}

	type readResult struct {
		rec Record
		err error
	}
	resCh := make(chan readResult, 1)

	// Detached context: the read outlives the deadline race and the caller,
	// and releases the connection when it finally resolves.
	readCtx := context.WithoutCancel(ctx)
	go func() {
		rec, rerr := conn.Client().FindByID(readCtx, ec.collection(), canonical)
		resCh <- readResult{rec: rec, err: rerr}
		o.pool.Release(conn)
	}()

	timer := time.NewTimer(o.config.QueryTimeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		o.pool.noteDeadlineMet(conn)
		elapsed := time.Since(start)
		if res.err != nil {
			o.metrics.Record(op, elapsed, false)
			return o.emitFallback(op, canonical, ec, res.err)
		}
		if options.useCache {
			if data, cerr := o.codec.Encode(res.rec); cerr == nil {
				if serr := o.cache.Set(key, data, []string{canonical}, options.ttl); serr != nil {
					logx.Warn("Failed to cache read result",
						logx.String("key", key),
						logx.ErrorField(serr))
				}
			}
		}
		o.metrics.Record(op, elapsed, true)
		return res.rec
	case <-timer.C:
		o.pool.noteDeadlineMiss(conn)
		o.metrics.Record(op, time.Since(start), false)
		return o.emitFallback(op, canonical, ec,
			fmt.Errorf("%w (%s)", ErrQueryTimeout, o.config.QueryTimeout))
	}
}

// BatchGet issues one bulk read for ids and returns a mapping keyed by id.
// Ids with no matching row are simply absent. Runtime failures degrade to an
// empty mapping; only structural misconfiguration returns an error.
func (o *Optimizer) BatchGet(ctx context.Context, ids []string, ec EntityContext, opts ...ReadOption) (map[string]Record, error) {
	options := readOptions{
		useCache: o.config.CacheByDefault,
		ttl:      o.config.DefaultTTL,
	}
	for _, opt := range opts {
		opt(&options)
	}

	entity := ec.entity()
	op := "batchGet:" + entity

	if len(ids) == 0 {
		return map[string]Record{}, nil
	}
	if o.pool == nil {
		return nil, fmt.Errorf("%w: optimizer has no connection pool", ErrInvalidConfig)
	}

	canonicalIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		canonical, valid := canonicalizeID(id, o.config.MaxIDLength)
		if !valid {
			logx.Warn("Skipping invalid id in batch read",
				logx.String("entity", entity),
				logx.String("canonical", canonical))
			continue
		}
		canonicalIDs = append(canonicalIDs, canonical)
	}
	if len(canonicalIDs) == 0 {
		return map[string]Record{}, nil
	}

	ctx, span := o.obs.TraceOperation(ctx, "batchGet", entity, "")
	defer span.End()

	batchKey := o.keys.BuildBatch(entity, canonicalIDs)

	if options.useCache {
		if data, ok := o.cache.Get(batchKey); ok {
			var cached map[string]Record
			if err := o.codec.Decode(data, &cached); err == nil {
				o.metrics.Record(op, 0, true)
				o.obs.RecordCacheHit()
				return cached, nil
			}
			o.cache.Delete(batchKey)
		}
		o.obs.RecordCacheMiss()
	}

	start := time.Now()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		logx.Warn("Batch read degraded to empty result",
			logx.String("entity", entity),
			logx.Int("requested", len(canonicalIDs)),
			logx.ErrorField(err))
		o.metrics.Record(op, 0, false)
		return map[string]Record{}, nil
	}

	type batchResult struct {
		recs map[string]Record
		err  error
	}
	resCh := make(chan batchResult, 1)

	readCtx := context.WithoutCancel(ctx)
	go func() {
		recs, rerr := conn.Client().FindByIDs(readCtx, ec.collection(), canonicalIDs)
		resCh <- batchResult{recs: recs, err: rerr}
		o.pool.Release(conn)
	}()

	timer := time.NewTimer(o.config.BatchTimeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		o.pool.noteDeadlineMet(conn)
		elapsed := time.Since(start)
		if res.err != nil {
			logx.Warn("Batch read degraded to empty result",
				logx.String("entity", entity),
				logx.Int("requested", len(canonicalIDs)),
				logx.ErrorField(res.err))
			o.metrics.Record(op, elapsed, false)
			return map[string]Record{}, nil
		}

		if options.useCache {
			o.cacheBatch(batchKey, canonicalIDs, entity, res.recs, options.ttl)
		}
		o.metrics.Record(op, elapsed, true)
		return res.recs, nil
	case <-timer.C:
		o.pool.noteDeadlineMiss(conn)
		logx.Warn("Batch read exceeded deadline, degraded to empty result",
			logx.String("entity", entity),
			logx.Int("requested", len(canonicalIDs)),
			logx.String("deadline", o.config.BatchTimeout.String()))
		o.metrics.Record(op, time.Since(start), false)
		return map[string]Record{}, nil
	}
}

// cacheBatch populates the per-id cache for every returned row plus one
// composite entry for the batch itself, tagged with every embedded id so
// entity invalidation can find it.
func (o *Optimizer) cacheBatch(batchKey string, requested []string, entity string, recs map[string]Record, ttl time.Duration) {
	for id, rec := range recs {
		data, err := o.codec.Encode(rec)
		if err != nil {
			continue
		}
		key := o.keys.Build(entity, "get", id)
		if serr := o.cache.Set(key, data, []string{id}, ttl); serr != nil {
			logx.Warn("Failed to cache batch row",
				logx.String("key", key),
				logx.ErrorField(serr))
		}
	}

	data, err := o.codec.Encode(recs)
	if err != nil {
		return
	}
	embedded := make([]string, 0, len(recs))
	for id := range recs {
		embedded = append(embedded, id)
	}
	if serr := o.cache.Set(batchKey, data, embedded, ttl); serr != nil {
		logx.Warn("Failed to cache batch result",
			logx.String("key", batchKey),
			logx.ErrorField(serr))
	}
}

// emitFallback synthesizes a deterministic best-effort record from the
// supplied context. Fallbacks are never cached, and every emission is logged.
func (o *Optimizer) emitFallback(op, canonicalID string, ec EntityContext, cause error) Record {
	logx.Warn("Returning synthesized fallback record",
		logx.String("operation", op),
		logx.String("id", canonicalID),
		logx.String("entity", ec.entity()),
		logx.ErrorField(cause))
	o.obs.RecordFallback()

	return Record{
		"id":          canonicalID,
		"entity":      ec.entity(),
		"placeholder": true,
	}
}

// ClearCache wipes every cached entry
func (o *Optimizer) ClearCache() {
	o.cache.Clear()
}

// ClearEntityCache removes the single-entity entry for id and evicts every
// batch entry whose result set contains it.
func (o *Optimizer) ClearEntityCache(id string, ec EntityContext) {
	entity := ec.entity()
	canonical, _ := canonicalizeID(id, o.config.MaxIDLength)

	key := o.keys.Build(entity, "get", canonical)
	o.cache.Delete(key)
	removed := o.cache.DeleteContaining(canonical)

	logx.Info("Entity cache invalidated",
		logx.String("entity", entity),
		logx.String("id", canonical),
		logx.Int("batchEntriesRemoved", removed))
}

// GetMetrics returns a serializable snapshot of every tracked operation
func (o *Optimizer) GetMetrics() map[string]OperationSnapshot {
	return o.metrics.Snapshot()
}

// GetCacheStats returns current cache counters
func (o *Optimizer) GetCacheStats() CacheStats {
	return o.cache.Stats()
}

// GetPoolStats returns the pool occupancy snapshot and mirrors it into the
// observability gauges when attached.
func (o *Optimizer) GetPoolStats() PoolStats {
	stats := o.pool.Stats()
	o.obs.RecordPoolStats(stats)
	return stats
}

// Close releases the optimizer-owned cache store. The pool is caller-owned
// and left running.
func (o *Optimizer) Close() error {
	return o.cache.Close()
}
