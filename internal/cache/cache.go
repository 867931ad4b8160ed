// Package cache holds the bounded, per-context flag cache.
//
// Each context key owns one entry. Reads load the entry's snapshot through an
// atomic pointer, so they never wait on a writer. Writers for the same context
// are serialized by the entry's write mutex, and every accepted mutation is
// written through to the injected core.KVStore.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/logging"
)

const (
	DefaultMaxCachedValues = 5
	DefaultNamespace       = "default"

	storeKeyPrefix = "flagsync"
	staleLogEvery  = time.Second
	staleLogBurst  = 5
)

// Recorder receives cache counters. Implemented by internal/metrics.
type Recorder interface {
	IncStaleRejections()
	IncPersistenceErrors(op string)
	IncEvictions()
	SetCachedContexts(n int)
}

type nopRecorder struct{}

func (nopRecorder) IncStaleRejections()         {}
func (nopRecorder) IncPersistenceErrors(string) {}
func (nopRecorder) IncEvictions()               {}
func (nopRecorder) SetCachedContexts(int)       {}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Contexts          int    `json:"contexts"`
	StaleRejections   uint64 `json:"stale_rejections"`
	PersistenceErrors uint64 `json:"persistence_errors"`
	Evictions         uint64 `json:"evictions"`
}

type Option func(*Cache)

// WithMaxCachedValues sets the maximum number of context entries kept in
// memory. Values <= 0 make New fail with core.ErrInvalidConfig.
func WithMaxCachedValues(n int) Option {
	return func(c *Cache) { c.max = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func WithRecorder(r Recorder) Option {
	return func(c *Cache) {
		if r != nil {
			c.recorder = r
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithNamespace scopes persisted keys so several SDK instances can share a
// store.
func WithNamespace(ns string) Option {
	return func(c *Cache) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

type entry struct {
	contextKey string
	snap       atomic.Pointer[core.Snapshot]
	lastAccess atomic.Int64

	writeMu sync.Mutex
	// evicted is set under writeMu once the entry has left the LRU. Writers
	// that observe it retry against a fresh entry.
	evicted bool
	// detached entries could not be admitted without evicting the active
	// context. Writes to them go through the store only.
	detached bool
}

func (e *entry) load() core.Snapshot {
	if p := e.snap.Load(); p != nil {
		return *p
	}
	return nil
}

// record is the persisted form of an entry.
type record struct {
	ContextKey string        `json:"context_key"`
	Flags      core.Snapshot `json:"flags"`
	LastAccess time.Time     `json:"last_access"`
}

type Cache struct {
	store     core.KVStore
	logger    *slog.Logger
	staleLog  *slog.Logger
	recorder  Recorder
	clock     clockwork.Clock
	namespace string

	mu     sync.Mutex
	lru    *simplelru.LRU[string, *entry]
	max    int
	active string

	// detachedMu serializes read-modify-write cycles on contexts that live
	// only in the store.
	detachedMu sync.Mutex

	staleRejections   atomic.Uint64
	persistenceErrors atomic.Uint64
	evictions         atomic.Uint64
}

// New builds a cache backed by store. A nil store keeps state in memory only.
func New(store core.KVStore, opts ...Option) (*Cache, error) {
	c := &Cache{
		store:     store,
		recorder:  nopRecorder{},
		clock:     clockwork.NewRealClock(),
		namespace: DefaultNamespace,
		max:       DefaultMaxCachedValues,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.max <= 0 {
		return nil, core.InvalidConfig("max cached values must be > 0, got %d", c.max)
	}
	if c.store == nil {
		c.store = nopStore{}
	}
	c.logger = logging.OrDefault(c.logger).With("component", "cache")
	c.staleLog = logging.Throttled(c.logger, staleLogEvery, staleLogBurst)

	// Capacity is enforced by hand so that the active context can be skipped.
	lru, err := simplelru.NewLRU[string, *entry](math.MaxInt, nil)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.lru = lru

	return c, nil
}

// Configure changes the entry limit, evicting least recently used contexts
// if the cache is now over it.
func (c *Cache) Configure(maxCachedValues int) error {
	if maxCachedValues <= 0 {
		return core.InvalidConfig("max cached values must be > 0, got %d", maxCachedValues)
	}
	c.mu.Lock()
	c.max = maxCachedValues
	c.mu.Unlock()

	c.EvictIfNeeded()
	return nil
}

// Get returns the flag stored for contextKey. Tombstoned flags are reported
// as missing.
func (c *Cache) Get(contextKey, flagKey string) (core.Flag, bool) {
	e := c.touch(contextKey)
	if e == nil {
		return core.Flag{}, false
	}
	f, ok := e.load()[flagKey]
	if !ok || f.Deleted {
		return core.Flag{}, false
	}
	return f, true
}

// Snapshot returns a copy of the live flags for contextKey.
func (c *Cache) Snapshot(contextKey string) (core.Snapshot, bool) {
	e := c.touch(contextKey)
	if e == nil {
		return nil, false
	}
	snap := e.load()
	if snap == nil {
		return nil, false
	}
	return snap.Live(), true
}

// Put replaces the whole snapshot for contextKey.
func (c *Cache) Put(ctx context.Context, contextKey string, snapshot core.Snapshot) {
	next := make(core.Snapshot, len(snapshot))
	for k, f := range snapshot {
		f.Key = k
		next[k] = f
	}

	c.write(ctx, contextKey, func(core.Snapshot) (core.Snapshot, bool) {
		return next, true
	})
}

// ApplyDelta applies a single-flag update. It reports false when the update
// was discarded because its version is not newer than the stored one.
// Deleted flags are kept as tombstones so their version keeps guarding the key.
func (c *Cache) ApplyDelta(ctx context.Context, contextKey string, flag core.Flag) bool {
	return c.write(ctx, contextKey, func(cur core.Snapshot) (core.Snapshot, bool) {
		if existing, ok := cur[flag.Key]; ok && flag.Version <= existing.Version {
			c.staleRejections.Add(1)
			c.recorder.IncStaleRejections()
			c.staleLog.Warn("stale flag update rejected",
				"context_key", contextKey,
				"flag", flag.Key,
				"version", flag.Version,
				"stored_version", existing.Version,
				"error", core.ErrStaleVersion,
			)
			return nil, false
		}
		next := cur.Clone()
		next[flag.Key] = flag
		return next, true
	})
}

// Clear drops contextKey from memory and from the store.
func (c *Cache) Clear(ctx context.Context, contextKey string) {
	c.mu.Lock()
	e, ok := c.lru.Peek(contextKey)
	if ok {
		c.lru.Remove(contextKey)
	}
	n := c.lru.Len()
	c.mu.Unlock()
	c.recorder.SetCachedContexts(n)

	if ok {
		e.writeMu.Lock()
		e.evicted = true
		c.remove(ctx, contextKey)
		e.writeMu.Unlock()
		return
	}
	c.remove(ctx, contextKey)
}

// EvictIfNeeded removes least recently used entries, never the active one,
// until the cache is within its limit. Evicted entries are also removed from
// the store. It returns the number evicted.
func (c *Cache) EvictIfNeeded() int {
	c.mu.Lock()
	victims := c.victimsLocked(0)
	n := c.lru.Len()
	c.mu.Unlock()

	c.recorder.SetCachedContexts(n)
	c.dropVictims(context.Background(), victims)
	return len(victims)
}

// Activate marks contextKey as the active context, which is never evicted.
// If the context has no entry in memory, its persisted snapshot is restored
// from the store. It reports whether a snapshot was restored.
func (c *Cache) Activate(ctx context.Context, contextKey string) bool {
	c.mu.Lock()
	c.active = contextKey
	_, inMemory := c.lru.Peek(contextKey)
	c.mu.Unlock()

	if inMemory {
		return false
	}

	rec, ok := c.load(ctx, contextKey)
	if !ok {
		return false
	}

	restored := false
	c.write(ctx, contextKey, func(cur core.Snapshot) (core.Snapshot, bool) {
		if cur != nil {
			return nil, false
		}
		restored = true
		return rec.Flags, true
	})
	if restored {
		c.logger.Debug("restored persisted snapshot", "context_key", contextKey, "flags", len(rec.Flags))
	}
	return restored
}

// Active returns the key passed to the last Activate call.
func (c *Cache) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) Stats() Stats {
	return Stats{
		Contexts:          c.Len(),
		StaleRejections:   c.staleRejections.Load(),
		PersistenceErrors: c.persistenceErrors.Load(),
		Evictions:         c.evictions.Load(),
	}
}

// write runs mutate under the entry's write lock and stores the result.
// mutate returns false to leave the entry untouched.
func (c *Cache) write(ctx context.Context, contextKey string, mutate func(core.Snapshot) (core.Snapshot, bool)) bool {
	for {
		e := c.entryFor(contextKey)

		if e.detached {
			return c.writeDetached(ctx, contextKey, mutate)
		}

		e.writeMu.Lock()
		if e.evicted {
			// Lost a race with eviction; start over on a fresh entry.
			e.writeMu.Unlock()
			continue
		}

		next, ok := mutate(e.load())
		if !ok {
			e.writeMu.Unlock()
			return false
		}
		now := c.clock.Now()
		e.snap.Store(&next)
		e.lastAccess.Store(now.UnixNano())
		c.persist(ctx, contextKey, next, now)
		e.writeMu.Unlock()
		return true
	}
}

// writeDetached applies mutate to the persisted snapshot of a context that
// could not be admitted, so version checks still see what the store holds.
func (c *Cache) writeDetached(ctx context.Context, contextKey string, mutate func(core.Snapshot) (core.Snapshot, bool)) bool {
	c.detachedMu.Lock()
	defer c.detachedMu.Unlock()

	var cur core.Snapshot
	if rec, ok := c.load(ctx, contextKey); ok {
		cur = rec.Flags
	}
	next, ok := mutate(cur)
	if !ok {
		return false
	}
	c.persist(ctx, contextKey, next, c.clock.Now())
	return true
}

// entryFor returns the entry for contextKey, admitting a new one if needed.
// Admission evicts older entries first so the limit is never exceeded.
func (c *Cache) entryFor(contextKey string) *entry {
	c.mu.Lock()
	if e, ok := c.lru.Get(contextKey); ok {
		c.mu.Unlock()
		return e
	}

	e := &entry{contextKey: contextKey}
	victims := c.victimsLocked(1)
	if c.lru.Len()+1 > c.max {
		// Only the active context is left and it cannot go.
		e.detached = true
	} else {
		c.lru.Add(contextKey, e)
	}
	n := c.lru.Len()
	c.mu.Unlock()

	c.recorder.SetCachedContexts(n)
	c.dropVictims(context.Background(), victims)
	return e
}

// victimsLocked removes entries from the LRU, oldest first and skipping the
// active context, until room extra entries fit. Callers hold c.mu.
func (c *Cache) victimsLocked(room int) []*entry {
	over := c.lru.Len() + room - c.max
	if over <= 0 {
		return nil
	}
	var victims []*entry
	for _, key := range c.lru.Keys() {
		if over == 0 {
			break
		}
		if key == c.active {
			continue
		}
		e, _ := c.lru.Peek(key)
		c.lru.Remove(key)
		victims = append(victims, e)
		over--
	}
	return victims
}

func (c *Cache) dropVictims(ctx context.Context, victims []*entry) {
	for _, e := range victims {
		e.writeMu.Lock()
		e.evicted = true
		c.remove(ctx, e.contextKey)
		e.writeMu.Unlock()

		c.evictions.Add(1)
		c.recorder.IncEvictions()
		c.logger.Debug("evicted cache entry", "context_key", e.contextKey)
	}
}

func (c *Cache) touch(contextKey string) *entry {
	c.mu.Lock()
	e, ok := c.lru.Get(contextKey)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	e.lastAccess.Store(c.clock.Now().UnixNano())
	return e
}

// StoreKey is the key under which contextKey's entry is persisted.
func (c *Cache) StoreKey(contextKey string) string {
	return fmt.Sprintf("%s/%s/%016x", storeKeyPrefix, c.namespace, xxhash.Sum64String(contextKey))
}

func (c *Cache) persist(ctx context.Context, contextKey string, snap core.Snapshot, at time.Time) {
	data, err := json.Marshal(record{ContextKey: contextKey, Flags: snap, LastAccess: at.UTC()})
	if err != nil {
		c.persistFailed("encode", contextKey, err)
		return
	}
	if err := c.store.Set(ctx, c.StoreKey(contextKey), data); err != nil {
		c.persistFailed("set", contextKey, err)
	}
}

func (c *Cache) remove(ctx context.Context, contextKey string) {
	if err := c.store.Remove(ctx, c.StoreKey(contextKey)); err != nil {
		c.persistFailed("remove", contextKey, err)
	}
}

func (c *Cache) load(ctx context.Context, contextKey string) (record, bool) {
	data, ok, err := c.store.Get(ctx, c.StoreKey(contextKey))
	if err != nil {
		c.persistFailed("get", contextKey, err)
		return record{}, false
	}
	if !ok {
		return record{}, false
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		c.persistFailed("decode", contextKey, err)
		return record{}, false
	}
	if rec.ContextKey != contextKey {
		// Hash collision with another context.
		return record{}, false
	}
	if rec.Flags == nil {
		rec.Flags = core.Snapshot{}
	}
	return rec, true
}

func (c *Cache) persistFailed(op, contextKey string, err error) {
	c.persistenceErrors.Add(1)
	c.recorder.IncPersistenceErrors(op)
	c.logger.Warn("cache persistence failed",
		"op", op,
		"context_key", contextKey,
		"error", errors.Join(core.ErrPersistence, err),
	)
}

type nopStore struct{}

func (nopStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (nopStore) Set(context.Context, string, []byte) error         { return nil }
func (nopStore) Remove(context.Context, string) error              { return nil }
