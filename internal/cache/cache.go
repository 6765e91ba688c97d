// Package cache implements the Multi-Layer Cache of spec §4.F: an L1
// process-local map, an L2 row in the Local Store Manager's cache_entries
// table, and an L3 fetcher consulted on a full miss. The TTL-staleness
// check on each tier is grounded on the teacher's freshness.go
// (compare-against-a-captured-instant staleness test, generalized from
// file mtime to a per-entry write instant); the full-rebuild-on-miss
// write-through is grounded on blocked_cache.go's
// invalidate-then-rebuild-whole-table discipline, narrowed here to a
// single row since each cache entry is independent.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultL1TTL and DefaultL2TTL are the spec §4.F tier defaults.
const (
	DefaultL1TTL = 5 * time.Minute
	DefaultL2TTL = time.Hour
)

// keySeparator joins key segments into the single canonical string every
// tier stores under (spec §4.F: "a non-empty ordered sequence of
// strings; all tiers use the same canonical joined form"). 0x1f (unit
// separator) cannot appear in an ordinary path/id segment.
const keySeparator = "\x1f"

// Key is an ordered, non-empty sequence of string segments.
type Key []string

// String renders the canonical joined form used as the row key everywhere.
func (k Key) String() string {
	return strings.Join(k, keySeparator)
}

// ErrEmptyKey is returned for a Key with no segments.
var ErrEmptyKey = errors.New("cache: key must have at least one segment")

// Fetcher is the L3 callback: the authoritative (usually remote) source
// of truth for a cache miss.
type Fetcher func(ctx context.Context) (any, error)

// Options configures one Get/Prefetch call's TTLs; the zero value uses
// the package defaults.
type Options struct {
	L1TTL time.Duration
	L2TTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.L1TTL <= 0 {
		o.L1TTL = DefaultL1TTL
	}
	if o.L2TTL <= 0 {
		o.L2TTL = DefaultL2TTL
	}
	return o
}

type l1Entry struct {
	raw     []byte
	writeAt time.Time
	ttl     time.Duration
}

func (e l1Entry) expired(now time.Time) bool { return now.After(e.writeAt.Add(e.ttl)) }

// Cache is the three-tier read-through cache of spec §4.F.
type Cache struct {
	db     *sql.DB
	logger *slog.Logger

	mu sync.Mutex
	l1 map[string]l1Entry

	invalidations func(key string)
}

// New constructs a Cache backed by db's cache_entries table (typically
// store.Manager.Handle()). db may be nil, in which case L2 is skipped and
// the cache degrades to an L1-only, always-fetch-through-L3 cache.
func New(db *sql.DB, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{db: db, logger: logger, l1: make(map[string]l1Entry)}
}

// OnInvalidate registers a callback fired by Invalidate (spec §4.F
// "emit an invalidation event"). Only one subscriber is supported, which
// is all the Sync Engine/quota manager integration needs.
func (c *Cache) OnInvalidate(fn func(key string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations = fn
}

// Get implements spec §4.F's tiered read: L1 hit returns immediately; an
// L2 hit promotes to L1 and returns; a full miss calls fetcher, writes
// through both tiers, and returns. If fetcher fails, any stale L1 or L2
// payload is returned instead of propagating the error; only a miss with
// no stale fallback at all propagates it.
func (c *Cache) Get(ctx context.Context, key Key, fetcher Fetcher, opts Options) (any, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	opts = opts.withDefaults()
	k := key.String()
	now := time.Now()

	if raw, ok := c.l1Get(k, now); ok {
		return decode(raw)
	}

	if raw, writeAt, ok := c.l2Get(ctx, k); ok {
		if !now.After(writeAt.Add(opts.L2TTL)) {
			c.l1Put(k, raw, now, opts.L1TTL)
			return decode(raw)
		}
	}

	value, err := fetcher(ctx)
	if err != nil {
		if raw, ok := c.staleFallback(ctx, k); ok {
			c.logger.Warn("cache: fetcher failed, serving stale value", "key", k, "error", err)
			return decode(raw)
		}
		return nil, err
	}

	raw, encErr := json.Marshal(value)
	if encErr != nil {
		return nil, fmt.Errorf("cache: marshal fetched value: %w", encErr)
	}
	c.l1Put(k, raw, now, opts.L1TTL)
	c.l2Put(ctx, k, raw, now, opts.L2TTL)
	return value, nil
}

// staleFallback returns the L1 or L2 payload for k regardless of
// expiry, used only on a fetcher error (spec §4.F "return any stale L1
// or L2 payload if present").
func (c *Cache) staleFallback(ctx context.Context, k string) ([]byte, bool) {
	c.mu.Lock()
	entry, ok := c.l1[k]
	c.mu.Unlock()
	if ok {
		return entry.raw, true
	}
	if raw, _, ok := c.l2Get(ctx, k); ok {
		return raw, true
	}
	return nil, false
}

// Invalidate purges key from L1 and L2 and emits an invalidation event.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	k := key.String()

	c.mu.Lock()
	delete(c.l1, k)
	notify := c.invalidations
	c.mu.Unlock()

	if c.db != nil {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, k); err != nil {
			return fmt.Errorf("cache: invalidate L2: %w", err)
		}
	}
	if notify != nil {
		notify(k)
	}
	return nil
}

// Prefetch warms the cache without returning the payload (spec §4.F). An
// L1 hit is written through to L2; on an L1 miss it calls fetcher
// directly, without reading L2, and writes the result to both tiers.
// Unlike Get, a fetcher error is returned as is, with no stale fallback.
func (c *Cache) Prefetch(ctx context.Context, key Key, fetcher Fetcher, opts Options) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	opts = opts.withDefaults()
	k := key.String()
	now := time.Now()

	if raw, ok := c.l1Get(k, now); ok {
		c.l2Put(ctx, k, raw, now, opts.L2TTL)
		return nil
	}

	value, err := fetcher(ctx)
	if err != nil {
		return err
	}
	raw, encErr := json.Marshal(value)
	if encErr != nil {
		return fmt.Errorf("cache: marshal prefetched value: %w", encErr)
	}
	c.l1Put(k, raw, now, opts.L1TTL)
	c.l2Put(ctx, k, raw, now, opts.L2TTL)
	return nil
}

// BatchResult is one key's outcome from BatchGet.
type BatchResult struct {
	Key   Key
	Value any
	Err   error
}

// BatchFetcher resolves every miss key in one round-trip, keyed by the
// canonical joined form of each Key.
type BatchFetcher func(ctx context.Context, missKeys []Key) (map[string]any, error)

// BatchGet partitions keys into {L1-hit, L2-hit, miss}, and resolves
// every miss with a single batchFetcher call (spec §4.F).
func (c *Cache) BatchGet(ctx context.Context, keys []Key, batchFetcher BatchFetcher, opts Options) ([]BatchResult, error) {
	opts = opts.withDefaults()
	now := time.Now()
	out := make([]BatchResult, len(keys))
	var missKeys []Key
	missIdx := make(map[string]int)

	for i, key := range keys {
		if len(key) == 0 {
			out[i] = BatchResult{Key: key, Err: ErrEmptyKey}
			continue
		}
		k := key.String()
		if raw, ok := c.l1Get(k, now); ok {
			v, err := decode(raw)
			out[i] = BatchResult{Key: key, Value: v, Err: err}
			continue
		}
		if raw, writeAt, ok := c.l2Get(ctx, k); ok && !now.After(writeAt.Add(opts.L2TTL)) {
			c.l1Put(k, raw, now, opts.L1TTL)
			v, err := decode(raw)
			out[i] = BatchResult{Key: key, Value: v, Err: err}
			continue
		}
		missKeys = append(missKeys, key)
		missIdx[k] = i
	}

	if len(missKeys) == 0 {
		return out, nil
	}

	fetched, err := batchFetcher(ctx, missKeys)
	if err != nil {
		for _, key := range missKeys {
			i := missIdx[key.String()]
			out[i] = BatchResult{Key: key, Err: err}
		}
		return out, nil
	}

	for _, key := range missKeys {
		k := key.String()
		i := missIdx[k]
		value, ok := fetched[k]
		if !ok {
			out[i] = BatchResult{Key: key, Err: fmt.Errorf("cache: batch fetcher did not resolve key %q", k)}
			continue
		}
		raw, encErr := json.Marshal(value)
		if encErr != nil {
			out[i] = BatchResult{Key: key, Err: encErr}
			continue
		}
		c.l1Put(k, raw, now, opts.L1TTL)
		c.l2Put(ctx, k, raw, now, opts.L2TTL)
		out[i] = BatchResult{Key: key, Value: value}
	}
	return out, nil
}

// ClearAll empties L1 and L2.
func (c *Cache) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	c.l1 = make(map[string]l1Entry)
	c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache: clear L2: %w", err)
	}
	return nil
}

// CleanExpired sweeps L2 rows whose write_at + ttl has passed (spec §4.F).
func (c *Cache) CleanExpired(ctx context.Context) (int64, error) {
	if c.db == nil {
		return 0, nil
	}
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE datetime(write_at, '+' || (ttl_millis / 1000) || ' seconds') < datetime(?)`, now)
	if err != nil {
		return 0, fmt.Errorf("cache: clean expired: %w", err)
	}
	return res.RowsAffected()
}

func (c *Cache) l1Get(k string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.l1[k]
	if !ok || entry.expired(now) {
		return nil, false
	}
	return entry.raw, true
}

func (c *Cache) l1Put(k string, raw []byte, at time.Time, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l1[k] = l1Entry{raw: raw, writeAt: at, ttl: ttl}
}

func (c *Cache) l2Get(ctx context.Context, k string) ([]byte, time.Time, bool) {
	if c.db == nil {
		return nil, time.Time{}, false
	}
	var raw []byte
	var writeAt time.Time
	err := c.db.QueryRowContext(ctx, `SELECT payload, write_at FROM cache_entries WHERE key = ?`, k).
		Scan(&raw, &writeAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false
	}
	if err != nil {
		c.logger.Warn("cache: L2 read failed", "key", k, "error", err)
		return nil, time.Time{}, false
	}
	return raw, writeAt, true
}

func (c *Cache) l2Put(ctx context.Context, k string, raw []byte, at time.Time, ttl time.Duration) {
	if c.db == nil {
		return
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, payload, write_at, ttl_millis)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, write_at = excluded.write_at, ttl_millis = excluded.ttl_millis`,
		k, raw, at.UTC(), ttl.Milliseconds())
	if err != nil {
		c.logger.Warn("cache: L2 write failed", "key", k, "error", err)
	}
}

func decode(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("cache: decode value: %w", err)
	}
	return v, nil
}
