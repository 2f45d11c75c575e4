// Package cache implements the capacity-bounded offline content cache.
//
// Entries live in the SQLite store. Every Put that leaves the cache over its
// budget evicts the lowest-scoring entries in the same transaction, so the
// budget holds after every mutating call returns and a crash can never
// persist an over-budget cache.
//
// Eviction score combines frequency and recency:
//
//	score = (accessCount + 1) * 2^(-age/halfLife),  age = now - lastAccessedAt
//
// A frequently read entry decays slowly; an entry read once goes cold after
// a few half-lives. Ties are broken by the oldest lastAccessedAt.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// DefaultHalfLife is the recency half-life used when none is configured.
const DefaultHalfLife = time.Hour

var (
	// ErrMiss is returned by Get when the key is absent or expired.
	ErrMiss = errors.New("cache miss")

	// ErrEntryTooLarge is returned by Put when a single value exceeds the
	// whole byte budget; no amount of eviction could make room for it.
	ErrEntryTooLarge = errors.New("entry larger than cache capacity")

	// ErrEmptyKey is returned for an empty key.
	ErrEmptyKey = errors.New("empty cache key")
)

// EvictReason says why an entry left the cache without being invalidated.
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictExpired  EvictReason = "expired"
)

// EvictFunc observes evictions after the evicting transaction committed.
type EvictFunc func(m model.EntryMeta, reason EvictReason)

// Store is the cache-aside content store.
//
// Thread-safety: all methods are safe for concurrent use; mutations are
// serialized by the underlying store's single writer.
type Store struct {
	backing *store.Store
	clock   model.Clock
	logger  *slog.Logger

	maxBytes   int64
	maxEntries int64
	halfLife   time.Duration
	defaultTTL time.Duration

	onEvict []EvictFunc
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes sets the byte budget. 0 means unbounded.
func WithMaxBytes(n int64) Option {
	return func(c *Store) { c.maxBytes = n }
}

// WithMaxEntries sets the entry-count budget. 0 means unbounded.
func WithMaxEntries(n int64) Option {
	return func(c *Store) { c.maxEntries = n }
}

// WithHalfLife sets the recency half-life of the eviction score.
func WithHalfLife(d time.Duration) Option {
	return func(c *Store) { c.halfLife = d }
}

// WithDefaultTTL sets the TTL applied when Put is called with ttl == 0.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Store) { c.defaultTTL = d }
}

// WithClock replaces the wall clock (tests).
func WithClock(clock model.Clock) Option {
	return func(c *Store) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Store) { c.logger = l }
}

// WithEvictHook registers fn to observe evictions.
func WithEvictHook(fn EvictFunc) Option {
	return func(c *Store) { c.onEvict = append(c.onEvict, fn) }
}

// New creates a cache over backing.
func New(backing *store.Store, opts ...Option) *Store {
	c := &Store{
		backing:  backing,
		clock:    model.SystemClock{},
		logger:   slog.Default(),
		halfLife: DefaultHalfLife,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.halfLife <= 0 {
		c.halfLife = DefaultHalfLife
	}
	return c
}

// Put writes or overwrites key. A ttl of 0 applies the default TTL; a
// negative ttl stores the entry without expiry.
//
// When the write leaves the cache over budget, other entries are evicted in
// the same transaction until it fits. Eviction never fails the call.
// Overwrites keep the entry's access history.
func (c *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	key = model.NormalizeKey(key)
	if key == "" {
		return ErrEmptyKey
	}

	size := int64(len(value))
	if c.maxBytes > 0 && size > c.maxBytes {
		return fmt.Errorf("cache put %q (%d bytes, capacity %d): %w", key, size, c.maxBytes, ErrEntryTooLarge)
	}

	now := c.clock.Now()
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	entry := model.CacheEntry{
		Key:            key,
		Value:          value,
		SizeBytes:      size,
		StoredAt:       now,
		LastAccessedAt: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	var evicted []eviction
	err := c.backing.Update(ctx, func(tx *store.Tx) error {
		evicted = nil

		prev, found, err := tx.GetEntryMeta(key)
		if err != nil {
			return err
		}
		if found {
			entry.AccessCount = prev.AccessCount
		}

		if err := tx.PutEntry(entry); err != nil {
			return err
		}

		evicted, err = c.evict(tx, key, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("cache put %q: %w", key, err)
	}

	c.notify(evicted)
	return nil
}

// Get returns the entry for key and records the access.
// Returns ErrMiss when the key is absent; an expired entry is purged and
// also reported as ErrMiss.
func (c *Store) Get(ctx context.Context, key string) (model.CacheEntry, error) {
	key = model.NormalizeKey(key)
	now := c.clock.Now()

	var (
		entry   model.CacheEntry
		hit     bool
		expired *model.EntryMeta
	)
	err := c.backing.Update(ctx, func(tx *store.Tx) error {
		hit, expired = false, nil

		e, found, err := tx.GetEntry(key)
		if err != nil || !found {
			return err
		}

		if e.Expired(now) {
			if _, err := tx.DeleteEntry(key); err != nil {
				return err
			}
			m := e.Meta()
			expired = &m
			return nil
		}

		if err := tx.TouchEntry(key, now); err != nil {
			return err
		}
		e.AccessCount++
		e.LastAccessedAt = now
		entry, hit = e, true
		return nil
	})
	if err != nil {
		return model.CacheEntry{}, fmt.Errorf("cache get %q: %w", key, err)
	}

	if expired != nil {
		c.notify([]eviction{{meta: *expired, reason: EvictExpired}})
	}
	if !hit {
		return model.CacheEntry{}, ErrMiss
	}
	return entry, nil
}

// Invalidate removes key unconditionally. Absent keys are not an error.
func (c *Store) Invalidate(ctx context.Context, key string) error {
	key = model.NormalizeKey(key)

	var removed bool
	err := c.backing.Update(ctx, func(tx *store.Tx) error {
		var err error
		removed, err = tx.DeleteEntry(key)
		return err
	})
	if err != nil {
		return fmt.Errorf("cache invalidate %q: %w", key, err)
	}

	if removed {
		c.logger.Debug("cache entry invalidated", "key", key)
	}
	return nil
}

// Enumerate returns the sorted keys of live entries starting with prefix.
func (c *Store) Enumerate(ctx context.Context, prefix string) ([]string, error) {
	prefix = model.NormalizeKey(prefix)
	now := c.clock.Now()

	var keys []string
	err := c.backing.View(ctx, func(tx *store.Tx) error {
		var err error
		keys, err = tx.Keys(prefix, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cache enumerate: %w", err)
	}
	return keys, nil
}

// Usage reports current consumption against the configured budget.
type Usage struct {
	Bytes      int64 `json:"bytes"`
	Entries    int64 `json:"entries"`
	MaxBytes   int64 `json:"max_bytes"`
	MaxEntries int64 `json:"max_entries"`
}

// Usage returns the persisted accounting and the configured budget.
func (c *Store) Usage(ctx context.Context) (Usage, error) {
	var u store.Usage
	err := c.backing.View(ctx, func(tx *store.Tx) error {
		var err error
		u, err = tx.Usage()
		return err
	})
	if err != nil {
		return Usage{}, fmt.Errorf("cache usage: %w", err)
	}
	return Usage{
		Bytes:      u.TotalBytes,
		Entries:    u.EntryCount,
		MaxBytes:   c.maxBytes,
		MaxEntries: c.maxEntries,
	}, nil
}

// Purge removes every expired entry and returns how many were removed.
func (c *Store) Purge(ctx context.Context) (int, error) {
	now := c.clock.Now()

	var removed []eviction
	err := c.backing.Update(ctx, func(tx *store.Tx) error {
		removed = nil

		metas, err := tx.EntryMetas()
		if err != nil {
			return err
		}
		for _, m := range metas {
			if !m.Expired(now) {
				continue
			}
			if _, err := tx.DeleteEntry(m.Key); err != nil {
				return err
			}
			removed = append(removed, eviction{meta: m, reason: EvictExpired})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}

	c.notify(removed)
	return len(removed), nil
}

type eviction struct {
	meta   model.EntryMeta
	reason EvictReason
}

// evict removes entries other than keep until usage is within budget.
// Expired entries go first, then the lowest scores.
func (c *Store) evict(tx *store.Tx, keep string, now time.Time) ([]eviction, error) {
	usage, err := tx.Usage()
	if err != nil {
		return nil, err
	}
	if !c.over(usage) {
		return nil, nil
	}

	metas, err := tx.EntryMetas()
	if err != nil {
		return nil, err
	}

	candidates := make([]model.EntryMeta, 0, len(metas))
	for _, m := range metas {
		if m.Key != keep {
			candidates = append(candidates, m)
		}
	}
	c.rank(candidates, now)

	var out []eviction
	for _, m := range candidates {
		if !c.over(usage) {
			break
		}
		if _, err := tx.DeleteEntry(m.Key); err != nil {
			return nil, err
		}
		usage.TotalBytes -= m.SizeBytes
		usage.EntryCount--

		reason := EvictCapacity
		if m.Expired(now) {
			reason = EvictExpired
		}
		out = append(out, eviction{meta: m, reason: reason})
	}

	return out, nil
}

// rank sorts metas into eviction order: first element goes first.
func (c *Store) rank(metas []model.EntryMeta, now time.Time) {
	sort.SliceStable(metas, func(i, j int) bool {
		a, b := metas[i], metas[j]

		ae, be := a.Expired(now), b.Expired(now)
		if ae != be {
			return ae
		}

		as, bs := Score(a, now, c.halfLife), Score(b, now, c.halfLife)
		if as != bs {
			return as < bs
		}

		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.Key < b.Key
	})
}

func (c *Store) over(u store.Usage) bool {
	if c.maxBytes > 0 && u.TotalBytes > c.maxBytes {
		return true
	}
	if c.maxEntries > 0 && u.EntryCount > c.maxEntries {
		return true
	}
	return false
}

func (c *Store) notify(evs []eviction) {
	for _, ev := range evs {
		c.logger.Debug("cache entry evicted",
			"key", ev.meta.Key,
			"reason", ev.reason,
			"size_bytes", ev.meta.SizeBytes,
			"access_count", ev.meta.AccessCount,
		)
		for _, fn := range c.onEvict {
			fn(ev.meta, ev.reason)
		}
	}
}

// Score is the survival score of m at now. Higher scores survive longer.
func Score(m model.EntryMeta, now time.Time, halfLife time.Duration) float64 {
	age := now.Sub(m.LastAccessedAt)
	if age < 0 {
		age = 0
	}
	decay := math.Exp2(-float64(age) / float64(halfLife))
	return float64(m.AccessCount+1) * decay
}
