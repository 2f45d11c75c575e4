package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"github.com/roach88/offsync/internal/model"
)

// Value encodings stored in cache_entries.encoding.
const (
	encodingRaw    = 0
	encodingSnappy = 1
)

// Tx is a storage transaction handed to Update and View callbacks.
// It must not be used after the callback returns.
type Tx struct {
	ctx   context.Context
	tx    *sql.Tx
	store *Store
}

// Usage is the persisted cache accounting.
type Usage struct {
	TotalBytes int64 `json:"total_bytes"`
	EntryCount int64 `json:"entry_count"`
}

// GetEntry returns the entry stored under key.
// The boolean is false when no entry exists.
func (t *Tx) GetEntry(key string) (model.CacheEntry, bool, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT key, value, encoding, size_bytes, stored_at, last_accessed_at, access_count, expires_at
		FROM cache_entries
		WHERE key = ?
	`, key)

	var (
		e                              model.CacheEntry
		blob                           []byte
		encoding                       int
		storedAt, lastAccess, expireAt int64
	)
	err := row.Scan(&e.Key, &blob, &encoding, &e.SizeBytes, &storedAt, &lastAccess, &e.AccessCount, &expireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, fmt.Errorf("get entry: %w", err)
	}

	value, err := decodeValue(blob, encoding)
	if err != nil {
		return model.CacheEntry{}, false, fmt.Errorf("get entry %q: %w", key, err)
	}
	e.Value = value
	e.StoredAt = fromNanos(storedAt)
	e.LastAccessedAt = fromNanos(lastAccess)
	e.ExpiresAt = fromNanos(expireAt)

	return e, true, nil
}

// GetEntryMeta returns the metadata of key without loading its value.
func (t *Tx) GetEntryMeta(key string) (model.EntryMeta, bool, error) {
	var (
		m                    model.EntryMeta
		lastAccess, expireAt int64
	)
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT key, size_bytes, last_accessed_at, access_count, expires_at
		FROM cache_entries
		WHERE key = ?
	`, key).Scan(&m.Key, &m.SizeBytes, &lastAccess, &m.AccessCount, &expireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EntryMeta{}, false, nil
	}
	if err != nil {
		return model.EntryMeta{}, false, fmt.Errorf("get entry meta: %w", err)
	}
	m.LastAccessedAt = fromNanos(lastAccess)
	m.ExpiresAt = fromNanos(expireAt)
	return m, true, nil
}

// PutEntry inserts or overwrites an entry and adjusts cache accounting by the
// size difference in the same transaction.
func (t *Tx) PutEntry(e model.CacheEntry) error {
	var oldSize int64
	existed := true
	err := t.tx.QueryRowContext(t.ctx, `SELECT size_bytes FROM cache_entries WHERE key = ?`, e.Key).Scan(&oldSize)
	if errors.Is(err, sql.ErrNoRows) {
		existed = false
	} else if err != nil {
		return fmt.Errorf("put entry: lookup: %w", err)
	}

	blob, encoding := encodeValue(e.Value, t.store.compressThreshold)

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO cache_entries
		(key, value, encoding, size_bytes, stored_at, last_accessed_at, access_count, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			encoding = excluded.encoding,
			size_bytes = excluded.size_bytes,
			stored_at = excluded.stored_at,
			last_accessed_at = excluded.last_accessed_at,
			access_count = excluded.access_count,
			expires_at = excluded.expires_at
	`,
		e.Key,
		blob,
		encoding,
		e.SizeBytes,
		toNanos(e.StoredAt),
		toNanos(e.LastAccessedAt),
		e.AccessCount,
		toNanos(e.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}

	countDelta := int64(1)
	if existed {
		countDelta = 0
	}
	return t.adjustUsage(e.SizeBytes-oldSize, countDelta)
}

// TouchEntry records a read hit: access_count++ and last_accessed_at = at.
func (t *Tx) TouchEntry(key string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE cache_entries
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE key = ?
	`, toNanos(at), key)
	if err != nil {
		return fmt.Errorf("touch entry: %w", err)
	}
	return nil
}

// DeleteEntry removes key and adjusts accounting. Returns false if the key
// was absent.
func (t *Tx) DeleteEntry(key string) (bool, error) {
	var size int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT size_bytes FROM cache_entries WHERE key = ?`, key).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete entry: lookup: %w", err)
	}

	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}

	if err := t.adjustUsage(-size, -1); err != nil {
		return false, err
	}
	return true, nil
}

// EntryMetas returns value-less metadata for every entry, ordered by key.
// Returns an empty slice (not nil) when the cache is empty.
func (t *Tx) EntryMetas() ([]model.EntryMeta, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT key, size_bytes, last_accessed_at, access_count, expires_at
		FROM cache_entries
		ORDER BY key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query entry metas: %w", err)
	}
	defer rows.Close()

	metas := []model.EntryMeta{}
	for rows.Next() {
		var (
			m                    model.EntryMeta
			lastAccess, expireAt int64
		)
		if err := rows.Scan(&m.Key, &m.SizeBytes, &lastAccess, &m.AccessCount, &expireAt); err != nil {
			return nil, fmt.Errorf("scan entry meta: %w", err)
		}
		m.LastAccessedAt = fromNanos(lastAccess)
		m.ExpiresAt = fromNanos(expireAt)
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry metas: %w", err)
	}

	return metas, nil
}

// Keys returns the keys starting with prefix that are live at now, ordered
// by key. An empty prefix matches every key.
func (t *Tx) Keys(prefix string, now time.Time) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT key FROM cache_entries
		WHERE substr(key, 1, length(?)) = ?
		  AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key ASC
	`, prefix, prefix, toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}

	return keys, nil
}

// Usage returns the persisted cache accounting.
func (t *Tx) Usage() (Usage, error) {
	var u Usage
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT total_bytes, entry_count FROM cache_usage WHERE id = 1
	`).Scan(&u.TotalBytes, &u.EntryCount)
	if err != nil {
		return Usage{}, fmt.Errorf("read usage: %w", err)
	}
	return u, nil
}

func (t *Tx) adjustUsage(bytesDelta, countDelta int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE cache_usage
		SET total_bytes = total_bytes + ?, entry_count = entry_count + ?
		WHERE id = 1
	`, bytesDelta, countDelta)
	if err != nil {
		return fmt.Errorf("adjust usage: %w", err)
	}
	return nil
}

// CheckAccounting compares cache_usage with an enumeration of cache_entries
// and rewrites cache_usage when they disagree. Returns true if a rebuild
// happened.
func (s *Store) CheckAccounting(ctx context.Context) (bool, error) {
	rebuilt := false

	err := s.Update(ctx, func(tx *Tx) error {
		recorded, err := tx.Usage()
		if err != nil {
			return err
		}

		var actual Usage
		err = tx.tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(size_bytes), 0), COUNT(*) FROM cache_entries
		`).Scan(&actual.TotalBytes, &actual.EntryCount)
		if err != nil {
			return fmt.Errorf("enumerate usage: %w", err)
		}

		if recorded == actual {
			return nil
		}

		s.logger.Warn("cache accounting inconsistent, rebuilding from entries",
			"recorded_bytes", recorded.TotalBytes,
			"recorded_entries", recorded.EntryCount,
			"actual_bytes", actual.TotalBytes,
			"actual_entries", actual.EntryCount,
		)

		_, err = tx.tx.ExecContext(ctx, `
			UPDATE cache_usage SET total_bytes = ?, entry_count = ? WHERE id = 1
		`, actual.TotalBytes, actual.EntryCount)
		if err != nil {
			return fmt.Errorf("rebuild usage: %w", err)
		}
		rebuilt = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check accounting: %w", err)
	}

	return rebuilt, nil
}

// encodeValue compresses values at or above threshold with snappy.
func encodeValue(value []byte, threshold int) ([]byte, int) {
	if threshold <= 0 || len(value) < threshold {
		if value == nil {
			value = []byte{}
		}
		return value, encodingRaw
	}
	return snappy.Encode(nil, value), encodingSnappy
}

func decodeValue(blob []byte, encoding int) ([]byte, error) {
	switch encoding {
	case encodingRaw:
		return blob, nil
	case encodingSnappy:
		out, err := snappy.Decode(nil, blob)
		if err != nil {
			return nil, fmt.Errorf("%w: decode snappy value: %w", ErrStorageCorruption, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown value encoding %d", ErrStorageCorruption, encoding)
	}
}

// toNanos stores zero times as 0 so "no value" survives a round trip.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
