package model

import (
	"time"

	"golang.org/x/text/unicode/norm"
)

// CacheEntry is one cached payload plus the access metadata used for eviction.
type CacheEntry struct {
	Key            string    `json:"key"`
	Value          []byte    `json:"value"`
	SizeBytes      int64     `json:"size_bytes"`
	StoredAt       time.Time `json:"stored_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`

	// ExpiresAt is zero when the entry has no TTL.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the entry's TTL has passed at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Meta returns the entry without its value.
func (e CacheEntry) Meta() EntryMeta {
	return EntryMeta{
		Key:            e.Key,
		SizeBytes:      e.SizeBytes,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
		ExpiresAt:      e.ExpiresAt,
	}
}

// EntryMeta is the value-less view of a cache entry used for eviction ranking.
type EntryMeta struct {
	Key            string
	SizeBytes      int64
	LastAccessedAt time.Time
	AccessCount    int64
	ExpiresAt      time.Time
}

// Expired reports whether the entry's TTL has passed at now.
func (m EntryMeta) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// NormalizeKey returns the NFC form of key.
//
// Keys are caller-chosen resource paths; normalizing them means two visually
// identical paths typed on different keyboards address the same entry.
func NormalizeKey(key string) string {
	return norm.NFC.String(key)
}
