package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheEntry_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	noTTL := CacheEntry{Key: "k"}
	assert.False(t, noTTL.Expired(now))

	live := CacheEntry{Key: "k", ExpiresAt: now.Add(time.Second)}
	assert.False(t, live.Expired(now))

	// Expiry is inclusive of the deadline instant.
	dead := CacheEntry{Key: "k", ExpiresAt: now}
	assert.True(t, dead.Expired(now))
	assert.True(t, dead.Meta().Expired(now))
}

func TestNormalizeKey_NFC(t *testing.T) {
	// "é" as a precomposed rune vs "e" + combining acute accent.
	precomposed := "forms/caf\u00e9"
	decomposed := "forms/cafe\u0301"

	assert.NotEqual(t, precomposed, decomposed)
	assert.Equal(t, NormalizeKey(precomposed), NormalizeKey(decomposed))
}

func TestQueuedAction_Eligible(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	a := QueuedAction{Status: StatusPending}
	assert.True(t, a.Eligible(now))

	a.NextAttemptAt = now.Add(time.Minute)
	assert.False(t, a.Eligible(now))
	assert.True(t, a.Eligible(now.Add(time.Minute)))

	a.Status = StatusInFlight
	assert.False(t, a.Eligible(now.Add(time.Hour)))
}
