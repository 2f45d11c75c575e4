package engine

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryDelay returns the wait before the next attempt of an action that
// has failed attempts times: base * 2^(attempts-1), capped at max, with the
// jitter factor applied as a symmetric randomization.
func retryDelay(attempts int, base, max time.Duration, jitter float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: jitter,
		Multiplier:          2,
		MaxInterval:         max,
	}
	b.Reset()

	var d time.Duration
	for range attempts {
		d = b.NextBackOff()
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
