package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultBackoffBase   = time.Second
	defaultBackoffMax    = 30 * time.Second
	defaultMaxAttempts   = 10
	defaultQueueLimit    = 100
	defaultHeartbeatRate = 15 * time.Second
)

// newBackoffPolicy builds the reconnect delay sequence: base, doubling per
// attempt, capped at max. Randomization is disabled so every client backs
// off on the same deterministic schedule.
func newBackoffPolicy(base, max time.Duration) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.Multiplier = 2
	policy.MaxInterval = max
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}
