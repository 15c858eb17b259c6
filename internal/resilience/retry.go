// Package resilience adapts the teacher's pkg/resilience retry/backoff
// primitive to the daemon's reconnect policy: exponential backoff from 1s
// up to a 900s cap, reset to 2s after any connection that stayed up more
// than 5s. The teacher's circuit breaker, bulkhead, rate limiter, and
// idempotency pieces aren't exercised by anything in this domain (there is
// no downstream service to trip a breaker on, no per-request dedup
// concept) so only the backoff calculator survives the trim; the rest of
// resilience.go's machinery is not carried forward.
package resilience

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays per the central<->daemon connection
// policy: starts at Initial, doubles each failed attempt, caps at Max; a
// connection that stayed up longer than StableAfter resets the sequence
// back to Initial's sibling Reset value rather than all the way to
// Initial, since a daemon that was briefly stable but dropped again
// shouldn't immediately hammer the central at 1s.
type Backoff struct {
	Initial    time.Duration
	Reset      time.Duration
	Max        time.Duration
	StableAfter time.Duration
	Jitter     float64

	current time.Duration
}

func NewBackoff() *Backoff {
	return &Backoff{
		Initial:     1 * time.Second,
		Reset:       2 * time.Second,
		Max:         900 * time.Second,
		StableAfter: 5 * time.Second,
		Jitter:      0.2,
	}
}

// Next returns the next delay to sleep before reconnecting, and advances
// the internal state for the following call.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	delay := b.current
	next := b.current * 2
	if next > b.Max {
		next = b.Max
	}
	b.current = next
	return applyJitter(delay, b.Jitter)
}

// NoteConnectionDuration tells the backoff how long the just-dropped
// connection lived; per policy, a connection that lived past StableAfter
// resets backoff to Reset instead of continuing to grow.
func (b *Backoff) NoteConnectionDuration(lived time.Duration) {
	if lived > b.StableAfter {
		b.current = b.Reset
	}
}

func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}
