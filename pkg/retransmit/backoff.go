// Package retransmit provides the exponential backoff and the pending-request
// table used by STUN client transactions, DTLS handshake flights and SCTP
// retransmission timers.
package retransmit

import (
	"math/rand"
	"time"
)

// RandomSource provides random values for jitter calculation.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// Backoff computes retransmission timeouts that double on every attempt:
//
//	timeout(n) = min(Initial * 2^n, Max) * (1 + random(0,1) * Jitter)
//
// where n is the number of previous transmissions (0 for the first one).
//
// STUN uses Initial=500ms with no cap (RFC 5389 Section 7.2.1); DTLS flights
// use Initial=1s capped at 60s (RFC 6347 Section 4.2.4.1).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration // zero means uncapped
	Jitter  float64       // fraction added on top, 0 disables jitter

	random RandomSource
}

// NewBackoff creates a backoff without jitter.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{Initial: initial, Max: max, random: DefaultRandomSource}
}

// WithRandom sets the jitter source and returns b.
func (b *Backoff) WithRandom(r RandomSource) *Backoff {
	if r == nil {
		r = DefaultRandomSource
	}
	b.random = r
	return b
}

// Calculate returns the timeout after attempt previous transmissions.
func (b *Backoff) Calculate(attempt int) time.Duration {
	d := b.CalculateMin(attempt)
	if b.Jitter > 0 {
		r := b.random
		if r == nil {
			r = DefaultRandomSource
		}
		d = time.Duration(float64(d) * (1.0 + r.Float64()*b.Jitter))
	}
	return d
}

// CalculateMin returns the timeout without jitter.
func (b *Backoff) CalculateMin(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// CalculateMax returns the timeout with full jitter.
func (b *Backoff) CalculateMax(attempt int) time.Duration {
	return time.Duration(float64(b.CalculateMin(attempt)) * (1.0 + b.Jitter))
}
