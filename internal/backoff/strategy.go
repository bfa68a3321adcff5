// Package backoff computes retry delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxExponent bounds the multiplier power so the float product stays finite.
const maxExponent = 62

// Params carries the inputs shared by every strategy.
type Params struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the delay. Zero leaves it uncapped.
	Max time.Duration
	// Multiplier is applied once per elapsed attempt.
	Multiplier float64
	// Jitter adds up to Jitter*delay of random spread. Clamped to [0, 1].
	Jitter float64
}

// Strategy maps a zero-based retry index to a delay.
type Strategy interface {
	Delay(attempt int, p Params) time.Duration
}

// Exponential yields Base * Multiplier^attempt, optionally jittered and capped.
type Exponential struct{}

// Delay implements Strategy.
func (Exponential) Delay(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxExponent {
		attempt = maxExponent
	}

	d := capDelay(float64(p.Base)*Pow(p.Multiplier, attempt), p.Max)

	if j := clampJitter(p.Jitter); j > 0 {
		d = capDelay(float64(d)+float64(d)*j*rand.Float64(), p.Max)
	}
	return d
}

// Decorrelated spreads retries between Base and Base*3^attempt.
// The first retry always waits exactly Base.
type Decorrelated struct{}

// Delay implements Strategy.
func (Decorrelated) Delay(attempt int, p Params) time.Duration {
	if attempt <= 0 {
		return p.Base
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Base)
	upper := base * Pow(3, attempt)
	if p.Max > 0 && upper > float64(p.Max) {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}
	return capDelay(base+rand.Float64()*(upper-base), p.Max)
}

func capDelay(v float64, max time.Duration) time.Duration {
	// float64(math.MaxInt64) rounds up, so compare before converting.
	if v >= math.MaxInt64 || v < 0 {
		if max > 0 {
			return max
		}
		return time.Duration(math.MaxInt64)
	}
	d := time.Duration(v)
	if max > 0 && d > max {
		return max
	}
	return d
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// Pow raises base to a non-negative integer exponent.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
