package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff gives the wait before reconnect attempt n, n starting at 1.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Flat waits the same duration before every attempt.
type Flat time.Duration

func (f Flat) Delay(int) time.Duration { return time.Duration(f) }

// Exponential grows the delay by Factor per attempt up to Max. With
// FullJitter the delay is drawn uniformly from [0, computed).
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Factor     float64
	FullJitter bool
	Rand       func() float64
}

func DefaultExponential() Exponential {
	return Exponential{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, FullJitter: true}
}

func (e Exponential) Delay(attempt int) time.Duration {
	return e.delayWith(attempt, e.random())
}

func (e Exponential) random() float64 {
	if e.Rand != nil {
		return e.Rand()
	}
	return rand.Float64() // #nosec G404 -- jitter does not need crypto randomness
}

func (e Exponential) delayWith(attempt int, r float64) time.Duration {
	factor := e.Factor
	if factor < 1 {
		factor = 2
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(e.Initial) * math.Pow(factor, exp)
	if e.Max > 0 {
		base = math.Min(base, float64(e.Max))
	}
	if e.FullJitter {
		base *= r
	}
	return time.Duration(math.Round(base))
}
