package arrival

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Clock supplies the current time. Values returned by Now must carry Go's
// monotonic clock reading so that Sub between two of them is immune to wall
// clock steps; time.Now does this and ManualClock emulates it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the process clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock that only moves when told to. It is meant for tests
// that need to observe delays and underruns without sleeping.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the frozen time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Source yields uniform samples in [0, 1).
// *rand.Rand from math/rand and math/rand/v2 both satisfy it.
type Source interface {
	Float64() float64
}

// NewSource returns a PCG-backed Source. A zero seed picks a random one, so
// only an explicit seed makes arrival generation reproducible.
func NewSource(seed int64) Source {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}
