// Package arrival implements the arrival schedule: a fixed set of event
// offsets drawn uniformly over a duration, handed out in ascending order and
// paced against a monotonic start epoch.
//
// A Schedule never sleeps. Next computes how long the caller has to wait for
// the next arrival (or how late it already is) and returns immediately; the
// caller performs the wait outside the schedule's lock and, if it cannot
// deliver the arrival, returns it with Unget.
//
// Lifecycle:
//
//	READY ──Start──► RUNNING ──queue exhausted──► DONE
//	                    │  ▲                        │
//	                  Stop └────────Unget───────────┘
//	                    ▼
//	                  DONE
//
// There is no way back to READY; only New produces it.
package arrival

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// MaxDurationSeconds is the longest span a time.Duration can express, in
// seconds (about 292 years). Offsets and start delays beyond it cannot be
// paced.
const MaxDurationSeconds = float64(math.MaxInt64) / float64(time.Second)

// ─── Errors ───────────────────────────────────────────────────────────────────

var (
	// ErrInvalidRate is returned by New when rate is not a positive finite number.
	ErrInvalidRate = errors.New("arrival: rate must be a positive finite number")

	// ErrInvalidDuration is returned by New when duration is negative, not
	// finite, or longer than MaxDurationSeconds.
	ErrInvalidDuration = errors.New("arrival: duration must be a finite number of seconds in [0, MaxDurationSeconds]")

	// ErrTooManyArrivals is returned by New when ceil(rate*duration) exceeds
	// the configured cap.
	ErrTooManyArrivals = errors.New("arrival: arrival count exceeds limit")

	// ErrOutOfRange is returned by Unget for an offset outside [0, duration].
	ErrOutOfRange = errors.New("arrival: offset out of range")

	// ErrQueueFull is returned by Unget when the queue already holds as many
	// offsets as the schedule originally generated.
	ErrQueueFull = errors.New("arrival: queue already holds every arrival")
)

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures a Schedule at construction.
type Option func(*Schedule)

// WithClock replaces the system clock. Tests use a ManualClock.
func WithClock(c Clock) Option {
	return func(s *Schedule) { s.clock = c }
}

// WithSource replaces the random source used to draw offsets.
func WithSource(src Source) Option {
	return func(s *Schedule) { s.src = src }
}

// WithID attaches an opaque instance identifier, reported by Info.
func WithID(id string) Option {
	return func(s *Schedule) { s.id = id }
}

// WithMaxArrivals caps ceil(rate*duration). Zero means no cap.
func WithMaxArrivals(n int) Option {
	return func(s *Schedule) { s.maxArrivals = n }
}

// WithRenew makes the schedule draw a fresh set of offsets and begin a new
// epoch when it runs dry, instead of going to DONE.
//
// Offsets carry no epoch. An arrival taken before a renewal and handed back
// with Unget afterwards is queued into the new epoch and paced against the
// new start, so it comes due again up to one duration later than it
// originally would have.
func WithRenew(renew bool) Option {
	return func(s *Schedule) { s.renew = renew }
}

// ─── Schedule ─────────────────────────────────────────────────────────────────

// Arrival is the result of Next.
//
// For OutcomeOK, Delay is how long from now until the arrival is due (>= 0).
// For OutcomeMissed, Delay is negative: how long ago it was due.
// For OutcomeDone, Offset and Delay are zero and carry no meaning.
type Arrival struct {
	Outcome Outcome
	Offset  float64       // seconds from the start epoch
	Delay   time.Duration // due time minus now
}

// Delivered reports whether the arrival carries an offset, i.e. the outcome
// is OK or Missed. Such arrivals must be delivered or returned with Unget.
func (a Arrival) Delivered() bool { return a.Outcome != OutcomeDone }

// Schedule is a single arrival schedule. All methods are safe for concurrent
// use; each one holds the schedule's mutex only while it touches state.
type Schedule struct {
	id           string
	rate         float64
	duration     float64
	arrivalCount int
	maxArrivals  int
	renew        bool
	clock        Clock
	src          Source

	mu         sync.Mutex
	queue      *Queue
	running    bool
	started    bool
	startClock time.Time // carries the monotonic reading used for delays
	startWall  time.Time // wall clock only, for display
	underruns  int
	ungets     int
	renewals   int
}

// New creates a schedule of ceil(rate*duration) arrivals, each drawn
// independently and uniformly from [0, duration). The schedule starts READY.
func New(rate, duration float64, opts ...Option) (*Schedule, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}
	if math.IsNaN(duration) || math.IsInf(duration, 0) || duration < 0 || duration > MaxDurationSeconds {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDuration, duration)
	}

	s := &Schedule{
		rate:     rate,
		duration: duration,
		clock:    SystemClock{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.src == nil {
		s.src = NewSource(0)
	}

	count := math.Ceil(rate * duration)
	if count > math.MaxInt32 || (s.maxArrivals > 0 && count > float64(s.maxArrivals)) {
		return nil, fmt.Errorf("%w: %.0f", ErrTooManyArrivals, count)
	}
	s.arrivalCount = int(count)
	s.queue = NewQueue(s.draw())
	return s, nil
}

// draw samples arrivalCount offsets. Callers other than New must hold s.mu.
func (s *Schedule) draw() []float64 {
	offsets := make([]float64, s.arrivalCount)
	for i := range offsets {
		offsets[i] = s.duration * s.src.Float64()
	}
	return offsets
}

// ID returns the identifier given with WithID.
func (s *Schedule) ID() string { return s.id }

// Rate returns the configured arrival rate (events per second).
func (s *Schedule) Rate() float64 { return s.rate }

// Duration returns the simulated span in seconds.
func (s *Schedule) Duration() float64 { return s.duration }

// ArrivalCount returns the number of arrivals generated at construction.
// It does not change as arrivals are consumed or returned.
func (s *Schedule) ArrivalCount() int { return s.arrivalCount }

// Len returns the number of arrivals still queued.
func (s *Schedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Empty reports whether no arrivals remain queued.
func (s *Schedule) Empty() bool { return s.Len() == 0 }

// Status derives the lifecycle state from the running flag and whether a
// start epoch exists.
//
// Stop on a schedule that still has arrivals also reports StatusDone: a
// paused schedule is indistinguishable from an exhausted one. Check Len to
// tell them apart.
func (s *Schedule) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Schedule) statusLocked() Status {
	switch {
	case s.running:
		return StatusRunning
	case !s.started:
		return StatusReady
	default:
		return StatusDone
	}
}

// Started reports whether a start epoch has been established.
func (s *Schedule) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Start establishes the start epoch delay from now and sets the schedule
// running. Without force it only acts on a schedule that was never started,
// so concurrent "start on first access" calls are harmless. It reports
// whether a new epoch was set.
func (s *Schedule) Start(force bool, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && !force {
		return false
	}
	now := s.clock.Now()
	s.startClock = now.Add(delay)
	s.startWall = now.Round(0).Add(delay)
	s.started = true
	s.running = true
	return true
}

// Stop clears the running flag. The queue and start epoch are kept.
func (s *Schedule) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Running reports whether the running flag is set.
func (s *Schedule) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartTime returns the wall-clock start of the current epoch. ok is false
// if the schedule was never started.
func (s *Schedule) StartTime() (t time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startWall, s.started
}

// Unget puts an undelivered offset back in order and sets the schedule
// running again, which also revives a schedule that went DONE.
// The schedule is left untouched when an error is returned.
func (s *Schedule) Unget(offset float64) error {
	if math.IsNaN(offset) || offset < 0 || offset > s.duration {
		return fmt.Errorf("%w: %v not in [0, %v]", ErrOutOfRange, offset, s.duration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() >= s.arrivalCount {
		return fmt.Errorf("%w: %d queued", ErrQueueFull, s.queue.Len())
	}
	s.queue.InsertOrdered(offset)
	s.running = true
	s.ungets++
	return nil
}

// Next pops the earliest queued offset and reports how it relates to now.
// It never blocks. A missed offset is counted as an underrun and is not
// requeued; the caller decides whether to report it or Unget it.
func (s *Schedule) Next() Arrival {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return Arrival{Outcome: OutcomeDone}
	}

	offset, ok := s.queue.PopMin()
	if !ok && s.renew && s.arrivalCount > 0 {
		s.renewLocked()
		offset, ok = s.queue.PopMin()
	}
	if !ok {
		s.running = false
		return Arrival{Outcome: OutcomeDone}
	}

	due := s.startClock.Add(seconds(offset))
	delay := due.Sub(s.clock.Now())
	if delay < 0 {
		s.underruns++
		return Arrival{Outcome: OutcomeMissed, Offset: offset, Delay: delay}
	}
	return Arrival{Outcome: OutcomeOK, Offset: offset, Delay: delay}
}

// renewLocked draws a fresh set of offsets and moves the epoch to the end of
// the previous one, or to now if that is already in the past.
func (s *Schedule) renewLocked() {
	next := s.startClock.Add(seconds(s.duration))
	if now := s.clock.Now(); now.After(next) {
		next = now
	}
	s.startWall = s.startWall.Add(next.Sub(s.startClock))
	s.startClock = next
	s.queue = NewQueue(s.draw())
	s.renewals++
}

// ─── Snapshot ─────────────────────────────────────────────────────────────────

// Info is a read-only snapshot of a schedule, shaped for JSON responses.
type Info struct {
	ID            string     `json:"id,omitempty"`
	Rate          float64    `json:"rate"`
	Duration      float64    `json:"duration"`
	ArrivalCount  int        `json:"arrival_count"`
	RemainCount   int        `json:"arrival_remain_count"`
	StartTime     *time.Time `json:"start_time"`
	Running       bool       `json:"running"`
	UnderrunCount int        `json:"underrun_count"`
	UngetCount    int        `json:"unget_count"`
	Renewals      int        `json:"renewals"`
	Status        Status     `json:"status"`
}

// Info returns a consistent snapshot of the schedule.
func (s *Schedule) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:            s.id,
		Rate:          s.rate,
		Duration:      s.duration,
		ArrivalCount:  s.arrivalCount,
		RemainCount:   s.queue.Len(),
		Running:       s.running,
		UnderrunCount: s.underruns,
		UngetCount:    s.ungets,
		Renewals:      s.renewals,
		Status:        s.statusLocked(),
	}
	if s.started {
		t := s.startWall.UTC()
		info.StartTime = &t
	}
	return info
}

// UnderrunCount returns how many arrivals were handed out late.
func (s *Schedule) UnderrunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.underruns
}

// seconds converts a float offset in seconds to a Duration, saturating at the
// int64 bounds instead of wrapping.
func seconds(v float64) time.Duration {
	ns := v * float64(time.Second)
	switch {
	case ns >= float64(math.MaxInt64):
		return math.MaxInt64
	case ns <= float64(math.MinInt64):
		return math.MinInt64
	}
	return time.Duration(ns)
}

// Seconds converts v seconds to a Duration with the same saturation as the
// schedule's own offset arithmetic.
func Seconds(v float64) time.Duration { return seconds(v) }
