// Package scheduler paces arrivals handed out by an arrival.Schedule.
//
// The schedule itself never sleeps: Next returns the offset together with how
// long until it is due. The Pacer performs that wait outside the schedule's
// lock on a timer, stays responsive to context cancellation, and returns the
// arrival to the schedule with Unget if the wait is abandoned. Every
// transport (HTTP long-poll, WebSocket stream, webhook push) goes through it,
// so the put-back rule lives in exactly one place.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rld013/arrival-rate-server/internal/arrival"
)

// Observer receives pacing events. The metrics registry implements it.
type Observer interface {
	// ObserveDelivery is called once per arrival handed to a caller.
	// wait is how long the Pacer slept before handing it over.
	ObserveDelivery(name string, outcome arrival.Outcome, wait time.Duration)
	// ObserveUnget is called for every put-back attempt.
	ObserveUnget(name string, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveDelivery(string, arrival.Outcome, time.Duration) {}
func (nopObserver) ObserveUnget(string, error)                             {}

// Pacer waits out arrival delays. A single Pacer serves every schedule and is
// safe for concurrent use.
type Pacer struct {
	log zerolog.Logger
	obs Observer

	// Underruns are logged at most once per interval per schedule.
	interval  time.Duration
	mu        sync.Mutex
	underruns map[string]*rate.Sometimes
}

// Option configures a Pacer.
type Option func(*Pacer)

// WithObserver attaches an Observer, typically the metrics registry.
func WithObserver(o Observer) Option {
	return func(p *Pacer) {
		if o != nil {
			p.obs = o
		}
	}
}

// WithUnderrunLogInterval changes how often underruns are logged.
func WithUnderrunLogInterval(d time.Duration) Option {
	return func(p *Pacer) { p.interval = d }
}

// New creates a Pacer that logs to log.
func New(log zerolog.Logger, opts ...Option) *Pacer {
	p := &Pacer{
		log:       log.With().Str("component", "pacer").Logger(),
		obs:       nopObserver{},
		interval:  time.Second,
		underruns: make(map[string]*rate.Sometimes),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Next hands out the next arrival of s, sleeping until it is due.
//
// A schedule that was never started is started on this first access; an
// explicit Start always wins because the implicit one is non-forced.
//
// For OutcomeOK the returned arrival is due when Next returns. OutcomeMissed
// is returned immediately. OutcomeDone means nothing was taken. If ctx ends
// during the wait the arrival is put back and ctx.Err() is returned.
func (p *Pacer) Next(ctx context.Context, name string, s *arrival.Schedule) (arrival.Arrival, error) {
	if err := ctx.Err(); err != nil {
		return arrival.Arrival{Outcome: arrival.OutcomeDone}, err
	}
	s.Start(false, 0)

	a := s.Next()
	switch a.Outcome {
	case arrival.OutcomeDone:
		p.obs.ObserveDelivery(name, a.Outcome, 0)
		return a, nil
	case arrival.OutcomeMissed:
		p.sometimes(name).Do(func() {
			p.log.Warn().
				Str("schedule", name).
				Float64("arrival", a.Offset).
				Dur("late", -a.Delay).
				Int("underruns", s.UnderrunCount()).
				Msg("arrival underrun")
		})
		p.obs.ObserveDelivery(name, a.Outcome, 0)
		return a, nil
	}

	if a.Delay > 0 {
		t := time.NewTimer(a.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			p.Return(name, s, a)
			return arrival.Arrival{Outcome: arrival.OutcomeDone}, ctx.Err()
		case <-t.C:
		}
	}
	p.obs.ObserveDelivery(name, a.Outcome, a.Delay)
	return a, nil
}

func (p *Pacer) sometimes(name string) *rate.Sometimes {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.underruns[name]
	if !ok {
		st = &rate.Sometimes{First: 1, Interval: p.interval}
		p.underruns[name] = st
	}
	return st
}

// Forget drops per-schedule state kept for name. Call it when a schedule is
// removed from the registry.
func (p *Pacer) Forget(name string) {
	p.mu.Lock()
	delete(p.underruns, name)
	p.mu.Unlock()
}

// Return puts an arrival that could not be delivered back into s. It is a
// no-op for OutcomeDone. A rejected put-back is logged and reported to the
// Observer; the arrival is lost in that case.
func (p *Pacer) Return(name string, s *arrival.Schedule, a arrival.Arrival) {
	if !a.Delivered() {
		return
	}
	err := s.Unget(a.Offset)
	p.obs.ObserveUnget(name, err)
	if err != nil {
		p.log.Warn().Err(err).
			Str("schedule", name).
			Float64("arrival", a.Offset).
			Msg("unget rejected")
		return
	}
	p.log.Debug().
		Str("schedule", name).
		Float64("arrival", a.Offset).
		Msg("arrival returned")
}

// DeliverFunc hands one arrival to a consumer. A non-nil error means the
// arrival was not delivered and must be put back.
type DeliverFunc func(ctx context.Context, a arrival.Arrival) error

// ErrDone is returned by Stream when the schedule is exhausted or stopped.
var ErrDone = errors.New("scheduler: schedule done")

// Stream paces arrivals of s into deliver until the schedule is done, ctx
// ends, or deliver fails. A failed arrival is put back before Stream returns
// the delivery error. The final OutcomeDone is passed to deliver as well so
// the consumer can tell its peer the stream is over; its error is ignored.
func (p *Pacer) Stream(ctx context.Context, name string, s *arrival.Schedule, deliver DeliverFunc) error {
	for {
		a, err := p.Next(ctx, name, s)
		if err != nil {
			return err
		}
		if a.Outcome == arrival.OutcomeDone {
			_ = deliver(ctx, a)
			return ErrDone
		}
		if err := deliver(ctx, a); err != nil {
			p.Return(name, s, a)
			return err
		}
	}
}
