// Package consumer pushes arrivals to webhook subscribers.
//
// Each subscription is a server-side waiting consumer: a goroutine that paces
// its schedule exactly like a long-polling client would and POSTs every
// arrival to the subscriber's URL. A failed POST returns the arrival to the
// schedule and backs off; once the configured retry delays are used up the
// subscription is dropped. The loop ends when the schedule reports done.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rld013/arrival-rate-server/internal/arrival"
	"github.com/rld013/arrival-rate-server/internal/node"
	"github.com/rld013/arrival-rate-server/internal/scheduler"
)

// ErrSubscriptionNotFound is returned by Deregister for an unknown ID.
var ErrSubscriptionNotFound = errors.New("consumer: subscription not found")

// ErrInvalidURL is returned by Register when the target is not an absolute
// http or https URL.
var ErrInvalidURL = errors.New("consumer: invalid webhook url")

// Observer counts webhook POST attempts. The metrics registry implements it.
type Observer interface {
	ObserveWebhook(result string)
}

type nopObserver struct{}

func (nopObserver) ObserveWebhook(string) {}

// Subscription describes one registered webhook.
type Subscription struct {
	ID        string    `json:"id"`
	Schedule  string    `json:"schedule"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`

	secret string
	sched  *arrival.Schedule
	cancel context.CancelFunc
}

// Options tunes delivery.
type Options struct {
	// RetryDelays are waited between consecutive failed POSTs. A success
	// resets the sequence.
	RetryDelays []time.Duration
	// Timeout bounds one POST.
	Timeout time.Duration
	// Observer, if set, receives "ok", "failed" and "dropped" per attempt.
	Observer Observer
	// Client replaces the default http.Client; Timeout is ignored then.
	Client *http.Client
}

// Manager owns the running subscriptions.
type Manager struct {
	pacer  *scheduler.Pacer
	log    zerolog.Logger
	client *http.Client
	delays []time.Duration
	obs    Observer

	mu   sync.Mutex
	subs map[string]*Subscription
	wg   sync.WaitGroup
}

// NewManager creates a Manager that paces schedules through p.
func NewManager(p *scheduler.Pacer, log zerolog.Logger, opts Options) *Manager {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	var obs Observer = nopObserver{}
	if opts.Observer != nil {
		obs = opts.Observer
	}
	return &Manager{
		pacer:  p,
		log:    log.With().Str("component", "webhook").Logger(),
		client: client,
		delays: append([]time.Duration(nil), opts.RetryDelays...),
		obs:    obs,
		subs:   make(map[string]*Subscription),
	}
}

// Register starts pushing arrivals of s (registered as name) to target.
// When secret is non-empty every body is signed with HMAC-SHA256.
func (m *Manager) Register(name string, s *arrival.Schedule, target, secret string) (Subscription, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Subscription{}, fmt.Errorf("%w: %q", ErrInvalidURL, target)
	}
	id, err := node.NewID()
	if err != nil {
		return Subscription{}, fmt.Errorf("consumer: generate subscription id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:        id,
		Schedule:  name,
		URL:       target,
		CreatedAt: time.Now().UTC(),
		secret:    secret,
		sched:     s,
		cancel:    cancel,
	}

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, sub)

	m.log.Info().Str("id", id).Str("schedule", name).Str("url", target).Msg("subscription registered")
	return *sub, nil
}

// Deregister stops and removes a subscription.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.cancel()
	m.log.Info().Str("id", id).Msg("subscription deregistered")
	return nil
}

// DropSchedule stops every subscription bound to s. Used when the schedule is
// deleted or replaced.
func (m *Manager) DropSchedule(s *arrival.Schedule) int {
	m.mu.Lock()
	var dropped []*Subscription
	for id, sub := range m.subs {
		if sub.sched == s {
			dropped = append(dropped, sub)
			delete(m.subs, id)
		}
	}
	m.mu.Unlock()

	for _, sub := range dropped {
		sub.cancel()
	}
	return len(dropped)
}

// List returns the active subscriptions of the named schedule, or of every
// schedule when name is empty, ordered by ID.
func (m *Manager) List(name string) []Subscription {
	m.mu.Lock()
	out := make([]Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if name == "" || sub.Schedule == name {
			out = append(out, *sub)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every subscription and waits for their goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, sub := range m.subs {
		sub.cancel()
		delete(m.subs, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// ─── delivery loop ────────────────────────────────────────────────────────────

func (m *Manager) run(ctx context.Context, sub *Subscription) {
	defer m.wg.Done()
	defer m.forget(sub.ID)

	log := m.log.With().Str("id", sub.ID).Str("schedule", sub.Schedule).Logger()
	failures := 0

	for {
		a, err := m.pacer.Next(ctx, sub.Schedule, sub.sched)
		if err != nil {
			return
		}

		err = m.post(ctx, sub, a)
		if a.Outcome == arrival.OutcomeDone {
			log.Info().Msg("schedule done, subscription finished")
			return
		}
		if err == nil {
			failures = 0
			m.obs.ObserveWebhook("ok")
			continue
		}

		m.pacer.Return(sub.Schedule, sub.sched, a)
		if ctx.Err() != nil {
			return
		}
		if failures >= len(m.delays) {
			m.obs.ObserveWebhook("dropped")
			log.Warn().Err(err).Int("attempts", failures+1).Msg("webhook failing, subscription dropped")
			return
		}
		m.obs.ObserveWebhook("failed")
		wait := m.delays[failures]
		failures++
		log.Warn().Err(err).Dur("retry_in", wait).Msg("webhook delivery failed")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}
