// Package registry holds the named arrival schedules served by one process.
//
// There is no global schedule table: the server builds one Registry at
// startup and hands it to every transport. Schedules live only in memory and
// disappear with the process.
//
// Design rules:
//   - Names are 1-128 characters: letters, digits, '.', '_' or '-', starting
//     with a letter or digit. A few names are reserved for server routes.
//   - Put replaces silently and returns the displaced entry so the caller can
//     archive it; Create refuses to replace.
//   - All methods are safe for concurrent use. The registry lock is never held
//     while a schedule is being waited on.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rld013/arrival-rate-server/internal/arrival"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// reserved names collide with top-level server routes.
var reserved = map[string]struct{}{
	"health":        {},
	"metrics":       {},
	"archive":       {},
	"subscriptions": {},
}

// ErrNotFound is returned when no schedule is registered under a name.
var ErrNotFound = errors.New("registry: schedule not found")

// ErrAlreadyExists is returned by Create when the name is taken.
var ErrAlreadyExists = errors.New("registry: schedule already exists")

// ErrInvalidName is returned when a name fails validation.
var ErrInvalidName = errors.New("registry: invalid schedule name")

// Entry is one registered schedule.
type Entry struct {
	Name      string
	Schedule  *arrival.Schedule
	CreatedAt time.Time
}

// Registry maps names to schedules.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// ValidateName reports whether name may be used for a schedule.
func ValidateName(name string) bool {
	if !nameRe.MatchString(name) {
		return false
	}
	_, bad := reserved[name]
	return !bad
}

// Put registers s under name, replacing any existing schedule. The replaced
// entry is returned, or nil if the name was free.
func (r *Registry) Put(name string, s *arrival.Schedule) (*Entry, error) {
	if !ValidateName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.entries[name]
	r.entries[name] = &Entry{Name: name, Schedule: s, CreatedAt: time.Now()}
	return old, nil
}

// Create registers s under name only if the name is free.
func (r *Registry) Create(name string, s *arrival.Schedule) (*Entry, error) {
	if !ValidateName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	e := &Entry{Name: name, Schedule: s, CreatedAt: time.Now()}
	r.entries[name] = e
	return e, nil
}

// Get returns the entry for name, or ErrNotFound.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e, nil
}

// Delete removes name and returns the removed entry, or ErrNotFound.
func (r *Registry) Delete(name string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.entries, name)
	return e, nil
}

// List returns every entry sorted by name.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered schedules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
