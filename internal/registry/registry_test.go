package registry_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rld013/arrival-rate-server/internal/arrival"
	"github.com/rld013/arrival-rate-server/internal/registry"
)

func sched(t *testing.T) *arrival.Schedule {
	t.Helper()
	s, err := arrival.New(1, 2)
	require.NoError(t, err)
	return s
}

// ─── Basic CRUD ───────────────────────────────────────────────────────────────

func TestPut_and_List(t *testing.T) {
	r := registry.New()
	for _, n := range []string{"payments", "Load-Test", "a.b_c"} {
		_, err := r.Put(n, sched(t))
		require.NoError(t, err, n)
	}

	list := r.List()
	require.Len(t, list, 3)
	// Sorted by byte order.
	assert.Equal(t, "Load-Test", list[0].Name)
	assert.Equal(t, "a.b_c", list[1].Name)
	assert.Equal(t, "payments", list[2].Name)
	assert.Equal(t, 3, r.Len())
}

func TestPut_ReplacesAndReturnsOld(t *testing.T) {
	r := registry.New()
	first, second := sched(t), sched(t)

	old, err := r.Put("x", first)
	require.NoError(t, err)
	assert.Nil(t, old)

	old, err = r.Put("x", second)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Same(t, first, old.Schedule)

	e, err := r.Get("x")
	require.NoError(t, err)
	assert.Same(t, second, e.Schedule)
	assert.Equal(t, 1, r.Len())
}

func TestCreate_Duplicate(t *testing.T) {
	r := registry.New()
	_, err := r.Create("orders", sched(t))
	require.NoError(t, err)

	_, err = r.Create("orders", sched(t))
	assert.ErrorIs(t, err, registry.ErrAlreadyExists)
}

func TestGet_NotFound(t *testing.T) {
	r := registry.New()
	_, err := r.Get("ghost")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDelete(t *testing.T) {
	r := registry.New()
	s := sched(t)
	_, _ = r.Put("temp", s)

	e, err := r.Delete("temp")
	require.NoError(t, err)
	assert.Same(t, s, e.Schedule)

	_, err = r.Delete("temp")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, 0, r.Len())
}

// ─── Validation ───────────────────────────────────────────────────────────────

func TestValidateName(t *testing.T) {
	for _, n := range []string{"a", "abc", "my-sched", "Q1", "v1.2", "snake_case"} {
		assert.True(t, registry.ValidateName(n), n)
	}
	invalid := []string{"", "-lead", ".hidden", "has space", "a/b", "health", "archive", strings.Repeat("x", 129)}
	for _, n := range invalid {
		assert.False(t, registry.ValidateName(n), n)
	}
}

func TestPut_InvalidName(t *testing.T) {
	r := registry.New()
	_, err := r.Put("bad name", sched(t))
	assert.ErrorIs(t, err, registry.ErrInvalidName)
	_, err = r.Create("metrics", sched(t))
	assert.ErrorIs(t, err, registry.ErrInvalidName)
}

// ─── Concurrency ──────────────────────────────────────────────────────────────

func TestCreate_ConcurrentSingleWinner(t *testing.T) {
	r := registry.New()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _ := arrival.New(1, 1)
			if _, err := r.Create("race", s); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
