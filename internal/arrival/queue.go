package arrival

import "sort"

// Queue is an ascending sequence of arrival offsets (seconds from the start
// epoch). Duplicate values are allowed.
//
// PopMin is the hot path and runs in O(1) amortized: the backing slice keeps a
// head index instead of shifting on every pop, and the consumed prefix is
// reclaimed once it grows past half of the backing array. InsertOrdered is
// O(n) because it shifts the tail; it only serves the rare putback.
//
// Queue is not safe for concurrent use. Schedule guards it with its own mutex.
type Queue struct {
	vals []float64
	head int // index of the current minimum in vals
}

// NewQueue builds a Queue from offsets in any order. The input slice is copied
// and sorted once, which is cheaper than repeated ordered inserts.
func NewQueue(offsets []float64) *Queue {
	vals := make([]float64, len(offsets))
	copy(vals, offsets)
	sort.Float64s(vals)
	return &Queue{vals: vals}
}

// Len returns the number of offsets still queued.
func (q *Queue) Len() int { return len(q.vals) - q.head }

// PopMin removes and returns the smallest offset.
// ok is false when the queue is empty.
func (q *Queue) PopMin() (v float64, ok bool) {
	if q.head >= len(q.vals) {
		return 0, false
	}
	v = q.vals[q.head]
	q.head++

	switch {
	case q.head == len(q.vals):
		// Fully drained: reuse the backing array from the start.
		q.vals = q.vals[:0]
		q.head = 0
	case q.head > cap(q.vals)/2:
		n := copy(q.vals, q.vals[q.head:])
		q.vals = q.vals[:n]
		q.head = 0
	}
	return v, true
}

// InsertOrdered inserts v immediately before the first queued offset that is
// >= v, or appends it when every queued offset is smaller.
func (q *Queue) InsertOrdered(v float64) {
	live := q.vals[q.head:]
	i := sort.SearchFloat64s(live, v) + q.head

	q.vals = append(q.vals, 0)
	copy(q.vals[i+1:], q.vals[i:])
	q.vals[i] = v
}

// Values returns a copy of the queued offsets in ascending order.
func (q *Queue) Values() []float64 {
	out := make([]float64, q.Len())
	copy(out, q.vals[q.head:])
	return out
}
