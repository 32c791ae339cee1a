// Package ordered implements an insertion-ordered mapping from a
// comparable key to a value, with positional insert/move operations.
// It is the substrate for every DDP collection: order is observable
// on the wire (addedBefore, movedBefore) so a plain map is not enough.
package ordered

// Map is an insertion-ordered mapping from K to V. The zero value is
// not ready to use; construct with New.
//
// Lookups and IndexOf are O(1) via the index maps; positional
// operations (PutAt, MoveTo, Remove) are O(n) for the slice shift, which is
// acceptable at the per-collection sizes DDP publications produce.
// It is not safe for concurrent use; callers serialize access (the
// Collection Store runs on a single event loop, per spec.md §5).
type Map[K comparable, V any] struct {
	order []K
	index map[K]int
	value map[K]V
}

// New returns an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		index: make(map[K]int),
		value: make(map[K]V),
	}
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int { return len(m.order) }

// Get returns the value for k and whether it was present.
func (m *Map[K, V]) Get(k K) (V, bool) {
	v, ok := m.value[k]
	return v, ok
}

// Has reports whether k is present.
func (m *Map[K, V]) Has(k K) bool {
	_, ok := m.value[k]
	return ok
}

// Put inserts or replaces the value for k, appending to the end on
// first insertion. Replacing an existing key keeps its position.
func (m *Map[K, V]) Put(k K, v V) {
	if _, ok := m.index[k]; ok {
		m.value[k] = v
		return
	}
	m.index[k] = len(m.order)
	m.order = append(m.order, k)
	m.value[k] = v
}

// PutAt inserts or replaces the value for k at the given index.
// Replacing an existing key removes its old position first, then
// reinserts at index (clamped to [0, Len()]).
func (m *Map[K, V]) PutAt(k K, v V, index int) {
	if _, ok := m.index[k]; ok {
		m.removeFromOrder(k)
	}
	m.insertAt(k, index)
	m.value[k] = v
}

// MoveTo relocates an existing key to the given index (clamped to
// [0, Len()-1] after removal). A no-op if k is absent.
func (m *Map[K, V]) MoveTo(k K, index int) {
	if _, ok := m.index[k]; !ok {
		return
	}
	m.removeFromOrder(k)
	m.insertAt(k, index)
}

// Remove deletes k, returning its prior value and whether it was
// present.
func (m *Map[K, V]) Remove(k K) (V, bool) {
	v, ok := m.value[k]
	if !ok {
		return v, false
	}
	m.removeFromOrder(k)
	delete(m.value, k)
	return v, true
}

// IndexOf returns the position of k, or -1 if absent.
func (m *Map[K, V]) IndexOf(k K) int {
	if i, ok := m.index[k]; ok {
		return i
	}
	return -1
}

// Keys returns the keys in order. The returned slice is a copy.
func (m *Map[K, V]) Keys() []K {
	out := make([]K, len(m.order))
	copy(out, m.order)
	return out
}

// Each iterates over entries in order, stopping early if fn returns
// false.
func (m *Map[K, V]) Each(fn func(k K, v V) bool) {
	for _, k := range m.order {
		if !fn(k, m.value[k]) {
			return
		}
	}
}

func (m *Map[K, V]) removeFromOrder(k K) {
	i := m.index[k]
	m.order = append(m.order[:i], m.order[i+1:]...)
	delete(m.index, k)
	for j := i; j < len(m.order); j++ {
		m.index[m.order[j]] = j
	}
}

func (m *Map[K, V]) insertAt(k K, index int) {
	if index < 0 {
		index = 0
	}
	if index > len(m.order) {
		index = len(m.order)
	}
	m.order = append(m.order, k)
	copy(m.order[index+1:], m.order[index:])
	m.order[index] = k
	for j := index; j < len(m.order); j++ {
		m.index[m.order[j]] = j
	}
}
