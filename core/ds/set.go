// Package ds provides small generic data structures shared by the core
// packages.
package ds

import (
	"encoding/json"
	"fmt"
)

type StringSet = Set[string]

// Set is an ordered set with O(1) membership testing and insertion-order
// iteration. Snapshots of in-flight request ids and eviction scans rely
// on the deterministic order.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T // preserves insertion order
}

func (s *Set[T]) String() string {
	return fmt.Sprintf("%v", s.order)
}

// Add adds v to the set. No-op if already present. (mutates)
func (s *Set[T]) Add(v T) {
	if s.Contains(v) {
		return
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
}

// Remove removes the given values from the set. (mutates)
// This operation is O(n) where n is the set size.
func (s *Set[T]) Remove(vals ...T) {
	toRemove := make(map[T]struct{}, len(vals))
	for _, v := range vals {
		if _, ok := s.items[v]; ok {
			toRemove[v] = struct{}{}
			delete(s.items, v)
		}
	}
	if len(toRemove) == 0 {
		return
	}

	newOrder := make([]T, 0, len(s.order)-len(toRemove))
	for _, v := range s.order {
		if _, removed := toRemove[v]; !removed {
			newOrder = append(newOrder, v)
		}
	}
	s.order = newOrder
}

// Contains returns true if v is present in the set.
func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

// Len returns the number of elements in the set.
func (s *Set[T]) Len() int { return len(s.items) }

// IsEmpty returns true if the set contains no elements.
func (s *Set[T]) IsEmpty() bool { return len(s.items) == 0 }

// ForEach iterates over all elements in insertion order.
func (s *Set[T]) ForEach(fn func(T)) {
	for _, v := range s.order {
		fn(v)
	}
}

// Values returns a copy of the elements in insertion order.
func (s *Set[T]) Values() []T {
	out := make([]T, len(s.order))
	copy(out, s.order)
	return out
}

// MarshalJSON serializes the set as an ordered JSON array.
func (s Set[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}

// UnmarshalJSON deserializes a JSON array into the set.
func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var vals []T
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}
	*s = *NewSet(vals...)
	return nil
}

// NewSet creates a new set with the given items.
func NewSet[T comparable](items ...T) *Set[T] {
	set := &Set[T]{items: map[T]struct{}{}, order: make([]T, 0, len(items))}
	for _, item := range items {
		set.Add(item)
	}
	return set
}

// NewStringSet creates a new string set with the given items.
func NewStringSet(items ...string) *StringSet {
	return NewSet(items...)
}
