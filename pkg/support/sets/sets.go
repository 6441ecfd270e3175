// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implements a set type as a `map[T]struct{}` with better ergonomics, and an IndexMap that
// assigns compact local ids to (global) keys in insertion order.
package sets

import (
	"cmp"
	"slices"
)

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// MakeWith creates a Set[T] with the given elements inserted.
func MakeWith[T comparable](elements ...T) Set[T] {
	s := Make[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Len returns the number of elements in the set.
func (s Set[T]) Len() int {
	return len(s)
}

// Sub returns `s - s2`, that is, all elements in `s` that are not in `s2`.
func (s Set[T]) Sub(s2 Set[T]) Set[T] {
	sub := Make[T]()
	for k := range s {
		if !s2.Has(k) {
			sub.Insert(k)
		}
	}
	return sub
}

// Equal returns whether s and s2 have the exact same elements.
func (s Set[T]) Equal(s2 Set[T]) bool {
	if len(s) != len(s2) {
		return false
	}
	for k := range s {
		if !s2.Has(k) {
			return false
		}
	}
	return true
}

// Sorted returns the elements of the set in ascending order.
//
// Map iteration order is random, so anything that assigns positions to the elements of a set
// should go through Sorted.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	keys := make([]T, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// IndexMap maps keys to compact ids `0..Len()-1`, assigned in insertion order, and keeps the inverse mapping.
//
// It is used to translate global row/column indices into tile-local ones and back.
type IndexMap[T comparable] struct {
	ids  map[T]int
	keys []T
}

// MakeIndexMap returns an empty IndexMap. Size is optional, and if given will reserve the expected size.
func MakeIndexMap[T comparable](size ...int) *IndexMap[T] {
	var n int
	if len(size) > 0 {
		n = size[0]
	}
	return &IndexMap[T]{
		ids:  make(map[T]int, n),
		keys: make([]T, 0, n),
	}
}

// Add assigns the next id to key, if it is not yet present, and returns its id.
func (m *IndexMap[T]) Add(key T) int {
	if id, found := m.ids[key]; found {
		return id
	}
	id := len(m.keys)
	m.ids[key] = id
	m.keys = append(m.keys, key)
	return id
}

// ID returns the id of key and whether it was found.
func (m *IndexMap[T]) ID(key T) (id int, found bool) {
	id, found = m.ids[key]
	return
}

// Has returns whether key has an id.
func (m *IndexMap[T]) Has(key T) bool {
	_, found := m.ids[key]
	return found
}

// Key returns the key with the given id.
func (m *IndexMap[T]) Key(id int) T {
	return m.keys[id]
}

// Keys returns the keys ordered by id. The returned slice must not be modified.
func (m *IndexMap[T]) Keys() []T {
	return m.keys
}

// Len returns the number of keys in the map.
func (m *IndexMap[T]) Len() int {
	return len(m.keys)
}

// Clone returns an independent copy of the map, so that it can be extended without changing m.
func (m *IndexMap[T]) Clone() *IndexMap[T] {
	c := MakeIndexMap[T](len(m.keys))
	for _, key := range m.keys {
		c.Add(key)
	}
	return c
}
